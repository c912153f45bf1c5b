// Package logx is the structured logging layer of the task pool.
//
// Logger is a value type over zerolog with typed Field helpers. A Service owns
// the sinks (human readable console on stderr, JSON lines in a file) and can
// be re-applied at runtime; every Logger it handed out follows the change.
package logx
