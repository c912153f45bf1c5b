package integration

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spacetelescope/stasis-sub001/internal/pool"
)

func BenchmarkDrain(b *testing.B) {
	requireShell(b)

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		p, err := pool.New(pool.Config{
			Name:         "bench",
			Capacity:     32,
			LogDir:       b.TempDir(),
			ScriptDir:    b.TempDir(),
			PollInterval: 10 * time.Millisecond,
			Output:       &bytes.Buffer{},
		})
		require.NoError(b, err)
		for j := 0; j < 32; j++ {
			_, err := p.Enqueue(fmt.Sprintf("job-%d", j), "true")
			require.NoError(b, err)
		}
		b.StartTimer()

		_, err = p.Drain(context.Background(), 8, false)
		require.NoError(b, err)

		b.StopTimer()
		require.NoError(b, p.Free())
		b.StartTimer()
	}
}
