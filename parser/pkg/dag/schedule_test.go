package dag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChainParse_DAG_Schedule(t *testing.T) {
	t.Parallel()

	day := func(d, h, m int) time.Time { return time.Date(2024, 5, d, h, m, 0, 0, time.UTC) }

	t.Run("daily", func(t *testing.T) {
		t.Parallel()
		d := newTestDAG(t)

		prev, err := d.PreviousExecution(day(2, 0, 0))
		require.NoError(t, err)
		require.Equal(t, day(1, 0, 0), prev)

		prev, err = d.PreviousExecution(day(2, 13, 37))
		require.NoError(t, err)
		require.Equal(t, day(2, 0, 0), prev)

		latest, err := d.LatestExecution(day(2, 0, 0))
		require.NoError(t, err)
		require.Equal(t, day(2, 0, 0), latest)

		latest, err = d.LatestExecution(day(2, 0, 0).Add(-time.Millisecond))
		require.NoError(t, err)
		require.Equal(t, day(1, 0, 0), latest)

		next, err := d.NextExecution(day(2, 0, 0))
		require.NoError(t, err)
		require.Equal(t, day(3, 0, 0), next)
	})

	t.Run("hourly", func(t *testing.T) {
		t.Parallel()
		d := New("hourly", "@hourly", DefaultArgs{})
		prev, err := d.PreviousExecution(day(2, 10, 30))
		require.NoError(t, err)
		require.Equal(t, day(2, 10, 0), prev)
	})

	t.Run("monthly", func(t *testing.T) {
		t.Parallel()
		d := New("monthly", "0 0 1 * *", DefaultArgs{})
		prev, err := d.PreviousExecution(day(20, 0, 0))
		require.NoError(t, err)
		require.Equal(t, day(1, 0, 0), prev)
	})

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()
		d := New("bad", "every day", DefaultArgs{})
		_, err := d.PreviousExecution(day(2, 0, 0))
		require.ErrorContains(t, err, "invalid schedule")
		_, err = ParseSchedule("61 * * * *")
		require.Error(t, err)
	})
}
