package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/armandaspatt/slack-scheduler/internal/db"
)

func TestPGXPoolStatsReportsDeltas(t *testing.T) {
	pool := db.StartTestPostgres(t)
	m := NewPGXPoolStats(pool)

	for i := 0; i < 5; i++ {
		var one int
		require.NoError(t, pool.QueryRow(context.Background(), `SELECT 1`).Scan(&one))
	}
	m.observe()
	first := testutil.ToFloat64(m.acquireCount)
	require.Equal(t, float64(pool.Stat().AcquireCount()), first)

	// pgx reports running totals. A second sample with no acquires in
	// between must add nothing, not the whole total again.
	m.observe()
	require.Equal(t, first, testutil.ToFloat64(m.acquireCount))
}
