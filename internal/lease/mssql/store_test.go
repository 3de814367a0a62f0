package mssql

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/leaserun/internal/lease"
)

// envTestDSN names a SQL Server instance for the integration test below.
const envTestDSN = "LEASERUN_TEST_MSSQL_DSN"

func TestOpen_EmptyDSN(t *testing.T) {
	_, err := Open(context.Background(), "  ", lease.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dsn cannot be empty")
}

func TestActive(t *testing.T) {
	assert.Equal(t,
		"SELECT id FROM dbo.leaserun_leases WHERE revoked = 0 AND expires_at > @p2",
		active("@p2"))
}

func TestStore_Integration(t *testing.T) {
	dsn := os.Getenv(envTestDSN)
	if dsn == "" {
		t.Skipf("%s not set", envTestDSN)
	}

	ctx := context.Background()
	s, err := Open(ctx, dsn, lease.Options{LeaseTTL: time.Minute})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.db.ExecContext(ctx, `DELETE FROM dbo.leaserun_jobs; DELETE FROM dbo.leaserun_leases;`)
	require.NoError(t, err)

	for range 5 {
		_, err := s.Enqueue(ctx, "", []byte("{}"))
		require.NoError(t, err)
	}

	l, err := s.Stake(ctx, "it", 3)
	require.NoError(t, err)
	require.Equal(t, 3, l.Len())

	covered, err := s.JobsCovered(ctx, l.ID)
	require.NoError(t, err)
	assert.Len(t, covered, 3)

	n, err := s.CountOutstanding(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Complete(ctx, l.JobIDs[0]))
	require.NoError(t, s.Revoke(ctx, l.ID))
	require.NoError(t, s.Clean(ctx))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Pending)
	assert.Equal(t, 1, st.Done)
	assert.Equal(t, 0, st.OutstandingLeases)
}
