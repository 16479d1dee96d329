package settlement

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"GigaCrew-Agent/internal/order"

	"github.com/stretchr/testify/require"
)

func TestRunnerRepeatsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	runner := NewRunner("test", 5*time.Millisecond, func(context.Context) error {
		if runs.Add(1) == 3 {
			cancel()
		}
		return errors.New("ignored")
	})

	err := runner.Start(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.EqualValues(t, 3, runs.Load())
}

func TestNewRunnerDefaultsInterval(t *testing.T) {
	runner := NewRunner("gc", 0, func(context.Context) error { return nil })
	require.Equal(t, DefaultInterval, runner.interval)
	require.Equal(t, "gc", runner.Name())
}

func TestProposalCollectorRemovesExpiredProposals(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	require.NoError(t, store.InsertProposal(ctx, order.Proposal{ID: "01", ServiceID: "7", Expiry: fixedNow.Add(-time.Hour)}))
	require.NoError(t, store.InsertProposal(ctx, order.Proposal{ID: "02", ServiceID: "7", Expiry: fixedNow}))

	collector := NewProposalCollector(store, WithClock(clock()))
	require.NoError(t, collector.Cycle(ctx))

	_, err := store.GetProposal(ctx, "01")
	require.ErrorIs(t, err, order.ErrProposalNotFound)
	_, err = store.GetProposal(ctx, "02")
	require.NoError(t, err)
}
