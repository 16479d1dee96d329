package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"GigaCrew-Agent/internal/web3"
)

type fakeSource struct {
	mu      sync.Mutex
	latest  uint64
	events  map[web3.EventKind][]web3.Event
	filters []web3.EventFilter
	err     error
}

func (f *fakeSource) LatestBlock(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.err
}

func (f *fakeSource) FilterEvents(_ context.Context, filter web3.EventFilter) ([]web3.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	return f.events[filter.Kind], nil
}

type recordingProducer struct {
	mu   sync.Mutex
	envs []Envelope
	err  error
}

func (p *recordingProducer) Publish(_ context.Context, env Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.envs = append(p.envs, env)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.envs)
}

func sellerFilters() []web3.EventFilter {
	return []web3.EventFilter{
		{Kind: web3.EventEscrowCreated, ServiceID: "9"},
		{Kind: web3.EventWorkSubmitted},
	}
}

func TestListenerStartBlock(t *testing.T) {
	ctx := context.Background()

	cursor := NewMemoryCursor()
	l := NewListener(&fakeSource{}, cursor, &recordingProducer{}, ListenerConfig{FromBlock: 100})
	start, err := l.StartBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), start)

	require.NoError(t, cursor.Store(ctx, 250))
	start, err = l.StartBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(250), start)

	forced := NewListener(&fakeSource{}, cursor, &recordingProducer{}, ListenerConfig{FromBlock: 100, ForceFromBlock: true})
	start, err = forced.StartBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), start)
}

func TestListenerPollPublishesInBlockOrderAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{
		latest: 20,
		events: map[web3.EventKind][]web3.Event{
			web3.EventEscrowCreated: {
				{Kind: web3.EventEscrowCreated, BlockNumber: 15, LogIndex: 1, Escrow: &web3.Escrow{OrderID: "b"}},
			},
			web3.EventWorkSubmitted: {
				{Kind: web3.EventWorkSubmitted, BlockNumber: 12, LogIndex: 0, Work: &web3.WorkSubmission{OrderID: "a"}},
				{Kind: web3.EventWorkSubmitted, BlockNumber: 15, LogIndex: 4, Work: &web3.WorkSubmission{OrderID: "c"}},
			},
		},
	}
	producer := &recordingProducer{}
	cursor := NewMemoryCursor()
	l := NewListener(source, cursor, producer, ListenerConfig{}, sellerFilters()...)

	next, err := l.Poll(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(21), next)

	require.Len(t, producer.envs, 3)
	require.Equal(t, uint64(12), producer.envs[0].Event.BlockNumber)
	require.Equal(t, "b", producer.envs[1].Event.Escrow.OrderID)
	require.Equal(t, "c", producer.envs[2].Event.Work.OrderID)
	require.NotEqual(t, producer.envs[0].ID, producer.envs[1].ID)

	for _, f := range source.filters {
		require.Equal(t, uint64(10), f.FromBlock)
		require.Equal(t, uint64(20), f.ToBlock)
	}
	require.Equal(t, "9", source.filters[0].ServiceID)

	block, ok, err := cursor.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(20), block)
}

func TestListenerPollWaitsForNewBlocks(t *testing.T) {
	source := &fakeSource{latest: 5}
	producer := &recordingProducer{}
	l := NewListener(source, nil, producer, ListenerConfig{}, sellerFilters()...)

	next, err := l.Poll(context.Background(), 6)
	require.NoError(t, err)
	require.Equal(t, uint64(6), next)
	require.Empty(t, source.filters)
}

func TestListenerPollKeepsCursorOnPublishFailure(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{
		latest: 8,
		events: map[web3.EventKind][]web3.Event{
			web3.EventEscrowCreated: {{Kind: web3.EventEscrowCreated, BlockNumber: 8, Escrow: &web3.Escrow{}}},
		},
	}
	cursor := NewMemoryCursor()
	l := NewListener(source, cursor, &recordingProducer{err: errors.New("queue down")}, ListenerConfig{}, sellerFilters()...)

	next, err := l.Poll(ctx, 3)
	require.Error(t, err)
	require.Equal(t, uint64(3), next)
	_, ok, _ := cursor.Load(ctx)
	require.False(t, ok)
}

func TestListenerStartPollsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	source := &fakeSource{
		latest: 3,
		events: map[web3.EventKind][]web3.Event{
			web3.EventEscrowCreated: {{Kind: web3.EventEscrowCreated, BlockNumber: 3, Escrow: &web3.Escrow{OrderID: "x"}}},
		},
	}
	producer := &recordingProducer{}
	l := NewListener(source, nil, producer, ListenerConfig{PollInterval: time.Hour}, web3.EventFilter{Kind: web3.EventEscrowCreated})

	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	require.Eventually(t, func() bool { return producer.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}
