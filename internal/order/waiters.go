package order

import (
	"context"
	"errors"
	"sync"
	"time"

	xerrors "GigaCrew-Agent/internal/errors"
)

// Waiters is the table of pending work completions, at most one per order.
type Waiters struct {
	mu      sync.Mutex
	pending map[string]chan string
}

// NewWaiters 创建等待表。
func NewWaiters() *Waiters {
	return &Waiters{pending: make(map[string]chan string)}
}

// Register reserves the completion handle for orderID. The returned release
// function removes the handle if it is still the registered one.
func (w *Waiters) Register(orderID string) (<-chan string, func(), error) {
	orderID = NormalizeID(orderID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[orderID]; ok {
		return nil, nil, xerrors.Newf(xerrors.CodeConflict, "订单 %s 已有等待者", orderID)
	}
	ch := make(chan string, 1)
	w.pending[orderID] = ch
	release := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if current, ok := w.pending[orderID]; ok && current == ch {
			delete(w.pending, orderID)
		}
	}
	return ch, release, nil
}

// Resolve delivers work to the registered waiter, if any, and removes it.
func (w *Waiters) Resolve(orderID, work string) bool {
	orderID = NormalizeID(orderID)
	w.mu.Lock()
	ch, ok := w.pending[orderID]
	if ok {
		delete(w.pending, orderID)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	ch <- work
	return true
}

// Pending 返回当前等待中的订单数量。
func (w *Waiters) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// WaitForWork returns the stored deliverable for orderID or blocks until it
// is resolved, the timeout elapses (zero waits indefinitely) or ctx ends.
func WaitForWork(ctx context.Context, store Store, waiters *Waiters, orderID string, timeout time.Duration) (string, error) {
	ch, release, err := waiters.Register(orderID)
	if err != nil {
		return "", err
	}
	defer release()

	o, err := store.GetOrder(ctx, orderID)
	switch {
	case err == nil && o.HasWork():
		return *o.Work, nil
	case err != nil && !errors.Is(err, ErrOrderNotFound):
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单交付物失败")
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case work := <-ch:
		return work, nil
	case <-expired:
		return "", xerrors.Newf(xerrors.CodeTimeout, "等待订单 %s 交付超时", NormalizeID(orderID))
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
