package settlement

import (
	"context"

	"GigaCrew-Agent/internal/order"
)

// Worker produces the deliverable for an order.
type Worker interface {
	Work(ctx context.Context, o order.Order) (string, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, o order.Order) (string, error)

// Work calls f.
func (f WorkerFunc) Work(ctx context.Context, o order.Order) (string, error) {
	return f(ctx, o)
}
