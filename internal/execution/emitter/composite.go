package emitter

import (
	"context"
	"sync"

	"github.com/kandev/execplane/internal/common/logger"
	"github.com/kandev/execplane/internal/execution/model"
)

// CompositeEmitter fans an event out to every child emitter concurrently.
// Each child's error is logged in isolation; one child failing never
// prevents the others from receiving the event.
type CompositeEmitter struct {
	children []ResultEmitter
	log      *logger.Logger
}

// NewCompositeEmitter builds a fan-out over the given children.
func NewCompositeEmitter(log *logger.Logger, children ...ResultEmitter) *CompositeEmitter {
	return &CompositeEmitter{children: children, log: log}
}

// Emit gathers the event across all children, isolating each one's error.
func (e *CompositeEmitter) Emit(ctx context.Context, ev *model.ExecutionEvent) error {
	var wg sync.WaitGroup
	for _, child := range e.children {
		wg.Add(1)
		go func(c ResultEmitter) {
			defer wg.Done()
			if err := c.Emit(ctx, ev); err != nil {
				e.log.WithError(err).Warn("composite emitter: child emit failed")
			}
		}(child)
	}
	wg.Wait()
	return nil
}

// Close closes every child, collecting but not failing on individual errors.
func (e *CompositeEmitter) Close() error {
	for _, child := range e.children {
		if err := child.Close(); err != nil {
			e.log.WithError(err).Warn("composite emitter: child close failed")
		}
	}
	return nil
}
