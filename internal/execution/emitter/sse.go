package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kandev/execplane/internal/execution/model"
)

// SSEEmitter is an unbounded async queue: a producer goroutine emits events
// while a consumer iterates Stream until a terminal event arrives. Safe to
// dispatch to from a producer while a consumer drains it concurrently.
type SSEEmitter struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []*model.ExecutionEvent
	closed bool
}

// NewSSEEmitter builds an empty queue-backed emitter.
func NewSSEEmitter() *SSEEmitter {
	e := &SSEEmitter{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Emit appends the event to the queue and wakes any blocked consumer.
func (e *SSEEmitter) Emit(ctx context.Context, ev *model.ExecutionEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.events = append(e.events, ev)
	e.cond.Broadcast()
	return nil
}

// Close marks the queue closed; any blocked Stream call wakes and returns.
func (e *SSEEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.cond.Broadcast()
	return nil
}

// Stream yields events in order until a terminal event is delivered or the
// context is cancelled.
func (e *SSEEmitter) Stream(ctx context.Context) <-chan *model.ExecutionEvent {
	out := make(chan *model.ExecutionEvent)
	go func() {
		defer close(out)
		next := 0
		for {
			e.mu.Lock()
			for next >= len(e.events) && !e.closed {
				e.cond.Wait()
			}
			if next >= len(e.events) && e.closed {
				e.mu.Unlock()
				return
			}
			ev := e.events[next]
			next++
			e.mu.Unlock()

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type.IsTerminal() {
				return
			}
		}
	}()
	return out
}

// StreamSSE formats one event as an SSE `data:` frame.
func StreamSSE(ev *model.ExecutionEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("data: %s\n\n", data), nil
}

// Collect drains the queue until a terminal event and returns the
// concatenated chunk content plus the terminal event itself.
func (e *SSEEmitter) Collect(ctx context.Context) (string, *model.ExecutionEvent, error) {
	var content string
	for ev := range e.Stream(ctx) {
		if ev.Type == model.EventChunk || ev.Type == model.EventThinking {
			content += ev.Content
		}
		if ev.Type.IsTerminal() {
			return content, ev, nil
		}
	}
	return content, nil, ctx.Err()
}
