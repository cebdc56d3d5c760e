package emitter

import (
	"context"
	"testing"
	"time"

	"github.com/kandev/execplane/internal/execution/model"
)

func TestSSEEmitter_CollectAccumulatesUntilTerminal(t *testing.T) {
	e := NewSSEEmitter()
	ctx := context.Background()

	go func() {
		_ = e.Emit(ctx, &model.ExecutionEvent{Type: model.EventChunk, Content: "foo"})
		_ = e.Emit(ctx, &model.ExecutionEvent{Type: model.EventChunk, Content: "bar"})
		_ = e.Emit(ctx, &model.ExecutionEvent{Type: model.EventDone, Result: &model.Result{Value: "foobar"}})
	}()

	content, final, err := e.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	if content != "foobar" {
		t.Fatalf("content = %q, want foobar", content)
	}
	if final == nil || final.Type != model.EventDone {
		t.Fatalf("final = %+v, want a done event", final)
	}
}

func TestSSEEmitter_StreamStopsAtTerminal(t *testing.T) {
	e := NewSSEEmitter()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_ = e.Emit(ctx, &model.ExecutionEvent{Type: model.EventChunk, Content: "a"})
	_ = e.Emit(ctx, &model.ExecutionEvent{Type: model.EventError, Error: "x"})
	_ = e.Emit(ctx, &model.ExecutionEvent{Type: model.EventChunk, Content: "should not be seen"})

	var got []*model.ExecutionEvent
	for ev := range e.Stream(ctx) {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2 (stream must stop at the terminal event)", len(got))
	}
	if got[1].Type != model.EventError {
		t.Fatalf("last event type = %v, want error", got[1].Type)
	}
}

func TestStreamSSE_FormatsDataFrame(t *testing.T) {
	out, err := StreamSSE(&model.ExecutionEvent{Type: model.EventChunk, Content: "hi"})
	if err != nil {
		t.Fatalf("StreamSSE error: %v", err)
	}
	if len(out) == 0 || out[:6] != "data: " {
		t.Fatalf("output = %q, want it to start with 'data: '", out)
	}
}
