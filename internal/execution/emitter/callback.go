package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kandev/execplane/internal/common/logger"
	"github.com/kandev/execplane/internal/execution/model"
)

// CallbackEmitter POSTs each event's JSON body to a callback URL. Errors are
// logged only, never raised to the producer.
type CallbackEmitter struct {
	url    string
	client *http.Client
	log    *logger.Logger
}

// NewCallbackEmitter builds an emitter that posts to url.
func NewCallbackEmitter(url string, timeout time.Duration, log *logger.Logger) *CallbackEmitter {
	return &CallbackEmitter{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Emit posts the event body; failures are logged and swallowed.
func (e *CallbackEmitter) Emit(ctx context.Context, ev *model.ExecutionEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		e.log.WithError(err).Error("callback emitter: marshal event failed")
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		e.log.WithError(err).Error("callback emitter: build request failed")
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.log.WithError(err).Warn("callback emitter: POST failed")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		e.log.Warn(fmt.Sprintf("callback emitter: unexpected status %d", resp.StatusCode))
	}
	return nil
}

// Close is a no-op: the HTTP client is reused across requests, not owned
// per-emitter.
func (e *CallbackEmitter) Close() error { return nil }

// BatchCallbackEmitter buffers up to N events (or until a terminal event)
// and POSTs the batch to {url}/batch.
type BatchCallbackEmitter struct {
	url     string
	client  *http.Client
	log     *logger.Logger
	maxSize int

	mu     sync.Mutex
	buffer []*model.ExecutionEvent
}

// NewBatchCallbackEmitter builds a buffering variant of CallbackEmitter.
func NewBatchCallbackEmitter(url string, maxSize int, timeout time.Duration, log *logger.Logger) *BatchCallbackEmitter {
	return &BatchCallbackEmitter{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		log:     log,
		maxSize: maxSize,
	}
}

// Emit buffers the event, flushing when the buffer is full or the event is
// terminal.
func (e *BatchCallbackEmitter) Emit(ctx context.Context, ev *model.ExecutionEvent) error {
	e.mu.Lock()
	e.buffer = append(e.buffer, ev)
	shouldFlush := len(e.buffer) >= e.maxSize || ev.Type.IsTerminal()
	var batch []*model.ExecutionEvent
	if shouldFlush {
		batch = e.buffer
		e.buffer = nil
	}
	e.mu.Unlock()

	if batch == nil {
		return nil
	}
	return e.flush(ctx, batch)
}

func (e *BatchCallbackEmitter) flush(ctx context.Context, batch []*model.ExecutionEvent) error {
	body, err := json.Marshal(batch)
	if err != nil {
		e.log.WithError(err).Error("batch callback emitter: marshal batch failed")
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/batch", bytes.NewReader(body))
	if err != nil {
		e.log.WithError(err).Error("batch callback emitter: build request failed")
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.log.WithError(err).Warn("batch callback emitter: POST failed")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		e.log.Warn(fmt.Sprintf("batch callback emitter: unexpected status %d", resp.StatusCode))
	}
	return nil
}

// Close flushes any buffered events that haven't reached a terminal event.
func (e *BatchCallbackEmitter) Close() error {
	e.mu.Lock()
	batch := e.buffer
	e.buffer = nil
	e.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return e.flush(context.Background(), batch)
}
