// Package router implements the ExecutionRouter: a pure function from a
// request (and optional device id) to the transport target that will carry
// it. It has no side effects and holds no state beyond its static config.
package router

import (
	"fmt"

	"github.com/kandev/execplane/internal/common/config"
	"github.com/kandev/execplane/internal/execution/model"
)

// Mode is the transport a dispatch will use.
type Mode string

const (
	ModeSSE         Mode = "sse"
	ModeWebSocket   Mode = "websocket"
	ModeHTTPCallback Mode = "http_callback"
)

// Target describes where and how to deliver an ExecutionRequest.
type Target struct {
	Mode      Mode
	URL       string
	Endpoint  string
	Namespace string
	Event     string
	Room      string
}

// Router is the pure ExecutionRouter. It is constructed once with the
// transport addresses and has no mutable state.
type Router struct {
	chatShellURL       string
	executorManagerURL string
}

// New builds a Router bound to the configured upstream addresses.
func New(cfg config.TransportConfig) *Router {
	return &Router{
		chatShellURL:       cfg.ChatShellURL,
		executorManagerURL: cfg.ExecutorManagerURL,
	}
}

// Route selects an ExecutionTarget for the request. deviceID, when
// non-empty, always wins: requests the device side should run go over the
// /local-executor websocket regardless of shell_type.
func (r *Router) Route(req *model.ExecutionRequest, deviceID string) Target {
	if deviceID != "" {
		return Target{
			Mode:      ModeWebSocket,
			Namespace: "/local-executor",
			Event:     "task:execute",
			Room:      fmt.Sprintf("device:%s:%s", req.User.ID, deviceID),
		}
	}

	switch req.ShellType() {
	case "Chat":
		return Target{
			Mode:     ModeSSE,
			URL:      r.chatShellURL,
			Endpoint: "/v1/responses",
		}
	case "ClaudeCode", "Agno", "Dify":
		return Target{
			Mode:     ModeHTTPCallback,
			URL:      r.executorManagerURL,
			Endpoint: "/v1/execute",
		}
	default:
		return Target{
			Mode:     ModeHTTPCallback,
			URL:      r.executorManagerURL,
			Endpoint: "/v1/execute",
		}
	}
}
