// Package glue wires the execution plane's independently-built packages
// together: it is the only place that imports all of them at once, and it
// supplies the small adapter types each package's narrow interfaces need so
// the packages themselves never import one another.
package glue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/execplane/internal/common/logger"
	"github.com/kandev/execplane/internal/execution/builder"
)

// ResourceClient is an HTTP client over the external typed data service that
// owns the Ghost/Shell/Model/Bot/Attachment/Task resources this plane never
// persists itself (see internal/execution/builder's package doc and
// internal/task/models.Task's). It is the one place in the module that
// reaches out for them; every resolver interface the builder and chat
// namespace expect is satisfied by a thin adapter wrapping this client.
type ResourceClient struct {
	baseURL string
	http    *http.Client
	log     *logger.Logger
}

// NewResourceClient builds a ResourceClient bound to the resource service's
// base URL.
func NewResourceClient(baseURL string, timeout time.Duration, log *logger.Logger) *ResourceClient {
	return &ResourceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log.WithFields(zap.String("component", "resource-client")),
	}
}

func (c *ResourceClient) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("resource client: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("resource client: %s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GhostResolver returns a builder.GhostResolver backed by this client.
func (c *ResourceClient) GhostResolver() builder.GhostResolver { return ghostResolverAdapter{c} }

// ShellResolver returns a builder.ShellResolver backed by this client.
func (c *ResourceClient) ShellResolver() builder.ShellResolver { return shellResolverAdapter{c} }

// ModelResolver returns a builder.ModelResolver backed by this client.
func (c *ResourceClient) ModelResolver() builder.ModelResolver { return modelResolverAdapter{c} }

// AttachmentResolver returns a builder.AttachmentResolver backed by this
// client.
func (c *ResourceClient) AttachmentResolver() builder.AttachmentResolver {
	return attachmentResolverAdapter{c}
}

// BotAssignmentResolver returns the glue-local resolver the Trigger uses to
// fetch a task's current bot assignment from the resource service.
func (c *ResourceClient) BotAssignmentResolver() BotAssignmentResolver {
	return botAssignmentResolverAdapter{c}
}

type ghostResolverAdapter struct{ c *ResourceClient }

func (a ghostResolverAdapter) Resolve(ctx context.Context, ghostID, namespace, ownerID string) (*builder.Ghost, error) {
	var out builder.Ghost
	q := url.Values{"namespace": {namespace}, "owner_id": {ownerID}}
	if err := a.c.get(ctx, "/v1/ghosts/"+ghostID, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type shellResolverAdapter struct{ c *ResourceClient }

func (a shellResolverAdapter) Resolve(ctx context.Context, shellID, namespace, ownerID string) (*builder.Shell, error) {
	var out builder.Shell
	q := url.Values{"namespace": {namespace}, "owner_id": {ownerID}}
	if err := a.c.get(ctx, "/v1/shells/"+shellID, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type modelResolverAdapter struct{ c *ResourceClient }

func (a modelResolverAdapter) Resolve(ctx context.Context, modelID, lookupUserID string) (*builder.Model, error) {
	var out builder.Model
	q := url.Values{"lookup_user_id": {lookupUserID}}
	if err := a.c.get(ctx, "/v1/models/"+modelID, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a modelResolverAdapter) Default(ctx context.Context, namespace, ownerID string) (*builder.Model, error) {
	var out builder.Model
	q := url.Values{"namespace": {namespace}, "owner_id": {ownerID}}
	if err := a.c.get(ctx, "/v1/models/default", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type attachmentResolverAdapter struct{ c *ResourceClient }

func (a attachmentResolverAdapter) Describe(ctx context.Context, attachmentID string) (id, filename, mime string, size int64, err error) {
	var out struct {
		ID       string `json:"id"`
		Filename string `json:"filename"`
		Mime     string `json:"mime"`
		Size     int64  `json:"size"`
	}
	if err = a.c.get(ctx, "/v1/attachments/"+attachmentID, nil, &out); err != nil {
		return "", "", "", 0, err
	}
	return out.ID, out.Filename, out.Mime, out.Size, nil
}

// BotAssignmentResolver fetches the bot(s) a task currently has assigned.
// Bot assignment (like sharing and membership) belongs to the external
// typed data service, not to anything this module persists, so the Trigger
// asks for it fresh on every dispatch rather than caching it locally.
type BotAssignmentResolver interface {
	ResolveTaskBots(ctx context.Context, taskID string) ([]builder.BotRef, error)
}

type botAssignmentResolverAdapter struct{ c *ResourceClient }

func (a botAssignmentResolverAdapter) ResolveTaskBots(ctx context.Context, taskID string) ([]builder.BotRef, error) {
	var out []builder.BotRef
	if err := a.c.get(ctx, "/v1/tasks/"+taskID+"/bots", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
