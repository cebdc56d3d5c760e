// Package builder implements the TaskRequestBuilder: it turns the
// persisted task graph into a single ExecutionRequest. It never
// owns Ghost/Bot/Shell/Model storage itself — those belong to the external
// typed data service named in the system's scope — it only resolves against
// narrow interfaces so the rest of the pipeline stays decoupled from that
// store's schema.
package builder

import "context"

// OwnerSentinel is the "public resource" owner id used when no private
// override exists for the default namespace.
const OwnerSentinel = "0"

// Ghost is the resolved system-prompt-bearing persona attached to a bot.
type Ghost struct {
	ID           string
	SystemPrompt string
}

// Shell describes the base execution image/shell a bot runs under.
type Shell struct {
	ID        string
	Type      string
	BaseImage string
}

// Model is a resolved model configuration, including decrypted credentials.
type Model struct {
	ID          string
	Config      []byte // opaque modelConfig JSON, api_key fields already decrypted
	ContextSize int
}

// GhostResolver resolves a Ghost by id, honoring namespace visibility: for a
// non-default namespace the resource is a group resource (no user filter);
// for the default namespace the bot owner's private resource is tried
// first, then the public resource (owner sentinel).
type GhostResolver interface {
	Resolve(ctx context.Context, ghostID, namespace, ownerID string) (*Ghost, error)
}

// ShellResolver resolves a Shell by id under the same visibility rules.
type ShellResolver interface {
	Resolve(ctx context.Context, shellID, namespace, ownerID string) (*Shell, error)
}

// ModelResolver resolves a Model by id scoped to a lookup user (the
// chat-user for force-override, the bot owner otherwise).
type ModelResolver interface {
	Resolve(ctx context.Context, modelID, lookupUserID string) (*Model, error)
	Default(ctx context.Context, namespace, ownerID string) (*Model, error)
}

// AttachmentResolver turns an attachment id into its descriptor without
// fetching file bytes.
type AttachmentResolver interface {
	Describe(ctx context.Context, attachmentID string) (id, filename, mime string, size int64, err error)
}
