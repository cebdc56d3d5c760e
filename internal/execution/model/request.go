package model

import "encoding/json"

// Bot is one of the (possibly several, for team pipelines) model/shell
// configurations attached to an ExecutionRequest.
type Bot struct {
	ID           string          `json:"id"`
	ShellType    string          `json:"shell_type"`
	AgentConfig  json.RawMessage `json:"agent_config,omitempty"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	MCPServers   []MCPServer     `json:"mcp_servers,omitempty"`
	Skills       []string        `json:"skills,omitempty"`
	Role         string          `json:"role,omitempty"`
	BaseImage    string          `json:"base_image,omitempty"`
}

// MCPServer describes an MCP endpoint a bot is configured to call.
type MCPServer struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	// Token, when set, is a minted task_token scoped to this request's task.
	Token string `json:"token,omitempty"`
}

// User identifies the human on whose behalf a request runs.
type User struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	GitCredentials string `json:"git_credentials,omitempty"`
}

// Attachment is a descriptor only — file bytes are never embedded in the
// request, the worker downloads by id.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Mime     string `json:"mime"`
	Size     int64  `json:"size"`
}

// TraceContext propagates distributed-tracing identifiers across the
// transport boundary to the worker process.
type TraceContext struct {
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// ExecutionRequest is the self-describing unit of work sent to an executor.
type ExecutionRequest struct {
	TaskID            string   `json:"task_id"`
	SubtaskID         string   `json:"subtask_id"`
	MessageID         int64    `json:"message_id"`
	ExecutorName      string   `json:"executor_name,omitempty"`
	ExecutorNamespace string   `json:"executor_namespace,omitempty"`
	Prompt            string   `json:"prompt"`
	SystemPrompt      string   `json:"system_prompt,omitempty"`
	ModelConfig       json.RawMessage `json:"model_config,omitempty"`

	Bot  []Bot `json:"bot"`
	User User  `json:"user"`

	TeamID        string `json:"team_id,omitempty"`
	TeamNamespace string `json:"team_namespace,omitempty"`
	HistoryLimit  int    `json:"history_limit,omitempty"`

	EnableTools          bool `json:"enable_tools,omitempty"`
	EnableWebSearch      bool `json:"enable_web_search,omitempty"`
	EnableClarification  bool `json:"enable_clarification,omitempty"`
	EnableDeepThinking   bool `json:"enable_deep_thinking,omitempty"`

	PreloadSkills    []string `json:"preload_skills,omitempty"`
	IsSubscription   bool     `json:"is_subscription,omitempty"`
	KnowledgeBaseIDs []string `json:"knowledge_base_ids,omitempty"`
	DocumentIDs      []string `json:"document_ids,omitempty"`
	TableContexts    []string `json:"table_contexts,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`

	AuthToken       string `json:"auth_token,omitempty"`
	TaskToken       string `json:"task_token,omitempty"`
	SystemMCPConfig *MCPServer `json:"system_mcp_config,omitempty"`

	NewSession bool `json:"new_session,omitempty"`

	TraceContext *TraceContext `json:"trace_context,omitempty"`

	// RetryCount is enriched onto the request only once it is placed on the
	// Redis-list TaskQueue; zero value elsewhere.
	RetryCount int `json:"_retry_count,omitempty"`
}

// ShellType returns bot[0].shell_type, defaulting to "Chat" when Bot is
// empty — the ExecutionRouter's tie-break.
func (r *ExecutionRequest) ShellType() string {
	if len(r.Bot) == 0 || r.Bot[0].ShellType == "" {
		return "Chat"
	}
	return r.Bot[0].ShellType
}
