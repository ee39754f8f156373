// Package ai defines the provider-agnostic message model shared by the
// session log and the compaction engine: roles, content blocks, usage
// accounting, and the transport interface used for summarization calls.
package ai

// ---------------------------------------------------------------------------
// Content blocks
// ---------------------------------------------------------------------------

type TextContent struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

type ImageContent struct {
	Type     string `json:"type"`      // "image"
	Data     string `json:"data"`      // base64
	MIMEType string `json:"mime_type"` // e.g. "image/png"
}

type ThinkingContent struct {
	Type     string `json:"type"` // "thinking"
	Thinking string `json:"thinking"`
}

type ToolCall struct {
	Type      string         `json:"type"`      // "tool_call"
	ID        string         `json:"id"`        // unique call ID
	Name      string         `json:"name"`      // tool name
	Arguments map[string]any `json:"arguments"` // parsed JSON args
}

// ContentBlock is an interface implemented by TextContent, ImageContent,
// ThinkingContent, and ToolCall.
type ContentBlock interface {
	contentBlock()
}

func (TextContent) contentBlock()     {}
func (ImageContent) contentBlock()    {}
func (ThinkingContent) contentBlock() {}
func (ToolCall) contentBlock()        {}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
	RoleShell      Role = "shell"
)

type StopReason string

const (
	StopReasonStop    StopReason = "stop"
	StopReasonLength  StopReason = "length"
	StopReasonTool    StopReason = "tool_use"
	StopReasonError   StopReason = "error"
	StopReasonAborted StopReason = "aborted"
)

// UserMessage is a message from the user (human turn).
type UserMessage struct {
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	Timestamp int64          `json:"timestamp"` // unix ms
}

func (m UserMessage) GetRole() Role { return m.Role }

// AssistantMessage is a response from the LLM.
type AssistantMessage struct {
	Role         Role           `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	Provider     string         `json:"provider"`
	Usage        Usage          `json:"usage"`
	StopReason   StopReason     `json:"stop_reason"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Timestamp    int64          `json:"timestamp"`
}

func (m AssistantMessage) GetRole() Role { return m.Role }

// ToolResultMessage carries the result of a tool call back to the LLM.
type ToolResultMessage struct {
	Role       Role           `json:"role"`
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Content    []ContentBlock `json:"content"`
	IsError    bool           `json:"is_error"`
	Timestamp  int64          `json:"timestamp"`
}

func (m ToolResultMessage) GetRole() Role { return m.Role }

// ShellExecutionMessage records a shell command the user ran directly
// (outside the tool loop). It opens a turn the same way a user message
// does. ExitCode is nil when the command was cancelled or timed out
// before producing one.
type ShellExecutionMessage struct {
	Role      Role   `json:"role"`
	Command   string `json:"command"`
	Output    string `json:"output"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
	TimedOut  bool   `json:"timed_out,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (m ShellExecutionMessage) GetRole() Role { return m.Role }

// Message is the union type — all message kinds implement this.
type Message interface {
	GetRole() Role
}

// ---------------------------------------------------------------------------
// Usage / cost
// ---------------------------------------------------------------------------

type Cost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cache_read"`
	CacheWrite float64 `json:"cache_write"`
	Total      float64 `json:"total"`
}

type Usage struct {
	Input       int  `json:"input"`
	Output      int  `json:"output"`
	CacheRead   int  `json:"cache_read"`
	CacheWrite  int  `json:"cache_write"`
	TotalTokens int  `json:"total_tokens"`
	Cost        Cost `json:"cost"`
}

// TotalOrSum returns TotalTokens when set, otherwise the sum of the
// individual counters. Providers are inconsistent about filling the total.
func (u Usage) TotalOrSum() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.Input + u.Output + u.CacheRead + u.CacheWrite
}

// Text concatenates all text blocks of a message. Thinking and tool
// call blocks are excluded.
func Text(m *AssistantMessage) string {
	if m == nil {
		return ""
	}
	var out string
	for _, b := range m.Content {
		if tc, ok := b.(TextContent); ok {
			out += tc.Text
		}
	}
	return out
}
