package models

import "time"

// Roles accepted on inbound chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleFunction  = "function"
	RoleTool      = "tool"
)

// Content part types.
const (
	PartText  = "text"
	PartImage = "image"
)

// ContentPart is one element of multi-part message content.
type ContentPart struct {
	Type string
	Text string
	// ImageURL holds either an http(s) URL, a data URL or raw base64 data.
	ImageURL string
}

// Message represents a single conversational message in the unified schema.
type Message struct {
	Role    string
	Content string
	Parts   []ContentPart
	Name    string
}

// HasParts reports whether the message carried multi-part content.
func (m Message) HasParts() bool {
	return len(m.Parts) > 0
}

// Sampling carries optional generation parameters.
type Sampling struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Stop        []string
}

// ChatRequest is the canonical representation of a chat completion.
type ChatRequest struct {
	Model    string
	Messages []Message
	Stream   bool
	Sampling Sampling
	User     string
}

// Turn is a structured conversation turn for backends that accept typed content.
type Turn struct {
	Role  string
	Parts []TurnPart
}

// TurnPart is text, an inline base64 image or a remote image URL.
type TurnPart struct {
	Text      string
	MediaType string
	Data      string
	URL       string
}

// IsImage reports whether the part carries an image.
func (p TurnPart) IsImage() bool {
	return p.Data != "" || p.URL != ""
}

// TranslatedQuery is the backend-native form of a chat request. It is built
// once per request and consumed by exactly one invoker attempt at a time.
type TranslatedQuery struct {
	ConversationID   string
	Prompt           string
	SystemPrompt     string
	MaxTurns         int
	WorkingDirectory string
	Model            string
	Turns            []Turn
	Sampling         Sampling
}

// ContentKind classifies a backend content message.
type ContentKind string

const (
	KindText       ContentKind = "text"
	KindToolUse    ContentKind = "tool_use"
	KindToolResult ContentKind = "tool_result"
	KindError      ContentKind = "error"
)

// Tool describes a tool invocation reported by the backend.
type Tool struct {
	ID    string
	Name  string
	Input string
}

// ContentMessage is one piece of backend output.
type ContentMessage struct {
	Kind      ContentKind
	Text      string
	Tool      *Tool
	Timestamp time.Time
}

// TextMessage builds a text content message stamped with the current time.
func TextMessage(text string) ContentMessage {
	return ContentMessage{Kind: KindText, Text: text, Timestamp: time.Now()}
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Metadata is what could be recovered from a backend's side-channel output.
// Every field is optional.
type Metadata struct {
	SessionID        string
	Cost             *float64
	DurationSeconds  *float64
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
}

// Empty reports whether no field was recovered.
func (m Metadata) Empty() bool {
	return m.SessionID == "" && m.Cost == nil && m.DurationSeconds == nil &&
		m.PromptTokens == nil && m.CompletionTokens == nil && m.TotalTokens == nil
}

// Usage converts recovered token counts into a Usage block when any count is present.
func (m Metadata) Usage() *Usage {
	if m.PromptTokens == nil && m.CompletionTokens == nil && m.TotalTokens == nil {
		return nil
	}
	var u Usage
	if m.PromptTokens != nil {
		u.PromptTokens = *m.PromptTokens
	}
	if m.CompletionTokens != nil {
		u.CompletionTokens = *m.CompletionTokens
	}
	if m.TotalTokens != nil {
		u.TotalTokens = *m.TotalTokens
	}
	return &u
}

// InvocationResult is the output of one backend invocation.
type InvocationResult struct {
	Messages       []ContentMessage
	Usage          *Usage
	BackendModelID string
	ConversationID string
	SessionID      string
	Metadata       Metadata
	Finished       bool
	// Invoker names the strategy that produced the result.
	Invoker string
}

// TextMessages returns only the text-kind messages.
func (r *InvocationResult) TextMessages() []ContentMessage {
	if r == nil {
		return nil
	}
	out := make([]ContentMessage, 0, len(r.Messages))
	for _, msg := range r.Messages {
		if msg.Kind == KindText {
			out = append(out, msg)
		}
	}
	return out
}

// Event is one element of a streamed invocation. Exactly one of Text, Result
// or Err is meaningful; a non-nil Result marks the terminal event.
type Event struct {
	Text   string
	Result *InvocationResult
	Err    error
}

// Done reports whether the event terminates the stream successfully.
func (e Event) Done() bool {
	return e.Result != nil
}

// EmbeddingRequest is the canonical embeddings request.
type EmbeddingRequest struct {
	Model string
	Input []string
}
