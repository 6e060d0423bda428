package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"claude-bridge/internal/models"
)

// ErrValidation marks malformed or semantically empty input. Callers map it
// to HTTP 400.
var ErrValidation = errors.New("invalid request")

var (
	ErrEmptyMessages   = fmt.Errorf("%w: at least one message is required", ErrValidation)
	errEmptyModel      = fmt.Errorf("%w: model must be provided", ErrValidation)
	errEmptyInput      = fmt.Errorf("%w: input must not be empty", ErrValidation)
	errUnsupportedStop = fmt.Errorf("%w: unsupported stop value", ErrValidation)
	errInvalidRole     = fmt.Errorf("%w: invalid role", ErrValidation)
	errInvalidContent  = fmt.Errorf("%w: invalid message content", ErrValidation)
)

var allowedRoles = map[string]struct{}{
	models.RoleSystem:    {},
	models.RoleUser:      {},
	models.RoleAssistant: {},
	models.RoleFunction:  {},
	models.RoleTool:      {},
}

// ChatCompletionRequest models the OpenAI chat/completions request payload.
type ChatCompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	Stream      bool
	MaxTokens   *int
	Temperature *float64
	TopP        *float64
	Stop        []string
	User        string
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model               string          `json:"model"`
		Messages            []ChatMessage   `json:"messages"`
		Stream              bool            `json:"stream"`
		MaxTokens           *int            `json:"max_tokens"`
		MaxCompletionTokens *int            `json:"max_completion_tokens"`
		Temperature         *float64        `json:"temperature"`
		TopP                *float64        `json:"top_p"`
		Stop                json.RawMessage `json:"stop"`
		User                string          `json:"user"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: decode chat request: %v", ErrValidation, err)
	}

	stopValues, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.MaxTokens = raw.MaxTokens
	if r.MaxTokens == nil {
		r.MaxTokens = raw.MaxCompletionTokens
	}
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.Stop = stopValues
	r.User = raw.User

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if r.Model == "" {
		return errEmptyModel
	}
	if len(r.Messages) == 0 {
		return ErrEmptyMessages
	}
	for i, msg := range r.Messages {
		if err := msg.validate(); err != nil {
			return fmt.Errorf("message[%d]: %w", i, err)
		}
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", ErrValidation)
	}
	return nil
}

// ToUnified converts the OpenAI request into the canonical format.
func (r ChatCompletionRequest) ToUnified() models.ChatRequest {
	msgs := make([]models.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, models.Message{
			Role:    m.Role,
			Content: m.Content,
			Parts:   m.Parts,
			Name:    m.Name,
		})
	}

	return models.ChatRequest{
		Model:    r.Model,
		Messages: msgs,
		Stream:   r.Stream,
		Sampling: models.Sampling{
			Temperature: r.Temperature,
			TopP:        r.TopP,
			MaxTokens:   r.MaxTokens,
			Stop:        r.Stop,
		},
		User: r.User,
	}
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role    string
	Content string
	Parts   []models.ContentPart
	Name    string
}

// UnmarshalJSON supports string and array-of-parts content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Name    string          `json:"name"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: decode message: %v", ErrValidation, err)
	}

	content, parts, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.ToLower(strings.TrimSpace(raw.Role))
	m.Content = content
	m.Parts = parts
	m.Name = strings.TrimSpace(raw.Name)

	return m.validate()
}

func (m *ChatMessage) validate() error {
	if _, ok := allowedRoles[m.Role]; !ok {
		return fmt.Errorf("%w: %s", errInvalidRole, m.Role)
	}
	if m.Role == models.RoleSystem {
		return nil
	}
	if strings.TrimSpace(m.Content) == "" && !hasImage(m.Parts) {
		return fmt.Errorf("%w: message content must not be empty", errInvalidContent)
	}
	return nil
}

func hasImage(parts []models.ContentPart) bool {
	for _, p := range parts {
		if p.Type == models.PartImage {
			return true
		}
	}
	return false
}

// extractMessageContent returns the flattened text and, for array content,
// the ordered parts.
func extractMessageContent(raw json.RawMessage) (string, []models.ContentPart, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil, nil
	}

	var segments []openai.ChatMessagePart
	if err := json.Unmarshal(raw, &segments); err != nil {
		return "", nil, fmt.Errorf("%w: unsupported content structure", errInvalidContent)
	}

	parts := make([]models.ContentPart, 0, len(segments))
	texts := make([]string, 0, len(segments))
	for _, segment := range segments {
		switch segment.Type {
		case openai.ChatMessagePartTypeText:
			parts = append(parts, models.ContentPart{Type: models.PartText, Text: segment.Text})
			texts = append(texts, segment.Text)
		case openai.ChatMessagePartTypeImageURL:
			if segment.ImageURL == nil || strings.TrimSpace(segment.ImageURL.URL) == "" {
				return "", nil, fmt.Errorf("%w: image_url part without url", errInvalidContent)
			}
			parts = append(parts, models.ContentPart{Type: models.PartImage, ImageURL: strings.TrimSpace(segment.ImageURL.URL)})
		default:
			return "", nil, fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
		}
	}
	return strings.Join(texts, " "), parts, nil
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, errUnsupportedStop
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		out := make([]string, 0, len(multi))
		for _, item := range multi {
			if strings.TrimSpace(item) == "" {
				return nil, errUnsupportedStop
			}
			out = append(out, item)
		}
		return out, nil
	}
	return nil, errUnsupportedStop
}

// EmbeddingRequest models the OpenAI embeddings request payload.
type EmbeddingRequest struct {
	Model string
	Input []string
}

// UnmarshalJSON accepts a single string or an array of strings as input.
func (r *EmbeddingRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: decode embeddings request: %v", ErrValidation, err)
	}

	input, err := extractInput(raw.Input)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Input = input

	if r.Model == "" {
		return errEmptyModel
	}
	return nil
}

// ToUnified converts the embeddings request into unified form.
func (r EmbeddingRequest) ToUnified() models.EmbeddingRequest {
	input := make([]string, len(r.Input))
	copy(input, r.Input)
	return models.EmbeddingRequest{Model: r.Model, Input: input}
}

func extractInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errEmptyInput
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return nil, errEmptyInput
		}
		return []string{text}, nil
	}

	var items []string
	if err := json.Unmarshal(raw, &items); err == nil {
		if len(items) == 0 {
			return nil, errEmptyInput
		}
		return items, nil
	}

	return nil, fmt.Errorf("%w: input must be a string or an array of strings", ErrValidation)
}
