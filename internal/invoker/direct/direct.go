// Package direct invokes the Anthropic Messages API over HTTP.
package direct

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/gjson"

	"claude-bridge/internal/invoker"
	"claude-bridge/internal/models"
)

// Provider messages that mean a retry elsewhere cannot help.
var terminalMarkers = []string{
	"credit",
	"billing",
	"invalid x-api-key",
	"authentication_error",
	"permission_error",
}

// Config configures the direct invoker.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
	MaxRetries   int
	Headers      map[string]string
}

// Invoker calls the Messages API with structured turns.
type Invoker struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int64
}

var _ invoker.Invoker = (*Invoker)(nil)

// New constructs a direct invoker. An API key is required.
func New(cfg Config, httpClient *http.Client) (*Invoker, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("direct invoker requires an api key")
	}
	if httpClient == nil {
		return nil, errors.New("http client must not be nil")
	}
	if cfg.MaxTokens <= 0 {
		return nil, fmt.Errorf("max tokens must be positive, got %d", cfg.MaxTokens)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if baseURL := strings.TrimRight(cfg.BaseURL, "/"); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL+"/"))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}

	return &Invoker{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxTokens:    int64(cfg.MaxTokens),
	}, nil
}

func (i *Invoker) Name() string {
	return invoker.NameDirect
}

// Available is always true once constructed; credentials were checked by New.
func (i *Invoker) Available() bool {
	return true
}

// Invoke performs a single Messages API call.
func (i *Invoker) Invoke(ctx context.Context, q models.TranslatedQuery) (*models.InvocationResult, error) {
	message, err := i.client.Messages.New(ctx, i.buildParams(q))
	if err != nil {
		return nil, classify(err)
	}

	res := &models.InvocationResult{
		BackendModelID: string(message.Model),
		ConversationID: q.ConversationID,
		SessionID:      message.ID,
		Finished:       message.StopReason != anthropic.StopReasonMaxTokens,
		Invoker:        invoker.NameDirect,
		Usage: &models.Usage{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
			TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
	}
	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			res.Messages = append(res.Messages, models.TextMessage(variant.Text))
		case anthropic.ToolUseBlock:
			res.Messages = append(res.Messages, toolUseMessage(variant.ID, variant.Name, string(variant.Input)))
		}
	}
	return res, nil
}

// Stream relays provider text deltas one for one.
func (i *Invoker) Stream(ctx context.Context, q models.TranslatedQuery) (<-chan models.Event, error) {
	stream := i.client.Messages.NewStreaming(ctx, i.buildParams(q))

	out := make(chan models.Event)
	go func() {
		defer close(out)
		defer stream.Close()

		res := &models.InvocationResult{
			ConversationID: q.ConversationID,
			Finished:       true,
			Invoker:        invoker.NameDirect,
			Usage:          &models.Usage{},
		}
		var text strings.Builder

		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case anthropic.MessageStartEvent:
				res.BackendModelID = string(ev.Message.Model)
				res.SessionID = ev.Message.ID
				res.Usage.PromptTokens = int(ev.Message.Usage.InputTokens)
			case anthropic.ContentBlockStartEvent:
				if ev.ContentBlock.Type == "tool_use" {
					res.Messages = append(res.Messages, toolUseMessage(ev.ContentBlock.ID, ev.ContentBlock.Name, ""))
				}
			case anthropic.ContentBlockDeltaEvent:
				delta, ok := ev.Delta.AsAny().(anthropic.TextDelta)
				if !ok || delta.Text == "" {
					continue
				}
				text.WriteString(delta.Text)
				if !invoker.Send(ctx, out, models.Event{Text: delta.Text}) {
					return
				}
			case anthropic.MessageDeltaEvent:
				if ev.Usage.OutputTokens > 0 {
					res.Usage.CompletionTokens = int(ev.Usage.OutputTokens)
				}
				if ev.Delta.StopReason == anthropic.StopReasonMaxTokens {
					res.Finished = false
				}
			}
		}

		if err := stream.Err(); err != nil {
			invoker.Send(ctx, out, models.Event{Err: classify(err)})
			return
		}

		if text.Len() > 0 {
			res.Messages = append([]models.ContentMessage{models.TextMessage(text.String())}, res.Messages...)
		}
		res.Usage.TotalTokens = res.Usage.PromptTokens + res.Usage.CompletionTokens
		invoker.Send(ctx, out, models.Event{Result: res})
	}()
	return out, nil
}

func (i *Invoker) buildParams(q models.TranslatedQuery) anthropic.MessageNewParams {
	model := q.Model
	if model == "" {
		model = i.defaultModel
	}
	maxTokens := i.maxTokens
	if q.Sampling.MaxTokens != nil && *q.Sampling.MaxTokens > 0 {
		maxTokens = int64(*q.Sampling.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  buildMessages(q),
	}
	if q.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: q.SystemPrompt}}
	}
	if q.Sampling.Temperature != nil {
		params.Temperature = anthropic.Float(*q.Sampling.Temperature)
	}
	if q.Sampling.TopP != nil {
		params.TopP = anthropic.Float(*q.Sampling.TopP)
	}
	if len(q.Sampling.Stop) > 0 {
		params.StopSequences = q.Sampling.Stop
	}
	return params
}

// buildMessages converts structured turns into Messages API parameters. A
// conversation holding only a system prompt is sent as one user turn.
func buildMessages(q models.TranslatedQuery) []anthropic.MessageParam {
	if len(q.Turns) == 0 {
		text := q.Prompt
		if text == "" {
			text = q.SystemPrompt
		}
		return []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(text))}
	}

	out := make([]anthropic.MessageParam, 0, len(q.Turns))
	for _, turn := range q.Turns {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(turn.Parts))
		for _, part := range turn.Parts {
			switch {
			case part.URL != "":
				blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: part.URL}))
			case part.IsImage():
				blocks = append(blocks, anthropic.NewImageBlockBase64(part.MediaType, part.Data))
			default:
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		}
		if turn.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func toolUseMessage(id, name, input string) models.ContentMessage {
	msg := models.TextMessage("")
	msg.Kind = models.KindToolUse
	msg.Tool = &models.Tool{ID: id, Name: name, Input: input}
	return msg
}

// classify maps SDK failures onto the invoker error taxonomy, keeping the
// provider's own message.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return invoker.Transport(invoker.NameDirect, err)
	}

	msg := err.Error()
	terminal := false

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if providerMsg := providerMessage(msg); providerMsg != "" {
			msg = providerMsg
		}
		if apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden {
			terminal = true
		}
	}

	lower := strings.ToLower(err.Error())
	for _, marker := range terminalMarkers {
		if strings.Contains(lower, marker) {
			terminal = true
			break
		}
	}

	if terminal {
		return invoker.Terminal(invoker.NameDirect, errors.New(msg))
	}
	return invoker.Transport(invoker.NameDirect, errors.New(msg))
}

// providerMessage pulls error.message out of the JSON body the SDK embeds in
// its error text.
func providerMessage(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	body := text[start:]
	if !gjson.Valid(body) {
		return ""
	}
	return gjson.Get(body, "error.message").String()
}
