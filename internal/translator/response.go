package translator

import (
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"claude-bridge/internal/models"
	"claude-bridge/internal/tokens"
)

const (
	// NoResponsePlaceholder stands in for content when a result has no text.
	NoResponsePlaceholder = "No response generated"

	objectCompletion = "chat.completion"
	objectChunk      = "chat.completion.chunk"
	messageSeparator = "\n\n"
)

// ResponseOptions controls how an invocation result is rendered.
type ResponseOptions struct {
	// Model is the OpenAI-facing model id echoed back to the caller.
	Model string
	// Prompt is the text sent to the backend, used only for usage estimates.
	Prompt           string
	Estimator        tokens.Estimator
	IncludeToolTrace bool
	Created          time.Time
}

func (o ResponseOptions) created() int64 {
	if o.Created.IsZero() {
		return time.Now().Unix()
	}
	return o.Created.Unix()
}

func (o ResponseOptions) estimator() tokens.Estimator {
	if o.Estimator == nil {
		return tokens.CharEstimator{}
	}
	return o.Estimator
}

// CombinedContent joins the text messages of a result with a blank line.
func CombinedContent(res *models.InvocationResult) string {
	texts := res.TextMessages()
	if len(texts) == 0 {
		return NoResponsePlaceholder
	}
	parts := make([]string, 0, len(texts))
	for _, msg := range texts {
		parts = append(parts, msg.Text)
	}
	return strings.Join(parts, messageSeparator)
}

// ToChatCompletion renders a single-shot OpenAI response. It never fails; a
// degenerate result yields the placeholder content.
func ToChatCompletion(res *models.InvocationResult, opts ResponseOptions) openai.ChatCompletionResponse {
	if res == nil {
		res = &models.InvocationResult{}
	}

	content := CombinedContent(res)
	if opts.IncludeToolTrace {
		content += ToolTrace(res)
	}

	return openai.ChatCompletionResponse{
		ID:      res.ConversationID,
		Object:  objectCompletion,
		Created: opts.created(),
		Model:   opts.Model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content,
				},
				FinishReason: finishReason(res),
			},
		},
		Usage: ResolveUsage(res, opts.Prompt, content, opts.estimator()),
	}
}

// ToChunks renders a completed result as a replayable chunk sequence: one
// chunk per text message, then the terminal empty-delta chunk.
func ToChunks(res *models.InvocationResult, opts ResponseOptions) []openai.ChatCompletionStreamResponse {
	if res == nil {
		res = &models.InvocationResult{}
	}
	created := opts.created()

	texts := res.TextMessages()
	chunks := make([]openai.ChatCompletionStreamResponse, 0, len(texts)+2)
	for _, msg := range texts {
		chunks = append(chunks, DeltaChunk(res.ConversationID, opts.Model, created, msg.Text))
	}
	if len(texts) == 0 {
		chunks = append(chunks, DeltaChunk(res.ConversationID, opts.Model, created, NoResponsePlaceholder))
	}
	if opts.IncludeToolTrace {
		if trace := ToolTrace(res); trace != "" {
			chunks = append(chunks, DeltaChunk(res.ConversationID, opts.Model, created, trace))
		}
	}
	return append(chunks, FinalChunk(res.ConversationID, opts.Model, created))
}

// DeltaChunk builds one incremental chunk with a null finish reason.
func DeltaChunk(id, model string, created int64, text string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		ID:      id,
		Object:  objectChunk,
		Created: created,
		Model:   model,
		Choices: []openai.ChatCompletionStreamChoice{
			{
				Index: 0,
				Delta: openai.ChatCompletionStreamChoiceDelta{Content: text},
			},
		},
	}
}

// FinalChunk builds the terminal chunk: empty delta, finish reason "stop".
func FinalChunk(id, model string, created int64) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		ID:      id,
		Object:  objectChunk,
		Created: created,
		Model:   model,
		Choices: []openai.ChatCompletionStreamChoice{
			{
				Index:        0,
				Delta:        openai.ChatCompletionStreamChoiceDelta{},
				FinishReason: openai.FinishReasonStop,
			},
		},
	}
}

// ResolveUsage prefers exact counts, then splits a bare total, then falls
// back to estimating from the prompt and output text. When only one side and
// the total are known, the other side is the difference. Estimates are
// approximate.
func ResolveUsage(res *models.InvocationResult, prompt, output string, est tokens.Estimator) openai.Usage {
	if res != nil && res.Usage != nil {
		u := res.Usage
		if total := u.TotalTokens; total > 0 {
			switch {
			case u.PromptTokens > 0 && u.CompletionTokens == 0 && u.PromptTokens <= total:
				return openai.Usage{PromptTokens: u.PromptTokens, CompletionTokens: total - u.PromptTokens, TotalTokens: total}
			case u.CompletionTokens > 0 && u.PromptTokens == 0 && u.CompletionTokens <= total:
				return openai.Usage{PromptTokens: total - u.CompletionTokens, CompletionTokens: u.CompletionTokens, TotalTokens: total}
			}
		}
		if u.PromptTokens > 0 || u.CompletionTokens > 0 {
			return openai.Usage{
				PromptTokens:     u.PromptTokens,
				CompletionTokens: u.CompletionTokens,
				TotalTokens:      u.PromptTokens + u.CompletionTokens,
			}
		}
		if u.TotalTokens > 0 {
			p, c := tokens.Split(u.TotalTokens)
			return openai.Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: u.TotalTokens}
		}
	}

	if est == nil {
		est = tokens.CharEstimator{}
	}
	p := est.Count(prompt)
	c := est.Count(output)
	return openai.Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
}

func finishReason(res *models.InvocationResult) openai.FinishReason {
	if res.Finished {
		return openai.FinishReasonStop
	}
	return openai.FinishReasonLength
}

// ToolTrace renders the tool_use messages of a result as a trailing note.
// It is empty when no tool was used.
func ToolTrace(res *models.InvocationResult) string {
	var b strings.Builder
	for _, msg := range res.Messages {
		if msg.Kind != models.KindToolUse || msg.Tool == nil {
			continue
		}
		if b.Len() == 0 {
			b.WriteString(messageSeparator + "Tools used:")
		}
		fmt.Fprintf(&b, "\n- %s", msg.Tool.Name)
		if msg.Tool.Input != "" {
			fmt.Fprintf(&b, " %s", msg.Tool.Input)
		}
	}
	return b.String()
}
