package translator

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"

	"claude-bridge/internal/models"
)

func twoMessageResult() *models.InvocationResult {
	return &models.InvocationResult{
		ConversationID: "chatcmpl-test",
		Finished:       true,
		Messages: []models.ContentMessage{
			models.TextMessage("Hi "),
			{Kind: models.KindToolUse, Tool: &models.Tool{Name: "Read", Input: `{"path":"a.go"}`}},
			models.TextMessage("there"),
		},
	}
}

func TestToChatCompletionJoinsText(t *testing.T) {
	created := time.Unix(1700000000, 0)
	resp := ToChatCompletion(twoMessageResult(), ResponseOptions{Model: "gpt-4", Prompt: "Human: hi", Created: created})

	if resp.ID != "chatcmpl-test" || resp.Object != "chat.completion" || resp.Created != created.Unix() {
		t.Errorf("unexpected envelope: %+v", resp)
	}
	if resp.Model != "gpt-4" {
		t.Errorf("expected model echo, got %q", resp.Model)
	}
	choice := resp.Choices[0]
	if choice.Message.Content != "Hi \n\nthere" {
		t.Errorf("unexpected content %q", choice.Message.Content)
	}
	if choice.Message.Role != openai.ChatMessageRoleAssistant {
		t.Errorf("unexpected role %q", choice.Message.Role)
	}
	if choice.FinishReason != openai.FinishReasonStop {
		t.Errorf("expected stop, got %q", choice.FinishReason)
	}
	if resp.Usage.TotalTokens != resp.Usage.PromptTokens+resp.Usage.CompletionTokens {
		t.Errorf("usage does not add up: %+v", resp.Usage)
	}
}

func TestToChatCompletionPlaceholderAndLength(t *testing.T) {
	resp := ToChatCompletion(&models.InvocationResult{ConversationID: "x"}, ResponseOptions{})
	if got := resp.Choices[0].Message.Content; got != NoResponsePlaceholder {
		t.Errorf("expected placeholder, got %q", got)
	}
	if resp.Choices[0].FinishReason != openai.FinishReasonLength {
		t.Errorf("expected length, got %q", resp.Choices[0].FinishReason)
	}

	nilResp := ToChatCompletion(nil, ResponseOptions{})
	if nilResp.Choices[0].Message.Content != NoResponsePlaceholder {
		t.Error("nil result should still render a response")
	}
}

func TestToChatCompletionToolTrace(t *testing.T) {
	resp := ToChatCompletion(twoMessageResult(), ResponseOptions{IncludeToolTrace: true})
	content := resp.Choices[0].Message.Content
	if !strings.HasPrefix(content, "Hi \n\nthere\n\nTools used:") {
		t.Errorf("unexpected content %q", content)
	}
	if !strings.Contains(content, `- Read {"path":"a.go"}`) {
		t.Errorf("tool missing from trace: %q", content)
	}
}

func TestResolveUsage(t *testing.T) {
	exact := ResolveUsage(&models.InvocationResult{Usage: &models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 99}}, "", "", nil)
	if exact.PromptTokens != 10 || exact.CompletionTokens != 5 || exact.TotalTokens != 15 {
		t.Errorf("unexpected exact usage: %+v", exact)
	}

	split := ResolveUsage(&models.InvocationResult{Usage: &models.Usage{TotalTokens: 17}}, "", "", nil)
	if split.PromptTokens != 7 || split.CompletionTokens != 10 || split.TotalTokens != 17 {
		t.Errorf("unexpected split usage: %+v", split)
	}

	onlyCompletion := ResolveUsage(&models.InvocationResult{Usage: &models.Usage{CompletionTokens: 5, TotalTokens: 15}}, "", "", nil)
	if onlyCompletion.PromptTokens != 10 || onlyCompletion.CompletionTokens != 5 || onlyCompletion.TotalTokens != 15 {
		t.Errorf("reported total must be kept when the prompt count is missing: %+v", onlyCompletion)
	}

	onlyPrompt := ResolveUsage(&models.InvocationResult{Usage: &models.Usage{PromptTokens: 12, TotalTokens: 20}}, "", "", nil)
	if onlyPrompt.PromptTokens != 12 || onlyPrompt.CompletionTokens != 8 || onlyPrompt.TotalTokens != 20 {
		t.Errorf("reported total must be kept when the completion count is missing: %+v", onlyPrompt)
	}

	estimated := ResolveUsage(&models.InvocationResult{}, "abcdefgh", "abcde", nil)
	if estimated.PromptTokens != 2 || estimated.CompletionTokens != 2 || estimated.TotalTokens != 4 {
		t.Errorf("unexpected estimated usage: %+v", estimated)
	}
}

func TestToChunks(t *testing.T) {
	res := twoMessageResult()
	chunks := ToChunks(res, ResponseOptions{Model: "gpt-4", Created: time.Unix(1700000000, 0)})

	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	wantDeltas := []string{"Hi ", "there", ""}
	var deltas []string
	for i, chunk := range chunks {
		if chunk.ID != "chatcmpl-test" || chunk.Object != "chat.completion.chunk" || chunk.Created != 1700000000 {
			t.Errorf("chunk %d has unexpected envelope: %+v", i, chunk)
		}
		delta := chunk.Choices[0].Delta.Content
		if delta != wantDeltas[i] {
			t.Errorf("chunk %d delta = %q, want %q", i, delta, wantDeltas[i])
		}
		if i < 2 {
			deltas = append(deltas, delta)
			if chunk.Choices[0].FinishReason != "" {
				t.Errorf("chunk %d should not carry a finish reason", i)
			}
		}
	}
	if chunks[2].Choices[0].FinishReason != openai.FinishReasonStop {
		t.Errorf("final chunk should finish with stop, got %q", chunks[2].Choices[0].FinishReason)
	}

	single := ToChatCompletion(res, ResponseOptions{})
	if strings.Join(deltas, messageSeparator) != single.Choices[0].Message.Content {
		t.Errorf("stream deltas do not reassemble the single-shot content")
	}
}

func TestToChunksEmptyResult(t *testing.T) {
	chunks := ToChunks(&models.InvocationResult{ConversationID: "x"}, ResponseOptions{})
	if len(chunks) != 2 {
		t.Fatalf("expected placeholder and final chunk, got %d", len(chunks))
	}
	if chunks[0].Choices[0].Delta.Content != NoResponsePlaceholder {
		t.Errorf("unexpected first delta %q", chunks[0].Choices[0].Delta.Content)
	}
}

func TestChunkWireFormat(t *testing.T) {
	delta, err := json.Marshal(DeltaChunk("id-1", "gpt-4", 1, "hey"))
	if err != nil {
		t.Fatalf("marshal delta: %v", err)
	}
	if !strings.Contains(string(delta), `"finish_reason":null`) || !strings.Contains(string(delta), `"content":"hey"`) {
		t.Errorf("unexpected delta json: %s", delta)
	}

	final, err := json.Marshal(FinalChunk("id-1", "gpt-4", 1))
	if err != nil {
		t.Fatalf("marshal final: %v", err)
	}
	if !strings.Contains(string(final), `"delta":{}`) || !strings.Contains(string(final), `"finish_reason":"stop"`) {
		t.Errorf("unexpected final json: %s", final)
	}
}
