package direct

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/tidwall/gjson"

	"claude-bridge/internal/invoker"
	"claude-bridge/internal/models"
)

type fakeAPI struct {
	mu     sync.Mutex
	bodies []string
	status int
	body   string
	sse    bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies = append(f.bodies, string(raw))
	f.mu.Unlock()

	if r.URL.Path != "/v1/messages" {
		http.NotFound(w, r)
		return
	}
	if f.sse {
		w.Header().Set("Content-Type", "text/event-stream")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, f.body)
}

func (f *fakeAPI) lastBody() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[len(f.bodies)-1]
}

func newTestInvoker(t *testing.T, api *fakeAPI) *Invoker {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	inv, err := New(Config{
		APIKey:       "sk-ant-test",
		BaseURL:      srv.URL,
		DefaultModel: "claude-sonnet-4-20250514",
		MaxTokens:    1024,
	}, srv.Client())
	if err != nil {
		t.Fatalf("new invoker: %v", err)
	}
	return inv
}

func sampleQuery() models.TranslatedQuery {
	temp := 0.5
	return models.TranslatedQuery{
		ConversationID: "chatcmpl-1",
		Prompt:         "Human: Hello",
		SystemPrompt:   "be brief",
		Model:          "claude-3-5-haiku-20241022",
		Turns: []models.Turn{
			{Role: models.RoleUser, Parts: []models.TurnPart{
				{Text: "Hello"},
				{MediaType: "image/png", Data: "iVBORw0KGgo="},
				{URL: "https://example.com/cat.png"},
			}},
		},
		Sampling: models.Sampling{Temperature: &temp, Stop: []string{"END"}},
	}
}

const messageJSON = `{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-haiku-20241022",
"content":[{"type":"text","text":"Hello there"},{"type":"tool_use","id":"tu_1","name":"lookup","input":{"q":"x"}}],
"stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":12,"output_tokens":4}}`

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{MaxTokens: 1}, http.DefaultClient); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestInvoke(t *testing.T) {
	api := &fakeAPI{body: messageJSON}
	inv := newTestInvoker(t, api)

	res, err := inv.Invoke(context.Background(), sampleQuery())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !res.Finished || res.Invoker != invoker.NameDirect {
		t.Errorf("unexpected result flags: %+v", res)
	}
	if res.ConversationID != "chatcmpl-1" || res.SessionID != "msg_1" {
		t.Errorf("unexpected ids: %+v", res)
	}
	if res.BackendModelID != "claude-3-5-haiku-20241022" {
		t.Errorf("unexpected model %q", res.BackendModelID)
	}
	if res.Usage == nil || res.Usage.PromptTokens != 12 || res.Usage.CompletionTokens != 4 || res.Usage.TotalTokens != 16 {
		t.Errorf("unexpected usage %+v", res.Usage)
	}
	if len(res.Messages) != 2 || res.Messages[0].Text != "Hello there" || res.Messages[1].Kind != models.KindToolUse {
		t.Fatalf("unexpected messages %+v", res.Messages)
	}
	if res.Messages[1].Tool.Name != "lookup" {
		t.Errorf("unexpected tool %+v", res.Messages[1].Tool)
	}

	body := api.lastBody()
	if got := gjson.Get(body, "model").String(); got != "claude-3-5-haiku-20241022" {
		t.Errorf("unexpected model in request %q", got)
	}
	if got := gjson.Get(body, "max_tokens").Int(); got != 1024 {
		t.Errorf("expected default max_tokens, got %d", got)
	}
	if got := gjson.Get(body, "system.0.text").String(); got != "be brief" {
		t.Errorf("unexpected system %q", got)
	}
	if got := gjson.Get(body, "messages.0.content.1.source.data").String(); got != "iVBORw0KGgo=" {
		t.Errorf("image block not sent, body=%s", body)
	}
	urlImage := gjson.Get(body, "messages.0.content.2")
	if urlImage.Get("type").String() != "image" || urlImage.Get("source.type").String() != "url" ||
		urlImage.Get("source.url").String() != "https://example.com/cat.png" {
		t.Errorf("url image block not sent, body=%s", body)
	}
	if got := gjson.Get(body, "stop_sequences.0").String(); got != "END" {
		t.Errorf("stop sequences not sent, body=%s", body)
	}
	if got := gjson.Get(body, "temperature").Float(); got != 0.5 {
		t.Errorf("temperature not sent, body=%s", body)
	}
}

func TestInvokeMaxTokensIsUnfinished(t *testing.T) {
	api := &fakeAPI{body: strings.Replace(messageJSON, `"end_turn"`, `"max_tokens"`, 1)}
	inv := newTestInvoker(t, api)

	res, err := inv.Invoke(context.Background(), sampleQuery())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Finished {
		t.Error("max_tokens stop reason must not be finished")
	}
}

func TestInvokeCreditErrorIsTerminal(t *testing.T) {
	api := &fakeAPI{
		status: http.StatusBadRequest,
		body:   `{"type":"error","error":{"type":"invalid_request_error","message":"Your credit balance is too low to access the Anthropic API."}}`,
	}
	inv := newTestInvoker(t, api)

	_, err := inv.Invoke(context.Background(), sampleQuery())
	if err == nil {
		t.Fatal("expected error")
	}
	if !invoker.IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if got := invoker.Message(err); got != "Your credit balance is too low to access the Anthropic API." {
		t.Errorf("provider message not kept verbatim: %q", got)
	}
}

func TestInvokeAuthStatusIsTerminal(t *testing.T) {
	api := &fakeAPI{
		status: http.StatusUnauthorized,
		body:   `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`,
	}
	inv := newTestInvoker(t, api)

	if _, err := inv.Invoke(context.Background(), sampleQuery()); !invoker.IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

func TestInvokeServerErrorIsTransport(t *testing.T) {
	api := &fakeAPI{
		status: http.StatusInternalServerError,
		body:   `{"type":"error","error":{"type":"api_error","message":"Internal server error"}}`,
	}
	inv := newTestInvoker(t, api)

	_, err := inv.Invoke(context.Background(), sampleQuery())
	var be *invoker.BackendError
	if !errors.As(err, &be) || be.Terminal {
		t.Fatalf("expected transport error, got %v", err)
	}
}

const streamBody = `event: message_start
data: {"type":"message_start","message":{"id":"msg_2","type":"message","role":"assistant","model":"claude-sonnet-4-20250514","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":10,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi "}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"there"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":5}}

event: message_stop
data: {"type":"message_stop"}

`

func TestStream(t *testing.T) {
	api := &fakeAPI{body: streamBody, sse: true}
	inv := newTestInvoker(t, api)

	events, err := inv.Stream(context.Background(), sampleQuery())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var deltas []string
	var final *models.InvocationResult
	for ev := range events {
		switch {
		case ev.Err != nil:
			t.Fatalf("unexpected stream error: %v", ev.Err)
		case ev.Done():
			final = ev.Result
		default:
			deltas = append(deltas, ev.Text)
		}
	}

	if strings.Join(deltas, "|") != "Hi |there" {
		t.Errorf("unexpected deltas %q", deltas)
	}
	if final == nil {
		t.Fatal("missing terminal event")
	}
	if final.Usage.PromptTokens != 10 || final.Usage.CompletionTokens != 5 || final.Usage.TotalTokens != 15 {
		t.Errorf("unexpected usage %+v", final.Usage)
	}
	if final.SessionID != "msg_2" || !final.Finished {
		t.Errorf("unexpected final result %+v", final)
	}
	if !gjson.Get(api.lastBody(), "stream").Bool() {
		t.Error("streaming request must set stream=true")
	}
}

func TestStreamErrorEvent(t *testing.T) {
	api := &fakeAPI{
		status: http.StatusForbidden,
		body:   `{"type":"error","error":{"type":"permission_error","message":"no access"}}`,
	}
	inv := newTestInvoker(t, api)

	events, err := inv.Stream(context.Background(), sampleQuery())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var last models.Event
	for ev := range events {
		last = ev
	}
	if last.Err == nil || !invoker.IsTerminal(last.Err) {
		t.Fatalf("expected terminal error event, got %+v", last)
	}
}
