package subprocess

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"claude-bridge/internal/models"
)

// output is the part of a CLI JSON document the invoker cares about.
type output struct {
	Result    string
	IsError   bool
	SessionID string
	Finished  bool
	Usage     *models.Usage
	Cost      *float64
	Duration  *float64
}

var errNoOutput = errors.New("cli produced no output")

// parseOutput reads the single JSON document printed in json mode. Log lines
// printed before the document are tolerated.
func parseOutput(stdout []byte) (output, error) {
	text := bytes.TrimSpace(stdout)
	if len(text) == 0 {
		return output{}, errNoOutput
	}
	if gjson.ValidBytes(text) && gjson.ParseBytes(text).IsObject() {
		return decode(gjson.ParseBytes(text)), nil
	}

	lines := bytes.Split(text, []byte("\n"))
	for j := len(lines) - 1; j >= 0; j-- {
		line := bytes.TrimSpace(lines[j])
		if gjson.ValidBytes(line) && gjson.ParseBytes(line).IsObject() {
			return decode(gjson.ParseBytes(line)), nil
		}
	}
	return output{}, fmt.Errorf("cli output is not valid JSON: %s", summarizeStderr(string(text)))
}

func decode(doc gjson.Result) output {
	out := output{
		Result:    doc.Get("result").String(),
		IsError:   doc.Get("is_error").Bool(),
		SessionID: doc.Get("session_id").String(),
		Finished:  doc.Get("subtype").String() != "error_max_turns",
	}

	in, outTokens := doc.Get("usage.input_tokens"), doc.Get("usage.output_tokens")
	if in.Exists() || outTokens.Exists() {
		out.Usage = &models.Usage{
			PromptTokens:     int(in.Int()),
			CompletionTokens: int(outTokens.Int()),
			TotalTokens:      int(in.Int() + outTokens.Int()),
		}
	}
	if cost := doc.Get("total_cost_usd"); cost.Exists() {
		v := cost.Float()
		out.Cost = &v
	}
	if ms := doc.Get("duration_ms"); ms.Exists() {
		v := ms.Float() / 1000
		out.Duration = &v
	}
	return out
}

// finish attaches session, metadata and usage. Usage reported on stdout wins
// over the stderr banner.
func finish(res *models.InvocationResult, out output, meta models.Metadata) {
	res.SessionID = out.SessionID
	if res.SessionID == "" {
		res.SessionID = meta.SessionID
	}
	if meta.SessionID == "" {
		meta.SessionID = out.SessionID
	}
	if meta.Cost == nil {
		meta.Cost = out.Cost
	}
	if meta.DurationSeconds == nil {
		meta.DurationSeconds = out.Duration
	}
	res.Metadata = meta

	if out.Usage != nil {
		res.Usage = out.Usage
		return
	}
	res.Usage = meta.Usage()
}

// streamState accumulates stream-json lines.
type streamState struct {
	out      output
	msgs     []models.ContentMessage
	texts    int
	terminal bool
	errMsg   string
}

// consume handles one stdout line and returns the delta to emit, if any.
// Lines that are not JSON objects are skipped.
func (s *streamState) consume(line []byte) (string, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || !gjson.ValidBytes(line) {
		return "", false
	}
	doc := gjson.ParseBytes(line)
	if !doc.IsObject() {
		return "", false
	}

	if id := doc.Get("session_id").String(); id != "" {
		s.out.SessionID = id
	}
	kind := doc.Get("type").String()
	if kind == "assistant" {
		s.recordTools(doc.Get("message.content"))
	}

	if doc.Get("finished").Bool() || kind == "result" {
		s.terminal = true
		parsed := decode(doc)
		if parsed.SessionID == "" {
			parsed.SessionID = s.out.SessionID
		}
		s.out = parsed
		if parsed.IsError {
			s.errMsg = parsed.Result
			if s.errMsg == "" {
				s.errMsg = "cli reported an error"
			}
			return "", false
		}
	}

	text := doc.Get("result").String()
	if text == "" {
		return "", false
	}
	s.msgs = append(s.msgs, models.TextMessage(text))
	s.texts++
	return text, true
}

func (s *streamState) recordTools(content gjson.Result) {
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() != "tool_use" {
			return true
		}
		msg := models.TextMessage("")
		msg.Kind = models.KindToolUse
		msg.Tool = &models.Tool{
			ID:    block.Get("id").String(),
			Name:  block.Get("name").String(),
			Input: block.Get("input").Raw,
		}
		s.msgs = append(s.msgs, msg)
		return true
	})
}

func (s *streamState) messages() []models.ContentMessage {
	return s.msgs
}
