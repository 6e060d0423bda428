package translator

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"

	"claude-bridge/internal/models"
)

const (
	defaultMaxTurns = 5
	mediumMaxTurns  = 7
	longMaxTurns    = 10

	conversationPrefix = "chatcmpl-"
	defaultMediaType   = "image/png"
)

// QueryOptions carries the per-request settings the translator cannot infer
// from the messages themselves.
type QueryOptions struct {
	// MaxTurns overrides the length-derived turn budget when positive.
	MaxTurns         int
	WorkingDirectory string
	BackendModel     string
}

// NewConversationID returns a fresh request-scoped completion identifier.
func NewConversationID() string {
	return conversationPrefix + uuid.NewString()
}

// BuildQuery converts a unified chat request into the backend-native query.
// The flattened Prompt serves the subprocess backend; Turns keep typed content
// for the direct API.
func BuildQuery(req models.ChatRequest, opts QueryOptions) (models.TranslatedQuery, error) {
	if len(req.Messages) == 0 {
		return models.TranslatedQuery{}, ErrEmptyMessages
	}

	q := models.TranslatedQuery{
		ConversationID:   NewConversationID(),
		MaxTurns:         MaxTurns(len(req.Messages), opts.MaxTurns),
		WorkingDirectory: opts.WorkingDirectory,
		Model:            opts.BackendModel,
		Sampling:         req.Sampling,
	}

	var (
		sections    []string
		imageCount  int
		systemTaken bool
	)
	for _, msg := range req.Messages {
		if msg.Role == models.RoleSystem && !systemTaken {
			q.SystemPrompt = messageText(msg)
			systemTaken = true
			continue
		}

		label := roleLabel(msg)
		flat, turn := renderMessage(msg, &imageCount)
		sections = append(sections, label+": "+flat)
		q.Turns = appendTurn(q.Turns, turnRole(msg), turn)
	}

	q.Prompt = strings.Join(sections, "\n\n")
	return q, nil
}

// MaxTurns derives the agentic turn budget from the conversation length.
func MaxTurns(messages, override int) int {
	if override > 0 {
		return override
	}
	switch {
	case messages > 10:
		return longMaxTurns
	case messages > 5:
		return mediumMaxTurns
	default:
		return defaultMaxTurns
	}
}

func roleLabel(msg models.Message) string {
	switch msg.Role {
	case models.RoleUser:
		return "Human"
	case models.RoleAssistant:
		return "Assistant"
	case models.RoleFunction, models.RoleTool:
		if msg.Name == "" {
			return "Function"
		}
		return "Function " + msg.Name
	case models.RoleSystem:
		return "System"
	default:
		return msg.Role
	}
}

// turnRole maps inbound roles onto the two roles the Messages API accepts.
func turnRole(msg models.Message) string {
	if msg.Role == models.RoleAssistant {
		return models.RoleAssistant
	}
	return models.RoleUser
}

func messageText(msg models.Message) string {
	if !msg.HasParts() {
		return msg.Content
	}
	texts := make([]string, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		if part.Type == models.PartText {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, " ")
}

// renderMessage flattens a message for the prompt and builds its typed turn
// parts. imageCount numbers images across the whole conversation.
func renderMessage(msg models.Message, imageCount *int) (string, []models.TurnPart) {
	prefix := ""
	if msg.Role == models.RoleFunction || msg.Role == models.RoleTool || msg.Role == models.RoleSystem {
		prefix = roleLabel(msg) + ": "
	}

	if !msg.HasParts() {
		return msg.Content, []models.TurnPart{{Text: prefix + msg.Content}}
	}

	flat := make([]string, 0, len(msg.Parts))
	parts := make([]models.TurnPart, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		switch part.Type {
		case models.PartText:
			flat = append(flat, part.Text)
			parts = append(parts, models.TurnPart{Text: part.Text})
		case models.PartImage:
			*imageCount++
			note := fmt.Sprintf("[Image #%d: %s]", *imageCount, imageName(part.ImageURL))
			flat = append(flat, note)
			if isRemote(part.ImageURL) {
				parts = append(parts, models.TurnPart{URL: part.ImageURL})
			} else if mediaType, data, ok := decodeImage(part.ImageURL); ok {
				parts = append(parts, models.TurnPart{MediaType: mediaType, Data: data})
			} else {
				parts = append(parts, models.TurnPart{Text: note})
			}
		}
	}
	if prefix != "" && len(parts) > 0 {
		parts = append([]models.TurnPart{{Text: strings.TrimSuffix(prefix, " ")}}, parts...)
	}
	return strings.Join(flat, " "), parts
}

// appendTurn merges consecutive same-role turns; the Messages API requires
// strict user/assistant alternation.
func appendTurn(turns []models.Turn, role string, parts []models.TurnPart) []models.Turn {
	if n := len(turns); n > 0 && turns[n-1].Role == role {
		turns[n-1].Parts = append(turns[n-1].Parts, parts...)
		return turns
	}
	return append(turns, models.Turn{Role: role, Parts: parts})
}

func imageName(ref string) string {
	switch {
	case strings.HasPrefix(ref, "data:"):
		mediaType, _, _ := strings.Cut(strings.TrimPrefix(ref, "data:"), ";")
		if mediaType == "" {
			mediaType = defaultMediaType
		}
		return "inline " + mediaType
	case isRemote(ref):
		if u, err := url.Parse(ref); err == nil {
			if base := path.Base(u.Path); base != "/" && base != "." {
				return base
			}
			return u.Host
		}
		return ref
	default:
		return "inline image"
	}
}

func isRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// decodeImage extracts media type and base64 payload from a data URL or raw
// base64 string.
func decodeImage(ref string) (mediaType, data string, ok bool) {
	if strings.HasPrefix(ref, "data:") {
		header, payload, found := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
		if !found || !strings.HasSuffix(header, ";base64") || payload == "" {
			return "", "", false
		}
		mediaType = strings.TrimSuffix(header, ";base64")
		if mediaType == "" {
			mediaType = defaultMediaType
		}
		return mediaType, payload, true
	}
	if isRemote(ref) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(ref)
	if err != nil || len(raw) == 0 {
		return "", "", false
	}
	return sniffMediaType(raw), ref, true
}

func sniffMediaType(raw []byte) string {
	switch {
	case len(raw) >= 3 && raw[0] == 0xFF && raw[1] == 0xD8 && raw[2] == 0xFF:
		return "image/jpeg"
	case len(raw) >= 4 && string(raw[:4]) == "GIF8":
		return "image/gif"
	case len(raw) >= 12 && string(raw[:4]) == "RIFF" && string(raw[8:12]) == "WEBP":
		return "image/webp"
	default:
		return defaultMediaType
	}
}
