// Package metadata recovers usage details from the human-readable banner a
// CLI backend prints on stderr. Every pattern is independent; a field that
// does not match is simply left unset.
package metadata

import (
	"regexp"
	"strconv"
	"strings"

	"claude-bridge/internal/models"
)

var (
	sessionPattern  = regexp.MustCompile(`(?i)session[ _-]?id\s*[:=]\s*([A-Za-z0-9][A-Za-z0-9._-]*)`)
	costPattern     = regexp.MustCompile(`(?i)(?:total\s+)?cost\s*[:=]\s*\$?\s*([0-9]+(?:\.[0-9]+)?)`)
	durationPattern = regexp.MustCompile(`(?i)duration\s*[:=]\s*([0-9]+(?:\.[0-9]+)?)\s*(ms|s|sec|secs|seconds)?\b`)
	tokensPattern   = regexp.MustCompile(`(?i)([^\s+=]+)\s+prompt\s*\+\s*([^\s+=]+)\s+completion\s*=\s*([^\s+=]+)\s+tokens`)
)

// Extract scans text and returns whatever it could recognise. It never fails.
func Extract(text string) models.Metadata {
	var md models.Metadata
	if strings.TrimSpace(text) == "" {
		return md
	}

	if m := sessionPattern.FindStringSubmatch(text); m != nil {
		md.SessionID = m[1]
	}
	if m := costPattern.FindStringSubmatch(text); m != nil {
		md.Cost = parseFloat(m[1])
	}
	if m := durationPattern.FindStringSubmatch(text); m != nil {
		if d := parseFloat(m[1]); d != nil {
			if strings.EqualFold(m[2], "ms") {
				seconds := *d / 1000
				d = &seconds
			}
			md.DurationSeconds = d
		}
	}
	if m := tokensPattern.FindStringSubmatch(text); m != nil {
		md.PromptTokens = parseInt(m[1])
		md.CompletionTokens = parseInt(m[2])
		md.TotalTokens = parseInt(m[3])
	}

	return md
}

func parseFloat(s string) *float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseInt(s string) *int {
	v, err := strconv.Atoi(strings.ReplaceAll(s, ",", ""))
	if err != nil || v < 0 {
		return nil
	}
	return &v
}
