package indexer

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/grafana/regexp"
)

var (
	envelopeWrappers = []string{"js", "result", "response"}
	envelopeArrays   = []string{"data", "channels"}
	nameKeys         = []string{"name", "title", "caption"}
	commandKeys      = []string{"cmd", "url", "stream_url", "source"}

	// playerPrefix matches the player hint Stalker prepends to commands ("ffmpeg http://...").
	playerPrefix = regexp.MustCompile(`(?i)^(?:ffmpeg|ffrt\d*|auto)(?:\s+|$)`)
)

// StripPlayerPrefix removes a leading player hint from a portal command.
func StripPlayerPrefix(cmd string) string {
	return strings.TrimSpace(playerPrefix.ReplaceAllString(strings.TrimSpace(cmd), ""))
}

func parseEnvelope(body []byte, _ Source) ([]Entry, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	var out []Entry
	for _, el := range findChannelArray(doc) {
		obj, ok := el.(map[string]any)
		if !ok {
			continue
		}
		name := firstString(obj, nameKeys)
		cmd := StripPlayerPrefix(firstString(obj, commandKeys))
		if name == "" || cmd == "" {
			continue
		}
		out = append(out, Entry{Name: name, Command: cmd})
	}
	return out, nil
}

// findChannelArray looks for the channel list at the known nesting paths:
// data, channels, <wrapper>.data, <wrapper>.channels, <wrapper> itself, or the root array.
func findChannelArray(doc any) []any {
	if arr, ok := doc.([]any); ok {
		return arr
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil
	}
	if arr := arrayField(obj, envelopeArrays); arr != nil {
		return arr
	}
	for _, w := range envelopeWrappers {
		switch inner := obj[w].(type) {
		case map[string]any:
			if arr := arrayField(inner, envelopeArrays); arr != nil {
				return arr
			}
		case []any:
			return inner
		}
	}
	return nil
}

func arrayField(obj map[string]any, keys []string) []any {
	for _, k := range keys {
		if arr, ok := obj[k].([]any); ok {
			return arr
		}
	}
	return nil
}

// firstString returns the first non-empty value among keys, accepting numbers as strings.
func firstString(obj map[string]any, keys []string) string {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
