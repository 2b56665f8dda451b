package indexer

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// xtreamStream is one get_live_streams element. stream_id arrives as a number or a
// string depending on the panel.
type xtreamStream struct {
	StreamID json.RawMessage `json:"stream_id"`
	Name     string          `json:"name"`
}

func parseFlatList(body []byte, src Source) ([]Entry, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(body, &elems); err != nil {
		return nil, err
	}
	var out []Entry
	for _, el := range elems {
		var s xtreamStream
		if json.Unmarshal(el, &s) != nil {
			continue
		}
		id := flexibleID(s.StreamID)
		name := strings.TrimSpace(s.Name)
		if id == "" || name == "" || src.StreamPattern == "" {
			continue
		}
		cmd := strings.ReplaceAll(src.StreamPattern, "{id}", url.PathEscape(id))
		out = append(out, Entry{Name: name, Command: cmd})
	}
	return out, nil
}

func flexibleID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if _, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// XtreamAccount inspects an Xtream response for an account verdict. denied is true when
// the panel answered with user_info and either auth == 0 or a status other than Active;
// status is the panel's wording for the diagnostic.
func XtreamAccount(body []byte) (status string, denied bool) {
	var doc struct {
		UserInfo *struct {
			Auth   json.RawMessage `json:"auth"`
			Status string          `json:"status"`
		} `json:"user_info"`
	}
	if json.Unmarshal(trimBody(body), &doc) != nil || doc.UserInfo == nil {
		return "", false
	}
	ui := doc.UserInfo
	auth := strings.Trim(string(ui.Auth), `"`)
	if auth == "0" || auth == "false" {
		if ui.Status == "" {
			return "auth=0", true
		}
		return ui.Status, true
	}
	if ui.Status != "" && !strings.EqualFold(ui.Status, "Active") {
		return ui.Status, true
	}
	return ui.Status, false
}
