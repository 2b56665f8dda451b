// Package indexer classifies raw portal catalog responses and turns each supported
// format into channel entries.
package indexer

import (
	"bytes"
	"encoding/json"

	"github.com/grafana/regexp"
)

// Format is the shape of a raw catalog response.
type Format int

const (
	// Unrecognized is anything else, including an empty body.
	Unrecognized Format = iota
	// StructuredEnvelope is a JSON document wrapping a channel array (Stalker js.data).
	StructuredEnvelope
	// PlaylistText is an M3U playlist.
	PlaylistText
	// FlatList is a JSON array of flat {stream_id, name} records (Xtream-Codes).
	FlatList
	// UnsupportedMarkup is an HTML/XML/script interface with no machine-readable catalog.
	UnsupportedMarkup
)

func (f Format) String() string {
	switch f {
	case StructuredEnvelope:
		return "structured-envelope"
	case PlaylistText:
		return "playlist-text"
	case FlatList:
		return "flat-list"
	case UnsupportedMarkup:
		return "unsupported-markup"
	default:
		return "unrecognized"
	}
}

var (
	utf8BOM      = []byte("\xef\xbb\xbf")
	m3uHeader    = []byte("#EXTM3U")
	markupMarker = regexp.MustCompile(`(?i)<!doctype\s+html|<html[\s>]|<head[\s>]|<body[\s>]|<script[\s>]|<\?xml\s|<div[\s>]|<iframe[\s>]`)
)

// trimBody strips a UTF-8 BOM and surrounding whitespace.
func trimBody(body []byte) []byte {
	return bytes.TrimSpace(bytes.TrimPrefix(bytes.TrimSpace(body), utf8BOM))
}

// Classify inspects body and returns its format without parsing channels out of it.
func Classify(body []byte) Format {
	b := trimBody(body)
	if len(b) == 0 {
		return Unrecognized
	}
	if b[0] == '{' || b[0] == '[' {
		var doc any
		if json.Unmarshal(b, &doc) == nil {
			if isFlatList(doc) {
				return FlatList
			}
			return StructuredEnvelope
		}
	}
	if bytes.Contains(b, m3uHeader) {
		return PlaylistText
	}
	if markupMarker.Match(b) {
		return UnsupportedMarkup
	}
	return Unrecognized
}

// isFlatList reports whether doc is a non-empty array whose every element is an
// object carrying stream_id with no nested objects.
func isFlatList(doc any) bool {
	arr, ok := doc.([]any)
	if !ok || len(arr) == 0 {
		return false
	}
	for _, el := range arr {
		obj, ok := el.(map[string]any)
		if !ok {
			return false
		}
		if _, ok := obj["stream_id"]; !ok {
			return false
		}
		for _, v := range obj {
			switch vv := v.(type) {
			case map[string]any:
				return false
			case []any:
				// Newer panels send category_ids as a scalar array; that still counts as flat.
				for _, x := range vv {
					switch x.(type) {
					case map[string]any, []any:
						return false
					}
				}
			}
		}
	}
	return true
}
