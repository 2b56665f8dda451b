package indexer

import (
	"github.com/snapetech/stbportal/internal/portalerr"
)

// Entry is one channel as the portal described it, before normalization.
// Command is the provider's opaque payload with any player prefix removed.
type Entry struct {
	Name    string
	Command string
}

// Source carries what a parser needs to know about where a response came from.
type Source struct {
	// StreamPattern synthesizes a command for flat-list records; {id} is replaced
	// with the record's stream_id. Empty for other formats.
	StreamPattern string
}

type parserFunc func(body []byte, src Source) ([]Entry, error)

// parsers maps each parseable format to its parser. Markup and unrecognized
// bodies have no entry and never reach a parser.
var parsers = map[Format]parserFunc{
	StructuredEnvelope: parseEnvelope,
	PlaylistText:       parsePlaylist,
	FlatList:           parseFlatList,
}

// Parse is the single dispatch point from a classified body to channel entries.
// Zero entries is EmptyCatalog; markup and unrecognized bodies are FormatUnsupported
// (an empty unrecognized body is EmptyCatalog).
func Parse(format Format, body []byte, src Source) ([]Entry, error) {
	parse, ok := parsers[format]
	if !ok {
		if format == UnsupportedMarkup {
			e := portalerr.New(portalerr.FormatUnsupported, "catalog", "%s: %s", format, DescribeMarkup(body))
			return nil, e
		}
		if len(trimBody(body)) == 0 {
			return nil, portalerr.New(portalerr.EmptyCatalog, "catalog", "empty response")
		}
		return nil, portalerr.New(portalerr.FormatUnsupported, "catalog", "%s response (%d bytes)", format, len(body))
	}
	entries, err := parse(trimBody(body), src)
	if err != nil {
		return nil, portalerr.Wrap(portalerr.FormatUnsupported, "catalog", err)
	}
	if len(entries) == 0 {
		return nil, portalerr.New(portalerr.EmptyCatalog, "catalog", "%s response contained no channels", format)
	}
	return entries, nil
}
