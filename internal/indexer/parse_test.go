package indexer

import (
	"strings"
	"testing"

	"github.com/snapetech/stbportal/internal/portalerr"
)

func TestParse_envelopeStripsPlayerPrefix(t *testing.T) {
	body := []byte(`{"js":{"data":[{"name":"Sports1","cmd":"ffmpeg http://localhost/ch/99_"}]}}`)
	got, err := Parse(Classify(body), body, Source{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "Sports1" || got[0].Command != "http://localhost/ch/99_" {
		t.Errorf("entries = %+v", got)
	}
}

func TestParse_envelopePaths(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []Entry
	}{
		{"top-level data", `{"data":[{"title":"A","url":"/a"}]}`, []Entry{{"A", "/a"}}},
		{"top-level channels", `{"channels":[{"caption":"B","stream_url":"http://b"}]}`, []Entry{{"B", "http://b"}}},
		{"result wrapper", `{"result":{"channels":[{"name":"C","source":"auto http://c"}]}}`, []Entry{{"C", "http://c"}}},
		{"wrapper is array", `{"response":[{"name":"D","cmd":"ffrt2 http://d"}]}`, []Entry{{"D", "http://d"}}},
		{"root array", `[{"name":"E","cmd":"http://e"}]`, []Entry{{"E", "http://e"}}},
		{"numeric name", `{"js":{"data":[{"name":12,"cmd":"http://n"}]}}`, []Entry{{"12", "http://n"}}},
		{
			"malformed entries skipped",
			`{"js":{"data":[{"name":"ok","cmd":"http://ok"},{"name":"","cmd":"http://x"},{"name":"nocmd"},"junk",{"name":"ok2","cmd":"ffmpeg "}]}}`,
			[]Entry{{"ok", "http://ok"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEnvelope([]byte(tt.body), Source{})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("entry[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParse_flatListSynthesizesCommand(t *testing.T) {
	body := []byte(`[{"stream_id":101,"name":"BBC One"},{"stream_id":"102","name":"ITV"},{"stream_id":null,"name":"bad"},{"stream_id":103,"name":""},{"stream_id":104,"name":7}]`)
	got, err := Parse(FlatList, body, Source{StreamPattern: "/live/00:1A:79:00:00:01/00:1A:79:00:00:01/{id}.ts"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %+v", got)
	}
	if got[0].Command != "/live/00:1A:79:00:00:01/00:1A:79:00:00:01/101.ts" || got[1].Name != "ITV" {
		t.Errorf("entries = %+v", got)
	}
}

func TestParse_emptyCatalog(t *testing.T) {
	for _, body := range []string{`{"js":{"data":[]}}`, "#EXTM3U\n", `{"js":{"total_items":0}}`} {
		_, err := Parse(Classify([]byte(body)), []byte(body), Source{})
		if !portalerr.Is(err, portalerr.EmptyCatalog) {
			t.Errorf("Parse(%q) err = %v, want empty_catalog", body, err)
		}
	}
	_, err := Parse(Unrecognized, nil, Source{})
	if !portalerr.Is(err, portalerr.EmptyCatalog) {
		t.Errorf("empty body err = %v", err)
	}
}

// A markup-only catalog is FormatUnsupported and no parser ever runs.
func TestParse_markupNeverReachesParser(t *testing.T) {
	calls := 0
	saved := parsers
	parsers = map[Format]parserFunc{}
	for f, p := range saved {
		p := p
		parsers[f] = func(body []byte, src Source) ([]Entry, error) {
			calls++
			return p(body, src)
		}
	}
	defer func() { parsers = saved }()

	body := []byte(`<html><head><title>Portal Login</title><script src="app.js"></script></head><body><form><input type="password"></form></body></html>`)
	format := Classify(body)
	if format != UnsupportedMarkup {
		t.Fatalf("Classify = %s", format)
	}
	_, err := Parse(format, body, Source{})
	if !portalerr.Is(err, portalerr.FormatUnsupported) {
		t.Fatalf("err = %v", err)
	}
	if calls != 0 {
		t.Errorf("parser invoked %d times", calls)
	}
	if !strings.Contains(err.Error(), "Portal Login") || !strings.Contains(err.Error(), "login form") {
		t.Errorf("diagnostic = %q", err.Error())
	}
}

func TestParse_unrecognizedIsUnsupported(t *testing.T) {
	_, err := Parse(Unrecognized, []byte("Access denied"), Source{})
	if !portalerr.Is(err, portalerr.FormatUnsupported) {
		t.Errorf("err = %v", err)
	}
}

func TestXtreamAccount(t *testing.T) {
	tests := []struct {
		body   string
		denied bool
	}{
		{`{"user_info":{"auth":0}}`, true},
		{`{"user_info":{"auth":1,"status":"Expired"}}`, true},
		{`{"user_info":{"auth":"1","status":"Active"}}`, false},
		{`[{"stream_id":1,"name":"A"}]`, false},
		{`not json`, false},
	}
	for _, tt := range tests {
		if _, denied := XtreamAccount([]byte(tt.body)); denied != tt.denied {
			t.Errorf("XtreamAccount(%s) denied = %v, want %v", tt.body, denied, tt.denied)
		}
	}
}
