package indexer

import (
	"bufio"
	"bytes"
	"io"
	"net/url"
	"path"
	"strings"
)

const maxLineSize = 1 << 20 // 1 MiB per line

func parsePlaylist(body []byte, _ Source) ([]Entry, error) {
	return parseM3UFromReader(bytes.NewReader(body))
}

// parseM3UFromReader pairs each #EXTINF name with the next URL-looking line. Other
// directives and comments are skipped without dropping the pending name. A URL with
// no pending name is named after its last path segment. A line longer than
// maxLineSize is skipped; if it was an #EXTINF, the URL that follows it goes too.
func parseM3UFromReader(r io.Reader) ([]Entry, error) {
	br := bufio.NewReaderSize(r, 64<<10)
	var entries []Entry
	var pending string
	dropNext := false
	for {
		raw, tooLong, err := readLine(br)
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}
		line := strings.TrimSpace(raw)
		if tooLong {
			if strings.HasPrefix(line, "#EXTINF:") {
				pending = ""
				dropNext = true
			}
			continue
		}
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#EXTINF:") {
			pending = nameFromEXTINF(line)
			dropNext = false
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if !looksLikeURL(line) {
			continue
		}
		name := pending
		if name == "" {
			name = nameFromURL(line)
		}
		pending = ""
		if dropNext {
			dropNext = false
			continue
		}
		if name == "" {
			continue
		}
		entries = append(entries, Entry{Name: name, Command: line})
	}
}

// readLine returns the next line without its terminator. Past maxLineSize the rest
// of the line is discarded, tooLong is set and only the head of the line is kept.
func readLine(br *bufio.Reader) (line string, tooLong bool, err error) {
	var buf []byte
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if err == io.EOF && (len(buf) > 0 || tooLong) {
				return string(buf), tooLong, nil
			}
			return "", false, err
		}
		if !tooLong {
			buf = append(buf, chunk...)
			if len(buf) > maxLineSize {
				tooLong = true
				buf = buf[:len("#EXTINF:")]
			}
		}
		if !isPrefix {
			return string(buf), tooLong, nil
		}
	}
}

// nameFromEXTINF returns the display name after the first comma that is not inside
// a quoted attribute: #EXTINF:-1 tvg-name="A, B",Name.
func nameFromEXTINF(extinf string) string {
	inQuote := false
	for i, c := range extinf {
		switch c {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				return strings.TrimSpace(extinf[i+1:])
			}
		}
	}
	return ""
}

func looksLikeURL(line string) bool {
	return strings.Contains(line, "://") || strings.HasPrefix(line, "/")
}

func nameFromURL(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	base := path.Base(strings.TrimSuffix(p, "/"))
	if base == "." || base == "/" {
		return ""
	}
	if dec, err := url.PathUnescape(base); err == nil {
		base = dec
	}
	return base
}
