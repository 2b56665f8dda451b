package httpclient

import (
	"context"
	"io"
	"net/http"
)

// DefaultUserAgent is what MAG boxes send; several portals refuse anything else.
const DefaultUserAgent = "Mozilla/5.0 (QtEmbedded; U; Linux; C) AppleWebKit/533.3 (KHTML, like Gecko) MAG200 stbapp ver: 2 rev: 250 Safari/533.3"

// Response is a fully read portal response.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher performs bounded GETs against a portal: per-host pacing, a per-host
// concurrency cap, fixed request headers and decoded bodies.
type Fetcher struct {
	Limiters *Limiters      // nil = no pacing
	HostSem  *HostSemaphore // nil = GlobalHostSem
	Header   http.Header    // applied to every request before per-call headers
}

// Get issues a GET for rawURL with client (bounded by its tier) and reads the whole body.
// A non-nil error means no HTTP response was obtained; status handling is the caller's job.
func (f *Fetcher) Get(ctx context.Context, client *http.Client, rawURL string, hdr http.Header) (*Response, error) {
	if client == nil {
		client = Default()
	}
	if err := f.Limiters.Wait(ctx, rawURL); err != nil {
		return nil, err
	}
	sem := f.HostSem
	if sem == nil {
		sem = GlobalHostSem
	}
	release, err := sem.Acquire(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range f.Header {
		req.Header[k] = append([]string(nil), v...)
	}
	for k, v := range hdr {
		req.Header[k] = append([]string(nil), v...)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", DefaultUserAgent)
	}
	req.Header.Set("Accept-Encoding", AcceptEncoding)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		// Drain what a decoder left unread so the connection goes back to the pool.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
	}()
	body, err := ReadBody(resp, 0)
	if err != nil {
		return nil, err
	}
	return &Response{
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}
