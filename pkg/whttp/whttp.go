package whttp

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

// MaxBodyBytes caps how much of a response body is read into memory.
const MaxBodyBytes = 4 << 20

type WHTTPHeader struct {
	Name  string
	Value string
}

type WHTTPReq struct {
	URL     string
	Method  string
	Headers []WHTTPHeader
	Body    []byte
}

type WHTTPRes struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// BodyString returns the response body as a string.
func (r *WHTTPRes) BodyString() string { return string(r.Body) }

// SendHTTPRequest performs wReq with client and reads the whole body.
// A nil client falls back to http.DefaultClient.
func SendHTTPRequest(ctx context.Context, wReq *WHTTPReq, client *http.Client) (*WHTTPRes, error) {
	if client == nil {
		client = http.DefaultClient
	}

	var body io.Reader
	if len(wReq.Body) > 0 {
		body = bytes.NewReader(wReq.Body)
	}
	method := wReq.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, wReq.URL, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", "motscan/2 (+https://github.com/sw33tLie/motscan)")
	for _, h := range wReq.Headers {
		req.Header.Set(h.Name, h.Value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, err
	}

	return &WHTTPRes{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       bodyBytes,
	}, nil
}
