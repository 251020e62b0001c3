package cache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ServedDateHeader is the reserved header holding an entry's creation instant
const ServedDateHeader = "X-Guardian-Served-Date"

// hopHeaders describe the connection rather than the stored payload
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// Entry is a stored response materialized in memory
type Entry struct {
	Key       string         // Cache key
	Response  *http.Response // Status and header, without a body
	Body      []byte         // Response body
	CreatedAt time.Time      // When the response was stored
}

// Age returns how long ago the entry was stored
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// IsStale checks the entry against a max-stale duration.
// A zero maxStale means the entry never goes stale.
func (e *Entry) IsStale(maxStale time.Duration, now time.Time) bool {
	if maxStale <= 0 {
		return false
	}
	return e.Age(now) > maxStale
}

// HTTPResponse returns an independent response carrying the entry body
func (e *Entry) HTTPResponse(req *http.Request) *http.Response {
	resp := *e.Response
	resp.Header = e.Response.Header.Clone()
	resp.Body = io.NopCloser(bytes.NewReader(e.Body))
	resp.ContentLength = int64(len(e.Body))
	resp.Request = req
	return &resp
}

// ReadEntry decodes a snapshot into an Entry and closes it.
// Any read or decode failure is returned as an error.
func ReadEntry(s *Snapshot) (*Entry, error) {
	defer s.Close()

	resp, createdAt, err := DecodeHeader(s.Header)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(s.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached body: %w", err)
	}

	return &Entry{
		Key:       s.Key,
		Response:  resp,
		Body:      body,
		CreatedAt: createdAt,
	}, nil
}

// EncodeHeader serializes a response head into a header blob.
// The blob records createdAt and a Content-Length matching bodySize.
func EncodeHeader(resp *http.Response, createdAt time.Time, bodySize int64) []byte {
	var buf bytes.Buffer

	status := resp.Status
	if status == "" {
		status = strconv.Itoa(resp.StatusCode) + " " + http.StatusText(resp.StatusCode)
	}
	fmt.Fprintf(&buf, "HTTP/1.1 %s\r\n", status)

	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
	header.Set("Content-Length", strconv.FormatInt(bodySize, 10))
	header.Set(ServedDateHeader, createdAt.UTC().Format(time.RFC3339Nano))

	_ = header.Write(&buf)
	buf.WriteString("\r\n")

	return buf.Bytes()
}

// DecodeHeader parses a header blob produced by EncodeHeader
func DecodeHeader(data []byte) (*http.Response, time.Time, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data)), nil)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to parse cached header: %w", err)
	}
	resp.Body = http.NoBody

	served := resp.Header.Get(ServedDateHeader)
	if served == "" {
		return nil, time.Time{}, fmt.Errorf("cached header missing %s", ServedDateHeader)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, served)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("invalid %s: %w", ServedDateHeader, err)
	}

	return resp, createdAt, nil
}
