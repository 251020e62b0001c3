package cache

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)

func newResponse(code int, contentType string) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", contentType)
	return &http.Response{
		StatusCode: code,
		Status:     strconv.Itoa(code) + " " + http.StatusText(code),
		Header:     header,
	}
}

func TestEncodeDecodeHeader(t *testing.T) {
	resp := newResponse(http.StatusOK, "application/json")
	resp.Header.Add("X-Request-Id", "abc")
	resp.Header.Set("Transfer-Encoding", "chunked")
	resp.Header.Set("Connection", "keep-alive")

	decoded, createdAt, err := DecodeHeader(EncodeHeader(resp, fixedNow, 42))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, decoded.StatusCode)
	assert.Equal(t, "200 OK", decoded.Status)
	assert.Equal(t, "application/json", decoded.Header.Get("Content-Type"))
	assert.Equal(t, "abc", decoded.Header.Get("X-Request-Id"))
	assert.Equal(t, "42", decoded.Header.Get("Content-Length"))
	assert.Empty(t, decoded.Header.Get("Connection"))
	assert.True(t, fixedNow.Equal(createdAt))
}

func TestEncodeHeader_ComputesMissingStatus(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusNotFound}

	decoded, _, err := DecodeHeader(EncodeHeader(resp, fixedNow, 0))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, decoded.StatusCode)
}

func TestDecodeHeader_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"garbage", "not http"},
		{"missing served date", "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"},
		{"bad served date", "HTTP/1.1 200 OK\r\n" + ServedDateHeader + ": yesterday\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeHeader([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestReadEntry(t *testing.T) {
	body := `{"data":{"hero":"R2-D2"}}`
	snap := &Snapshot{
		Key:    "k",
		Header: EncodeHeader(newResponse(http.StatusOK, "application/json"), fixedNow, int64(len(body))),
		Body:   io.NopCloser(strings.NewReader(body)),
	}

	entry, err := ReadEntry(snap)
	require.NoError(t, err)

	assert.Equal(t, "k", entry.Key)
	assert.Equal(t, body, string(entry.Body))
	assert.True(t, fixedNow.Equal(entry.CreatedAt))

	resp := entry.HTTPResponse(nil)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
	assert.Equal(t, int64(len(body)), resp.ContentLength)

	// Each response is independent
	resp.Header.Set("X-Mutated", "yes")
	assert.Empty(t, entry.HTTPResponse(nil).Header.Get("X-Mutated"))
}

func TestEntry_IsStale(t *testing.T) {
	entry := &Entry{CreatedAt: fixedNow}

	assert.False(t, entry.IsStale(0, fixedNow.Add(365*24*time.Hour)), "zero max-stale never expires")
	assert.False(t, entry.IsStale(time.Minute, fixedNow.Add(time.Minute)))
	assert.True(t, entry.IsStale(time.Minute, fixedNow.Add(time.Minute+time.Nanosecond)))
	assert.Equal(t, 30*time.Second, entry.Age(fixedNow.Add(30*time.Second)))
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte(`{"query":"{ hero { name } }"}`))
	b := Fingerprint([]byte(`{"query":"{ hero { name } }"}`))
	c := Fingerprint([]byte(`{"query":"{ hero { id } }"}`))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
	assert.True(t, validKey(a))
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Fingerprint(nil))
}

func TestRequestBody_Restores(t *testing.T) {
	payload := []byte(`{"query":"{ hero }"}`)
	req, err := http.NewRequest(http.MethodPost, "http://example.com/graphql", io.NopCloser(bytes.NewReader(payload)))
	require.NoError(t, err)
	req.GetBody = nil

	body, err := RequestBody(req)
	require.NoError(t, err)
	assert.Equal(t, payload, body)

	again, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, again)

	rc, err := req.GetBody()
	require.NoError(t, err)
	copied, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, copied)
}

func TestRequestBody_UsesGetBody(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "http://example.com/graphql", strings.NewReader("payload"))
	require.NoError(t, err)

	body, err := RequestBody(req)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	// The original stream is untouched
	rest, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(rest))
}

func TestRequestBody_Empty(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)

	body, err := RequestBody(req)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestCustomKeyGenerator(t *testing.T) {
	gen := NewCustomKeyGenerator(func(body []byte) (string, error) {
		return "fixed", nil
	})

	key, err := gen.GenerateKey([]byte("anything"))
	require.NoError(t, err)
	assert.Equal(t, "fixed", key)
}

func TestCacheMissError(t *testing.T) {
	var err error = &CacheMissError{Key: "k"}
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Contains(t, err.Error(), "k")
}
