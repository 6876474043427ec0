package pokeworker

import (
	"bytes"
	"encoding/gob"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Entry is a captured network response. Entries are never patched: a newer
// response for the same request identity replaces the whole value.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds
}

// RequestKey returns the canonical request identity used to address entries.
func RequestKey(method, rawURL string) string {
	if method == "" {
		method = http.MethodGet
	}
	return strings.ToUpper(method) + " " + rawURL
}

func requestKey(r *http.Request) string {
	return RequestKey(r.Method, r.URL.String())
}

// readEntry drains and closes resp.Body. The body can only be consumed once,
// so callers hand out duplicates built with Entry.Response.
func readEntry(resp *http.Response) (Entry, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, errors.Wrap(err, "read response body")
	}
	return Entry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().UnixNano(),
	}, nil
}

// Response builds a fresh response from the entry. Each call returns an
// independent body reader.
func (e Entry) Response(req *http.Request) *http.Response {
	h := cloneHeader(e.Header)
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func (e Entry) ok() bool {
	return e.Status >= 200 && e.Status < 300
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
