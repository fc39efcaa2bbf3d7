package cache

import (
	"bytes"
	"io"
	"net/http"
	"sync"
)

// ResponseType mirrors how much of a response the requester may inspect.
type ResponseType string

const (
	// TypeBasic is a same-origin response.
	TypeBasic ResponseType = "basic"
	// TypeCORS is a cross-origin response the requester may read.
	TypeCORS ResponseType = "cors"
	// TypeOpaque is a cross-origin response with hidden status and body (status 0).
	TypeOpaque ResponseType = "opaque"
)

// Response is a network or cached response whose body can be consumed once.
// Call Clone before any consuming read when the response has two destinations.
type Response struct {
	Status     int
	Header     http.Header
	Type       ResponseType
	Redirected bool
	// URL is the final URL after redirects.
	URL string

	mu   sync.Mutex
	body io.ReadCloser
	used bool
}

// NewResponse wraps body. A nil body is treated as empty.
func NewResponse(status int, header http.Header, body io.ReadCloser) *Response {
	if header == nil {
		header = make(http.Header)
	}
	if body == nil {
		body = http.NoBody
	}
	return &Response{Status: status, Header: header, Type: TypeBasic, body: body}
}

// NewBytesResponse builds a basic response from an in-memory body.
func NewBytesResponse(status int, header http.Header, body []byte) *Response {
	return NewResponse(status, header, io.NopCloser(bytes.NewReader(body)))
}

// Eligible reports whether the response may be persisted: a terminally
// successful, same-origin, non-redirected response.
func (r *Response) Eligible() bool {
	return r != nil && r.Status == http.StatusOK && r.Type == TypeBasic && !r.Redirected
}

// BodyUsed reports whether the body has been consumed.
func (r *Response) BodyUsed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// Clone returns an independent copy. The remaining body is buffered so both
// copies can be consumed separately. It fails with ErrBodyUsed once the body
// has been read.
func (r *Response) Clone() (*Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil, ErrBodyUsed
	}

	data, err := io.ReadAll(r.body)
	_ = r.body.Close()
	if err != nil {
		r.used = true
		return nil, err
	}
	r.body = io.NopCloser(bytes.NewReader(data))

	return &Response{
		Status:     r.Status,
		Header:     r.Header.Clone(),
		Type:       r.Type,
		Redirected: r.Redirected,
		URL:        r.URL,
		body:       io.NopCloser(bytes.NewReader(data)),
	}, nil
}

// Body hands the body to the caller, who must close it. The response is
// marked consumed.
func (r *Response) Body() (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil, ErrBodyUsed
	}
	r.used = true
	return r.body, nil
}

// Bytes consumes and returns the whole body.
func (r *Response) Bytes() ([]byte, error) {
	body, err := r.Body()
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

// Respond writes headers, status and body to w, consuming the response.
// An opaque status of 0 is written as 502.
func (r *Response) Respond(w http.ResponseWriter) (int64, error) {
	body, err := r.Body()
	if err != nil {
		return 0, err
	}
	defer body.Close()

	dst := w.Header()
	for k, vv := range r.Header {
		dst[k] = append([]string(nil), vv...)
	}
	status := r.Status
	if status == 0 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	return io.Copy(w, body)
}
