package serve

import (
	"io"
	"net/http"

	"github.com/ridge/hserve/engine"
)

// Response is what a handler returns.
//
// Body is one of: nil, []byte, string, *engine.Stream (e.g. the body of a
// request, streamed back without copying) or any io.Reader. Readers are
// closed after sending if they implement io.Closer.
type Response struct {
	Status int
	Header []engine.Header
	Body   any

	upgrade bool // upgrade confirmation, see RawUpgrade
}

func (r *Response) isUpgrade() bool {
	return r != nil && r.upgrade
}

// Empty returns a Response without a body
func Empty(status int) *Response {
	return &Response{Status: status}
}

// Text returns a text Response
func Text(status int, body string) *Response {
	return &Response{Status: status, Body: body}
}

// Bytes returns a Response with a byte slice body
func Bytes(status int, body []byte) *Response {
	return &Response{Status: status, Body: body}
}

// Stream returns a Response streaming the reader
func Stream(status int, body io.Reader) *Response {
	return &Response{Status: status, Body: body}
}

// WithHeader appends a header and returns the response. Upgrade
// confirmations are returned unchanged: the handler writes the 101 itself
// on raw upgrades, and WebSocket upgrades take headers from
// Request.UpgradeWebSocket.
func (r *Response) WithHeader(name, value string) *Response {
	if r.upgrade {
		return r
	}
	r.Header = append(r.Header, engine.Header{Name: name, Value: value})
	return r
}

var internalServerErrorBody = []byte("Internal Server Error")

// InternalServerError returns the fixed 500 response used when error
// handling fails
func InternalServerError() *Response {
	return Bytes(http.StatusInternalServerError, internalServerErrorBody)
}
