package thttp

import (
	"net/http"

	"github.com/gorilla/handlers"
)

// corsMethods are the methods browsers may send cross-origin. OPTIONS is
// answered by the middleware itself.
var corsMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
}

var corsRequestHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"Content-Type",
	"X-Request-ID",
}

// Visible to scripts besides the CORS-safelisted response headers
var corsResponseHeaders = []string{
	"Content-Encoding",
	"Content-Length",
	"Retry-After",
	"Trailer",
}

// CORS is a middleware that lets any origin call the wrapped handler.
// Credentials are not allowed.
var CORS = handlers.CORS(
	handlers.AllowedOrigins([]string{"*"}),
	handlers.AllowedMethods(corsMethods),
	handlers.AllowedHeaders(corsRequestHeaders),
	handlers.ExposedHeaders(corsResponseHeaders),
	handlers.MaxAge(600),
)
