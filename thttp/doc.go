// Package thttp contains HTTP server utilities.
//
// # HTTP Server
//
// thttp.Server wraps http.Server with the following additions:
//
// * Every incoming request has a context inherited from the context passed to
// Serve or Run, thus supporting the global expectation that every context
// contains a logger. Request contexts stay open during graceful shutdown.
//
// * Graceful shutdown (Shutdown) also waits for handlers that hijacked their
// connections, which is what WebSocket and raw upgrades do.
//
// * TLS servers created with NewTLSServer always offer ALPN "h2" and
// "http/1.1", in this order.
//
// A Server is driven either explicitly (Serve, then Shutdown or Close), which
// is how the request engine uses it, or by a context passed to Run, which fits
// auxiliary endpoints run under parallel.Run:
//
//	server := thttp.NewServer(listener,
//	    thttp.Wrap(router, thttp.StandardMiddleware))
//	spawn("metrics", parallel.Fail, server.Run)
//
// # Middleware
//
// A middleware is a function that takes an http.Handler and returns an
// http.Handler, usually wrapping the handler with code that runs before, after
// or even instead of the one being wrapped. thttp.Wrap applies several of
// them so that the first one listed is the first to see the incoming request.
//
// # Logging guidelines
//
// For all logging in HTTP handlers, use the logger embedded in the request
// context:
//
//	logger := tlog.Get(r.Context())
//
// This logger contains the httpServer (local listening address) and
// remoteAddr fields. If the thttp.Log middleware is installed, it also
// contains method, hostname, url and proto.
package thttp
