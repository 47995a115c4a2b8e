// Package serve runs request handlers on top of an engine.Engine.
//
// Serve binds a listener, hands it to the engine and starts the serve loop.
// The loop takes every ready request from the engine without blocking, then
// suspends in a wait for the next one. Each request is dispatched in its own
// goroutine: the handler is called, its errors go to the error handler, and
// the returned Response is turned into exactly one completion call.
//
//	server, err := serve.Serve(ctx, serve.Func1(func(ctx context.Context, req *serve.Request) (*serve.Response, error) {
//		url, err := req.URL()
//		if err != nil {
//			return nil, err
//		}
//		return serve.Text(http.StatusOK, url), nil
//	}), serve.Options{Port: 8080})
//
// A handler may take the connection over with Request.UpgradeRaw or
// Request.UpgradeWebSocket. It must then return the Response of the upgrade
// result, and nothing else: returning any other response closes the server,
// since the connection is no longer usable for HTTP.
//
// Shutdown stops accepting requests and lets the ones in flight complete.
// Canceling the context passed to Serve closes the server abruptly; requests
// whose handlers finish afterwards are answered with 503.
package serve
