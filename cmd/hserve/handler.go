package main

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/kevinpollet/nego"
	"github.com/ridge/hserve/config"
	"github.com/ridge/hserve/serve"
	"github.com/ridge/hserve/thttp"
	"github.com/ridge/hserve/tlog"
	"github.com/ridge/hserve/tws"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type handler struct {
	limiter *rate.Limiter // nil if unlimited
	api     serve.Func2
}

func newHandler(cfg config.RateLimit) *handler {
	h := &handler{}
	if cfg.RPS > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
	}

	router := mux.NewRouter()
	router.HandleFunc("/", index).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/echo", echo).Methods(http.MethodPost, http.MethodPut)
	router.HandleFunc("/headers", headers).Methods(http.MethodGet)
	h.api = serve.HTTPHandler(thttp.Wrap(router, thttp.CORS, thttp.Gzip, thttp.LogBodies))
	return h
}

func (h *handler) serve(ctx context.Context, req *serve.Request, info serve.HandlerInfo) (*serve.Response, error) {
	if h.limiter != nil && !h.limiter.Allow() {
		return serve.Text(http.StatusTooManyRequests, "Too Many Requests").WithHeader("retry-after", "1"), nil
	}

	rawURL, err := req.URL()
	if err != nil {
		return nil, err
	}
	if u, err := url.Parse(rawURL); err == nil && u.Path == "/ws" {
		return h.webSocket(ctx, req)
	}
	return h.api(ctx, req, info)
}

// webSocket echoes every message back until the client closes
func (h *handler) webSocket(ctx context.Context, req *serve.Request) (*serve.Response, error) {
	if value, _, err := req.HeaderValue("upgrade"); err != nil || !strings.EqualFold(value, "websocket") {
		return serve.Text(http.StatusBadRequest, "WebSocket upgrade expected"), nil
	}

	up, err := req.UpgradeWebSocket(ctx, nil, tws.DefaultConfig)
	if err != nil {
		return nil, err
	}
	go func() {
		logger := tlog.Get(ctx)
		for ev := range up.Socket.Events() {
			switch ev.Type {
			case tws.EventMessage:
				if err := up.Socket.Send(ctx, ev.Message); err != nil {
					logger.Debug("Failed to echo", zap.Error(err))
				}
			case tws.EventError:
				logger.Debug("WebSocket failed", zap.Error(ev.Err))
			case tws.EventClose:
				logger.Debug("WebSocket closed", zap.Int("code", ev.Code), zap.String("reason", ev.Reason))
			}
		}
	}()
	return up.Response, nil
}

var indexHTML = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html><head><title>hserve</title></head>
<body><h1>hserve</h1><ul>{{range .}}<li><code>{{.}}</code></li>{{end}}</ul></body></html>
`))

var endpoints = []string{"GET /", "POST /echo", "GET /headers", "GET /ws (WebSocket echo)"}

func index(w http.ResponseWriter, r *http.Request) {
	switch nego.NegotiateContentType(r, "text/html", "application/json", "text/plain") {
	case "text/html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = indexHTML.Execute(w, endpoints)
	case "application/json":
		thttp.JSONResult(tlog.Get(r.Context()), w, map[string][]string{"endpoints": endpoints}, http.StatusOK)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintln(w, strings.Join(endpoints, "\n"))
	}
}

func echo(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	_, _ = io.Copy(w, r.Body)
}

func headers(w http.ResponseWriter, r *http.Request) {
	res := map[string]any{
		"host":       r.Host,
		"remoteAddr": r.RemoteAddr,
		"headers":    r.Header,
	}
	thttp.JSONResult(tlog.Get(r.Context()), w, res, http.StatusOK)
}
