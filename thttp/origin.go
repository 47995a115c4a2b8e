package thttp

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

func getScheme(r *http.Request) (string, error) {
	p := r.Header.Get("X-Forwarded-Proto")
	switch p {
	case "":
		if r.TLS != nil {
			return "https", nil
		}
		return "http", nil
	case "http", "https":
		return p, nil
	default:
		return "", fmt.Errorf("unexpected X-Forwarded-Proto %q", p)
	}
}

// Origin returns the origin the HTTP request was sent to
func Origin(r *http.Request) (string, error) {
	scheme, err := getScheme(r)
	if err != nil {
		return "", err
	}
	if r.Host == "" {
		return "", errors.New("missing Host header")
	}
	return scheme + "://" + r.Host, nil
}

// SameOrigin reports whether the Origin header of the request, if any, names
// the origin the request was sent to. Requests without Origin come from
// non-browser clients and pass.
//
// Suitable as websocket.Upgrader.CheckOrigin.
func SameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	own, err := Origin(r)
	if err != nil {
		return false
	}
	return strings.EqualFold(origin, own)
}
