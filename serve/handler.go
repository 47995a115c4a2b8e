package serve

import (
	"context"
)

// Handler handles requests. It is one of Func0, Func1 or Func2.
type Handler interface {
	kind() handlerKind
}

type handlerKind int

const (
	kindNoRequest handlerKind = iota
	kindRequest
	kindRequestInfo
)

// Func0 is a handler that does not look at the request
type Func0 func(ctx context.Context) (*Response, error)

// Func1 is a handler of a request
type Func1 func(ctx context.Context, req *Request) (*Response, error)

// Func2 is a handler of a request that also wants HandlerInfo
type Func2 func(ctx context.Context, req *Request, info HandlerInfo) (*Response, error)

func (Func0) kind() handlerKind { return kindNoRequest }
func (Func1) kind() handlerKind { return kindRequest }
func (Func2) kind() handlerKind { return kindRequestInfo }

// ErrorHandler converts a handler error into a response
type ErrorHandler func(ctx context.Context, err error) (*Response, error)
