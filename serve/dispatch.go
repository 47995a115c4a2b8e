package serve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ridge/hserve/engine"
	"github.com/ridge/hserve/thttp"
	"github.com/ridge/hserve/tlog"
	"go.uber.org/zap"
)

var (
	// ErrInvalidResponse means the handler returned a response that can't
	// be sent. It terminates the server.
	ErrInvalidResponse = errors.New("invalid response")

	// ErrInvalidStatus is the handler error for a response status outside
	// 200..599. It goes to the error handler like any other handler error.
	ErrInvalidStatus = errors.New("invalid response status")

	errNoResponse = errors.New("handler returned neither a response nor an error")
)

// dispatcher turns request IDs into handler calls and handler results into
// completions
type dispatcher struct {
	sc       *serverContext
	handler  Handler
	onError  ErrorHandler
	observer Observer
}

// dispatch handles one request. Returns an error only on abnormal exit.
func (d *dispatcher) dispatch(ctx context.Context, id engine.RequestID) error {
	d.observer.Dispatched()
	ctx = tlog.With(ctx, zap.Stringer("requestID", id.Handle))
	logger := tlog.Get(ctx)

	var handle *requestHandle
	if d.handler.kind() != kindNoRequest {
		handle = newRequestHandle(d.sc, id)
		defer handle.close()
	}

	resp, err := d.invoke(ctx, handle)
	if err != nil {
		d.observer.HandlerFailed(err)
		resp = d.handleError(ctx, err)
	}

	if handle != nil {
		if kind, confirmation := handle.upgraded(); kind != notUpgraded {
			if resp != confirmation {
				// The connection is in an undefined state now
				logger.Error("Upgrade response was not returned from handler", zap.Stringer("upgrade", kind))
				d.sc.forceClose()
			}
			handle.completeUpgrade()
			d.observer.Upgraded(kind.String())
			return nil
		}
	}

	if d.sc.closed.Load() {
		// The client connection is being torn down, so this status is unlikely
		// to make it back
		if err := d.sc.engine.Complete(id, http.StatusServiceUnavailable); err != nil {
			logger.Debug("Failed to complete request during shutdown", zap.Error(err))
		}
		d.observer.Completed(BodyUnavailable, http.StatusServiceUnavailable)
		return nil
	}

	kind, err := d.materialize(id, resp)
	if errors.Is(err, engine.ErrBadResource) {
		logger.Debug("Request is gone", zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}
	d.observer.Completed(kind, resp.Status)
	return nil
}

func (d *dispatcher) invoke(ctx context.Context, handle *requestHandle) (*Response, error) {
	var resp *Response
	err := thttp.RunTask(ctx, func(ctx context.Context) error {
		var err error
		switch h := d.handler.(type) {
		case Func0:
			resp, err = h(ctx)
		case Func1:
			resp, err = h(ctx, &Request{handle: handle})
		case Func2:
			resp, err = h(ctx, &Request{handle: handle}, HandlerInfo{handle: handle})
		default:
			panic(fmt.Errorf("unknown handler type %T", d.handler))
		}
		return err
	})
	if err == nil {
		err = checkResponse(resp)
	}
	return resp, err
}

// checkResponse rejects responses that would not reach the client as they
// are. The upgrade confirmation is exempt.
func checkResponse(resp *Response) error {
	switch {
	case resp == nil:
		return errNoResponse
	case resp.isUpgrade():
		return nil
	case !engine.ValidStatus(resp.Status):
		return fmt.Errorf("%w: %d", ErrInvalidStatus, resp.Status)
	}
	return nil
}

// handleError asks the error handler for a response, falling back to the
// fixed 500 if it fails as well
func (d *dispatcher) handleError(ctx context.Context, handlerErr error) *Response {
	var resp *Response
	err := thttp.RunTask(ctx, func(ctx context.Context) error {
		var err error
		resp, err = d.onError(ctx, handlerErr)
		return err
	})
	if err == nil {
		err = checkResponse(resp)
	}
	if err != nil {
		tlog.Get(ctx).Error("Error handler failed while handling an error",
			zap.NamedError("handlerError", handlerErr), zap.Error(err))
		return InternalServerError()
	}
	return resp
}

func (d *dispatcher) materialize(id engine.RequestID, resp *Response) (BodyKind, error) {
	e := d.sc.engine

	if resp.isUpgrade() {
		return "", fmt.Errorf("%w: upgrade confirmation without an upgrade", ErrInvalidResponse)
	}
	switch resp.Body.(type) {
	case nil, []byte, string, io.Reader:
	default:
		return "", fmt.Errorf("%w: body of type %T", ErrInvalidResponse, resp.Body)
	}

	switch len(resp.Header) {
	case 0:
	case 1:
		if err := e.SetHeader(id, resp.Header[0].Name, resp.Header[0].Value); err != nil {
			return "", err
		}
	default:
		if err := e.SetHeaders(id, resp.Header); err != nil {
			return "", err
		}
	}

	switch body := resp.Body.(type) {
	case nil:
		return BodyEmpty, e.Complete(id, resp.Status)
	case []byte:
		return BodyBytes, e.CompleteBytes(id, body, resp.Status)
	case string:
		return BodyText, e.CompleteText(id, body, resp.Status)
	case *engine.Stream:
		rid, autoClose := body.Backing()
		return BodyStream, e.CompleteResource(id, rid, autoClose, resp.Status)
	default:
		rid := e.Resources().AddReader(body.(io.Reader))
		if err := e.CompleteResource(id, rid, true, resp.Status); err != nil {
			_ = e.Resources().Close(rid)
			return "", err
		}
		return BodyStream, nil
	}
}
