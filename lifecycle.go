package muxplugin

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// RequestID returns the id the registry gave r, if it is in flight.
func RequestID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(requestIDKey{}).(string)
	return id, ok && id != ""
}

// CreateTemporaryRequestContext gives r an id and creates its request
// contexts: one below the shared context, and one below each plugin
// context.  Both hold "request" and "request_id".  The returned request
// carries the id and must be used from here on.
func (r *Registry) CreateTemporaryRequestContext(req *http.Request) (*http.Request, error) {
	if _, ok := RequestID(req); ok {
		return req, configErr("Registry", "CreateTemporaryRequestContext", ErrInvalidConfig, "request already has a context")
	}
	id := uuid.NewString()
	req = req.WithContext(context.WithValue(req.Context(), requestIDKey{}, id))
	initial := map[string]interface{}{
		KeyRequest:   req,
		KeyRequestID: id,
	}
	r.sharedRequests.Set(id, r.shared.createChildWith(initial))

	r.lock.RLock()
	regs := make([]*Registration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		regs = append(regs, reg)
	}
	r.lock.RUnlock()
	for _, reg := range regs {
		if st := reg.State(); st == StateInert || st == StateFailed {
			continue
		}
		reg.requests.Set(id, reg.Context.createChildWith(initial))
	}
	return req, nil
}

// DeleteTemporaryRequestContext removes every request context created
// for req.  It removes what it can and reports a missing shared entry as
// a NotFoundError.
func (r *Registry) DeleteTemporaryRequestContext(req *http.Request) error {
	id, ok := RequestID(req)
	if !ok {
		return &NotFoundError{Kind: "context", Key: KeyRequestID}
	}
	r.lock.RLock()
	regs := make([]*Registration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		regs = append(regs, reg)
	}
	r.lock.RUnlock()
	for _, reg := range regs {
		// plugins registered mid-request have no entry
		_ = reg.requests.Delete(id)
	}
	return r.sharedRequests.Delete(id)
}

// SharedRequestContext is the shared context of an in-flight request.
func (r *Registry) SharedRequestContext(req *http.Request) (*HierContext, error) {
	id, ok := RequestID(req)
	if !ok {
		return nil, &NotFoundError{Kind: "context", Key: KeyRequestID}
	}
	return r.sharedRequests.GetContext(id)
}

// InFlight is the number of requests that currently hold a context.
func (r *Registry) InFlight() int {
	return r.sharedRequests.Len()
}

// WrapRequestHandling is installed on the host by NewRegistry.  Around
// next it creates the request contexts, runs the request phase, the
// handler (unless a request middleware answered), and the response
// phase, then writes the response.  The cleanup phase and the context
// teardown always run, whether next returned an error, panicked, or the
// request was cancelled, and they run before the error reaches the
// host.
func (r *Registry) WrapRequestHandling(next HandlerFunc) HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) error {
		req, err := r.startRequest(req)
		if err != nil {
			return err
		}
		defer r.finishRequest(req)

		resp, err := r.pipeline.RunRequestPhase(req)
		if err != nil {
			return err
		}
		if resp == nil {
			rec := newResponseRecorder()
			if err := next(rec, req); err != nil {
				return err
			}
			resp = rec.response()
		}
		resp, err = r.pipeline.RunResponsePhase(req, resp)
		if err != nil {
			return err
		}
		r.write(w, req, resp)
		return nil
	}
}

// WrapSocketHandling is installed on websocket hosts by NewRegistry.
// Websocket routes get the request contexts, the request phase and the
// cleanup phase.  A request middleware that answers stops the upgrade
// and its Response is sent instead.  There is no response phase since
// the connection is hijacked.
func (r *Registry) WrapSocketHandling(upgrade HandlerFunc) HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) error {
		req, err := r.startRequest(req)
		if err != nil {
			return err
		}
		defer r.finishRequest(req)

		resp, err := r.pipeline.RunRequestPhase(req)
		if err != nil {
			return err
		}
		if resp != nil {
			r.write(w, req, resp)
			return nil
		}
		return upgrade(w, req)
	}
}

func (r *Registry) startRequest(req *http.Request) (*http.Request, error) {
	req, err := r.CreateTemporaryRequestContext(req)
	if err != nil {
		return nil, err
	}
	r.metrics.requestStarted()
	return req, nil
}

// finishRequest runs the cleanup phase and removes the request contexts.
func (r *Registry) finishRequest(req *http.Request) {
	// failures were logged by the pipeline
	_ = r.pipeline.RunCleanupPhase(req)
	if err := r.DeleteTemporaryRequestContext(req); err != nil {
		r.logger.Error(err, "could not delete request context")
	}
	r.metrics.requestFinished()
}

// write sends resp.  The status line is out by the time Write fails, so
// the error is only logged.
func (r *Registry) write(w http.ResponseWriter, req *http.Request, resp *Response) {
	if err := resp.WriteTo(w); err != nil {
		r.logger.V(VERBOSE).Info("could not write response", "path", req.URL.Path, "err", err.Error())
	}
}
