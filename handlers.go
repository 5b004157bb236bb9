package muxplugin

import (
	"bytes"
	"context"
	"net/http"
	"reflect"
	"runtime"
	"strings"

	"github.com/gorilla/websocket"
)

// HandlerFunc is the route handler shape the hosts work with.  A non-nil
// error is dispatched to the exception handlers attached to the host.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// ContextHandlerFunc is a route handler that also receives its plugin's
// context.  Declaring a route with one of these is what marks it
// "with context".
type ContextHandlerFunc func(w http.ResponseWriter, r *http.Request, ctx *HierContext) error

// RequestMiddlewareFunc runs before the route handler.  Returning a
// non-nil Response short-circuits the rest of the request phase and the
// handler.
type RequestMiddlewareFunc func(r *http.Request) (*Response, error)

// ResponseMiddlewareFunc runs after the route handler.  Returning a
// non-nil Response replaces the current one.
type ResponseMiddlewareFunc func(r *http.Request, resp *Response) (*Response, error)

// CleanupFunc runs after the response has been produced, whatever
// happened to the request.
type CleanupFunc func(r *http.Request) error

// ExceptionHandler renders an error returned by a handler or middleware.
type ExceptionHandler func(w http.ResponseWriter, r *http.Request, err error)

// Listener is invoked for a named host event such as EventBeforeServerStart.
type Listener func(ctx context.Context) error

// WebsocketHandler serves an upgraded connection.  The host closes the
// connection when the handler returns.
type WebsocketHandler func(conn *websocket.Conn, r *http.Request) error

// Host events.
const (
	EventBeforeServerStart = "before_server_start"
	EventAfterServerStart  = "after_server_start"
	EventBeforeServerStop  = "before_server_stop"
	EventAfterServerStop   = "after_server_stop"
)

// Normalized forms.  Every accepted signature is converted into one of
// these when it is declared; ctx is nil unless the handler asked for it.
type (
	routeFunc     func(w http.ResponseWriter, r *http.Request, ctx *HierContext) error
	requestFunc   func(r *http.Request, ctx *HierContext) (*Response, error)
	responseFunc  func(r *http.Request, resp *Response, ctx *HierContext) (*Response, error)
	cleanupFunc   func(r *http.Request, ctx *HierContext) error
	exceptionFunc func(w http.ResponseWriter, r *http.Request, err error, ctx *HierContext)
	listenerFunc  func(c context.Context, ctx *HierContext) error
	socketFunc    func(conn *websocket.Conn, r *http.Request, ctx *HierContext) error
)

func characterizeRoute(fn interface{}) (routeFunc, bool, error) {
	switch f := fn.(type) {
	case HandlerFunc:
		return func(w http.ResponseWriter, r *http.Request, _ *HierContext) error { return f(w, r) }, false, nil
	case func(http.ResponseWriter, *http.Request) error:
		return func(w http.ResponseWriter, r *http.Request, _ *HierContext) error { return f(w, r) }, false, nil
	case http.HandlerFunc:
		return func(w http.ResponseWriter, r *http.Request, _ *HierContext) error { f(w, r); return nil }, false, nil
	case func(http.ResponseWriter, *http.Request):
		return func(w http.ResponseWriter, r *http.Request, _ *HierContext) error { f(w, r); return nil }, false, nil
	case http.Handler:
		return func(w http.ResponseWriter, r *http.Request, _ *HierContext) error { f.ServeHTTP(w, r); return nil }, false, nil
	case ContextHandlerFunc:
		return routeFunc(f), true, nil
	case func(http.ResponseWriter, *http.Request, *HierContext) error:
		return routeFunc(f), true, nil
	case func(http.ResponseWriter, *http.Request, *HierContext):
		return func(w http.ResponseWriter, r *http.Request, ctx *HierContext) error { f(w, r, ctx); return nil }, true, nil
	}
	return nil, false, signatureErr("route", fn)
}

// characterizeMiddleware works out the phase from the signature.
func characterizeMiddleware(fn interface{}) (Phase, interface{}, bool, error) {
	switch f := fn.(type) {
	case RequestMiddlewareFunc:
		return PhaseRequest, requestFunc(func(r *http.Request, _ *HierContext) (*Response, error) { return f(r) }), false, nil
	case func(*http.Request) (*Response, error):
		return PhaseRequest, requestFunc(func(r *http.Request, _ *HierContext) (*Response, error) { return f(r) }), false, nil
	case func(*http.Request, *HierContext) (*Response, error):
		return PhaseRequest, requestFunc(f), true, nil
	case ResponseMiddlewareFunc:
		return PhaseResponse, responseFunc(func(r *http.Request, resp *Response, _ *HierContext) (*Response, error) {
			return f(r, resp)
		}), false, nil
	case func(*http.Request, *Response) (*Response, error):
		return PhaseResponse, responseFunc(func(r *http.Request, resp *Response, _ *HierContext) (*Response, error) {
			return f(r, resp)
		}), false, nil
	case func(*http.Request, *Response, *HierContext) (*Response, error):
		return PhaseResponse, responseFunc(f), true, nil
	case CleanupFunc:
		return PhaseCleanup, cleanupFunc(func(r *http.Request, _ *HierContext) error { return f(r) }), false, nil
	case func(*http.Request) error:
		return PhaseCleanup, cleanupFunc(func(r *http.Request, _ *HierContext) error { return f(r) }), false, nil
	case func(*http.Request, *HierContext) error:
		return PhaseCleanup, cleanupFunc(f), true, nil
	}
	return 0, nil, false, signatureErr("middleware", fn)
}

func characterizeException(fn interface{}) (exceptionFunc, bool, error) {
	switch f := fn.(type) {
	case ExceptionHandler:
		return func(w http.ResponseWriter, r *http.Request, err error, _ *HierContext) { f(w, r, err) }, false, nil
	case func(http.ResponseWriter, *http.Request, error):
		return func(w http.ResponseWriter, r *http.Request, err error, _ *HierContext) { f(w, r, err) }, false, nil
	case func(http.ResponseWriter, *http.Request, error, *HierContext):
		return exceptionFunc(f), true, nil
	}
	return nil, false, signatureErr("exception handler", fn)
}

func characterizeListener(fn interface{}) (listenerFunc, bool, error) {
	switch f := fn.(type) {
	case Listener:
		return func(c context.Context, _ *HierContext) error { return f(c) }, false, nil
	case func(context.Context) error:
		return func(c context.Context, _ *HierContext) error { return f(c) }, false, nil
	case func(context.Context, *HierContext) error:
		return listenerFunc(f), true, nil
	}
	return nil, false, signatureErr("listener", fn)
}

func characterizeWebsocket(fn interface{}) (socketFunc, bool, error) {
	switch f := fn.(type) {
	case WebsocketHandler:
		return func(c *websocket.Conn, r *http.Request, _ *HierContext) error { return f(c, r) }, false, nil
	case func(*websocket.Conn, *http.Request) error:
		return func(c *websocket.Conn, r *http.Request, _ *HierContext) error { return f(c, r) }, false, nil
	case func(*websocket.Conn, *http.Request, *HierContext) error:
		return socketFunc(f), true, nil
	}
	return nil, false, signatureErr("websocket handler", fn)
}

func signatureErr(what string, fn interface{}) error {
	t := "nil"
	if fn != nil {
		t = reflect.TypeOf(fn).String()
	}
	return configErr("PluginRecord", "Declare", ErrInvalidHandler, "could not characterize %s (%s)", what, t)
}

// funcName is the short name of a func value, used for route names:
// "github.com/x/y.(*T).index-fm" becomes "index".
func funcName(fn interface{}) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return ""
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return ""
	}
	name := f.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, "-fm")
}

// Response is a buffered HTTP response.  Handlers write into a
// recorder; middleware may inspect or replace the result before it is
// sent.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NewResponse builds a Response with an empty header.
func NewResponse(status int, body []byte) *Response {
	return &Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       body,
	}
}

// TextResponse is a text/plain Response.
func TextResponse(status int, text string) *Response {
	resp := NewResponse(status, []byte(text))
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	return resp
}

// WriteTo sends the response.
func (resp *Response) WriteTo(w http.ResponseWriter) error {
	h := w.Header()
	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, err := w.Write(resp.Body)
	return err
}

// responseRecorder captures what a route handler writes.
type responseRecorder struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header)}
}

func (rec *responseRecorder) Header() http.Header { return rec.header }

func (rec *responseRecorder) WriteHeader(status int) {
	if rec.wroteHeader {
		return
	}
	rec.status = status
	rec.wroteHeader = true
}

func (rec *responseRecorder) Write(b []byte) (int, error) {
	if !rec.wroteHeader {
		rec.WriteHeader(http.StatusOK)
	}
	return rec.body.Write(b)
}

func (rec *responseRecorder) response() *Response {
	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{
		StatusCode: status,
		Header:     rec.header,
		Body:       rec.body.Bytes(),
	}
}
