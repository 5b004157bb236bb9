package muxplugin

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"reflect"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// RouteOptions are the host-level settings for an attached route.
type RouteOptions struct {
	Host          string
	StrictSlashes bool
}

// Host is the router/server that plugins are attached to.  The registry
// only talks to the host through this interface.
type Host interface {
	HostMiddleware

	// AttachRoute binds handler at uri under a unique route name.
	AttachRoute(name, uri string, handler HandlerFunc, methods []string, opts RouteOptions) error
	// AttachExceptionHandler routes errors matching any of kinds to handler.
	AttachExceptionHandler(kinds []error, handler ExceptionHandler) error
	// AttachListener subscribes to a named host event.
	AttachListener(event string, listener Listener) error
	// AttachStatic serves files from root below uri.
	AttachStatic(uri string, root http.FileSystem, opts StaticOptions) error
	// InstallRequestWrapper is called once by NewRegistry.  The host must
	// pass every route handler through wrap before serving it.
	InstallRequestWrapper(wrap func(HandlerFunc) HandlerFunc)
}

// WebsocketHost is implemented by hosts that can serve websocket routes.
type WebsocketHost interface {
	AttachWebsocket(name, uri string, handler WebsocketHandler, opts RouteOptions) error
	// InstallSocketWrapper is called once by NewRegistry.  wrap runs
	// around the upgrade of every websocket route.
	InstallSocketWrapper(wrap func(HandlerFunc) HandlerFunc)
}

// URLResolver is implemented by hosts with named routes.
type URLResolver interface {
	URLFor(name string, pairs ...string) (*url.URL, error)
}

// MatchesKind reports whether err matches kind: either errors.Is(err,
// kind), or some error in err's chain has the same dynamic type as kind.
// The second form lets a zero value such as (*NotFoundError)(nil) stand
// for "any NotFoundError".
func MatchesKind(err, kind error) bool {
	if err == nil || kind == nil {
		return false
	}
	if errors.Is(err, kind) {
		return true
	}
	want := reflect.TypeOf(kind)
	for e := err; e != nil; e = errors.Unwrap(e) {
		if reflect.TypeOf(e) == want {
			return true
		}
	}
	return false
}

// hostCore holds what MuxHost and ChiHost have in common: the host's
// own middleware, exception handlers, listeners and the request wrapper
// installed by the registry.
type hostCore struct {
	lock               sync.RWMutex
	requestMiddleware  []RequestMiddlewareFunc
	responseMiddleware []ResponseMiddlewareFunc
	exceptions         []exceptionBinding
	listeners          map[string][]Listener
	wrap               func(HandlerFunc) HandlerFunc
	socketWrap         func(HandlerFunc) HandlerFunc
}

type exceptionBinding struct {
	kinds   []error
	handler ExceptionHandler
}

func newHostCore() *hostCore {
	return &hostCore{listeners: make(map[string][]Listener)}
}

// UseRequest appends host-level request middleware.  Plugin middleware
// declared RelativeTo(Pre) runs before it, RelativeTo(Post) after.
func (h *hostCore) UseRequest(m RequestMiddlewareFunc) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.requestMiddleware = append(h.requestMiddleware, m)
}

// UseResponse appends host-level response middleware.
func (h *hostCore) UseResponse(m ResponseMiddlewareFunc) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.responseMiddleware = append(h.responseMiddleware, m)
}

func (h *hostCore) RequestMiddleware() []RequestMiddlewareFunc {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return append([]RequestMiddlewareFunc(nil), h.requestMiddleware...)
}

func (h *hostCore) ResponseMiddleware() []ResponseMiddlewareFunc {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return append([]ResponseMiddlewareFunc(nil), h.responseMiddleware...)
}

func (h *hostCore) AttachExceptionHandler(kinds []error, handler ExceptionHandler) error {
	if handler == nil || len(kinds) == 0 {
		return configErr("Host", "AttachExceptionHandler", ErrInvalidHandler, "need a handler and at least one kind")
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	h.exceptions = append(h.exceptions, exceptionBinding{kinds: kinds, handler: handler})
	return nil
}

func (h *hostCore) AttachListener(event string, listener Listener) error {
	if listener == nil {
		return configErr("Host", "AttachListener", ErrInvalidHandler, "nil listener for %s", event)
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	h.listeners[event] = append(h.listeners[event], listener)
	return nil
}

func (h *hostCore) InstallRequestWrapper(wrap func(HandlerFunc) HandlerFunc) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.wrap = wrap
}

func (h *hostCore) InstallSocketWrapper(wrap func(HandlerFunc) HandlerFunc) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.socketWrap = wrap
}

// Fire runs the listeners for event in attach order and stops at the
// first error.
func (h *hostCore) Fire(ctx context.Context, event string) error {
	h.lock.RLock()
	listeners := append([]Listener(nil), h.listeners[event]...)
	h.lock.RUnlock()
	for _, l := range listeners {
		if err := l(ctx); err != nil {
			return wrap(err, "Host", "Fire", event+" listener")
		}
	}
	return nil
}

// serve turns a route handler into an http.Handler: the handler goes
// through the registry's wrapper and errors go to the exception
// handlers, or become a 500.
func (h *hostCore) serve(handler HandlerFunc) http.Handler {
	return h.serveWith(handler, func() func(HandlerFunc) HandlerFunc { return h.wrap })
}

// serveSocket is serve for websocket routes, which go through the
// socket wrapper instead.
func (h *hostCore) serveSocket(upgrader *websocket.Upgrader, handler WebsocketHandler) http.Handler {
	return h.serveWith(upgradeFunc(upgrader, handler), func() func(HandlerFunc) HandlerFunc { return h.socketWrap })
}

func (h *hostCore) serveWith(handler HandlerFunc, wrapper func() func(HandlerFunc) HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.lock.RLock()
		wrap := wrapper()
		h.lock.RUnlock()
		final := handler
		if wrap != nil {
			final = wrap(handler)
		}
		if err := final(w, r); err != nil {
			h.dispatch(w, r, err)
		}
	})
}

func (h *hostCore) dispatch(w http.ResponseWriter, r *http.Request, err error) {
	h.lock.RLock()
	bindings := h.exceptions
	h.lock.RUnlock()
	for _, b := range bindings {
		for _, kind := range b.kinds {
			if MatchesKind(err, kind) {
				b.handler(w, r, err)
				return
			}
		}
	}
	if errors.Is(err, context.Canceled) {
		// client went away; nothing useful to write
		return
	}
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// Start fires the start events.  The registry attached itself to
// EventBeforeServerStart when it was created, so this is where the
// middleware order gets frozen.
func (h *hostCore) Start(ctx context.Context) error {
	if err := h.Fire(ctx, EventBeforeServerStart); err != nil {
		return err
	}
	return h.Fire(ctx, EventAfterServerStart)
}

// Stop fires the stop events.
func (h *hostCore) Stop(ctx context.Context) error {
	if err := h.Fire(ctx, EventBeforeServerStop); err != nil {
		return err
	}
	return h.Fire(ctx, EventAfterServerStop)
}

// ShutdownTimeout bounds how long listenAndServe waits for in-flight
// requests once ctx is cancelled.
var ShutdownTimeout = 10 * time.Second

// listenAndServe starts the host, serves handler on addr until ctx is
// cancelled, then shuts down and fires the stop events.
func listenAndServe(ctx context.Context, addr string, handler http.Handler, h *hostCore) error {
	if err := h.Start(ctx); err != nil {
		return err
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return h.Stop(shutdownCtx)
	})
	return g.Wait()
}
