package muxplugin

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"k8s.io/apimachinery/pkg/util/sets"
)

// ChiHost hosts plugins on a chi.Router.  chi has no named routes, so
// route names are only checked for uniqueness and ChiHost does not
// resolve URLs.
type ChiHost struct {
	*hostCore
	Router   chi.Router
	Upgrader websocket.Upgrader

	nameLock sync.Mutex
	names    sets.Set[string]
}

var _ Host = (*ChiHost)(nil)
var _ WebsocketHost = (*ChiHost)(nil)

// NewChiHost wraps router.  A nil router gets a fresh chi.NewRouter().
func NewChiHost(router chi.Router) *ChiHost {
	if router == nil {
		router = chi.NewRouter()
	}
	return &ChiHost{
		hostCore: newHostCore(),
		Router:   router,
		names:    sets.New[string](),
	}
}

func (h *ChiHost) claim(name string) error {
	if name == "" {
		return nil
	}
	h.nameLock.Lock()
	defer h.nameLock.Unlock()
	if h.names.Has(name) {
		return configErr("ChiHost", "AttachRoute", ErrInvalidConfig, "route name %q is already in use", name)
	}
	h.names.Insert(name)
	return nil
}

// AttachRoute binds handler for each method.  Host restrictions are not
// supported by chi routers and are rejected.
func (h *ChiHost) AttachRoute(name, uri string, handler HandlerFunc, methods []string, opts RouteOptions) error {
	if opts.Host != "" {
		return configErr("ChiHost", "AttachRoute", ErrInvalidConfig, "route %s: host matching is not supported", name)
	}
	if err := h.claim(name); err != nil {
		return err
	}
	served := h.serve(handler)
	if len(methods) == 0 {
		h.Router.Handle(uri, served)
		return nil
	}
	for _, m := range methods {
		h.Router.Method(m, uri, served)
	}
	return nil
}

// AttachStatic serves root below uri.
func (h *ChiHost) AttachStatic(uri string, root http.FileSystem, opts StaticOptions) error {
	if opts.Host != "" {
		return configErr("ChiHost", "AttachStatic", ErrInvalidConfig, "static %s: host matching is not supported", uri)
	}
	if err := h.claim(opts.Name); err != nil {
		return err
	}
	prefix := strings.TrimSuffix(uri, "/")
	files := http.StripPrefix(prefix, http.FileServer(root))
	served := h.serve(func(w http.ResponseWriter, r *http.Request) error {
		files.ServeHTTP(w, r)
		return nil
	})
	h.Router.Method(http.MethodGet, prefix+"/*", served)
	h.Router.Method(http.MethodHead, prefix+"/*", served)
	return nil
}

// AttachWebsocket upgrades GET requests at uri.
func (h *ChiHost) AttachWebsocket(name, uri string, handler WebsocketHandler, opts RouteOptions) error {
	if opts.Host != "" {
		return configErr("ChiHost", "AttachWebsocket", ErrInvalidConfig, "route %s: host matching is not supported", name)
	}
	if err := h.claim(name); err != nil {
		return err
	}
	h.Router.Method(http.MethodGet, uri, h.serveSocket(&h.Upgrader, handler))
	return nil
}

// ServeHTTP dispatches to the router.
func (h *ChiHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Router.ServeHTTP(w, r)
}

// ListenAndServe fires the start events, serves on addr until ctx is
// cancelled, then shuts down and fires the stop events.
func (h *ChiHost) ListenAndServe(ctx context.Context, addr string) error {
	return listenAndServe(ctx, addr, h, h.hostCore)
}
