package muxplugin

import (
	"context"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// MuxHost hosts plugins on a gorilla mux.Router.  Route names are mux
// route names, so URLFor works for every plugin route.
type MuxHost struct {
	*hostCore
	Router   *mux.Router
	Upgrader websocket.Upgrader
}

var _ Host = (*MuxHost)(nil)
var _ WebsocketHost = (*MuxHost)(nil)
var _ URLResolver = (*MuxHost)(nil)

// NewMuxHost wraps router.  A nil router gets a fresh mux.NewRouter().
func NewMuxHost(router *mux.Router) *MuxHost {
	if router == nil {
		router = mux.NewRouter()
	}
	return &MuxHost{
		hostCore: newHostCore(),
		Router:   router,
	}
}

func (h *MuxHost) checkName(name string) error {
	if name != "" && h.Router.Get(name) != nil {
		return configErr("MuxHost", "AttachRoute", ErrInvalidConfig, "route name %q is already in use", name)
	}
	return nil
}

func (h *MuxHost) decorate(route *mux.Route, name string, methods []string, opts RouteOptions) error {
	if name != "" {
		route = route.Name(name)
	}
	if len(methods) > 0 {
		route = route.Methods(methods...)
	}
	if opts.Host != "" {
		route = route.Host(opts.Host)
	}
	if err := route.GetError(); err != nil {
		return wrap(err, "MuxHost", "AttachRoute", name)
	}
	return nil
}

// AttachRoute binds handler on the router.
func (h *MuxHost) AttachRoute(name, uri string, handler HandlerFunc, methods []string, opts RouteOptions) error {
	if err := h.checkName(name); err != nil {
		return err
	}
	if opts.StrictSlashes {
		// router-wide in mux; applies to routes created from here on
		h.Router.StrictSlash(true)
	}
	return h.decorate(h.Router.Handle(uri, h.serve(handler)), name, methods, opts)
}

// AttachStatic serves root below uri.  Static requests go through the
// same middleware as any other route.
func (h *MuxHost) AttachStatic(uri string, root http.FileSystem, opts StaticOptions) error {
	if err := h.checkName(opts.Name); err != nil {
		return err
	}
	files := http.StripPrefix(uri, http.FileServer(root))
	handler := func(w http.ResponseWriter, r *http.Request) error {
		files.ServeHTTP(w, r)
		return nil
	}
	route := h.Router.PathPrefix(uri).Handler(h.serve(handler))
	return h.decorate(route, opts.Name, []string{http.MethodGet, http.MethodHead}, RouteOptions{Host: opts.Host})
}

// AttachWebsocket upgrades requests at uri and hands the connection to
// handler.  Websocket routes write to the connection directly, so they
// skip the buffered response phase.
func (h *MuxHost) AttachWebsocket(name, uri string, handler WebsocketHandler, opts RouteOptions) error {
	if err := h.checkName(name); err != nil {
		return err
	}
	route := h.Router.Handle(uri, h.serveSocket(&h.Upgrader, handler))
	return h.decorate(route, name, nil, opts)
}

// URLFor builds the URL of a named route.
func (h *MuxHost) URLFor(name string, pairs ...string) (*url.URL, error) {
	route := h.Router.Get(name)
	if route == nil {
		return nil, &NotFoundError{Kind: "route", Key: name}
	}
	return route.URL(pairs...)
}

// ServeHTTP dispatches to the router.
func (h *MuxHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Router.ServeHTTP(w, r)
}

// ListenAndServe fires the start events, serves on addr until ctx is
// cancelled, then shuts down and fires the stop events.
func (h *MuxHost) ListenAndServe(ctx context.Context, addr string) error {
	return listenAndServe(ctx, addr, h, h.hostCore)
}

// upgradeFunc upgrades the connection and runs handler on it.  Errors
// after the upgrade become a close message since the HTTP response is
// gone by then.
func upgradeFunc(upgrader *websocket.Upgrader, handler WebsocketHandler) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied with an HTTP error
			return nil
		}
		defer conn.Close()
		if err := handler(conn, r); err != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error())
			_ = conn.WriteMessage(websocket.CloseMessage, msg)
		}
		return nil
	}
}
