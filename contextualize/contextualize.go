/*
Package contextualize is a plugin with nothing of its own.  It exists so
that an application can attach routes, middleware, listeners and
websocket routes that receive a plugin context, without writing a
plugin type.

Declarations can be made on the plugin before it is registered, or on
the Associated handle returned by Register at any point before the
server starts.  Declarations on the handle only apply to that one
registration.

	assoc, err := contextualize.Register(registry)
	...
	err = assoc.Route("/hits", func(w http.ResponseWriter, r *http.Request, ctx *muxplugin.HierContext) error {
		shared, _ := ctx.GetContext(muxplugin.KeyShared)
		...
	})
*/
package contextualize

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/BlueOwlOpenSource/muxplugin"
)

// The handler shapes accepted here.  Every one of them receives the
// plugin context.
type (
	RouteFunc     = func(w http.ResponseWriter, r *http.Request, ctx *muxplugin.HierContext) error
	RequestFunc   = func(r *http.Request, ctx *muxplugin.HierContext) (*muxplugin.Response, error)
	ResponseFunc  = func(r *http.Request, resp *muxplugin.Response, ctx *muxplugin.HierContext) (*muxplugin.Response, error)
	CleanupFunc   = func(r *http.Request, ctx *muxplugin.HierContext) error
	ListenerFunc  = func(c context.Context, ctx *muxplugin.HierContext) error
	WebsocketFunc = func(conn *websocket.Conn, r *http.Request, ctx *muxplugin.HierContext) error
)

// Contextualize is the plugin.  Create one with New; each instance can
// be registered once per registry.
type Contextualize struct {
	muxplugin.PluginRecord
}

// New returns an empty Contextualize plugin.
func New() *Contextualize {
	return &Contextualize{}
}

// Route declares a route on every registry the plugin is on.
func (c *Contextualize) Route(uri string, handler RouteFunc, opts ...muxplugin.RouteOption) error {
	return c.DeclareRoute(uri, handler, opts...)
}

// RequestMiddleware declares request middleware.
func (c *Contextualize) RequestMiddleware(fn RequestFunc, opts ...muxplugin.MiddlewareOption) error {
	return c.DeclareMiddleware(fn, opts...)
}

// ResponseMiddleware declares response middleware.
func (c *Contextualize) ResponseMiddleware(fn ResponseFunc, opts ...muxplugin.MiddlewareOption) error {
	return c.DeclareMiddleware(fn, opts...)
}

// CleanupMiddleware declares cleanup middleware.
func (c *Contextualize) CleanupMiddleware(fn CleanupFunc, opts ...muxplugin.MiddlewareOption) error {
	return c.DeclareMiddleware(fn, opts...)
}

// Listener declares a listener for a host event.
func (c *Contextualize) Listener(event string, fn ListenerFunc) error {
	return c.DeclareListener(event, fn)
}

// Websocket declares a websocket route.
func (c *Contextualize) Websocket(uri string, handler WebsocketFunc, opts ...muxplugin.RouteOption) error {
	return c.DeclareWebsocket(uri, handler, opts...)
}

// Associated is one registration of a Contextualize plugin.
type Associated struct {
	Plugin       *Contextualize
	Registration *muxplugin.Registration
}

// Register creates a Contextualize plugin and registers it on registry.
func Register(registry *muxplugin.Registry, opts ...muxplugin.RegisterOption) (*Associated, error) {
	return New().Register(registry, opts...)
}

// Register registers c on registry.  If c is already there the existing
// registration is used.
func (c *Contextualize) Register(registry *muxplugin.Registry, opts ...muxplugin.RegisterOption) (*Associated, error) {
	reg, err := registry.Register(c, opts...)
	if err != nil {
		existing, dup := muxplugin.AsDuplicate(err)
		if !dup || existing.Plugin != muxplugin.Plugin(c) {
			return nil, err
		}
		reg = existing
	}
	return &Associated{Plugin: c, Registration: reg}, nil
}

// Context is the plugin context of this registration.
func (a *Associated) Context() *muxplugin.HierContext {
	return a.Registration.Context
}

// Route attaches a route to this registration only.
func (a *Associated) Route(uri string, handler RouteFunc, opts ...muxplugin.RouteOption) error {
	return a.Registration.AddRoute(uri, handler, opts...)
}

// RequestMiddleware attaches request middleware to this registration only.
func (a *Associated) RequestMiddleware(fn RequestFunc, opts ...muxplugin.MiddlewareOption) error {
	return a.Registration.AddMiddleware(fn, opts...)
}

// ResponseMiddleware attaches response middleware to this registration only.
func (a *Associated) ResponseMiddleware(fn ResponseFunc, opts ...muxplugin.MiddlewareOption) error {
	return a.Registration.AddMiddleware(fn, opts...)
}

// CleanupMiddleware attaches cleanup middleware to this registration only.
func (a *Associated) CleanupMiddleware(fn CleanupFunc, opts ...muxplugin.MiddlewareOption) error {
	return a.Registration.AddMiddleware(fn, opts...)
}

// Listener attaches a listener to this registration only.
func (a *Associated) Listener(event string, fn ListenerFunc) error {
	return a.Registration.AddListener(event, fn)
}

// Websocket attaches a websocket route to this registration only.
func (a *Associated) Websocket(uri string, handler WebsocketFunc, opts ...muxplugin.RouteOption) error {
	return a.Registration.AddWebsocket(uri, handler, opts...)
}
