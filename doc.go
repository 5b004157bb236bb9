/*
Package muxplugin is a plugin framework for Go web servers.  Plugins
bundle routes, middleware, exception handlers and lifecycle listeners,
and are attached to a server through a Registry.

Why?

Reusable bundles: a plugin declares what it needs once and can be
registered on any number of servers, each registration with its own
name, url prefix and context.

Ordered middleware: middleware from many plugins is merged into a single
pipeline with a deterministic order.  Priorities decide where a plugin's
middleware runs relative to other plugins and relative to the
middleware the host router already has.

Scoped state: every plugin gets a context that falls back to a shared
context, and every request gets short-lived contexts that are torn down
when the request ends, even when the handler fails or panics.

Delayed binding: plugins are declared first and registered later, so
declarations can sit next to the code that implements them.  Nothing is
attached to a router until Register is called, and nothing can change
once the server has started.

Basics

Create a Host (NewMuxHost or NewChiHost), create a Registry for it, then
register plugins.  Start the host with Start or ListenAndServe.

	host := muxplugin.NewMuxHost(nil)
	registry, err := muxplugin.NewRegistry(host)
	...
	reg, err := registry.Register(myPlugin, muxplugin.WithURLPrefix("/api"))
	...
	err = host.ListenAndServe(ctx, ":8080")

Terminology

Registry is the per-server object that owns registrations, the shared
context and the middleware pipeline.

Plugin is anything that returns a *PluginRecord.  Embedding
PluginRecord in a struct is the usual way to write one.

Registration is one plugin on one registry.  A plugin registered on two
registries has two registrations and two plugin contexts.

Host is the adapter to a router.  It mounts routes, owns the host-level
middleware and fires the server lifecycle events.

Plugins

Declarations are made on the PluginRecord with DeclareRoute,
DeclareWebsocket, DeclareStatic, DeclareMiddleware,
DeclareExceptionHandler and DeclareListener.  They can be made before
or after the plugin is registered.  Declarations made after a
registration are attached to every registry the plugin is already on.

A plugin may implement BeforeRegisterer to veto or prepare its
registration, and AfterRegisterer to finish setting up once everything
is attached.

Handlers are plain functions.  Their signature decides what they are:
a route handler that takes a trailing *HierContext receives the
plugin context; one without does not.

Middleware ordering

Middleware runs in three phases: request, response and cleanup.  Each
middleware has a priority from 0 to 9, 0 being the most urgent.
RelativeTo(Pre) places request or response middleware before the host's
own middleware for that phase and RelativeTo(Post) after it.  By default
request middleware goes before and response middleware after.

Within a queue, request and cleanup middleware run in ascending
priority and response middleware in descending priority.  Equal
priorities keep the order they were added in.  A request middleware
that returns a Response ends the request phase; the handler is skipped
and the response phase still runs.  Cleanup middleware always runs and
its failures are logged rather than returned.

Contexts

A HierContext is a map with a parent.  Lookups fall back to the parent
when a key is missing.  Set writes locally and shadows the parent;
Replace writes to whichever ancestor already has the key.

The shared context holds the host under "app".  Each plugin context
holds "shared", "name" and "request".  During a request, the request
containers hold one child per in-flight request, keyed by the request
id that RequestID returns.

Hosts

MuxHost wraps a gorilla/mux router and supports named routes, virtual
hosts and URL building.  ChiHost wraps a go-chi router; it does not
support virtual hosts or URL building.  Both support websocket routes
through gorilla/websocket.  Websocket routes run the request and cleanup
phases; a request middleware that answers stops the upgrade.
*/
package muxplugin
