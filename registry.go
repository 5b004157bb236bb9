package muxplugin

import (
	"context"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Keys the registry binds in the contexts it creates.
const (
	KeyApp          = "app"
	KeyRegistry     = "registry"
	KeyShared       = "shared"
	KeyName         = "name"
	KeyContext      = "context"
	KeyInstance     = "instance"
	KeyRegistration = "registration"
	KeyRequest      = "request"
	KeyRequestID    = "request_id"
)

// Context names accepted by Registry.Context.
const (
	SharedContextName  = "shared"
	PluginsContextName = "_plugins"
)

// RegistrationState tracks one plugin on one registry.
type RegistrationState int32

const (
	StateUnregistered RegistrationState = iota
	StateBeforeRegister
	StateAttachingRoutes
	StateAttachingMiddleware
	StateAttachingExceptions
	StateAttachingListeners
	StateAfterRegister
	StateRegistered
	// StateInert: BeforeRegister returned false.  Nothing was attached.
	StateInert
	// StateSkipped: registered with SkipRegistration().  Nothing was
	// attached; the context and handle exist for per-route use.
	StateSkipped
	StateFailed
)

var stateNames = map[RegistrationState]string{
	StateUnregistered:        "unregistered",
	StateBeforeRegister:      "before-register",
	StateAttachingRoutes:     "attaching-routes",
	StateAttachingMiddleware: "attaching-middleware",
	StateAttachingExceptions: "attaching-exceptions",
	StateAttachingListeners:  "attaching-listeners",
	StateAfterRegister:       "after-register",
	StateRegistered:          "registered",
	StateInert:               "inert",
	StateSkipped:             "skipped",
	StateFailed:              "failed",
}

func (s RegistrationState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Registration is the handle for one plugin on one registry.
type Registration struct {
	Registry  *Registry
	Name      string
	URLPrefix string
	Plugin    Plugin
	// Context is the plugin's context on this registry.  Its parent is
	// the registry's shared context.
	Context *HierContext

	requests *HierContext // request id -> per-request child of Context
	state    atomic.Int32
}

// State is where the registration is in its lifecycle.
func (reg *Registration) State() RegistrationState {
	return RegistrationState(reg.state.Load())
}

func (reg *Registration) setState(s RegistrationState) {
	reg.state.Store(int32(s))
}

// attached is true once declarations are being replayed into the host,
// which includes the AfterRegister hook so that it can declare more.
func (reg *Registration) attached() bool {
	switch reg.State() {
	case StateAfterRegister, StateRegistered:
		return true
	}
	return false
}

// Log is Registry.Log attributed to this registration.
func (reg *Registration) Log(level Level, message string, keysAndValues ...interface{}) {
	reg.Registry.Log(level, message, reg, keysAndValues...)
}

// URLFor resolves one of this plugin's routes by its route name.
func (reg *Registration) URLFor(routeName string, pairs ...string) (*url.URL, error) {
	return reg.Registry.URLFor(reg, routeName, pairs...)
}

// RequestContext is this plugin's private context for an in-flight request.
func (reg *Registration) RequestContext(r *http.Request) (*HierContext, error) {
	id, ok := RequestID(r)
	if !ok {
		return nil, &NotFoundError{Kind: "context", Key: KeyRequestID}
	}
	return reg.requests.GetContext(id)
}

// RegisterOption modifies a single Register call.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	name      string
	urlPrefix string
	skip      bool
}

// WithName registers the plugin under name instead of its type name.
func WithName(name string) RegisterOption {
	return func(o *registerOptions) { o.name = name }
}

// WithURLPrefix prepends prefix to every route and static mount.
func WithURLPrefix(prefix string) RegisterOption {
	return func(o *registerOptions) { o.urlPrefix = prefix }
}

// SkipRegistration creates the plugin's context and handle without
// attaching anything to the host.  See Decorate.
func SkipRegistration() RegisterOption {
	return func(o *registerOptions) { o.skip = true }
}

// Registry coordinates the plugins of one host application: their
// names, their contexts, and the order of their middleware.  Create one
// per host with NewRegistry and pass it to whatever needs it.
type Registry struct {
	lock          sync.RWMutex
	host          Host
	config        Config
	logger        logr.Logger
	metrics       *metrics
	pipeline      *Pipeline
	names         sets.Set[string]
	registrations map[string]*Registration
	running       atomic.Bool

	shared         *HierContext
	plugins        *HierContext
	sharedRequests *HierContext // request id -> per-request child of shared
}

// NewRegistry creates the registry for host.  It installs the request
// wrapper on the host and listens for EventBeforeServerStart to freeze
// the middleware order.
func NewRegistry(host Host, opts ...Option) (*Registry, error) {
	if host == nil {
		return nil, configErr("Registry", "NewRegistry", ErrInvalidConfig, "host is nil")
	}
	o := options{config: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.config.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		host:          host,
		config:        o.config,
		names:         sets.New[string](),
		registrations: make(map[string]*Registration),
	}
	if o.logger != nil {
		r.logger = *o.logger
	} else {
		r.logger = defaultLogger(o.config.Verbosity)
	}
	if o.registerer != nil {
		m, err := newMetrics(o.config.MetricsNamespace, o.registerer)
		if err != nil {
			return nil, err
		}
		r.metrics = m
	}
	r.pipeline = NewPipeline(host, r.logger.WithName("pipeline"))
	r.pipeline.metrics = r.metrics

	r.shared = NewHierContext(r, map[string]interface{}{KeyApp: host})
	r.sharedRequests = NewHierContext(r, nil)
	r.shared.Set(KeyRequest, r.sharedRequests)
	r.plugins = NewHierContext(r, map[string]interface{}{KeyRegistry: r})

	host.InstallRequestWrapper(r.WrapRequestHandling)
	if ws, ok := host.(WebsocketHost); ok {
		ws.InstallSocketWrapper(r.WrapSocketHandling)
	}
	if err := host.AttachListener(EventBeforeServerStart, r.OnServerStart); err != nil {
		return nil, wrap(err, "Registry", "NewRegistry", "start listener")
	}
	return r, nil
}

// Host returns the host the registry attaches plugins to.
func (r *Registry) Host() Host { return r.host }

// Config returns the registry settings.
func (r *Registry) Config() Config { return r.config }

// Pipeline returns the middleware pipeline.
func (r *Registry) Pipeline() *Pipeline { return r.pipeline }

// Running reports whether the host has started serving.
func (r *Registry) Running() bool { return r.running.Load() }

// SharedContext is the root of the context tree.
func (r *Registry) SharedContext() *HierContext { return r.shared }

// Context returns the shared context, the "_plugins" bookkeeping
// context, or the context of the named plugin.
func (r *Registry) Context(name string) (*HierContext, error) {
	switch name {
	case "", SharedContextName:
		return r.shared, nil
	case PluginsContextName:
		return r.plugins, nil
	}
	r.lock.RLock()
	defer r.lock.RUnlock()
	reg, ok := r.registrations[name]
	if !ok {
		return nil, &NotFoundError{Kind: "context", Key: name}
	}
	return reg.Context, nil
}

// PluginContext is the context of the named plugin.
func (r *Registry) PluginContext(name string) (*HierContext, error) {
	reg, err := r.GetRegistration(name)
	if err != nil {
		return nil, err
	}
	return reg.Context, nil
}

// RequestContext is reg's private context for an in-flight request.
func (r *Registry) RequestContext(req *http.Request, reg *Registration) (*HierContext, error) {
	if reg == nil || reg.Registry != r {
		return nil, &NotFoundError{Kind: "registration", Key: "foreign"}
	}
	return reg.RequestContext(req)
}

// GetFromContext looks key up in the named context.  An unknown context
// name falls back to the shared context with a warning.
func (r *Registry) GetFromContext(key, contextName string) (interface{}, error) {
	ctx, err := r.Context(contextName)
	if err != nil {
		r.Log(LevelWarning, "context does not exist, using the shared context", nil, "context", contextName)
		ctx = r.shared
	}
	return ctx.Get(key)
}

// OnServerStart freezes the middleware order.  Hosts call it (through
// EventBeforeServerStart) once, when they start accepting connections.
// After it returns no plugin may be registered and no middleware added.
// It refuses to start while any registration has failed, since a failed
// plugin may be partly attached to the host.
func (r *Registry) OnServerStart(ctx context.Context) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, name := range sets.List(r.names) {
		if reg := r.registrations[name]; reg.State() == StateFailed {
			return configErr("Registry", "OnServerStart", ErrRegistrationFailed,
				"plugin %s failed to register", name)
		}
	}
	if err := r.pipeline.Freeze(); err != nil {
		return err
	}
	r.running.Store(true)
	r.logger.V(VERBOSE).Info("middleware order frozen",
		"plugins", len(r.registrations), "middleware", r.pipeline.Len())
	return nil
}

func (r *Registry) requireNotRunning(method, what string) error {
	if r.running.Load() {
		return configErr("Registry", method, ErrRunning, "cannot %s after the server started", what)
	}
	return nil
}

func isNilPlugin(p Plugin) bool {
	if p == nil {
		return true
	}
	v := reflect.ValueOf(p)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// pluginTypeName is the default plugin name: the Go type name.
func pluginTypeName(p Plugin) string {
	t := reflect.TypeOf(p)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Register attaches a plugin.  In order it: picks a name, creates the
// plugin's context, calls BeforeRegister, attaches routes (and static
// mounts and websocket routes), middleware, exception handlers and
// listeners, then calls AfterRegister.
//
// The name defaults to the plugin's type name.  If another plugin
// already has that name a random name is used and a warning logged.
// Registering the same plugin twice, or a second plugin under an
// explicit name that is taken, returns a *DuplicateRegistrationError
// whose Existing field is the registration already in place.
func (r *Registry) Register(p Plugin, opts ...RegisterOption) (*Registration, error) {
	if isNilPlugin(p) || p.Record() == nil {
		return nil, configErr("Registry", "Register", ErrInvalidConfig, "plugin is nil")
	}
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}
	reg, err := r.reserve(p, o)
	if err != nil {
		if _, dup := AsDuplicate(err); dup {
			r.metrics.registered("duplicate")
		} else {
			r.metrics.registered("failed")
		}
		return reg, err
	}
	if o.skip {
		reg.setState(StateSkipped)
		r.metrics.registered("skipped")
		reg.Log(LevelDebug, "registered without attaching")
		return reg, nil
	}
	if err := r.attachAll(reg); err != nil {
		reg.setState(StateFailed)
		r.metrics.registered("failed")
		return reg, err
	}
	if reg.State() == StateInert {
		r.metrics.registered("inert")
		reg.Log(LevelInfo, "registration stopped by BeforeRegister")
		return reg, nil
	}
	r.metrics.registered("registered")
	reg.Log(LevelDebug, "registered", "urlPrefix", reg.URLPrefix)
	return reg, nil
}

func reservedName(name string) bool {
	return name == SharedContextName || name == PluginsContextName
}

// duplicateOf reports a name or plugin that is already taken.  A failed
// registration is never handed out for reuse.
func duplicateOf(existing *Registration) (*Registration, error) {
	if existing.State() == StateFailed {
		return nil, configErr("Registry", "Register", ErrRegistrationFailed,
			"plugin %s already failed to register", existing.Name)
	}
	return existing, &DuplicateRegistrationError{Name: existing.Name, Existing: existing}
}

// reserve claims a name and creates the plugin's contexts.
func (r *Registry) reserve(p Plugin, o registerOptions) (*Registration, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if err := r.requireNotRunning("Register", "register plugins"); err != nil {
		return nil, err
	}
	rec := p.Record()
	if existing, ok := rec.RegistrationOn(r); ok {
		return duplicateOf(existing)
	}
	name := o.name
	switch {
	case reservedName(name):
		return nil, configErr("Registry", "Register", ErrInvalidConfig, "%q is a reserved context name", name)
	case name != "" && r.names.Has(name):
		return duplicateOf(r.registrations[name])
	case name == "":
		name = pluginTypeName(p)
		if name == "" {
			name = uuid.NewString()
			r.logger.Info("cannot determine a plugin name, using a random one", "severity", "warning", "name", name)
		} else if r.names.Has(name) || reservedName(name) {
			fallback := name + "-" + uuid.NewString()
			r.logger.Info("plugin name already in use, using a random one", "severity", "warning",
				"name", name, "fallback", fallback)
			name = fallback
		}
	}
	r.names.Insert(name)

	ctx := r.shared.createChildWith(map[string]interface{}{
		KeyShared: r.shared,
		KeyName:   name,
	})
	reg := &Registration{
		Registry:  r,
		Name:      name,
		URLPrefix: o.urlPrefix,
		Plugin:    p,
		Context:   ctx,
		requests:  NewHierContext(r, nil),
	}
	ctx.Set(KeyRequest, reg.requests)
	ctx.Set(KeyRegistration, reg)
	r.registrations[name] = reg
	r.plugins.Set(name, r.plugins.createChildWith(map[string]interface{}{
		KeyName:         name,
		KeyContext:      ctx,
		KeyRegistration: reg,
	}))
	rec.addRegistration(reg)
	return reg, nil
}

func (r *Registry) attachAll(reg *Registration) error {
	p := reg.Plugin
	reg.setState(StateBeforeRegister)
	if br, ok := p.(BeforeRegisterer); ok {
		proceed, err := br.BeforeRegister(reg.Context)
		if err != nil {
			return wrap(err, "Registry", "Register", reg.Name+" BeforeRegister")
		}
		if !proceed {
			reg.setState(StateInert)
			return nil
		}
	}
	d := p.Record().declarations()

	reg.setState(StateAttachingRoutes)
	for _, route := range d.routes {
		if err := r.attachRoute(reg, route); err != nil {
			return err
		}
	}
	for _, static := range d.statics {
		if err := r.attachStatic(reg, static); err != nil {
			return err
		}
	}
	for _, ws := range d.websockets {
		if err := r.attachWebsocket(reg, ws); err != nil {
			return err
		}
	}
	reg.setState(StateAttachingMiddleware)
	for _, m := range d.middleware {
		if err := r.attachMiddleware(reg, m); err != nil {
			return err
		}
	}
	reg.setState(StateAttachingExceptions)
	for _, e := range d.exceptions {
		if err := r.attachException(reg, e); err != nil {
			return err
		}
	}
	reg.setState(StateAttachingListeners)
	for _, l := range d.listeners {
		if err := r.attachListener(reg, l); err != nil {
			return err
		}
	}

	reg.setState(StateAfterRegister)
	if bookkeeping, err := r.plugins.GetContext(reg.Name); err == nil {
		bookkeeping.Set(KeyInstance, p)
	}
	if ar, ok := p.(AfterRegisterer); ok {
		if err := ar.AfterRegister(reg.Context, reg); err != nil {
			return wrap(err, "Registry", "Register", reg.Name+" AfterRegister")
		}
	}
	reg.setState(StateRegistered)
	return nil
}

// joinURI prepends a registration's prefix, collapsing a doubled slash.
func joinURI(prefix, uri string) string {
	if prefix == "" {
		return uri
	}
	joined := prefix + uri
	if strings.HasPrefix(joined, "//") {
		joined = joined[1:]
	}
	return joined
}

func (r *Registry) routeOptions(host string) RouteOptions {
	return RouteOptions{Host: host, StrictSlashes: r.config.StrictSlashes}
}

func (r *Registry) attachRoute(reg *Registration, d *declaredRoute) error {
	if err := r.requireNotRunning("AttachRoute", "add routes"); err != nil {
		return err
	}
	handler := d.handler
	var ctx *HierContext
	if d.withContext {
		ctx = reg.Context
	}
	bound := HandlerFunc(func(w http.ResponseWriter, req *http.Request) error {
		return handler(w, req, ctx)
	})
	name := reg.Name + "." + d.name
	err := r.host.AttachRoute(name, joinURI(reg.URLPrefix, d.uri), bound, sets.List(d.methods), r.routeOptions(d.host))
	return wrap(err, "Registry", "Register", "route "+name)
}

func (r *Registry) attachWebsocket(reg *Registration, d *declaredRoute) error {
	if err := r.requireNotRunning("AttachWebsocket", "add websocket routes"); err != nil {
		return err
	}
	wsHost, ok := r.host.(WebsocketHost)
	if !ok {
		return configErr("Registry", "AttachWebsocket", ErrInvalidConfig, "host %T cannot serve websocket routes", r.host)
	}
	socket := d.socket
	var ctx *HierContext
	if d.withContext {
		ctx = reg.Context
	}
	name := reg.Name + "." + d.name
	err := wsHost.AttachWebsocket(name, joinURI(reg.URLPrefix, d.uri), func(conn *websocket.Conn, req *http.Request) error {
		return socket(conn, req, ctx)
	}, r.routeOptions(d.host))
	return wrap(err, "Registry", "Register", "websocket "+name)
}

func (r *Registry) attachStatic(reg *Registration, d *declaredStatic) error {
	if err := r.requireNotRunning("AttachStatic", "add static mounts"); err != nil {
		return err
	}
	opts := d.opts
	opts.Name = reg.Name + "." + opts.Name
	err := r.host.AttachStatic(joinURI(reg.URLPrefix, d.uri), d.root, opts)
	return wrap(err, "Registry", "Register", "static "+opts.Name)
}

// attachMiddleware binds the plugin context if asked for and hands the
// middleware to the pipeline.
func (r *Registry) attachMiddleware(reg *Registration, d *declaredMiddleware) error {
	if err := r.requireNotRunning("AttachMiddleware", "add middleware"); err != nil {
		return err
	}
	priority := r.config.DefaultPriority
	if d.priority != nil {
		priority = *d.priority
	}
	var ctx *HierContext
	if d.withContext {
		ctx = reg.Context
	}
	return r.pipeline.Insert(d.phase, priority, d.relative, reg.Name+"."+d.name, bindMiddleware(d.fn, ctx))
}

// bindMiddleware turns a normalized middleware into the public func
// type the pipeline stores.
func bindMiddleware(fn interface{}, ctx *HierContext) interface{} {
	switch f := fn.(type) {
	case requestFunc:
		return RequestMiddlewareFunc(func(req *http.Request) (*Response, error) { return f(req, ctx) })
	case responseFunc:
		return ResponseMiddlewareFunc(func(req *http.Request, resp *Response) (*Response, error) { return f(req, resp, ctx) })
	case cleanupFunc:
		return CleanupFunc(func(req *http.Request) error { return f(req, ctx) })
	}
	return nil
}

func (r *Registry) attachException(reg *Registration, d *declaredException) error {
	if err := r.requireNotRunning("AttachExceptionHandler", "add exception handlers"); err != nil {
		return err
	}
	handler := d.handler
	var ctx *HierContext
	if d.withContext {
		ctx = reg.Context
	}
	err := r.host.AttachExceptionHandler(d.kinds, func(w http.ResponseWriter, req *http.Request, err error) {
		handler(w, req, err, ctx)
	})
	return wrap(err, "Registry", "Register", reg.Name+" exception handler")
}

func (r *Registry) attachListener(reg *Registration, d *declaredListener) error {
	if err := r.requireNotRunning("AttachListener", "add listeners"); err != nil {
		return err
	}
	fn := d.fn
	var ctx *HierContext
	if d.withContext {
		ctx = reg.Context
	}
	err := r.host.AttachListener(d.event, func(c context.Context) error { return fn(c, ctx) })
	return wrap(err, "Registry", "Register", reg.Name+" listener "+d.event)
}

// GetPlugin returns the plugin registered under name.
func (r *Registry) GetPlugin(name string) (Plugin, error) {
	reg, err := r.GetRegistration(name)
	if err != nil {
		return nil, err
	}
	return reg.Plugin, nil
}

// GetRegistration returns the registration for name.
func (r *Registry) GetRegistration(name string) (*Registration, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	reg, ok := r.registrations[name]
	if !ok {
		return nil, &NotFoundError{Kind: "plugin", Key: name}
	}
	return reg, nil
}

// GetPluginByRegistration returns the plugin behind a registration
// handle, checking that the handle belongs to this registry.
func (r *Registry) GetPluginByRegistration(reg *Registration) (Plugin, error) {
	if reg == nil || reg.Registry != r {
		return nil, &NotFoundError{Kind: "registration", Key: "foreign"}
	}
	return r.GetPlugin(reg.Name)
}

// Registrations lists every registration in name order.
func (r *Registry) Registrations() []*Registration {
	r.lock.RLock()
	defer r.lock.RUnlock()
	regs := make([]*Registration, 0, len(r.registrations))
	for _, name := range sets.List(r.names) {
		regs = append(regs, r.registrations[name])
	}
	return regs
}

// URLFor resolves a plugin route name through the host.
func (r *Registry) URLFor(reg *Registration, routeName string, pairs ...string) (*url.URL, error) {
	resolver, ok := r.host.(URLResolver)
	if !ok {
		return nil, &NotFoundError{Kind: "route", Key: routeName}
	}
	if reg != nil {
		routeName = reg.Name + "." + routeName
	}
	return resolver.URLFor(routeName, pairs...)
}

// The Add methods attach to this one registration only, without
// recording anything in the plugin's PluginRecord.  Other registries the
// plugin is on do not see them.

func (reg *Registration) requireAttached(method string) error {
	if !reg.attached() {
		return configErr("Registration", method, ErrInvalidConfig, "%s is %s", reg.Name, reg.State())
	}
	return nil
}

// AddRoute is DeclareRoute for this registration only.
func (reg *Registration) AddRoute(uri string, handler interface{}, opts ...RouteOption) error {
	if err := reg.requireAttached("AddRoute"); err != nil {
		return err
	}
	d, err := newDeclaredRoute(uri, handler, opts)
	if err != nil {
		return err
	}
	return reg.Registry.attachRoute(reg, d)
}

// AddWebsocket is DeclareWebsocket for this registration only.
func (reg *Registration) AddWebsocket(uri string, handler interface{}, opts ...RouteOption) error {
	if err := reg.requireAttached("AddWebsocket"); err != nil {
		return err
	}
	d, err := newDeclaredWebsocket(uri, handler, opts)
	if err != nil {
		return err
	}
	return reg.Registry.attachWebsocket(reg, d)
}

// AddMiddleware is DeclareMiddleware for this registration only.
func (reg *Registration) AddMiddleware(fn interface{}, opts ...MiddlewareOption) error {
	if err := reg.requireAttached("AddMiddleware"); err != nil {
		return err
	}
	d, err := newDeclaredMiddleware(fn, opts)
	if err != nil {
		return err
	}
	return reg.Registry.attachMiddleware(reg, d)
}

// AddListener is DeclareListener for this registration only.
func (reg *Registration) AddListener(event string, listener interface{}) error {
	if err := reg.requireAttached("AddListener"); err != nil {
		return err
	}
	d, err := newDeclaredListener(event, listener)
	if err != nil {
		return err
	}
	return reg.Registry.attachListener(reg, d)
}
