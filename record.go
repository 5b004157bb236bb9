package muxplugin

import (
	"net/http"
	"strings"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Plugin is anything that carries a PluginRecord.  Plugin authors embed
// PluginRecord in their own type:
//
//	type Greeter struct {
//		muxplugin.PluginRecord
//	}
//
// and then declare routes and middleware on it, usually from a
// constructor or an init() function next to the handlers.
type Plugin interface {
	Record() *PluginRecord
}

// BeforeRegisterer is implemented by plugins that want to run code
// before anything is attached.  Returning false stops the registration:
// nothing is attached and the plugin stays known but inert.  Returning
// an error fails the registration.
type BeforeRegisterer interface {
	BeforeRegister(ctx *HierContext) (bool, error)
}

// AfterRegisterer is implemented by plugins that want to run code once
// all their declarations are attached.  It runs exactly once per
// registry.
type AfterRegisterer interface {
	AfterRegister(ctx *HierContext, reg *Registration) error
}

// PluginRecord captures what a plugin wants attached to a host.  The
// Declare methods may be called before or after the plugin is
// registered; declarations made after registration are attached to
// every registry the plugin is on right away.
type PluginRecord struct {
	lock          sync.Mutex
	routes        []*declaredRoute
	websockets    []*declaredRoute
	statics       []*declaredStatic
	middleware    []*declaredMiddleware
	exceptions    []*declaredException
	listeners     []*declaredListener
	registrations []*Registration
}

// Record makes *PluginRecord (and anything embedding it) a Plugin.
func (pr *PluginRecord) Record() *PluginRecord { return pr }

type declaredRoute struct {
	uri         string
	name        string
	methods     sets.Set[string]
	host        string
	handler     routeFunc
	socket      socketFunc
	withContext bool
}

type declaredStatic struct {
	uri  string
	root http.FileSystem
	opts StaticOptions
}

type declaredMiddleware struct {
	name        string
	fn          interface{} // requestFunc, responseFunc or cleanupFunc
	phase       Phase
	attachTo    *Phase
	priority    *int
	relative    Relative
	withContext bool
}

type declaredException struct {
	kinds       []error
	handler     exceptionFunc
	withContext bool
}

type declaredListener struct {
	event       string
	fn          listenerFunc
	withContext bool
}

// RouteOption modifies a declared route or websocket route.
type RouteOption func(*declaredRoute)

// Methods restricts the HTTP methods.  The default is GET.
func Methods(methods ...string) RouteOption {
	return func(d *declaredRoute) {
		d.methods = sets.New[string]()
		for _, m := range methods {
			d.methods.Insert(strings.ToUpper(m))
		}
	}
}

// RouteName overrides the name derived from the handler function.  The
// host sees "<plugin name>.<route name>".
func RouteName(name string) RouteOption {
	return func(d *declaredRoute) { d.name = name }
}

// OnHost restricts the route to a host pattern.
func OnHost(host string) RouteOption {
	return func(d *declaredRoute) { d.host = host }
}

// MiddlewareOption modifies a declared middleware.
type MiddlewareOption func(*declaredMiddleware)

// Priority sets the middleware priority, 0 (first) to 9 (last).  For
// response middleware the order is mirrored: 9 unwinds first.
func Priority(priority int) MiddlewareOption {
	return func(d *declaredMiddleware) { d.priority = &priority }
}

// AttachTo names the phase explicitly.  The phase is normally worked
// out from the middleware signature; a mismatch is an error.
func AttachTo(phase Phase) MiddlewareOption {
	return func(d *declaredMiddleware) { d.attachTo = &phase }
}

// RelativeTo places the middleware before or after the host's own
// middleware.
func RelativeTo(relative Relative) MiddlewareOption {
	return func(d *declaredMiddleware) { d.relative = relative }
}

// MiddlewareName overrides the name used in logs.
func MiddlewareName(name string) MiddlewareOption {
	return func(d *declaredMiddleware) { d.name = name }
}

// StaticOptions are passed through to Host.AttachStatic.
type StaticOptions struct {
	Name string
	Host string
}

// StaticOption modifies a declared static mount.
type StaticOption func(*StaticOptions)

// StaticName sets the static mount's route name.  The default is "static".
func StaticName(name string) StaticOption {
	return func(o *StaticOptions) { o.Name = name }
}

// StaticHost restricts the static mount to a host pattern.
func StaticHost(host string) StaticOption {
	return func(o *StaticOptions) { o.Host = host }
}

func newDeclaredRoute(uri string, handler interface{}, opts []RouteOption) (*declaredRoute, error) {
	fn, withContext, err := characterizeRoute(handler)
	if err != nil {
		return nil, err
	}
	d := &declaredRoute{
		uri:         uri,
		name:        funcName(handler),
		methods:     sets.New[string](http.MethodGet),
		handler:     fn,
		withContext: withContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.name == "" {
		return nil, configErr("PluginRecord", "DeclareRoute", ErrInvalidHandler, "route %s has no name", uri)
	}
	return d, nil
}

// DeclareRoute declares a route.  handler may be an http.HandlerFunc,
// an http.Handler, a HandlerFunc, or a ContextHandlerFunc (which
// receives the plugin's context).
func (pr *PluginRecord) DeclareRoute(uri string, handler interface{}, opts ...RouteOption) error {
	d, err := newDeclaredRoute(uri, handler, opts)
	if err != nil {
		return err
	}
	pr.lock.Lock()
	pr.routes = append(pr.routes, d)
	regs := pr.attachedRegistrations()
	pr.lock.Unlock()
	for _, reg := range regs {
		if err := reg.Registry.attachRoute(reg, d); err != nil {
			return err
		}
	}
	return nil
}

func newDeclaredWebsocket(uri string, handler interface{}, opts []RouteOption) (*declaredRoute, error) {
	fn, withContext, err := characterizeWebsocket(handler)
	if err != nil {
		return nil, err
	}
	d := &declaredRoute{
		uri:         uri,
		name:        funcName(handler),
		methods:     sets.New[string](http.MethodGet),
		socket:      fn,
		withContext: withContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.name == "" {
		return nil, configErr("PluginRecord", "DeclareWebsocket", ErrInvalidHandler, "websocket route %s has no name", uri)
	}
	return d, nil
}

// DeclareWebsocket declares a websocket route.  handler is a
// WebsocketHandler or takes the plugin's context as a third argument.
// The host must implement WebsocketHost.
func (pr *PluginRecord) DeclareWebsocket(uri string, handler interface{}, opts ...RouteOption) error {
	d, err := newDeclaredWebsocket(uri, handler, opts)
	if err != nil {
		return err
	}
	pr.lock.Lock()
	pr.websockets = append(pr.websockets, d)
	regs := pr.attachedRegistrations()
	pr.lock.Unlock()
	for _, reg := range regs {
		if err := reg.Registry.attachWebsocket(reg, d); err != nil {
			return err
		}
	}
	return nil
}

// DeclareStatic declares a static file mount.
func (pr *PluginRecord) DeclareStatic(uri string, root http.FileSystem, opts ...StaticOption) error {
	if root == nil {
		return configErr("PluginRecord", "DeclareStatic", ErrInvalidConfig, "static mount %s has no file system", uri)
	}
	d := &declaredStatic{uri: uri, root: root, opts: StaticOptions{Name: "static"}}
	for _, opt := range opts {
		opt(&d.opts)
	}
	pr.lock.Lock()
	pr.statics = append(pr.statics, d)
	regs := pr.attachedRegistrations()
	pr.lock.Unlock()
	for _, reg := range regs {
		if err := reg.Registry.attachStatic(reg, d); err != nil {
			return err
		}
	}
	return nil
}

// DeclareMiddleware declares a middleware.  The phase follows from the
// signature:
//
//	func(*http.Request) (*Response, error)              request
//	func(*http.Request, *Response) (*Response, error)   response
//	func(*http.Request) error                           cleanup
//
// Each form may take the plugin's *HierContext as an extra last
// argument.  Priority and relative position are checked here so that
// mistakes show up at startup.
func (pr *PluginRecord) DeclareMiddleware(fn interface{}, opts ...MiddlewareOption) error {
	d, err := newDeclaredMiddleware(fn, opts)
	if err != nil {
		return err
	}
	pr.lock.Lock()
	pr.middleware = append(pr.middleware, d)
	regs := pr.attachedRegistrations()
	pr.lock.Unlock()
	for _, reg := range regs {
		if err := reg.Registry.attachMiddleware(reg, d); err != nil {
			return err
		}
	}
	return nil
}

func newDeclaredMiddleware(fn interface{}, opts []MiddlewareOption) (*declaredMiddleware, error) {
	phase, normalized, withContext, err := characterizeMiddleware(fn)
	if err != nil {
		return nil, err
	}
	d := &declaredMiddleware{
		name:        funcName(fn),
		fn:          normalized,
		phase:       phase,
		withContext: withContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.attachTo != nil && *d.attachTo != phase {
		return nil, configErr("PluginRecord", "DeclareMiddleware", ErrInvalidPhase,
			"%s has a %s middleware signature but was attached to %s", d.name, phase, *d.attachTo)
	}
	if d.priority != nil {
		if err := ValidatePriority(*d.priority); err != nil {
			return nil, err
		}
	}
	if _, err := queueFor(phase, d.relative); err != nil {
		return nil, err
	}
	return d, nil
}

// DeclareExceptionHandler declares a handler for errors matching any of
// kinds (see MatchesKind).
func (pr *PluginRecord) DeclareExceptionHandler(handler interface{}, kinds ...error) error {
	fn, withContext, err := characterizeException(handler)
	if err != nil {
		return err
	}
	if len(kinds) == 0 {
		return configErr("PluginRecord", "DeclareExceptionHandler", ErrInvalidConfig, "no error kinds given")
	}
	d := &declaredException{kinds: kinds, handler: fn, withContext: withContext}
	pr.lock.Lock()
	pr.exceptions = append(pr.exceptions, d)
	regs := pr.attachedRegistrations()
	pr.lock.Unlock()
	for _, reg := range regs {
		if err := reg.Registry.attachException(reg, d); err != nil {
			return err
		}
	}
	return nil
}

func newDeclaredListener(event string, listener interface{}) (*declaredListener, error) {
	fn, withContext, err := characterizeListener(listener)
	if err != nil {
		return nil, err
	}
	if event == "" {
		return nil, configErr("PluginRecord", "DeclareListener", ErrInvalidConfig, "empty event name")
	}
	return &declaredListener{event: event, fn: fn, withContext: withContext}, nil
}

// DeclareListener declares a listener for a host event.
func (pr *PluginRecord) DeclareListener(event string, listener interface{}) error {
	d, err := newDeclaredListener(event, listener)
	if err != nil {
		return err
	}
	pr.lock.Lock()
	pr.listeners = append(pr.listeners, d)
	regs := pr.attachedRegistrations()
	pr.lock.Unlock()
	for _, reg := range regs {
		if err := reg.Registry.attachListener(reg, d); err != nil {
			return err
		}
	}
	return nil
}

// attachedRegistrations must be called with pr.lock held.
func (pr *PluginRecord) attachedRegistrations() []*Registration {
	var regs []*Registration
	for _, reg := range pr.registrations {
		if reg.attached() {
			regs = append(regs, reg)
		}
	}
	return regs
}

// Registrations returns every registration of this plugin, attached or not.
func (pr *PluginRecord) Registrations() []*Registration {
	pr.lock.Lock()
	defer pr.lock.Unlock()
	return append([]*Registration(nil), pr.registrations...)
}

// RegistrationOn finds this plugin's registration on a registry.
func (pr *PluginRecord) RegistrationOn(r *Registry) (*Registration, bool) {
	pr.lock.Lock()
	defer pr.lock.Unlock()
	for _, reg := range pr.registrations {
		if reg.Registry == r {
			return reg, true
		}
	}
	return nil, false
}

// FirstContext returns the plugin context of the first registry this
// plugin was registered on.
func (pr *PluginRecord) FirstContext() (*HierContext, error) {
	pr.lock.Lock()
	defer pr.lock.Unlock()
	if len(pr.registrations) == 0 {
		return nil, &NotFoundError{Kind: "registration", Key: "first"}
	}
	return pr.registrations[0].Context, nil
}

func (pr *PluginRecord) addRegistration(reg *Registration) {
	pr.lock.Lock()
	defer pr.lock.Unlock()
	pr.registrations = append(pr.registrations, reg)
}

type declarations struct {
	routes     []*declaredRoute
	websockets []*declaredRoute
	statics    []*declaredStatic
	middleware []*declaredMiddleware
	exceptions []*declaredException
	listeners  []*declaredListener
}

func (pr *PluginRecord) declarations() declarations {
	pr.lock.Lock()
	defer pr.lock.Unlock()
	return declarations{
		routes:     append([]*declaredRoute(nil), pr.routes...),
		websockets: append([]*declaredRoute(nil), pr.websockets...),
		statics:    append([]*declaredStatic(nil), pr.statics...),
		middleware: append([]*declaredMiddleware(nil), pr.middleware...),
		exceptions: append([]*declaredException(nil), pr.exceptions...),
		listeners:  append([]*declaredListener(nil), pr.listeners...),
	}
}
