package muxplugin

import (
	"net/http"
)

// DecorateOption modifies Decorate.
type DecorateOption func(*decorateOptions)

type decorateOptions struct {
	runMiddleware bool
}

// RunMiddleware runs the plugin's middleware around the decorated
// handler.  It has no effect when the plugin is registered normally on
// the registry, since its middleware already runs for every route then.
func RunMiddleware() DecorateOption {
	return func(o *decorateOptions) { o.runMiddleware = true }
}

// Decorate applies p to a single handler instead of the whole host.  p
// is registered with SkipRegistration if it is not on the registry yet.
// handler takes any form DeclareRoute accepts; context-receiving forms
// get the plugin's context.  The result is attached to the host like any
// other handler, for example with Host.AttachRoute.
func (r *Registry) Decorate(p Plugin, handler interface{}, opts ...DecorateOption) (HandlerFunc, error) {
	fn, withContext, err := characterizeRoute(handler)
	if err != nil {
		return nil, err
	}
	var o decorateOptions
	for _, opt := range opts {
		opt(&o)
	}
	reg, err := r.Register(p, SkipRegistration())
	if err != nil {
		existing, dup := AsDuplicate(err)
		if !dup {
			return nil, err
		}
		reg = existing
	}
	var ctx *HierContext
	if withContext {
		ctx = reg.Context
	}
	route := HandlerFunc(func(w http.ResponseWriter, req *http.Request) error {
		return fn(w, req, ctx)
	})
	if !o.runMiddleware || reg.attached() {
		return route, nil
	}
	local, err := r.localPipeline(reg)
	if err != nil {
		return nil, err
	}
	return func(w http.ResponseWriter, req *http.Request) error {
		return runLocal(local, route, w, req)
	}, nil
}

// localPipeline holds only reg's middleware, with no host middleware,
// frozen right away.
func (r *Registry) localPipeline(reg *Registration) (*Pipeline, error) {
	local := NewPipeline(nil, r.logger.WithName("decorate").WithValues("plugin", reg.Name))
	local.metrics = r.metrics
	for _, d := range reg.Plugin.Record().declarations().middleware {
		priority := r.config.DefaultPriority
		if d.priority != nil {
			priority = *d.priority
		}
		var ctx *HierContext
		if d.withContext {
			ctx = reg.Context
		}
		if err := local.Insert(d.phase, priority, d.relative, reg.Name+"."+d.name, bindMiddleware(d.fn, ctx)); err != nil {
			return nil, err
		}
	}
	if err := local.Freeze(); err != nil {
		return nil, err
	}
	return local, nil
}

func runLocal(local *Pipeline, route HandlerFunc, w http.ResponseWriter, req *http.Request) error {
	defer func() { _ = local.RunCleanupPhase(req) }()
	resp, err := local.RunRequestPhase(req)
	if err != nil {
		return err
	}
	if resp == nil {
		rec := newResponseRecorder()
		if err := route(rec, req); err != nil {
			return err
		}
		resp = rec.response()
	}
	resp, err = local.RunResponsePhase(req, resp)
	if err != nil {
		return err
	}
	if err := resp.WriteTo(w); err != nil {
		local.logger.V(VERBOSE).Info("could not write response", "path", req.URL.Path, "err", err.Error())
	}
	return nil
}
