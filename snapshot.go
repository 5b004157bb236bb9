package muxplugin

import (
	"sort"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/sets"
)

var (
	_ yaml.Marshaler = (*Registry)(nil)
	_ yaml.Marshaler = (*PluginRecord)(nil)
)

type registrySnapshot struct {
	Config     Config                     `yaml:"config"`
	Shared     map[string]interface{}     `yaml:"shared,omitempty"`
	Plugins    []pluginSnapshot           `yaml:"plugins"`
	Middleware map[string][]entrySnapshot `yaml:"middleware,omitempty"`
}

type pluginSnapshot struct {
	Name      string                 `yaml:"name"`
	URLPrefix string                 `yaml:"url_prefix,omitempty"`
	State     string                 `yaml:"state"`
	Context   map[string]interface{} `yaml:"context,omitempty"`
	Record    recordSnapshot         `yaml:"record"`
}

type entrySnapshot struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
}

type recordSnapshot struct {
	Routes     []routeSnapshot      `yaml:"routes,omitempty"`
	Websockets []routeSnapshot      `yaml:"websockets,omitempty"`
	Statics    []staticSnapshot     `yaml:"statics,omitempty"`
	Middleware []middlewareSnapshot `yaml:"middleware,omitempty"`
	Exceptions int                  `yaml:"exception_handlers,omitempty"`
	Listeners  []string             `yaml:"listeners,omitempty"`
}

type routeSnapshot struct {
	Name    string   `yaml:"name"`
	URI     string   `yaml:"uri"`
	Methods []string `yaml:"methods,omitempty"`
	Host    string   `yaml:"host,omitempty"`
}

type staticSnapshot struct {
	Name string `yaml:"name"`
	URI  string `yaml:"uri"`
}

type middlewareSnapshot struct {
	Name     string `yaml:"name"`
	Phase    string `yaml:"phase"`
	Priority *int   `yaml:"priority,omitempty"`
	Relative string `yaml:"relative,omitempty"`
}

// plainValues keeps the bindings that serialize cleanly.  Handlers,
// child contexts, the host and the registry itself are left out.
func plainValues(c *HierContext) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range c.Snapshot() {
		switch v.(type) {
		case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64,
			[]string, map[string]string:
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// MarshalYAML describes the registry: its settings, the shared context,
// every plugin and the middleware queues.  It refuses while the
// registry is running since the contexts are then in use by requests.
func (r *Registry) MarshalYAML() (interface{}, error) {
	if r.Running() {
		return nil, configErr("Registry", "MarshalYAML", ErrRunning, "cannot snapshot a running registry")
	}
	snap := registrySnapshot{
		Config: r.config,
		Shared: plainValues(r.shared),
	}
	for _, reg := range r.Registrations() {
		snap.Plugins = append(snap.Plugins, pluginSnapshot{
			Name:      reg.Name,
			URLPrefix: reg.URLPrefix,
			State:     reg.State().String(),
			Context:   plainValues(reg.Context),
			Record:    reg.Plugin.Record().snapshot(),
		})
	}
	for q := Queue(0); q < numQueues; q++ {
		entries := r.pipeline.Entries(q)
		if len(entries) == 0 {
			continue
		}
		if snap.Middleware == nil {
			snap.Middleware = make(map[string][]entrySnapshot)
		}
		for _, e := range entries {
			snap.Middleware[q.String()] = append(snap.Middleware[q.String()], entrySnapshot{Name: e.Name, Priority: e.Priority})
		}
	}
	return snap, nil
}

// MarshalYAML describes what the plugin declares.  It refuses while any
// registry the plugin is on is running.
func (pr *PluginRecord) MarshalYAML() (interface{}, error) {
	for _, reg := range pr.Registrations() {
		if reg.Registry.Running() {
			return nil, configErr("PluginRecord", "MarshalYAML", ErrRunning,
				"plugin %s is on a running registry", reg.Name)
		}
	}
	return pr.snapshot(), nil
}

func (pr *PluginRecord) snapshot() recordSnapshot {
	d := pr.declarations()
	var snap recordSnapshot
	route := func(rt *declaredRoute) routeSnapshot {
		return routeSnapshot{Name: rt.name, URI: rt.uri, Methods: sets.List(rt.methods), Host: rt.host}
	}
	for _, rt := range d.routes {
		snap.Routes = append(snap.Routes, route(rt))
	}
	for _, ws := range d.websockets {
		snap.Websockets = append(snap.Websockets, route(ws))
	}
	for _, st := range d.statics {
		snap.Statics = append(snap.Statics, staticSnapshot{Name: st.opts.Name, URI: st.uri})
	}
	for _, m := range d.middleware {
		ms := middlewareSnapshot{Name: m.name, Phase: m.phase.String(), Priority: m.priority}
		if m.relative != RelativeDefault {
			ms.Relative = m.relative.String()
		}
		snap.Middleware = append(snap.Middleware, ms)
	}
	snap.Exceptions = len(d.exceptions)
	for _, l := range d.listeners {
		snap.Listeners = append(snap.Listeners, l.event)
	}
	sort.Strings(snap.Listeners)
	return snap
}
