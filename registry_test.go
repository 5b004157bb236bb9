package muxplugin_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlueOwlOpenSource/muxplugin"
)

type greeter struct {
	muxplugin.PluginRecord
	before     func(ctx *muxplugin.HierContext) (bool, error)
	after      func(ctx *muxplugin.HierContext, reg *muxplugin.Registration) error
	afterCalls int
}

func (g *greeter) BeforeRegister(ctx *muxplugin.HierContext) (bool, error) {
	if g.before == nil {
		return true, nil
	}
	return g.before(ctx)
}

func (g *greeter) AfterRegister(ctx *muxplugin.HierContext, reg *muxplugin.Registration) error {
	g.afterCalls++
	if g.after == nil {
		return nil
	}
	return g.after(ctx, reg)
}

func (g *greeter) index(w http.ResponseWriter, r *http.Request) error {
	_, err := w.Write([]byte("hello"))
	return err
}

func newGreeter(t *testing.T) *greeter {
	g := &greeter{}
	require.NoError(t, g.DeclareRoute("/hello", g.index))
	return g
}

func newTestRegistry(t *testing.T, opts ...muxplugin.Option) (*muxplugin.Registry, *muxplugin.MuxHost) {
	host := muxplugin.NewMuxHost(nil)
	opts = append([]muxplugin.Option{muxplugin.WithLogger(testr.New(t))}, opts...)
	r, err := muxplugin.NewRegistry(host, opts...)
	require.NoError(t, err)
	return r, host
}

func TestRegisterAttachesDeclarations(t *testing.T) {
	t.Parallel()
	r, host := newTestRegistry(t)
	g := newGreeter(t)
	reg, err := r.Register(g, muxplugin.WithURLPrefix("/g"))
	require.NoError(t, err)

	assert.Equal(t, "greeter", reg.Name)
	assert.Equal(t, muxplugin.StateRegistered, reg.State())
	assert.Equal(t, 1, g.afterCalls)
	require.NotNil(t, host.Router.Get("greeter.index"))

	u, err := reg.URLFor("index")
	require.NoError(t, err)
	assert.Equal(t, "/g/hello", u.String())

	p, err := r.GetPlugin("greeter")
	require.NoError(t, err)
	assert.Same(t, g, p)
	p, err = r.GetPluginByRegistration(reg)
	require.NoError(t, err)
	assert.Same(t, g, p)
}

func TestRegisterSamePluginTwice(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	g := newGreeter(t)
	first, err := r.Register(g)
	require.NoError(t, err)

	_, err = r.Register(g)
	require.Error(t, err)
	assert.True(t, muxplugin.IsDuplicate(err))
	existing, ok := muxplugin.AsDuplicate(err)
	require.True(t, ok)
	assert.Same(t, first, existing)
	assert.Same(t, g, existing.Plugin.(*greeter))
	assert.Equal(t, 1, g.afterCalls, "AfterRegister runs once per registry")
}

func TestRegisterNameCollisions(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	first, err := r.Register(newGreeter(t))
	require.NoError(t, err)

	second, err := r.Register(newGreeter(t))
	require.NoError(t, err, "a taken default name falls back to a random one")
	assert.True(t, strings.HasPrefix(second.Name, "greeter-"), second.Name)

	_, err = r.Register(newGreeter(t), muxplugin.WithName("greeter"))
	existing, ok := muxplugin.AsDuplicate(err)
	require.True(t, ok)
	assert.Same(t, first, existing)

	assert.Len(t, r.Registrations(), 2)
}

func TestRegisterSamePluginOnTwoRegistries(t *testing.T) {
	t.Parallel()
	r1, host1 := newTestRegistry(t)
	r2, host2 := newTestRegistry(t)
	g := newGreeter(t)
	_, err := r1.Register(g)
	require.NoError(t, err)
	_, err = r2.Register(g, muxplugin.WithName("other"))
	require.NoError(t, err)
	assert.Equal(t, 2, g.afterCalls)

	require.NoError(t, g.DeclareRoute("/late", g.index, muxplugin.RouteName("late")))
	assert.NotNil(t, host1.Router.Get("greeter.late"))
	assert.NotNil(t, host2.Router.Get("other.late"))
	assert.Len(t, g.Registrations(), 2)

	ctx, err := g.FirstContext()
	require.NoError(t, err)
	name, err := ctx.GetString(muxplugin.KeyName)
	require.NoError(t, err)
	assert.Equal(t, "greeter", name)
}

func TestBeforeRegisterOptOut(t *testing.T) {
	t.Parallel()
	r, host := newTestRegistry(t)
	g := newGreeter(t)
	g.before = func(*muxplugin.HierContext) (bool, error) { return false, nil }

	reg, err := r.Register(g)
	require.NoError(t, err)
	assert.Equal(t, muxplugin.StateInert, reg.State())
	assert.Nil(t, host.Router.Get("greeter.index"))
	assert.Equal(t, 0, g.afterCalls)

	p, err := r.GetPlugin("greeter")
	require.NoError(t, err)
	assert.Same(t, g, p)

	require.NoError(t, g.DeclareRoute("/late", g.index, muxplugin.RouteName("late")))
	assert.Nil(t, host.Router.Get("greeter.late"), "inert registrations get no late additions")
}

func TestBeforeRegisterFailure(t *testing.T) {
	t.Parallel()
	r, host := newTestRegistry(t)
	g := newGreeter(t)
	boom := errors.New("no database")
	g.before = func(*muxplugin.HierContext) (bool, error) { return false, boom }

	reg, err := r.Register(g)
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, reg)
	assert.Equal(t, muxplugin.StateFailed, reg.State())
	assert.Nil(t, host.Router.Get("greeter.index"))
}

func TestAfterRegisterCanDeclareMore(t *testing.T) {
	t.Parallel()
	r, host := newTestRegistry(t)
	g := newGreeter(t)
	g.after = func(ctx *muxplugin.HierContext, reg *muxplugin.Registration) error {
		assert.Equal(t, muxplugin.StateAfterRegister, reg.State())
		ctx.Set("configured", true)
		return g.DeclareRoute("/extra", g.index, muxplugin.RouteName("extra"))
	}
	reg, err := r.Register(g)
	require.NoError(t, err)
	assert.NotNil(t, host.Router.Get("greeter.extra"))
	ok, err := reg.Context.GetBool("configured")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegistryContexts(t *testing.T) {
	t.Parallel()
	r, host := newTestRegistry(t)
	reg, err := r.Register(newGreeter(t))
	require.NoError(t, err)

	app, err := r.SharedContext().Get(muxplugin.KeyApp)
	require.NoError(t, err)
	assert.Same(t, host, app)

	shared, err := reg.Context.GetContext(muxplugin.KeyShared)
	require.NoError(t, err)
	assert.Same(t, r.SharedContext(), shared)
	assert.Same(t, r.SharedContext(), reg.Context.Parent())

	app, err = reg.Context.Get(muxplugin.KeyApp)
	require.NoError(t, err, "plugin contexts fall back to the shared context")
	assert.Same(t, host, app)

	pc, err := r.PluginContext("greeter")
	require.NoError(t, err)
	assert.Same(t, reg.Context, pc)

	bookkeeping, err := r.Context(muxplugin.PluginsContextName)
	require.NoError(t, err)
	entry, err := bookkeeping.GetContext("greeter")
	require.NoError(t, err)
	inst, err := entry.Get(muxplugin.KeyInstance)
	require.NoError(t, err)
	assert.Same(t, reg.Plugin, inst)

	_, err = r.Context("nobody")
	assert.True(t, muxplugin.IsNotFound(err))
	r.SharedContext().Set("flag", "on")
	v, err := r.GetFromContext("flag", "nobody")
	require.NoError(t, err, "unknown context names fall back to shared")
	assert.Equal(t, "on", v)
}

func TestRegistryFrozenAfterStart(t *testing.T) {
	t.Parallel()
	r, host := newTestRegistry(t)
	g := newGreeter(t)
	_, err := r.Register(g)
	require.NoError(t, err)

	require.NoError(t, host.Start(context.Background()))
	assert.True(t, r.Running())
	assert.True(t, r.Pipeline().Frozen())

	_, err = r.Register(newGreeter(t), muxplugin.WithName("late"))
	assert.ErrorIs(t, err, muxplugin.ErrRunning)

	err = g.DeclareMiddleware(func(*http.Request) (*muxplugin.Response, error) { return nil, nil })
	assert.ErrorIs(t, err, muxplugin.ErrRunning)
	assert.True(t, muxplugin.IsConfiguration(err))

	err = g.DeclareRoute("/late", g.index, muxplugin.RouteName("late"))
	assert.ErrorIs(t, err, muxplugin.ErrRunning)

	err = r.OnServerStart(context.Background())
	assert.ErrorIs(t, err, muxplugin.ErrAlreadyFrozen)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	_, err := r.Register(nil)
	assert.ErrorIs(t, err, muxplugin.ErrInvalidConfig)
	var g *greeter
	_, err = r.Register(g)
	assert.ErrorIs(t, err, muxplugin.ErrInvalidConfig)

	_, err = r.GetPlugin("missing")
	assert.True(t, muxplugin.IsNotFound(err))

	_, err = muxplugin.NewRegistry(nil)
	assert.ErrorIs(t, err, muxplugin.ErrInvalidConfig)

	cfg := muxplugin.DefaultConfig()
	cfg.DefaultPriority = 12
	_, err = muxplugin.NewRegistry(muxplugin.NewMuxHost(nil), muxplugin.WithConfig(cfg))
	assert.ErrorIs(t, err, muxplugin.ErrInvalidPriority)
}

func TestDeclareMiddlewareValidation(t *testing.T) {
	t.Parallel()
	g := &greeter{}
	req := func(*http.Request) (*muxplugin.Response, error) { return nil, nil }

	assert.ErrorIs(t, g.DeclareMiddleware(req, muxplugin.Priority(10)), muxplugin.ErrInvalidPriority)
	assert.ErrorIs(t, g.DeclareMiddleware(req, muxplugin.AttachTo(muxplugin.PhaseResponse)), muxplugin.ErrInvalidPhase)
	assert.ErrorIs(t, g.DeclareMiddleware(func(*http.Request) error { return nil }, muxplugin.RelativeTo(muxplugin.Post)),
		muxplugin.ErrInvalidRelative)
	assert.ErrorIs(t, g.DeclareMiddleware(func() {}), muxplugin.ErrInvalidHandler)
	assert.ErrorIs(t, g.DeclareRoute("/", 42), muxplugin.ErrInvalidHandler)
	assert.NoError(t, g.DeclareMiddleware(req, muxplugin.AttachTo(muxplugin.PhaseRequest), muxplugin.Priority(0)))
}

func TestRegistrationMetrics(t *testing.T) {
	t.Parallel()
	promRegistry := prometheus.NewRegistry()
	r, _ := newTestRegistry(t, muxplugin.WithMetrics(promRegistry))
	g := newGreeter(t)
	_, err := r.Register(g)
	require.NoError(t, err)
	_, err = r.Register(g)
	require.Error(t, err)
	inert := newGreeter(t)
	inert.before = func(*muxplugin.HierContext) (bool, error) { return false, nil }
	_, err = r.Register(inert, muxplugin.WithName("inert"))
	require.NoError(t, err)

	expected := `
# HELP muxplugin_plugins_registrations_total Plugin registrations by outcome.
# TYPE muxplugin_plugins_registrations_total counter
muxplugin_plugins_registrations_total{outcome="duplicate"} 1
muxplugin_plugins_registrations_total{outcome="inert"} 1
muxplugin_plugins_registrations_total{outcome="registered"} 1
`
	require.NoError(t, testutil.GatherAndCompare(promRegistry, strings.NewReader(expected),
		"muxplugin_plugins_registrations_total"))
}

func TestAfterRegisterFailureBlocksStart(t *testing.T) {
	t.Parallel()
	r, host := newTestRegistry(t)
	g := newGreeter(t)
	calls := &recorder{}
	require.NoError(t, g.DeclareMiddleware(func(*http.Request) (*muxplugin.Response, error) {
		calls.add("mw")
		return nil, nil
	}))
	boom := errors.New("cannot configure")
	g.after = func(*muxplugin.HierContext, *muxplugin.Registration) error { return boom }

	reg, err := r.Register(g)
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, reg)
	assert.Equal(t, muxplugin.StateFailed, reg.State())

	_, err = r.Register(g)
	assert.ErrorIs(t, err, muxplugin.ErrRegistrationFailed)
	assert.False(t, muxplugin.IsDuplicate(err), "a failed registration is not handed out again")
	_, err = r.Register(newGreeter(t), muxplugin.WithName("greeter"))
	assert.ErrorIs(t, err, muxplugin.ErrRegistrationFailed)

	err = host.Start(context.Background())
	assert.ErrorIs(t, err, muxplugin.ErrRegistrationFailed)
	assert.True(t, muxplugin.IsConfiguration(err))
	assert.False(t, r.Running())
	assert.False(t, r.Pipeline().Frozen())
	assert.Empty(t, calls.get())
}

func TestRegisterRejectsReservedNames(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	for _, name := range []string{muxplugin.SharedContextName, muxplugin.PluginsContextName} {
		_, err := r.Register(newGreeter(t), muxplugin.WithName(name))
		assert.ErrorIs(t, err, muxplugin.ErrInvalidConfig, name)
	}
	shared, err := r.Context(muxplugin.SharedContextName)
	require.NoError(t, err)
	assert.Same(t, r.SharedContext(), shared)
	assert.Empty(t, r.Registrations())
}
