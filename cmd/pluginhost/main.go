// Command pluginhost serves a gorilla/mux host with a small demo plugin.
// It exists to exercise the registry end to end: configuration from a
// YAML file, metrics on /metrics, and the contextualize plugin.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/BlueOwlOpenSource/muxplugin"
	"github.com/BlueOwlOpenSource/muxplugin/contextualize"
)

// Options contains the command-line configuration.
type Options struct {
	Addr       string // listen address
	ConfigFile string // optional YAML registry config
	URLPrefix  string // prefix for the demo plugin's routes
	Verbosity  int    // overrides the config file when set
	Dump       bool   // print the registry snapshot and exit

	fs *pflag.FlagSet
}

// NewOptions returns Options with default values.
func NewOptions() *Options {
	return &Options{
		Addr:      ":8080",
		URLPrefix: "/demo",
		Verbosity: -1,
	}
}

// AddFlags binds the Options fields to fs.
func (opts *Options) AddFlags(fs *pflag.FlagSet) {
	if fs == nil {
		fs = pflag.CommandLine
	}
	opts.fs = fs
	fs.StringVar(&opts.Addr, "addr", opts.Addr, "Address to listen on.")
	fs.StringVar(&opts.ConfigFile, "config", opts.ConfigFile, "Registry configuration file (YAML).")
	fs.StringVar(&opts.URLPrefix, "url-prefix", opts.URLPrefix, "URL prefix of the demo plugin.")
	fs.IntVarP(&opts.Verbosity, "v", "v", opts.Verbosity, "Log verbosity; overrides the config file.")
	fs.BoolVar(&opts.Dump, "dump", opts.Dump, "Print the registry as YAML and exit.")
}

// Validate checks the Options for invalid values.
func (opts *Options) Validate() error {
	if opts.Addr == "" {
		return fmt.Errorf("invalid value for flag %q: must not be empty", "addr")
	}
	if opts.Verbosity < -1 {
		return fmt.Errorf("invalid value %d for flag %q: must be >= 0", opts.Verbosity, "v")
	}
	return nil
}

func (opts *Options) config() (muxplugin.Config, error) {
	cfg := muxplugin.DefaultConfig()
	if opts.ConfigFile != "" {
		data, err := os.ReadFile(opts.ConfigFile)
		if err != nil {
			return cfg, err
		}
		if cfg, err = muxplugin.ParseConfig(data); err != nil {
			return cfg, err
		}
	}
	if opts.Verbosity >= 0 {
		cfg.Verbosity = opts.Verbosity
	}
	return cfg, cfg.Validate()
}

func main() {
	opts := NewOptions()
	opts.AddFlags(pflag.CommandLine)
	pflag.Parse()
	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts *Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	cfg, err := opts.config()
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	host := muxplugin.NewMuxHost(router)
	registry, err := muxplugin.NewRegistry(host,
		muxplugin.WithConfig(cfg),
		muxplugin.WithMetrics(promRegistry))
	if err != nil {
		return err
	}
	if err := installDemo(registry, opts.URLPrefix); err != nil {
		return err
	}

	if opts.Dump {
		out, err := yaml.Marshal(registry)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	registry.Log(muxplugin.LevelInfo, "listening", nil, "addr", opts.Addr)
	return host.ListenAndServe(ctx, opts.Addr)
}

// installDemo registers a contextualize plugin that counts hits in its
// plugin context and tags each response with the request id.
func installDemo(registry *muxplugin.Registry, prefix string) error {
	assoc, err := contextualize.Register(registry, muxplugin.WithName("demo"), muxplugin.WithURLPrefix(prefix))
	if err != nil {
		return err
	}
	hits := new(atomic.Int64)
	assoc.Context().Set("hits", hits)

	err = assoc.Route("/hits", func(w http.ResponseWriter, r *http.Request, ctx *muxplugin.HierContext) error {
		counter, err := muxplugin.Lookup[*atomic.Int64](ctx, "hits")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%d\n", counter.Add(1))
		return err
	}, muxplugin.RouteName("hits"))
	if err != nil {
		return err
	}
	return assoc.ResponseMiddleware(func(r *http.Request, resp *muxplugin.Response, ctx *muxplugin.HierContext) (*muxplugin.Response, error) {
		if id, ok := muxplugin.RequestID(r); ok {
			if resp.Header == nil {
				resp.Header = make(http.Header)
			}
			resp.Header.Set("X-Request-Id", id)
		}
		return nil, nil
	}, muxplugin.MiddlewareName("request-id"))
}
