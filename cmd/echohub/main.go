// Command echohub runs the presence hub: the WebSocket endpoint nodes and
// observers connect to, the liveness supervisor, and the operator REST API.
//
// Run: echohub -config echohub.toml
// Stop: Ctrl+C (SIGINT) or kill (SIGTERM)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/echohub/api"
	"github.com/vinayprograms/echohub/bus"
	"github.com/vinayprograms/echohub/config"
	"github.com/vinayprograms/echohub/conns"
	"github.com/vinayprograms/echohub/events"
	"github.com/vinayprograms/echohub/hub"
	"github.com/vinayprograms/echohub/liveness"
	"github.com/vinayprograms/echohub/logging"
	"github.com/vinayprograms/echohub/metrics"
	"github.com/vinayprograms/echohub/nodestore"
	"github.com/vinayprograms/echohub/presence"
	"github.com/vinayprograms/echohub/ratelimit"
	"github.com/vinayprograms/echohub/shutdown"
	"github.com/vinayprograms/echohub/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "echohub: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a TOML or YAML config file")
	listen := flag.String("listen", "", "listen address (overrides server.listen)")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *listen)
	if err != nil {
		return err
	}

	logger := logging.New()
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord := shutdown.NewCoordinator(cfg.Shutdown, shutdown.WithLogger(logger))
	m := metrics.NewRegistry()

	tracer := telemetry.Noop()
	if cfg.Telemetry.Enabled {
		provider, err := telemetry.InitProvider(ctx, cfg.Telemetry.ProviderConfig(version))
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		tracer = provider.Tracer()
		coord.RegisterFunc("telemetry", shutdown.PhaseBackends, provider.Shutdown)
	}

	subjects := events.Subjects{Prefix: cfg.Bus.SubjectPrefix}
	busCfg := bus.Config{
		BufferSize: cfg.Bus.BufferSize,
		OnDrop:     func(subject string) { m.RecordBusDrop(subjects.Kind(subject)) },
	}

	b, store, err := openBackends(ctx, cfg, busCfg, coord)
	if err != nil {
		// Release whatever did open before the failure.
		_ = coord.ShutdownWithTimeout(0)
		return err
	}

	var publisher events.Publisher = events.NewBusPublisher(b, subjects)
	if cfg.Bus.PublishQueue > 0 {
		async := events.NewAsyncPublisher(publisher, cfg.Bus.PublishQueue, logger)
		coord.RegisterFunc("publisher", shutdown.PhaseWorkers, async.Close)
		publisher = async
	}

	svc, err := presence.New(store, conns.New(cfg.Server.Shards), publisher,
		presence.WithLogger(logger),
		presence.WithMetrics(m),
		presence.WithTracer(tracer),
	)
	if err != nil {
		return err
	}

	sup, err := liveness.New(svc, cfg.Liveness,
		liveness.WithLogger(logger),
		liveness.WithMetrics(m),
		liveness.WithTracer(tracer),
	)
	if err != nil {
		return err
	}
	coord.RegisterFunc("liveness", shutdown.PhaseWorkers, func(context.Context) error {
		if err := sup.Stop(); err != nil && !errors.Is(err, liveness.ErrNotStarted) {
			return err
		}
		return nil
	})

	hubCfg := hub.DefaultConfig()
	hubCfg.CheckOrigin = originChecker(cfg.Server.AllowedOrigins)
	h, err := hub.New(svc, b,
		hub.WithConfig(hubCfg),
		hub.WithSubjects(subjects),
		hub.WithLogger(logger),
		hub.WithMetrics(m),
		hub.WithRateLimiter(ratelimit.New(cfg.RateLimit.Nodes)),
	)
	if err != nil {
		return err
	}
	if err := h.Start(); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	coord.RegisterFunc("hub", shutdown.PhaseIngress, h.Close)

	apiServer, err := api.New(svc,
		api.WithAPIKey(cfg.Server.APIKey),
		api.WithMetrics(m),
		api.WithLogger(logger),
		api.WithSupervisor(sup),
		api.WithRateLimiter(ratelimit.New(cfg.RateLimit.API)),
	)
	if err != nil {
		return err
	}
	apiServer.Handle("/hubs/servers", h)
	apiServer.Handle("/hubs/servers/events", h.Events())

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}
	coord.RegisterFunc("http", shutdown.PhaseIngress, srv.Shutdown)

	logger.Info("echohub_started", map[string]interface{}{
		"version": version,
		"listen":  cfg.Server.Listen,
		"store":   cfg.Store.Backend,
		"bus":     cfg.Bus.Backend,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return coord.ShutdownWithTimeout(0)
	})
	return g.Wait()
}

// loadConfig reads path, or returns defaults when path is empty, and applies
// the -listen override.
func loadConfig(path, listen string) (*config.Config, error) {
	var cfg *config.Config
	if path == "" {
		def := config.DefaultConfig()
		cfg = &def
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openBackends connects the bus and the node store. A NATS connection is
// shared when the store and the bus point at the same server.
func openBackends(ctx context.Context, cfg *config.Config, busCfg bus.Config, coord *shutdown.Coordinator) (bus.MessageBus, nodestore.Store, error) {
	open := map[string]*nats.Conn{}
	natsConn := func(addr string) (*nats.Conn, error) {
		if nc, ok := open[addr]; ok {
			return nc, nil
		}
		nc, err := bus.Connect(natsConfig(cfg.Bus, busCfg, addr))
		if err != nil {
			return nil, fmt.Errorf("connect nats %s: %w", addr, err)
		}
		open[addr] = nc
		coord.RegisterFunc("nats", shutdown.PhaseBackends, func(context.Context) error {
			return nc.Drain()
		})
		return nc, nil
	}

	var b bus.MessageBus
	switch cfg.Bus.Backend {
	case config.BusNATS:
		nc, err := natsConn(cfg.Bus.URL)
		if err != nil {
			return nil, nil, err
		}
		b = bus.NewNATSBusFromConn(nc, natsConfig(cfg.Bus, busCfg, cfg.Bus.URL))
	default:
		b = bus.NewMemoryBus(busCfg)
	}
	coord.Register("bus", shutdown.PhaseBackends, shutdown.Closer(b))

	var store nodestore.Store
	switch cfg.Store.Backend {
	case config.StorePostgres:
		var opts []nodestore.PostgresOption
		if cfg.Store.Table != "" {
			opts = append(opts, nodestore.WithTableName(cfg.Store.Table))
		}
		s, err := nodestore.OpenPostgres(ctx, cfg.Store.DSN, opts...)
		if err != nil {
			return nil, nil, err
		}
		store = s
	case config.StoreMongo:
		var opts []nodestore.MongoOption
		if cfg.Store.Table != "" {
			opts = append(opts, nodestore.WithCollectionName(cfg.Store.Table))
		}
		s, err := nodestore.OpenMongo(ctx, cfg.Store.DSN, cfg.Store.Database, opts...)
		if err != nil {
			return nil, nil, err
		}
		store = s
	case config.StoreNATS:
		nc, err := natsConn(cfg.Store.NATSURL(cfg.Bus))
		if err != nil {
			return nil, nil, err
		}
		s, err := nodestore.NewNATSStore(ctx, nc, nodestore.NATSStoreConfig{
			BucketName: cfg.Store.Table,
			Replicas:   cfg.Store.Replicas,
		})
		if err != nil {
			return nil, nil, err
		}
		store = s
	default:
		store = nodestore.NewMemoryStore()
	}
	coord.Register("store", shutdown.PhaseBackends, shutdown.Closer(store))

	return b, store, nil
}

func natsConfig(c config.BusConfig, base bus.Config, addr string) bus.NATSConfig {
	cfg := bus.DefaultNATSConfig()
	cfg.URL = addr
	cfg.Name = c.ClientName
	cfg.OnDrop = base.OnDrop
	if base.BufferSize > 0 {
		cfg.BufferSize = base.BufferSize
	}
	return cfg
}

// originChecker admits browser handshakes from the allowed origins only.
// Requests without an Origin header come from non-browser nodes and pass.
// An empty list leaves the hub's default check in place.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if u, err := url.Parse(o); err == nil {
			set[strings.ToLower(u.Scheme+"://"+u.Host)] = true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}
