// Package devflow wires the server together: storage, plugin discovery,
// the runtime dispatchers, the workflow engine and the MCP transport.
package devflow

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devflow/devflow/config"
	"github.com/devflow/devflow/discovery"
	"github.com/devflow/devflow/domain"
	"github.com/devflow/devflow/engine"
	"github.com/devflow/devflow/eventbus"
	"github.com/devflow/devflow/httpserver"
	"github.com/devflow/devflow/mcp"
	"github.com/devflow/devflow/metrics"
	"github.com/devflow/devflow/resolver"
	"github.com/devflow/devflow/runner"
	"github.com/devflow/devflow/store"
)

// shutdownGrace bounds how long in-flight work may finish during shutdown.
const shutdownGrace = 10 * time.Second

// Host owns every long-lived component of the server.
type Host struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	store      *store.Store
	nats       *eventbus.NATSPublisher
	syncer     *discovery.Syncer
	watcher    *discovery.Watcher
	runner     *runner.Dispatcher
	engine     *engine.Engine
	dispatcher *mcp.Dispatcher
	http       *httpserver.Server
}

// catalogAdapter narrows the plugin store to what the dependency resolver
// needs.
type catalogAdapter struct {
	plugins *store.PluginStore
}

func (c catalogAdapter) PluginsNamed(ctx context.Context, name string) ([]*domain.Plugin, error) {
	return c.plugins.List(ctx, store.PluginFilter{Name: name})
}

// NewHost builds the component graph from configuration. Nothing starts
// running until Run.
func NewHost(cfg *config.Config, logger *slog.Logger) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{cfg: cfg, logger: logger}
	if cfg.Metrics.Enabled {
		h.metrics = metrics.New()
	}

	bus := eventbus.NewBus()
	publisher := eventbus.Publisher(bus)
	if cfg.Nats.URL != "" {
		natsPub, err := eventbus.ConnectNATS(cfg.Nats.URL, mcp.ServerName)
		if err != nil {
			return nil, err
		}
		h.nats = natsPub
		publisher = eventbus.Multi{bus, natsPub}
	}

	st, err := store.Open(cfg.ConnectionString, publisher, logger)
	if err != nil {
		h.closePartial()
		return nil, err
	}
	h.store = st

	// The standard schemes always get a client; without a configured base URL
	// it resolves from the local cache only.
	registries := make(map[string]*resolver.RegistryClient, len(cfg.Registries)+3)
	for _, lang := range []domain.Language{domain.LanguageGo, domain.LanguageNode, domain.LanguagePython} {
		scheme := lang.RegistryScheme()
		registries[scheme] = resolver.NewRegistryClient(scheme, cfg.Registries[scheme], cfg.Plugins.RegistryCachePath,
			resolver.WithMetrics(h.metrics))
	}
	for scheme, baseURL := range cfg.Registries {
		if _, ok := registries[scheme]; ok {
			continue
		}
		registries[scheme] = resolver.NewRegistryClient(scheme, baseURL, cfg.Plugins.RegistryCachePath,
			resolver.WithMetrics(h.metrics))
	}
	deps := resolver.NewResolver(registries, catalogAdapter{plugins: st.Plugins}, logger)

	limits := runner.Limits{
		Timeout:     cfg.ExecutionTimeout(),
		MaxMemoryMB: cfg.Plugins.MaxMemoryMb,
	}
	h.runner = runner.NewDispatcher([]runner.Manager{
		runner.NewGoManager(limits, logger),
		runner.NewNodeManager(limits, logger),
		runner.NewPythonManager(limits, logger),
	}, deps, limits, logger)

	scanner := discovery.NewScanner(cfg.Plugins.PluginDirectories, logger)
	h.syncer = discovery.NewSyncer(scanner, st.Plugins, h.runner, logger)
	if cfg.Plugins.EnableHotReload {
		h.watcher = discovery.NewWatcher(cfg.Plugins.PluginDirectories, time.Second, func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.ScanInterval())
			defer cancel()
			if _, err := h.syncer.Sync(ctx); err != nil {
				logger.Warn("hot-reload sync failed", "error", err)
			}
		}, logger)
	}

	h.engine = engine.New(st.Workflows, st.Plugins, h.runner, logger,
		engine.WithMetrics(h.metrics))

	h.dispatcher = mcp.NewDispatcher(st, h.runner, h.engine, h.syncer, logger,
		mcp.WithMetrics(h.metrics))

	if cfg.McpServer.EnableHttp {
		var opts []httpserver.Option
		if h.metrics != nil {
			opts = append(opts, httpserver.WithMetrics(h.metrics))
		}
		h.http = httpserver.New(cfg.McpServer.HttpPort, h.dispatcher, st, logger, opts...)
	}
	return h, nil
}

// Dispatcher exposes the MCP dispatcher, mainly for embedding and tests.
func (h *Host) Dispatcher() *mcp.Dispatcher { return h.dispatcher }

// Store exposes the backing store, mainly for tests.
func (h *Host) Store() *store.Store { return h.store }

// Run starts the host and blocks until the context is cancelled or a
// component fails. Shutdown is handled internally before returning.
func (h *Host) Run(ctx context.Context) error {
	if err := h.runner.Initialize(ctx); err != nil {
		h.closePartial()
		return err
	}

	syncCtx, cancelSync := context.WithTimeout(ctx, 2*time.Minute)
	report, err := h.syncer.Sync(syncCtx)
	cancelSync()
	if err != nil {
		h.logger.Error("initial plugin sync failed", "error", err)
	} else {
		h.logger.Info("initial plugin sync",
			"discovered", report.Discovered, "registered", report.Registered, "failed", report.Failed)
	}

	if h.watcher != nil {
		if err := h.watcher.Start(); err != nil {
			h.logger.Warn("plugin watcher unavailable", "error", err)
			h.watcher = nil
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if h.http != nil {
		group.Go(h.http.ListenAndServe)
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return h.http.Shutdown(shutdownCtx)
		})
	} else {
		group.Go(func() error {
			<-groupCtx.Done()
			return nil
		})
	}

	err = group.Wait()
	h.shutdown()
	return err
}

// shutdown stops background work and releases resources in reverse
// dependency order.
func (h *Host) shutdown() {
	if h.watcher != nil {
		h.watcher.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := h.engine.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("engine shutdown incomplete", "error", err)
	}
	if err := h.runner.Dispose(); err != nil {
		h.logger.Warn("runtime dispose failed", "error", err)
	}
	h.closePartial()
	h.logger.Info("host stopped")
}

// closePartial releases whatever was built so far; safe on a half-built
// host.
func (h *Host) closePartial() {
	if h.store != nil {
		if err := h.store.Close(); err != nil {
			h.logger.Warn("store close failed", "error", err)
		}
		h.store = nil
	}
	if h.nats != nil {
		h.nats.Close()
		h.nats = nil
	}
}
