package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"tripcast/internal/api"
	"tripcast/internal/channel"
	"tripcast/internal/config"
	"tripcast/internal/db"
	"tripcast/internal/eta"
	"tripcast/internal/logging"
	"tripcast/internal/metrics"
	"tripcast/internal/publisher"
	"tripcast/internal/reclaim"
	"tripcast/internal/route"
	"tripcast/internal/routing"
	"tripcast/internal/sim"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logging.Init(cfg.LogLevel)

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.SpeedMps, cfg.TickInterval)
		msrv := mcol.Serve(cfg.MetricsAddr)
		defer shutdown(msrv)
	}

	// Persistence is optional
	var store *db.DB
	if cfg.DatabaseURL != "" {
		store, err = db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open error: %v", err)
		}
		defer store.Close()
		if err := db.Ping(ctx, store); err != nil {
			log.Fatalf("db ping error: %v", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			log.Fatalf("db schema error: %v", err)
		}
	}

	catalog, err := loadCatalog(ctx, cfg, store)
	if err != nil {
		log.Fatalf("catalog error: %v", err)
	}
	slog.Info("catalog loaded", "routes", len(catalog.Routes()), "trips", len(catalog.Plans()))

	board := eta.NewBoard()
	reg := channel.NewRegistry(channel.Options{
		CompletedGrace: cfg.CompletedGrace,
		Metrics:        mcol,
		StopCount:      catalog.StopCount,
		OnEvict:        board.Delete,
	})

	var journal reclaim.Journal
	recorderDone := make(chan struct{})
	if store != nil {
		rec := db.NewRecorder(store, db.DefaultQueueSize, mcol)
		reg.AddSink(rec)
		journal = rec
		go func() {
			defer close(recorderDone)
			rec.Run(ctx)
		}()
	} else {
		close(recorderDone)
	}

	var etaPub api.ETAPublisher
	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer pub.Close()
		reg.AddSink(pub)
		etaPub = pub
	}

	// Road routing when an OSRM endpoint is configured, straight lines otherwise
	var oracle routing.Oracle = routing.Estimate{SpeedMps: cfg.SpeedMps}
	var resolver routing.PathResolver
	if cfg.RoutingURL != "" {
		osrm := routing.NewOSRM(cfg.RoutingURL, "", &http.Client{Timeout: cfg.RoutingTimeout})
		oracle = osrm
		resolver = osrm
	}

	simCfg := sim.Config{
		SpeedMps:         cfg.SpeedMps,
		CheckpointRadius: cfg.CheckpointRadius,
		ArrivalThreshold: cfg.ArrivalThreshold,
		Loop:             cfg.Loop,
	}
	mgr := sim.NewManager(catalog, reg, sim.Options{
		TickInterval: cfg.TickInterval,
		PathTimeout:  cfg.RoutingTimeout,
		Sim:          simCfg,
		Resolver:     resolver,
		Board:        board,
		Metrics:      mcol,
	})

	agg := eta.NewAggregator(oracle, eta.Options{
		Dwell:       cfg.Dwell,
		LegTimeout:  cfg.ETALegTimeout,
		Concurrency: cfg.ETAConcurrency,
		Metrics:     mcol,
	})

	srv := api.New(api.Options{
		Registry:    reg,
		Catalog:     catalog,
		Simulations: mgr,
		Aggregator:  agg,
		Board:       board,
		Reclaimer:   reclaim.New(reg, cfg.StaleAfter, journal, mcol),
		ETAPub:      etaPub,
		DB:          store,
		Location:    cfg.Location,
		CORSOrigins: cfg.CORSOrigins,
	})

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("http listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	// Block until context cancelled
	<-ctx.Done()
	shutdown(httpSrv)
	mgr.Stop()
	<-recorderDone
	log.Println("shutdown complete")
}

// loadCatalog reads ROUTES_FILE and/or the database. A file wins and is
// written through to the database so later starts can run without it.
func loadCatalog(ctx context.Context, cfg *config.Config, store *db.DB) (*route.Catalog, error) {
	if cfg.RoutesFile != "" {
		cat, err := route.LoadFile(cfg.RoutesFile)
		if err != nil {
			return nil, err
		}
		if store != nil {
			if err := db.SaveCatalog(ctx, store, cat); err != nil {
				return nil, err
			}
		}
		return cat, nil
	}
	if store != nil {
		return db.FetchCatalog(ctx, store)
	}
	slog.Warn("no ROUTES_FILE or DATABASE_URL, starting with an empty catalog")
	return route.NewCatalog(), nil
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
