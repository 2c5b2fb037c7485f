package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/aorc-composite-service/internal/adapter/blobstore"
	httpadapter "github.com/couchcryptid/aorc-composite-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/aorc-composite-service/internal/adapter/kafka"
	"github.com/couchcryptid/aorc-composite-service/internal/catalog"
	"github.com/couchcryptid/aorc-composite-service/internal/claim"
	"github.com/couchcryptid/aorc-composite-service/internal/config"
	"github.com/couchcryptid/aorc-composite-service/internal/domain"
	"github.com/couchcryptid/aorc-composite-service/internal/observability"
	"github.com/couchcryptid/aorc-composite-service/internal/provenance"
)

// app holds the components every command shares. It is built once per
// process from the environment.
type app struct {
	cfg     *config.Config
	grid    *config.Grid
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock
	store   *blobstore.Store
	catalog *catalog.Catalog
	mapper  *provenance.Mapper
	claims  *claim.Set
	writer  *kafkaadapter.Writer
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(cfg)

	g, err := config.LoadGrid(cfg.GridConfigPath)
	if err != nil {
		return nil, err
	}

	store, err := blobstore.Open(ctx, blobstore.Options{URL: cfg.StoreURL, AWSRegion: cfg.AWSRegion, S3Endpoint: cfg.S3Endpoint})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	cat, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	a := &app{
		cfg:     cfg,
		grid:    g,
		logger:  logger,
		metrics: observability.NewMetrics(),
		clock:   clockwork.NewRealClock(),
		store:   store,
		catalog: cat,
		mapper:  provenance.NewMapper(g.Regions, cfg.StoreURL, cfg.SourceBaseURL),
		claims:  claim.NewSet(),
	}
	if len(cfg.KafkaBrokers) > 0 {
		a.writer = kafkaadapter.NewWriter(cfg, logger)
		logger.Info("provenance publishing enabled", "topic", cfg.KafkaProvenanceTopic)
	}
	logger.Info("configuration loaded",
		"store", cfg.StoreURL,
		"catalog", cfg.CatalogPath,
		"regions", g.Regions.Len(),
		"grid", fmt.Sprintf("%dx%d", g.Reference.Rows, g.Reference.Cols),
	)
	return a, nil
}

// script returns the identity recorded on jobs run by the named script.
func (a *app) script(path string) (domain.ScriptIdentity, error) {
	id := a.cfg.ScriptIdentity(path, os.Args)
	if err := id.Validate(); err != nil {
		return id, fmt.Errorf("IMAGE_TAG, IMAGE_DIGEST and SOURCE_REVISION_URI must be set: %w", err)
	}
	return id, nil
}

func (a *app) recorder() *provenance.Recorder {
	opts := []provenance.RecorderOption{
		provenance.WithClock(a.clock),
		provenance.WithTimeBucket(a.cfg.RecordTimeBucket),
	}
	if a.writer != nil {
		opts = append(opts, provenance.WithPublisher(a.writer))
	}
	return provenance.NewRecorder(a.catalog, a.mapper, a.grid.Regions, a.metrics, a.logger, opts...)
}

// serve runs the health and metrics endpoint until the returned stop func is
// called.
func (a *app) serve(runs httpadapter.RunReporter) (stop func()) {
	ready := httpadapter.Readiness{a.catalog, a.store}
	srv := httpadapter.NewServer(a.cfg.HTTPAddr, ready, runs, a.logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Error("http server shutdown error", "error", err)
		}
	}
}

func (a *app) close() {
	if a.writer != nil {
		if err := a.writer.Close(); err != nil {
			a.logger.Error("kafka writer close error", "error", err)
		}
	}
	if err := a.catalog.Close(); err != nil {
		a.logger.Error("catalog close error", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("store close error", "error", err)
	}
	a.logger.Info("shutdown complete")
}

// signalContext is cancelled on SIGINT or SIGTERM. Runs stop scheduling new
// units and report what finished.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
