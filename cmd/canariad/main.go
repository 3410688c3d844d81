// Command canariad runs the Canaria earthquake bulletin aggregator: it
// connects to upstream feeds, accepts authenticated poller submissions,
// stores and fans out signed events, and serves the admin/HTTP surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/canaria-net/canaria/internal/admin"
	"github.com/canaria-net/canaria/internal/app"
	"github.com/canaria-net/canaria/internal/feeds"
	"github.com/canaria-net/canaria/internal/hub"
	"github.com/canaria-net/canaria/internal/httpapi"
	"github.com/canaria-net/canaria/internal/ingest"
	"github.com/canaria-net/canaria/internal/store"
	"github.com/canaria-net/canaria/pkg/blob"
	"github.com/canaria-net/canaria/pkg/config"
	"github.com/canaria-net/canaria/pkg/logger"
	"github.com/canaria-net/canaria/pkg/metrics"
	"github.com/canaria-net/canaria/pkg/ratelimit"
	"github.com/canaria-net/canaria/pkg/signer"
)

func main() {
	ctx := context.Background()

	log := logger.New(logger.Config{
		Level:  envOr("LOG_LEVEL", "info"),
		Format: envOr("LOG_FORMAT", "text"),
		Output: envOr("LOG_OUTPUT", "stdout"),
	}, "canariad")

	dbPath := envOr("DB_PATH", "canaria.sqlite")
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer st.Close()

	cfgManager, err := config.NewManager(ctx, st)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	sg, err := signer.New()
	if err != nil {
		log.WithError(err).Fatal("init signer")
	}

	limiter := ratelimit.New(st, cfgManager, nil)
	m := metrics.New(st)
	h := hub.New(m.SetWebSocketClients)
	sink := newBlobSink(log)
	ig := ingest.New(st, sg, h, sink, m, log)

	messages := make(chan feeds.Message, 256)
	connectors := buildConnectors(log, messages)

	connectorMap := make(map[string]admin.Connector, len(connectors))
	for _, c := range connectors {
		connectorMap[c.Name()] = c
	}
	ad := admin.New(st, ig, connectorMap, limiter, m, cfgManager)

	application := app.New(log, cfgManager, m, limiter, h, ig, connectors, messages)
	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatal("start application")
	}

	srv := httpapi.New(envOr("LISTEN_ADDR", ":8080"), httpapi.Deps{
		Store:   st,
		Config:  cfgManager,
		Limiter: limiter,
		Metrics: m,
		Hub:     h,
		Ingest:  ig,
		Admin:   ad,
		Log:     log,
	})

	go func() {
		log.WithField("addr", srv.Addr()).Info("http server listening")
		if err := srv.Start(); err != nil {
			log.WithError(err).Fatal("http server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application shutdown")
	}
}

// buildConnectors wires one feeds.Connector per upstream source, all
// sharing the same output channel.
func buildConnectors(log *logger.Logger, messages chan feeds.Message) []*feeds.Connector {
	var connectors []*feeds.Connector

	if wsURL := strings.TrimSpace(os.Getenv("JMA_WS_URL")); wsURL != "" {
		connectors = append(connectors, feeds.New(feeds.Config{
			Name:       "jma",
			WSURL:      wsURL,
			HistoryURL: strings.TrimSpace(os.Getenv("JMA_HISTORY_URL")),
			Normalizer: feeds.NewJMANormalizer(),
		}, log, messages))
	}

	if wsURL := strings.TrimSpace(os.Getenv("P2P_WS_URL")); wsURL != "" {
		connectors = append(connectors, feeds.New(feeds.Config{
			Name:       "p2pquake",
			WSURL:      wsURL,
			HistoryURL: strings.TrimSpace(os.Getenv("P2P_HISTORY_URL")),
			Normalizer: feeds.NewP2PNormalizer(),
		}, log, messages))
	}

	return connectors
}

func newBlobSink(log *logger.Logger) blob.Sink {
	if baseURL := strings.TrimSpace(os.Getenv("BLOB_BASE_URL")); baseURL != "" {
		return blob.NewHTTPSink(baseURL, strings.TrimSpace(os.Getenv("BLOB_SERVICE_ROLE_KEY")))
	}
	dir := envOr("BLOB_DIR", "./backups")
	log.WithField("dir", dir).Info("no BLOB_BASE_URL set, using local filesystem backup sink")
	return blob.NewFileSink(dir)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
