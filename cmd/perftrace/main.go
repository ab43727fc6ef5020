package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/dgraph-io/badger/v4"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/perftrace/perftrace/internal/httputil"
	"github.com/perftrace/perftrace/internal/logutil"
	"github.com/perftrace/perftrace/internal/storageprovider"
	"github.com/perftrace/perftrace/internal/storageutil"
)

type environment struct {
	config ServiceConfig

	traces storageutil.ObjectHandler

	badgerDB *badger.DB
	bucket   *storageprovider.Blob
}

var release string

func newEnvironment() (*environment, error) {
	config, err := loadConfig()
	if err != nil {
		return nil, err
	}
	e := environment{config: config}

	if config.BadgerPath != "" {
		db, err := badger.Open(badger.DefaultOptions(config.BadgerPath))
		if err != nil {
			return nil, err
		}
		e.badgerDB = db
		e.traces = &storageprovider.Badger{DB: db}
		return &e, nil
	}

	bucket, err := storageprovider.Open(context.Background(), config.TracesBucketURL)
	if err != nil {
		return nil, err
	}
	e.bucket = bucket
	e.traces = bucket
	return &e, nil
}

func (e *environment) shutdown() {
	if e.bucket != nil {
		if err := e.bucket.Close(); err != nil {
			sentry.CaptureException(err)
		}
	}
	if e.badgerDB != nil {
		if err := e.badgerDB.Close(); err != nil {
			sentry.CaptureException(err)
		}
	}
	sentry.Flush(5 * time.Second)
}

func (e *environment) newRouter() (*httprouter.Router, error) {
	compress, err := httpcompression.DefaultAdapter()
	if err != nil {
		return nil, err
	}

	routes := []struct {
		method  string
		path    string
		handler http.HandlerFunc
	}{
		{http.MethodGet, "/health", e.getHealth},
		{http.MethodPost, "/traces", e.postTrace},
		{http.MethodGet, "/traces/:trace_id", e.getTrace},
		{http.MethodGet, "/traces/:trace_id/flamegraph", e.getFlamegraph},
		{http.MethodGet, "/traces/:trace_id/compare/:after_id", e.getComparison},
		{http.MethodPost, "/metrics", e.postMetrics},
	}

	router := httprouter.New()

	for _, route := range routes {
		handlerFunc := httputil.DecompressPayload(route.handler)
		handler := compress(handlerFunc)

		router.Handler(route.method, route.path, handler)
	}

	return router, nil
}

func main() {
	level := zerolog.InfoLevel
	env, err := newEnvironment()
	if err != nil {
		logutil.ConfigureLogger(level)
		log.Fatal().Err(err).Msg("error setting up environment")
	}
	if env.config.Environment == "development" {
		level = zerolog.DebugLevel
	}
	logutil.ConfigureLogger(level)

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              env.config.SentryDSN,
		EnableTracing:    true,
		Environment:      env.config.Environment,
		Release:          release,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("can't initialize sentry")
	}

	router, err := env.newRouter()
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error setting up the router")
	}

	server := http.Server{
		Addr:    ":" + strconv.Itoa(env.config.Port),
		Handler: sentryhttp.New(sentryhttp.Options{}).Handle(router),
	}

	waitForShutdown := make(chan struct{})
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c

		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(cctx); err != nil {
			sentry.CaptureException(err)
			log.Err(err).Msg("error shutting down server")
		}

		close(waitForShutdown)
	}()

	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Err(err).Msg("server failed")
	}

	<-waitForShutdown

	// Shutdown the rest of the environment after the HTTP connections
	// are closed.
	env.shutdown()
}

func (e *environment) getHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
