package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"filewatch/internal/config"
	"filewatch/internal/lint"
	"filewatch/internal/logging"
	"filewatch/internal/metrics"
	"filewatch/internal/remote"
	"filewatch/internal/version"
	"filewatch/internal/watcher"

	"github.com/hashicorp/go-multierror"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	httpServerShutdownTimeout = 5 * time.Second
	readHeaderTimeout         = 5 * time.Second
)

func newLogger(level logging.Level, output io.Writer) *logging.Logger {
	handler := tint.NewHandler(output, &tint.Options{
		Level:      level.SlogLevel(),
		TimeFormat: time.Kitchen,
	})
	return logging.NewLoggerWithHandler(nil, level, handler)
}

// service is the assembled watcher, hub and HTTP surface.
type service struct {
	logger   *logging.Logger
	registry *metrics.Registry
	watcher  *watcher.Watcher
	hub      *remote.Hub
	handler  http.Handler
}

func newService(settings config.Settings, logger *logging.Logger) (*service, error) {
	registry := metrics.NewRegistry()
	hub := remote.NewHub(remote.Options{
		Logger:         logger,
		AllowedOrigins: settings.Remote.AllowedOrigins,
		RateLimit:      rate.Limit(settings.Remote.RateLimit),
		Burst:          settings.Remote.Burst,
		WriteTimeout:   settings.Remote.WriteTimeout,
		DeliverTimeout: settings.Remote.DeliverTimeout,
	})
	instance, err := watcher.New(watcher.Options{
		Mode:       settings.Mode(),
		Interval:   settings.Interval,
		MaxWatches: settings.MaxWatches,
		Logger:     logger,
		Metrics:    registry,
		Validator:  lint.New(),
		Transport:  hub,
	})
	if err != nil {
		return nil, err
	}
	hub.Bind(instance)

	return &service{
		logger:   logger,
		registry: registry,
		watcher:  instance,
		hub:      hub,
		handler:  newMux(hub, registry),
	}, nil
}

func newMux(hub *remote.Hub, registry *metrics.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = registry.WritePrometheus(w)
	})
	return mux
}

// watchPaths subscribes a logging callback to every path. Paths that cannot
// be watched are reported and skipped.
func (s *service) watchPaths(paths []string) int {
	announce := watcher.Callback(func(path string) {
		s.logger.Info("file changed", map[string]string{"path": path})
	})
	watched := 0
	for _, path := range paths {
		if _, err := s.watcher.AddWatch(path, announce); err != nil {
			s.logger.Warn("cannot watch file", map[string]string{
				"path":  path,
				"error": err.Error(),
			})
			continue
		}
		watched++
	}
	return watched
}

func (s *service) Close() error {
	var result *multierror.Error
	if err := s.hub.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.watcher.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func run(ctx context.Context, settings config.Settings, output io.Writer) error {
	logger := newLogger(settings.Level(), output)
	svc, err := newService(settings, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("shutdown failed", map[string]string{"error": err.Error()})
		}
	}()

	watched := svc.watchPaths(settings.Paths)
	logger.Info("filewatch started", map[string]string{
		"mode":    string(svc.watcher.Mode()),
		"watched": strconv.Itoa(watched),
		"listen":  settings.Listen,
		"version": version.Get().Version,
	})

	runner := &ServerRunner{Logger: logger, ShutdownTimeout: httpServerShutdownTimeout}
	if settings.Listen == "" {
		<-ctx.Done()
		return nil
	}
	listener, err := net.Listen("tcp", settings.Listen)
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:           svc.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	serverErr := runner.Run(ctx, ManagedServer{
		Name:     "http",
		Serve:    func() error { return server.Serve(listener) },
		Shutdown: server.Shutdown,
	})
	if serverErr != nil && !errors.Is(serverErr.err, http.ErrServerClosed) {
		return serverErr.err
	}
	return nil
}
