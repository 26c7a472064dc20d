// Command reverseitd is a demo host binary: it loads a single mount
// description from a YAML file and serves it, showing how an embedding
// application wires config, pool, metrics, logging and the dispatcher
// together. Production embedders are expected to call the reverseit
// packages directly rather than run this binary.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"reverseit/config"
	"reverseit/internal/logging"
	"reverseit/internal/metrics"
	"reverseit/proxy"
)

func main() {
	configFile := flag.String("f", "reverseit.yaml", "path to the mount configuration file")
	addr := flag.String("addr", ":8080", "listen address")
	prefix := flag.String("prefix", "/", "path prefix to mount the proxy under")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	hotReload := flag.Bool("hot-reload", false, "watch the configuration file for changes and reload the mount")
	flag.Parse()

	if _, err := os.Stat(*configFile); os.IsNotExist(err) {
		log.Fatalf("configuration file not found: %s", *configFile)
	}

	logger := logging.New(*logLevel)

	cfg, err := config.LoadYAML(*configFile)
	if err != nil {
		log.Fatalf("loading %s: %v", *configFile, err)
	}

	registry := metrics.NewRegistry("reverseit", nil)

	mount := &mountSwap{}
	mount.store(proxy.New(cfg, proxy.WithLogger(logger), proxy.WithMetrics(registry)))

	if *hotReload {
		stop := make(chan struct{})
		go config.Watch(*configFile, 5*time.Second, func(newCfg *config.Config) {
			logger.Info("configuration changed, reloading mount", slog.String("file", *configFile))
			old := mount.load()
			mount.store(proxy.New(newCfg, proxy.WithLogger(logger), proxy.WithMetrics(registry)))
			old.Close()
		}, stop)
	}

	mux := http.NewServeMux()
	mux.Handle(*prefix, mount)
	mux.Handle("/metrics", registry.Handler())

	server := &http.Server{Addr: *addr, Handler: mux}

	idleConnsClosed := make(chan struct{})
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server gracefully")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("server forced to shutdown", slog.String("error", err.Error()))
		} else {
			logger.Info("server shut down gracefully")
		}
		close(idleConnsClosed)
	}()

	logger.Info("reverseit is ready", slog.String("addr", *addr), slog.String("backend", cfg.Scheme+"://"+cfg.Host))

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed to start", slog.String("error", err.Error()))
		log.Fatal(err)
	}

	<-idleConnsClosed
	logger.Info("all connections closed, exiting")
}

// mountSwap lets the hot-reload watcher swap in a freshly built *proxy.Proxy
// without interrupting in-flight requests against the old one.
type mountSwap struct {
	current atomic.Value
}

func (m *mountSwap) store(p *proxy.Proxy) { m.current.Store(p) }
func (m *mountSwap) load() *proxy.Proxy   { return m.current.Load().(*proxy.Proxy) }

func (m *mountSwap) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.load().ServeHTTP(w, r)
}
