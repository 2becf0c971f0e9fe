// Command caskd serves a caskdb store directory over RPC.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"net/http"

	"github.com/nullseed/caskdb/core"
	"github.com/nullseed/caskdb/rpcserve"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  caskd -path <data-dir> [-addr :1729] [-metrics-addr :9090]\n")
	os.Exit(1)
}

func main() {
	var (
		dbPath      = flag.String("path", "", "path to data directory")
		addr        = flag.String("addr", ":1729", "RPC listen address")
		metricsAddr = flag.String("metrics-addr", "", "optional Prometheus /metrics listen address")
		maxFileSize = flag.Uint64("max-active-file-size", 0, "override the active segment rollover threshold, in bytes")
	)
	flag.Parse()

	if *dbPath == "" {
		usage()
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() // nolint:errcheck
	sugar := log.Sugar()

	opts := []core.Option{core.WithLogger(sugar)}
	if *maxFileSize > 0 {
		opts = append(opts, core.WithMaxActiveFileSize(*maxFileSize))
	}

	var registry *prometheus.Registry
	if *metricsAddr != "" {
		registry = prometheus.NewRegistry()
		opts = append(opts, core.WithMetricsRegisterer(registry))
	}

	h, err := core.Open(*dbPath, opts...)
	if err != nil {
		sugar.Fatalw("open store", "error", err)
	}

	if registry != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				sugar.Errorw("metrics server stopped", "error", err)
			}
		}()
		sugar.Infow("metrics server listening", "addr", *metricsAddr)
	}

	srv, err := rpcserve.Listen(h, *addr, sugar)
	if err != nil {
		sugar.Fatalw("start RPC server", "error", err)
	}
	sugar.Infow("RPC server listening", "addr", srv.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	sugar.Infow("shutting down", "signal", sig.String())

	if err := srv.Close(); err != nil {
		sugar.Errorw("shutdown", "error", err)
	}
}
