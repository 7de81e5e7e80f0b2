package cmd

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/herve-wq/mvpwakascribe/internal/audio"
	"github.com/herve-wq/mvpwakascribe/internal/decode"
	"github.com/herve-wq/mvpwakascribe/internal/events"
	"github.com/herve-wq/mvpwakascribe/internal/hostapi"
	"github.com/herve-wq/mvpwakascribe/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon: WebSocket RPC, event bus, metrics",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	bus, err := events.NewEmbedded(cfg.Server.BusPort)
	if err != nil {
		return err
	}
	defer bus.Close()

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	tracer, err := telemetry.NewTracer()
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := tracer.Shutdown(ctx); err != nil {
			log.Printf("WARN: tracer shutdown: %v", err)
		}
	}()

	eng, err := buildEngine(cfg, bus, metrics, tracer)
	if err != nil {
		return err
	}

	capture, err := audio.NewCapture()
	if err != nil {
		return err
	}
	defer capture.Close()

	server, err := hostapi.New(eng, capture, bus, mustDecodeConfig())
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", server.Handler())

	httpServer := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}
	go func() {
		log.Printf("Listening on ws://%s/ws (backend: %s)", cfg.Server.ListenAddr, eng.ActiveBackend())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("ERROR: http server: %v", err)
		}
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		metricsServer = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: promhttp.Handler()}
		go func() {
			log.Printf("Metrics on http://%s/metrics", cfg.Server.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("ERROR: metrics server: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("WARN: http shutdown: %v", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Printf("WARN: metrics shutdown: %v", err)
		}
	}
	return nil
}

// mustDecodeConfig converts the already-validated config defaults.
func mustDecodeConfig() decode.Config {
	c, err := cfg.DecodeConfig()
	if err != nil {
		// Validate ran in PersistentPreRunE; this cannot fail here.
		panic(err)
	}
	return c
}
