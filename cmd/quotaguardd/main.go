// Command quotaguardd is the minimal host bootstrap for embedding
// quotaguard inside a process: it wires a durable Store, a Manager, and
// (optionally) a Prometheus /metrics endpoint. It is not a CLI or a
// dashboard — those surfaces are explicitly out of scope; this binary
// exists only to prove the wiring a real host would do at startup.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quotaguard/quotaguard/clock"
	"github.com/quotaguard/quotaguard/config"
	"github.com/quotaguard/quotaguard/manager"
	"github.com/quotaguard/quotaguard/store"
)

func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		log.Printf("quotaguardd: using in-memory store (no restart durability)")
		return store.NewMemoryStore(), nil
	case "postgres":
		log.Printf("quotaguardd: connecting to postgres store")
		return store.NewPostgresStore(context.Background(), cfg.StoreDSN)
	default:
		log.Printf("✅ opening sqlite store at %s (WAL mode)", cfg.StoreDSN)
		return store.NewSQLiteStore(cfg.StoreDSN)
	}
}

func runRetentionSweeper(ctx context.Context, s store.Store, cfg config.Config, clk clock.Clock) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := clk.Now()
			if n, err := s.PruneWindows(ctx, now.Add(-cfg.WindowRetention)); err != nil {
				log.Printf("quotaguardd: prune windows failed: %v", err)
			} else if n > 0 {
				log.Printf("quotaguardd: pruned %d stale windows", n)
			}
			if n, err := s.PruneQueueEntries(ctx, now.Add(-cfg.QueueRetention)); err != nil {
				log.Printf("quotaguardd: prune queue entries failed: %v", err)
			} else if n > 0 {
				log.Printf("quotaguardd: pruned %d terminal queue entries", n)
			}
			if n, err := s.PruneEvents(ctx, now.Add(-cfg.EventRetention)); err != nil {
				log.Printf("quotaguardd: prune events failed: %v", err)
			} else if n > 0 {
				log.Printf("quotaguardd: pruned %d old events", n)
			}
			if n, err := s.PrunePatterns(ctx, cfg.PatternMinConfidence, now.Add(-cfg.PatternRetention)); err != nil {
				log.Printf("quotaguardd: prune patterns failed: %v", err)
			} else if n > 0 {
				log.Printf("quotaguardd: pruned %d low-confidence patterns", n)
			}
		}
	}
}

func main() {
	cfg := config.FromEnv()

	s, err := openStore(cfg)
	if err != nil {
		log.Fatalf("quotaguardd: failed to open store: %v", err)
	}
	defer s.Close()

	clk := clock.Real{}
	mgr := manager.New(s, clk, cfg)
	_ = mgr // constructed here for the host process to wire into its request path

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runRetentionSweeper(ctx, s, cfg, clk)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Printf("✅ quotaguardd metrics listening on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("quotaguardd: metrics server error: %v", err)
			}
		}()
		defer srv.Close()
	}

	log.Printf("quotaguardd: store=%s drain-bound=%d drain-rate=%.1f/s", cfg.StoreDriver, cfg.DrainBound, cfg.DrainRatePerSecond)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("quotaguardd: shutting down")
}
