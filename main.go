// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ripplechat/ripple/internal/config"
	"github.com/ripplechat/ripple/internal/hub"
	"github.com/ripplechat/ripple/internal/presence"
	"github.com/ripplechat/ripple/internal/storage"
)

var (
	cfgPath  = flag.String("config", "ripple.json", "Path to config file")
	bindAddr = flag.String("bind", "", "Override listen address (host:port)")
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("ripple-relay v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := storage.Open(cfg.Paths.DataDir)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer db.Close()

	dispatcher := hub.NewDispatcher()
	registry := presence.NewRegistry(db, db, dispatcher, presence.Thresholds{
		RecentlyActiveAfter: cfg.Presence.RecentlyActiveAfter(),
		AwayAfter:           cfg.Presence.AwayAfter(),
		OfflineGrace:        cfg.Presence.OfflineGrace(),
	})
	server := hub.NewServer(dispatcher, registry, db)

	stopSweep := registry.Run(cfg.Presence.SweepInterval())
	defer stopSweep()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Live reload of tunables; the sweep interval itself stays fixed for
	// the process lifetime.
	go func() {
		err := config.Watch(ctx, *cfgPath, func(next config.Config) {
			registry.SetThresholds(presence.Thresholds{
				RecentlyActiveAfter: next.Presence.RecentlyActiveAfter(),
				AwayAfter:           next.Presence.AwayAfter(),
				OfflineGrace:        next.Presence.OfflineGrace(),
			})
		})
		if err != nil {
			log.Printf("CONFIG: watcher failed: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws", server)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Bind, cfg.Server.Port)
	if *bindAddr != "" {
		addr = *bindAddr
	}
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("RELAY: listening on %s", addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Relay failed: %v", err)
	}

	// One last sweep so statuses persisted at shutdown reflect the drain.
	registry.Sweep()
}

func showUsage() {
	fmt.Println("ripple-relay - realtime presence and call-signaling relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  ripple-relay [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}
