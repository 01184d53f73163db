package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/almasgold/ttbroker/params"
	"github.com/almasgold/ttbroker/pkg/api"
	"github.com/almasgold/ttbroker/pkg/bridge"
	"github.com/almasgold/ttbroker/pkg/engine"
	"github.com/almasgold/ttbroker/pkg/marketdata"
	"github.com/almasgold/ttbroker/pkg/session"
	"github.com/almasgold/ttbroker/pkg/store"
	"github.com/almasgold/ttbroker/pkg/util"
	"github.com/almasgold/ttbroker/pkg/webhook"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	// Setup logging (write to both console and file)
	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/broker.log"
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		sugar.Fatalw("store_open_failed", "path", cfg.Store.Path, "err", err)
	}
	defer st.Close()

	// ---- Venue bridge ----
	// PAPER_MODE=true skips the connector subprocess entirely: orders book
	// against the internal ledger only.
	paperMode := os.Getenv("PAPER_MODE") == "true"

	var venue engine.Venue
	var healthSrc api.HealthSource
	var md *marketdata.Service
	if !paperMode {
		br := bridge.New(cfg.MT5, sugar)
		md = marketdata.New(cfg.MarketData, br, []string{cfg.MT5.Symbol}, sugar)
		br.OnTick = md.Ingest // async price_update events land in the cache

		if err := br.Start(ctx); err != nil {
			sugar.Fatalw("bridge_start_failed", "cmd", cfg.MT5.BridgeCommand, "err", err)
		}
		defer br.Stop()
		if err := br.Connect(ctx); err != nil {
			sugar.Fatalw("bridge_connect_failed", "server", cfg.MT5.Server, "err", err)
		}
		venue = br
		healthSrc = br
		sugar.Infow("bridge_connected", "server", cfg.MT5.Server, "symbol", cfg.MT5.Symbol)

		go md.Run(ctx)
	} else {
		sugar.Info("paper mode enabled - venue bridge disabled")
	}

	// ---- Trading engine ----
	eng := engine.New(cfg.Trading, st, venue, cfg.MT5.Symbol, sugar)

	// ---- Conversational channel ----
	// The webhook only mounts when both a quote source and the messaging
	// vendor credentials are present.
	var whHandler http.Handler
	if md != nil && cfg.Vendor.AccountSID != "" {
		sessions := session.NewManager(util.RealClock{})
		handler := session.NewHandler(eng, md, cfg.MT5.Symbol, sugar)
		sender := webhook.NewTwilioSender(cfg.Vendor)
		whHandler = webhook.NewDispatcher(sessions, handler, st, sender, eng, sugar)

		// Sweep expired sessions and dedup records in the background.
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					sessions.Evict()
				}
			}
		}()
	} else {
		sugar.Info("messaging channel disabled")
	}

	// ---- API server ----
	srv := api.NewServer(cfg.Server, eng, st, md, healthSrc, whHandler, sugar)

	go func() {
		if err := srv.Start(); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("broker_started",
		"addr", cfg.Server.Addr,
		"paper_mode", paperMode,
		"symbol", cfg.MT5.Symbol)

	<-ctx.Done()
	sugar.Info("shutting down")
}
