// Package main implements the HashPass coordination server.
//
// HashPass dispenses single-use invite codes to browser miners that
// solve a memory-hard Argon2d proof-of-work puzzle. The server owns the
// puzzle state machine (exactly one winner per puzzle), the IP-bound
// session layer gating access, the closed-loop difficulty controller,
// and the real-time WebSocket fan-out of puzzle and network-hashrate
// events. CAPTCHA admission, webhook notifications, and the audit log
// sit at the edges.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"hashpass/config"
	"hashpass/logger"
	"hashpass/pow"
)

var configPath string

func main() {
	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.Set(logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Quiet:   cfg.Logging.Quiet,
		Verbose: cfg.Logging.Verbose,
		Output:  os.Stderr,
	}))

	if cfg.HMACSecret == "" {
		cfg.HMACSecret = newHMACSecret()
		logger.Warn("no HMAC secret configured, generated an ephemeral one; invite codes will not survive a restart")
	}

	turnstile := NewTurnstileVerifier(cfg.Turnstile.SiteKey, cfg.Turnstile.SecretKey, cfg.Turnstile.TestMode)
	if !turnstile.Configured() {
		logger.Error("turnstile keys missing; set TURNSTILE_SECRET_KEY or enable TURNSTILE_TEST_MODE")
		os.Exit(1)
	}
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set, admin endpoints disabled")
	}

	pool := pow.NewPool(cfg.VerifyWorkers)
	defer pool.Close()
	logger.Info("verification pool started", "workers", pool.Size())

	audit := NewAuditLog(cfg.Files.AuditLog)
	blacklist := NewBlacklist(cfg.Files.Blacklist)
	sessions := NewSessionStore(cfg.SessionExpiry, cfg.SessionAbsoluteTTL)
	webhook := NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Token)
	hub := NewHub()

	engine := NewEngine(cfg, pool, hub, audit, webhook)

	// Disconnects stop the mining timer and start the session expiry
	// clock; the session itself survives for reconnects.
	hub.SetDisconnectHandler(func(c *Client) {
		engine.MiningStop(c)
		sessions.MarkDisconnected(c)
	})

	server := NewServer(cfg, engine, hub, sessions, blacklist, turnstile, audit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Hot reload covers the knobs that are safe to change at runtime.
	err = config.Watch(ctx, configPath, func(newCfg *config.Config) {
		logger.Set(logger.New(logger.Config{
			Level:   newCfg.Logging.Level,
			Format:  newCfg.Logging.Format,
			Quiet:   newCfg.Logging.Quiet,
			Verbose: newCfg.Logging.Verbose,
			Output:  os.Stderr,
		}))
		engine.SetTargetTime(newCfg.TargetTime)
		engine.SetTargetTimeout(newCfg.TargetTimeout)
		engine.SetMaxNonceSpeed(newCfg.MaxNonceSpeed)
		engine.SetWorkerCount(newCfg.WorkerCount)
	}, logger.Get())
	if err != nil {
		logger.Warn("config watcher not started", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sessions.Run(ctx)
		return nil
	})
	g.Go(func() error {
		hub.RunAggregator(ctx)
		return nil
	})
	g.Go(func() error {
		engine.RunTimeoutWatcher(ctx)
		return nil
	})
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("hashpass server started",
		"port", cfg.Port,
		"difficulty", cfg.Difficulty,
		"target_time", cfg.TargetTime,
		"turnstile_test_mode", turnstile.TestMode())

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
