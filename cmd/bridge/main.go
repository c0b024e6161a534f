// Command bridge runs the CDP multiplexing bridge: it owns the P_CDP and
// P_NATIVE listeners, dials out to the Agent and to the browser's CDP
// endpoint, and routes every message between them. Wiring and shutdown
// are grounded on the teacher's session_manager.go waitForShutdown/
// shutdown pair (packages/infra/browser-container) and
// cmd/cdp-proxy/main.go's Start/Stop sequencing.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MadAppGang/brop-sub002/internal/agentlink"
	"github.com/MadAppGang/brop-sub002/internal/bridgelog"
	"github.com/MadAppGang/brop-sub002/internal/browserlink"
	"github.com/MadAppGang/brop-sub002/internal/config"
	"github.com/MadAppGang/brop-sub002/internal/correlator"
	"github.com/MadAppGang/brop-sub002/internal/metrics"
	"github.com/MadAppGang/brop-sub002/internal/registry"
	"github.com/MadAppGang/brop-sub002/internal/router"
	"github.com/MadAppGang/brop-sub002/internal/server"
	"github.com/MadAppGang/brop-sub002/internal/wakeup"
)

func main() {
	cfg := config.FromEnv()

	stdlog := log.New(os.Stdout, "", log.LstdFlags)
	logger := bridgelog.New(stdlog, bridgelog.NewRing(cfg.RingCapacity), cfg.StructuredLogging)

	reg := registry.New()
	corr := correlator.New()
	mx := metrics.New()
	rt := router.New(reg, corr, logger, mx)

	agentURL := "ws://" + hostPort("127.0.0.1", cfg.AgentPort) + "/"
	agent := agentlink.New(agentlink.Config{
		URL:          agentURL,
		PingInterval: cfg.AgentPingInterval,
		PongTimeout:  cfg.AgentPongTimeout,
		BackoffBase:  cfg.AgentBackoffBase,
		BackoffCap:   cfg.AgentBackoffCap,
		MaxAttempts:  cfg.AgentBackoffMaxAttp,
	}, logger, rt)

	browser := browserlink.New(browserlink.Config{
		HTTPAddr:      cfg.ChromeAddr,
		RetryInterval: cfg.BrowserRetryInterval,
	}, logger, rt)

	rt.SetLinks(agent, browser)

	wake := wakeup.New(cfg.RedisAddr, cfg.RedisPassword, cfg.WakeupChannel, cfg.WakeupKey, logger)
	wake.Register(agent)
	wake.Register(browser)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go agent.Run()
	go browser.Run()
	go wake.Run(ctx)

	srv := server.New(server.Config{CDPPort: cfg.CDPPort, NativePort: cfg.NativePort}, reg, rt, logger, mx, browser)
	srv.Start()

	logger.Info("bridge started", map[string]any{
		"cdpPort":    cfg.CDPPort,
		"nativePort": cfg.NativePort,
		"agentURL":   agentURL,
		"chromeAddr": cfg.ChromeAddr,
		"wakeupEnabled": wake.Enabled(),
	})

	waitForShutdown(func() {
		logger.Info("shutting down", nil)
		cancel()
		agent.Stop()
		browser.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Stop(shutdownCtx)

		logger.Info("shutdown complete", nil)
	})
}

// waitForShutdown blocks for SIGINT/SIGTERM and then runs shutdown.
func waitForShutdown(shutdown func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	shutdown()
}

func hostPort(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}
