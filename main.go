package main

import (
	"context"
	"flag"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/panjf2000/gnet/v2"
	"golang.org/x/sync/errgroup"

	"github.com/flowmqtt/broker/auth"
	"github.com/flowmqtt/broker/broker"
	"github.com/flowmqtt/broker/config"
	"github.com/flowmqtt/broker/logging"
	"github.com/flowmqtt/broker/network"
)

const shutdownGrace = 5 * time.Second

func keepaliveInterval(cfg *config.Config) time.Duration {
	if cfg.KeepaliveSweepSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(cfg.KeepaliveSweepSeconds) * time.Second
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml; defaults are used if empty")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "path", *configPath, "error", err)
			return
		}
		cfg = loaded
	}

	logger := logging.New(cfg.SlogLevel(), cfg.LogFile)
	slog.SetDefault(logger)

	gate := auth.NewGate(cfg.AllowAnonymous, cfg.Authentications)

	engine, err := broker.NewEngine(gate, logger,
		broker.WithKeepaliveSweepInterval(keepaliveInterval(cfg)))
	if err != nil {
		logger.Error("failed to build broker engine", "error", err)
		return
	}
	engine.StartKeepaliveSweeper()
	defer engine.Close()

	netHandler := network.NewMQTTConnectionHandler(engine, logger)
	tcpServer := network.NewTCPServer(cfg.Listeners.TCP, netHandler, logger)
	wsServer := network.NewWebSocketServer(cfg.Listeners.WebSocket, netHandler, logger)
	gnetHandler := &Handler{engine: engine}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var g errgroup.Group

	g.Go(func() error {
		return tcpServer.Start(ctx)
	})
	g.Go(func() error {
		return wsServer.Start(ctx)
	})
	g.Go(func() error {
		return gnet.Run(gnetHandler,
			"tcp://"+cfg.Listeners.GnetTCP,
			gnet.WithMulticore(true),
			gnet.WithReusePort(true),
			gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		)
	})

	logger.Info("mqtt broker started",
		"gnet_tcp", cfg.Listeners.GnetTCP,
		"tcp", cfg.Listeners.TCP,
		"websocket", cfg.Listeners.WebSocket)

	<-ctx.Done()
	logger.Info("shutting down mqtt broker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	tcpServer.Stop()
	wsServer.Stop()
	if err := gnet.Stop(shutdownCtx, "tcp://"+cfg.Listeners.GnetTCP); err != nil {
		logger.Warn("gnet shutdown did not complete cleanly", "error", err)
	}

	if err := g.Wait(); err != nil {
		logger.Warn("listener returned an error on shutdown", "error", err)
	}

	logger.Info("mqtt broker stopped")
}
