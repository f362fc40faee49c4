package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/viljo/RemoteLLMconnector/internal/config"
	"github.com/viljo/RemoteLLMconnector/internal/connectorsession"
	"github.com/viljo/RemoteLLMconnector/internal/drain"
	"github.com/viljo/RemoteLLMconnector/internal/logx"
	"github.com/viljo/RemoteLLMconnector/internal/secret"
	"github.com/viljo/RemoteLLMconnector/internal/upstream"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ConnectorConfig
	cfg.BindFlags()
	flag.Parse()
	if *showVersion {
		logx.Log.Info().Str("version", version).Str("sha", buildSHA).Str("date", buildDate).Msg("connector")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logx.Log.Info().Msg("shutdown signal received; draining")
		drain.Start()
	}()

	forwarder := upstream.New(upstream.Config{
		BaseURL: cfg.UpstreamBaseURL,
		APIKey:  cfg.UpstreamAPIKey,
		Timeout: cfg.UpstreamTimeout,
	})

	sessCfg := connectorsession.Config{
		BrokerURL:         cfg.BrokerURL,
		ConnectorToken:    cfg.ConnectorToken,
		Models:            cfg.Models,
		ConnectorVersion:  version,
		AuthTimeout:       cfg.AuthTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		DrainTimeout:      cfg.DrainTimeout,
		Limits:            cfg.Limits(),
	}

	logx.Log.Info().
		Strs("models", cfg.Models).
		Str("broker", cfg.BrokerURL).
		Str("connector_token", secret.Mask(cfg.ConnectorToken)).
		Str("upstream_api_key", secret.Mask(cfg.UpstreamAPIKey)).
		Msg("connector starting")
	if err := connectorsession.Run(ctx, sessCfg, forwarder); err != nil {
		logx.Log.Fatal().Err(err).Msg("connector exited")
	}
}
