package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/viljo/RemoteLLMconnector/internal/api"
	"github.com/viljo/RemoteLLMconnector/internal/config"
	"github.com/viljo/RemoteLLMconnector/internal/drain"
	"github.com/viljo/RemoteLLMconnector/internal/frame"
	"github.com/viljo/RemoteLLMconnector/internal/logx"
	"github.com/viljo/RemoteLLMconnector/internal/secret"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.BrokerConfig
	cfg.BindFlags()
	flag.Parse()
	if *showVersion {
		logx.Log.Info().Str("version", version).Str("sha", buildSHA).Str("date", buildDate).Msg("broker")
		return
	}

	for token, cred := range cfg.ConnectorTokens {
		logx.Log.Debug().Str("token", secret.Mask(token)).Str("credential", secret.Mask(cred)).Msg("accepted connector token")
	}
	logx.Log.Info().Int("connector_tokens", len(cfg.ConnectorTokens)).Int("user_keys", len(cfg.UserKeys)).Msg("broker config loaded")

	hub := api.NewHub(api.HubConfig{
		ConnectorTokens:   cfg.ConnectorTokens,
		UserKeys:          cfg.UserKeys,
		AuthTimeout:       10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		UpstreamTimeout:   cfg.UpstreamTimeout,
		DrainTimeout:      cfg.DrainTimeout,
		ChunkBuffer:       cfg.PerRequestChunkBuffer,
		Limits: frame.Limits{
			MaxChunkBytes:   cfg.MaxChunkBytes,
			MaxRequestBytes: cfg.MaxRequestBytes,
		},
	})

	apiSrv := &http.Server{Addr: cfg.APIAddr, Handler: api.NewExternalRouter(hub, cfg.UserKeys, cfg.UpstreamTimeout)}
	duplexSrv := &http.Server{Addr: cfg.DuplexAddr, Handler: api.NewDuplexRouter(hub, cfg.DuplexPath)}
	healthSrv := &http.Server{Addr: cfg.HealthAddr, Handler: api.NewHealthRouter(hub)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logx.Log.Info().Msg("shutdown signal received; draining")
		drain.Start()
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer cancel()
		if !hub.WaitForDrain(drainCtx) {
			logx.Log.Warn().Msg("drain deadline elapsed with requests still in flight; forcing shutdown")
		}
		_ = apiSrv.Shutdown(drainCtx)
		_ = duplexSrv.Shutdown(drainCtx)
		_ = healthSrv.Shutdown(drainCtx)
	}()

	go func() {
		logx.Log.Info().Str("addr", cfg.DuplexAddr).Str("path", cfg.DuplexPath).Msg("duplex listener starting")
		if err := duplexSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.Log.Fatal().Err(err).Msg("duplex listener error")
		}
	}()

	go func() {
		logx.Log.Info().Str("addr", cfg.HealthAddr).Msg("health/metrics listener starting")
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.Log.Fatal().Err(err).Msg("health listener error")
		}
	}()

	logx.Log.Info().Str("addr", cfg.APIAddr).Msg("external API listener starting")
	if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("external API listener error")
	}
}
