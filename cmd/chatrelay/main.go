// Command chatrelay runs the Telegram relay to an OpenAI-compatible gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shaharia-lab/chatrelay"
	"github.com/shaharia-lab/chatrelay/config"
	"github.com/shaharia-lab/chatrelay/observability"
	"github.com/shaharia-lab/chatrelay/opsserver"
	"github.com/shaharia-lab/chatrelay/telegram"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(observability.Options{
		Backend: cfg.Log.Backend,
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithErr(err).Error("chatrelay stopped with an error")
		os.Exit(1)
	}
	logger.Info("chatrelay stopped")
}

func run(ctx context.Context, cfg *config.Config, logger observability.Logger) error {
	history := chatrelay.NewHistoryStore(cfg.Relay.SystemPrompt, cfg.Relay.MaxHistory)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := chatrelay.NewMetrics(registry, history.Len)

	gateway, err := chatrelay.NewOpenAIGateway(chatrelay.OpenAIGatewayConfig{
		BaseURL:     cfg.Gateway.BaseURL,
		BearerToken: cfg.Gateway.BearerToken,
		Timeout:     cfg.Gateway.Timeout,
		Paths: map[chatrelay.Modality]string{
			chatrelay.ModalityImage:  cfg.Gateway.ImagePath,
			chatrelay.ModalitySpeech: cfg.Gateway.SpeechPath,
			chatrelay.ModalityMusic:  cfg.Gateway.MusicPath,
		},
	})
	if err != nil {
		return err
	}

	ledger, err := openLedger(ctx, cfg.Usage, logger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	bot, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		APIEndpoint: cfg.Telegram.APIEndpoint,
		Workers:     cfg.Telegram.Workers,
		SendRate:    cfg.Telegram.SendRate,
	}, logger, metrics)
	if err != nil {
		return err
	}

	relay := chatrelay.NewRelay(chatrelay.RelayConfig{
		History:          history,
		Gateway:          chatrelay.NewTracingGateway(gateway, metrics),
		Ledger:           ledger,
		Platform:         bot,
		Activity:         bot,
		Metrics:          metrics,
		Logger:           logger,
		Model:            cfg.Gateway.Model,
		Media:            chatrelay.MediaOptions{Voice: cfg.Gateway.SpeechVoice, MusicDuration: cfg.Gateway.MusicDuration},
		MaxMessageLength: cfg.Relay.MaxMessageLength,
		MaxChunks:        cfg.Relay.MaxChunks,
		LogPreviewLength: cfg.Log.PreviewLength,
	})

	logger.WithFields(map[string]interface{}{
		"gateway":     cfg.Gateway.BaseURL,
		"model":       cfg.Gateway.Model,
		"max_history": cfg.Relay.MaxHistory,
		"usage_store": cfg.Usage.Store,
	}).Info("chatrelay starting")

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Ops.Addr != "" {
		ops := opsserver.New(cfg.Ops.Addr, registry, logger)
		if pinger, ok := ledger.(interface{ Ping(context.Context) error }); ok {
			ops.AddCheck("usage_ledger", pinger.Ping)
		}
		ops.SetReady(true)
		g.Go(func() error { return ops.Run(ctx) })
	}

	g.Go(func() error { return bot.Run(ctx, relay) })

	return g.Wait()
}

func openLedger(ctx context.Context, cfg config.UsageConfig, logger observability.Logger) (chatrelay.UsageLedger, error) {
	switch cfg.Store {
	case "sqlite":
		return chatrelay.NewSQLiteUsageLedger(cfg.DSN, logger)
	case "postgres":
		return chatrelay.OpenPostgresUsageLedger(ctx, cfg.DSN, logger)
	case "memory", "":
		return chatrelay.NewInMemoryUsageLedger(), nil
	default:
		return nil, errors.New("unknown usage store " + cfg.Store)
	}
}
