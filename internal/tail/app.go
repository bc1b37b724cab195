// Package tail wires the SDK into a small terminal follower: it logs in
// (or runs in demo mode), subscribes to one target's stream and writes
// every update and alert to structured logs until interrupted.
package tail

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sentiocare/sentio-go/pkg/sentiosdk"
	"github.com/sentiocare/sentio-go/pkg/slogx"
)

type App struct {
	cfg    Config
	logger *slog.Logger
	api    *sentiosdk.Client
	stream *sentiosdk.StreamClient
}

func New(cfg Config) (*App, error) {
	if cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("api base url is required")
	}

	logger := slogx.New(slogx.Config{
		Service: "sentiotail",
		Version: sentiosdk.ClientVersion,
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
	})

	auth := sentiosdk.NewAuthClient(cfg.APIBaseURL)
	creds := sentiosdk.NewCredentialStore(auth, logger)

	return &App{
		cfg:    cfg,
		logger: logger,
		api:    sentiosdk.NewClient(cfg.APIBaseURL, auth, creds, logger),
		stream: sentiosdk.NewStreamClient(sentiosdk.StreamConfig{
			URL:               cfg.StreamBaseURL,
			HeartbeatInterval: cfg.HeartbeatInterval,
			BackoffBase:       cfg.BackoffBase,
			MaxAttempts:       cfg.MaxAttempts,
		}, creds, logger),
	}, nil
}

// Run tails the configured target until SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	logger := a.logger

	if a.cfg.Email != "" {
		user, err := a.api.Login(ctx, a.cfg.Email, a.cfg.Password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		logger.Info("logged in", "user", user.Email)
	} else {
		logger.Info("no credentials configured, running in demo mode")
	}

	a.stream.OnUpdate(func(u sentiosdk.Update) {
		logger.Info("update",
			"target", u.TargetID,
			"valence", u.Valence,
			"arousal", u.Arousal,
			"stress", u.Stress,
			"captured_at", u.CapturedAt,
		)
	})
	a.stream.OnAlert(func(al sentiosdk.Alert) {
		logger.Warn("alert",
			"target", al.TargetID,
			"level", al.Level,
			"metric", al.Metric,
			"value", al.Value,
			"message", al.Message,
		)
	})
	a.stream.OnStatus(func(connected bool) {
		logger.Info("stream status changed", "connected", connected, "state", a.stream.State().String())
	})

	a.stream.Connect(a.cfg.Target)
	logger.Info("tailing", "target", a.cfg.Target)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
	case <-ctx.Done():
	}

	a.stream.Disconnect()
	a.api.CancelAll()
	if a.cfg.Email != "" {
		_ = a.api.Logout(context.Background())
	}
	logger.Info("shutdown complete")
	return nil
}
