package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	campusrooms "github.com/campusrooms/campusrooms-go"
)

const requestTimeout = 15 * time.Second

var errNotLoggedIn = errors.New("not logged in; run 'campusrooms login' first")

// getClient creates an API client, authenticated when a token is stored.
func getClient(cfg *Config) *campusrooms.Client {
	return campusrooms.NewClient(cfg.Auth.Token, campusrooms.WithBaseURL(cfg.baseURL()))
}

// getAuthClient loads the config and requires a stored login.
func getAuthClient() (*Config, *campusrooms.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, nil, errNotLoggedIn
	}
	return cfg, getClient(cfg), nil
}

// transportFactory selects the realtime transport named in the config.
func transportFactory(cfg *Config, logger *slog.Logger) (campusrooms.TransportFactory, error) {
	timeout, err := cfg.connectTimeout()
	if err != nil {
		return nil, err
	}
	rc := campusrooms.RealtimeConfig{
		URL:            campusrooms.RealtimeURL(cfg.baseURL()),
		AutoReconnect:  cfg.autoReconnect(),
		ConnectTimeout: timeout,
		Logger:         logger,
	}
	switch cfg.transport() {
	case "websocket":
		return campusrooms.WebSocketTransport(rc), nil
	case "sse":
		return campusrooms.SSETransport(rc), nil
	}
	return nil, fmt.Errorf("unknown realtime transport %q (valid: websocket, sse)", cfg.Realtime.Transport)
}

// newSession builds a session from the config. It is not logged in yet.
func newSession(cfg *Config, alerts campusrooms.Alerter, metrics *campusrooms.Metrics) (*campusrooms.Session, error) {
	logger := slog.Default()
	factory, err := transportFactory(cfg, logger)
	if err != nil {
		return nil, err
	}
	timeout, _ := cfg.connectTimeout()
	return campusrooms.NewSession(getClient(cfg), campusrooms.SessionOptions{
		Transport:         factory,
		Alerts:            alerts,
		Logger:            logger,
		Metrics:           metrics,
		ConnectTimeout:    timeout,
		ReconcileSchedule: cfg.reconcileSchedule(),
	}), nil
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
