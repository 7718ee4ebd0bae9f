package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/whisper/chatguard/internal/chat"
	"github.com/whisper/chatguard/internal/config"
	"github.com/whisper/chatguard/internal/loadstats"
	"github.com/whisper/chatguard/internal/wsclient"
)

// Seeded fixtures shared by every scenario.
const (
	LobbyID     = "load-lobby"
	ModeratorID = "load-mod"
)

func userID(i int) string {
	return fmt.Sprintf("load-%05d", i)
}

// env is what every scenario needs from the server's configuration.
type env struct {
	cfg    config.Config
	tokens *chat.Tokens
}

func loadEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	tokens, err := chat.NewTokens(cfg.Auth)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, tokens: tokens}, nil
}

// defaultURL points at the configured listen address on this host.
func (e *env) defaultURL() string {
	addr := e.cfg.Server.ListenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "ws://" + addr + "/ws"
}

func (e *env) metricsURL(wsURL string) string {
	u := strings.Replace(wsURL, "ws://", "http://", 1)
	u = strings.Replace(u, "wss://", "https://", 1)
	return strings.TrimSuffix(u, "/ws") + "/metrics"
}

// connect dials and authenticates as id, recording the outcome.
func (e *env) connect(ctx context.Context, url, id string, collector *loadstats.Collector) (*wsclient.Client, error) {
	token, err := e.tokens.IssueToken(id)
	if err != nil {
		collector.AddError()
		return nil, err
	}
	c, err := wsclient.Dial(ctx, url)
	if err != nil {
		collector.AddError()
		return nil, err
	}
	if _, err := c.Authenticate(ctx, token); err != nil {
		collector.AddError()
		c.Close()
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	m := c.Metrics()
	collector.AddConnect(m.ConnectLatency, m.AuthLatency)
	return c, nil
}
