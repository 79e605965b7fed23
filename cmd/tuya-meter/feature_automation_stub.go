//go:build no_automation

package main

import (
	"log/slog"

	"tuya-meter-gateway/internal/session"
	"tuya-meter-gateway/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *session.Manager, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
