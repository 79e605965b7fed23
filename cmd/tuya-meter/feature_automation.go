//go:build !no_automation

package main

import (
	"log/slog"

	"tuya-meter-gateway/internal/automation"
	"tuya-meter-gateway/internal/session"
	"tuya-meter-gateway/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(sessions *session.Manager, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	engine := automation.NewEngine(sessions, scriptMgr, logger, automation.TelegramConfig{
		BotToken: cfg.Telegram.BotToken,
		ChatIDs:  cfg.Telegram.ChatIDs,
	})
	engine.Start()

	return &autoStopper{engine: engine}, []web.ServerOption{web.WithAutomation(engine, scriptMgr)}
}
