//go:build no_mqtt

package main

import (
	"log/slog"

	"tuya-meter-gateway/internal/session"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *session.Manager, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
