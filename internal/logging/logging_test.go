package logging

import (
	"testing"

	"okx-carry-bot/internal/config"

	"go.uber.org/zap/zapcore"
)

func TestNewParsesLevel(t *testing.T) {
	log := New(config.LoggingConfig{Level: "debug"})
	defer log.Sync()
	if !log.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug enabled")
	}
}

func TestNewFallsBackToInfo(t *testing.T) {
	log := New(config.LoggingConfig{Level: "chatty"})
	defer log.Sync()
	if log.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug disabled on unknown level")
	}
	if !log.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info enabled on unknown level")
	}
}
