package logger

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
}

func TestLoggerMethodsExist(t *testing.T) {
	Setup("info", "console")

	Log.Info("test info message", "key", "value")
	Log.Debug("test debug message", "key", "value")
	Log.Warn("test warn message", "key", "value")
	Log.Error("test error message", "key", "value")
}

func TestSetRankSurvivesSetup(t *testing.T) {
	SetRank(3)
	Setup("info", "json")
	if Log.rank != 3 {
		t.Errorf("expected rank 3 after Setup, got %d", Log.rank)
	}
	SetRank(-1)
}

func TestInfoRank0Gating(t *testing.T) {
	// Not observable without capturing output; just verify both paths run.
	SetRank(0)
	Log.InfoRank0("from rank zero")
	SetRank(5)
	Log.InfoRank0("suppressed on rank five")
	SetRank(-1)
}

func TestLoggerLevelConstants(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel}, // default case
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			Setup(tt.level, "console")
			got := zerolog.GlobalLevel()
			if got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestLoggerWithOddArgs(t *testing.T) {
	Setup("info", "console")
	// Odd arg count drops the orphan key instead of panicking.
	Log.Info("odd args", "key1", "value1", "orphan_key")
}

func TestAddFieldsWithNonStringKey(t *testing.T) {
	Setup("info", "console")
	Log.Info("test non-string key", 123, "value")
}
