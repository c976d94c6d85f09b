package logging

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level   string
		wantLvl zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"bogus", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := New(Options{Level: tt.level})
			if err != nil {
				t.Fatalf("New(%q) error: %v", tt.level, err)
			}
			if !logger.Core().Enabled(tt.wantLvl) {
				t.Errorf("level %v should be enabled for %q", tt.wantLvl, tt.level)
			}
			if tt.wantLvl > zapcore.DebugLevel && logger.Core().Enabled(tt.wantLvl-1) {
				t.Errorf("level %v should not be enabled for %q", tt.wantLvl-1, tt.level)
			}
		})
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nubid.log")
	logger, err := New(Options{Level: "info", File: path})
	if err != nil {
		t.Fatalf("New with file: %v", err)
	}

	logger.Info("hello from test", zap.String("component", "test"))
	logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if len(data) == 0 {
		t.Error("log file is empty")
	}
}

func TestSetGlobal(t *testing.T) {
	orig := Global()
	defer SetGlobal(orig)

	l := zap.NewNop()
	SetGlobal(l)
	if Global() != l {
		t.Error("SetGlobal did not replace the global logger")
	}
}
