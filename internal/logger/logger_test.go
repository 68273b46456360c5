package logger_test

import (
	"testing"

	"github.com/omochice/event-socket-chat/internal/logger"
	"go.uber.org/zap/zapcore"
)

func TestNew_Level(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel},
		{"", zapcore.InfoLevel},
		{"bogus", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log := logger.New(tt.level)
			if !log.Core().Enabled(tt.want) {
				t.Errorf("level %v not enabled", tt.want)
			}
			if tt.want > zapcore.DebugLevel && log.Core().Enabled(tt.want-1) {
				t.Errorf("level %v unexpectedly enabled", tt.want-1)
			}
		})
	}
}
