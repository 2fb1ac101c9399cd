package domain

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogLine is one append-only entry of a command's log stream. ID is strictly increasing per command.
type LogLine struct {
	ID        int64     `json:"id"`
	CommandID string    `json:"command_id"`
	CreatedAt time.Time `json:"created_at"`
	Level     string    `json:"level"`
	Logger    string    `json:"logger"`
	Message   string    `json:"message"`
}

// NormalizeLevel maps free-form level names onto zerolog's names; unknown levels become info.
func NormalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	l, err := zerolog.ParseLevel(level)
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel.String()
	}
	return l.String()
}
