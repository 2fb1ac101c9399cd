package usecase

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"opsqueue/internal/domain"
	"opsqueue/internal/ports"
)

var _ ports.Notifier = LogNotifier{}

// LogNotifier writes notified transitions to the process log; escalations are logged at warn.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, t ports.Transition) error {
	level := zerolog.InfoLevel
	if t.To == domain.StatusHumanRequired || t.To == domain.StatusFailedFatal {
		level = zerolog.WarnLevel
	}
	log.Ctx(ctx).WithLevel(level).
		Str("command_id", t.Command.ID).
		Str("type", string(t.Command.Type)).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Str("error_code", string(t.Command.ErrorCode)).
		Str("error_message", t.Command.ErrorMessage).
		Str("actor", t.Actor).
		Msg("command settled")
	return nil
}
