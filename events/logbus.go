package events

import (
	"github.com/rs/zerolog/log"
)

// LogBus is the default Bus: events go to the structured log. Useful when no
// external bus is configured (paper runs, tests via capture).
type LogBus struct{}

func (LogBus) Publish(stream string, event any) error {
	log.Info().Str("stream", stream).Interface("event", event).Msg("event")
	return nil
}
