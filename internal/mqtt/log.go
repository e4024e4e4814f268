package mqtt

import (
	"github.com/rs/zerolog"

	"github.com/sweeney/irrigation-controller/internal/logic"
)

// LogPublisher writes everything to the log instead of a broker.
// Used when no broker is configured so notifications are still visible.
type LogPublisher struct {
	log zerolog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

// Publish logs the cycle event at debug level.
func (p *LogPublisher) Publish(event logic.Event) error {
	p.log.Debug().
		Str("event", string(event.Type)).
		Str("to", string(event.To)).
		Str("schedule", event.Schedule.Name).
		Msg("cycle event")
	return nil
}

// PublishSystem logs the lifecycle event.
func (p *LogPublisher) PublishSystem(event SystemEvent) error {
	p.log.Debug().Str("event", event.Event).Str("reason", event.Reason).Msg("system event")
	return nil
}

// Notify logs the notification at info level.
func (p *LogPublisher) Notify(message string) error {
	p.log.Info().Str("message", message).Msg("notification")
	return nil
}

// IsConnected always reports false.
func (p *LogPublisher) IsConnected() bool {
	return false
}

// Close does nothing.
func (p *LogPublisher) Close() error {
	return nil
}
