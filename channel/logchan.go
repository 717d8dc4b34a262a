// Package channel provides engine.Channel implementations: a log channel
// for development, an HTTP webhook, and a RabbitMQ publisher. Transports
// are uniform from the engine's point of view: a send either delivered or
// returned an error.
package channel

import (
	"context"
	"log"

	"github.com/routewatch/schedule-engine/engine"
)

// LogChannel writes rendered payloads to a logger. Used in development and
// as the fallback when no real channel is configured.
type LogChannel struct {
	Logger *log.Logger
}

func NewLog(logger *log.Logger) *LogChannel {
	return &LogChannel{Logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, userID string, cs *engine.ChangeSet) error {
	c.Logger.Printf("[Channel:log] user=%s\n%s", userID, Render(cs))
	return nil
}
