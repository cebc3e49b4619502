package chat

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/zqq-nuli/felay/internal/event"
	"github.com/zqq-nuli/felay/internal/logging"
)

const (
	// HealthTickInterval is how often connections are inspected.
	HealthTickInterval = 30 * time.Second
	// SilenceThreshold marks a connection unhealthy when no event has been
	// seen for this long.
	SilenceThreshold = 90 * time.Second
)

// healthLoop drives the periodic connection inspection.
func (c *Connector) healthLoop() {
	ticker := time.NewTicker(HealthTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.healthStop:
			return
		case <-ticker.C:
			c.healthTick()
		}
	}
}

// reconnectBudget is the total unhealthy duration after which the
// connection is declared terminally failed:
// maxRetries × initialInterval × multiplier^(maxRetries-1) seconds.
func (c *Connector) reconnectBudget() time.Duration {
	rc := c.cfg.Get().Reconnect
	seconds := float64(rc.MaxRetries) * float64(rc.InitialInterval) *
		math.Pow(rc.BackoffMultiplier, float64(rc.MaxRetries-1))
	return time.Duration(seconds * float64(time.Second))
}

func (c *Connector) healthTick() {
	c.mu.Lock()
	conns := make(map[string]*botConn, len(c.conns))
	for id, bc := range c.conns {
		conns[id] = bc
	}
	c.mu.Unlock()

	budget := c.reconnectBudget()
	now := time.Now()

	for botID, bc := range conns {
		bc.mu.Lock()
		silence := now.Sub(bc.lastEvent)
		if silence > SilenceThreshold && !bc.unhealthy {
			bc.unhealthy = true
			bc.unhealthySince = now
		}
		unhealthy := bc.unhealthy
		terminal := bc.terminal
		var unhealthyFor time.Duration
		if unhealthy {
			unhealthyFor = now.Sub(bc.unhealthySince)
		}
		if unhealthy && !terminal && unhealthyFor > budget {
			bc.terminal = true
			terminal = true
		}
		bc.mu.Unlock()

		switch {
		case terminal:
			c.setWarning(botID, fmt.Sprintf("connection lost for %s, giving up reconnecting", unhealthyFor.Round(time.Second)))
			logging.Error().Str("bot", botID).Dur("unhealthy_for", unhealthyFor).Msg("interactive connection terminally failed")
		case unhealthy:
			c.setWarning(botID, fmt.Sprintf("no events for %s", silence.Round(time.Second)))
			event.Publish(event.Event{
				Type: event.ConnectorUnhealthy,
				Data: event.ConnectorHealthData{BotID: botID, Message: "event stream silent"},
			})
		}
	}
}

// IsHealthy reports whether the bot's stream has seen recent traffic.
func (c *Connector) IsHealthy(botID string) bool {
	bc, err := c.conn(botID)
	if err != nil {
		return false
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return !bc.unhealthy && !bc.terminal
}

func (c *Connector) setWarning(botID, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings[botID] = message
}

func (c *Connector) clearWarning(botID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.warnings, botID)
}

// Warnings returns the current user-visible warnings, stable by bot id.
func (c *Connector) Warnings() []Warning {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Warning, 0, len(c.warnings))
	for botID, msg := range c.warnings {
		out = append(out, Warning{BotID: botID, Message: msg})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out
}
