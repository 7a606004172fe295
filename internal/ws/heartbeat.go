package ws

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval   time.Duration // how often to ping (default: 30s)
	Timeout    time.Duration // max time to wait for activity after ping (default: 10s)
	AuthWindow time.Duration // max time a connection may stay unauthenticated
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:   30 * time.Second,
		Timeout:    10 * time.Second,
		AuthWindow: 15 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections and closes those that have gone
// stale (no successful reads within Interval + Timeout) or never completed
// authentication within AuthWindow. It returns immediately; the goroutine
// exits when the server's done channel is closed.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config)
			}
		}
	}()
}

// checkConnections iterates over all active connections. Connections that
// have not had a successful read within Interval + Timeout are considered
// dead and are removed, as are connections still unauthenticated past the
// auth window. Everything else receives a WebSocket-level ping frame
// (opcode 0x9) which the client answers automatically with a pong.
func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Connections().All() {
		if config.AuthWindow > 0 && c.State() != StateActive &&
			now.Sub(c.CreatedAt) > config.AuthWindow {
			log.Printf("ws: auth window expired conn=%s age=%s",
				c.ID, now.Sub(c.CreatedAt).Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if now.Sub(c.LastPing) > deadline {
			log.Printf("ws: heartbeat timeout conn=%s last_activity=%s ago",
				c.ID, now.Sub(c.LastPing).Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		// The per-connection write mutex serializes the ping with any
		// concurrent application writes.
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed conn=%s: %v", c.ID, err)
			server.RemoveConnection(c)
		}
	}
}
