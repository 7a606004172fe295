// Package messaging provides a NATS client wrapper for pub/sub fan-out
// across gateway instances. Live events travel on per-match room subjects
// and per-user personal subjects; push notification work is queued on a
// shared dispatch subject so a slow provider never blocks a send.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used by the messaging core.
const (
	SubjectRoom           = "room" // + .<match_id>, live room fan-out
	SubjectUser           = "user" // + .<user_id>, personal channel
	SubjectNotifyDispatch = "notify.dispatch" // queued push notification work
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "kindling",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishRoom publishes data to the room.<matchID> subject.
func (c *NATSClient) PublishRoom(matchID string, data []byte) error {
	return c.conn.Publish(SubjectRoom+"."+matchID, data)
}

// PublishUser publishes data to the user.<userID> personal subject. Delivery
// reaches the user's gateway instance regardless of which instance publishes.
func (c *NATSClient) PublishUser(userID string, data []byte) error {
	return c.conn.Publish(SubjectUser+"."+userID, data)
}

// PublishNotify enqueues push notification work on the dispatch subject.
func (c *NATSClient) PublishNotify(data []byte) error {
	return c.conn.Publish(SubjectNotifyDispatch, data)
}

// SubscribeRoom subscribes a connection to the room.<matchID> subject. The
// subscription is keyed by (connID, matchID) so that multiple local
// connections in the same room do not overwrite each other.
func (c *NATSClient) SubscribeRoom(matchID, connID string, handler func(data []byte)) error {
	subject := SubjectRoom + "." + matchID
	key := roomKey(connID, matchID)

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeRoom removes a connection's room subscription.
func (c *NATSClient) UnsubscribeRoom(matchID, connID string) error {
	return c.unsubscribe(roomKey(connID, matchID))
}

// SubscribeUser subscribes a connection to its user's personal subject,
// keyed by connID.
func (c *NATSClient) SubscribeUser(userID, connID string, handler func(data []byte)) error {
	subject := SubjectUser + "." + userID
	key := "usersub:" + connID

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeUser removes a connection's personal channel subscription.
func (c *NATSClient) UnsubscribeUser(connID string) error {
	return c.unsubscribe("usersub:" + connID)
}

// UnsubscribeConn removes every subscription held by a connection: its
// personal channel and all room subscriptions. Called on disconnect.
func (c *NATSClient) UnsubscribeConn(connID string) {
	prefix := "roomsub:" + connID + ":"

	c.mu.Lock()
	var keys []string
	for key := range c.subs {
		if key == "usersub:"+connID || len(key) > len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()

	for _, key := range keys {
		if err := c.unsubscribe(key); err != nil {
			log.Printf("[nats] disconnect unsubscribe %s: %v", key, err)
		}
	}
}

// SubscribeNotify subscribes to the notification dispatch queue using a queue
// group so that exactly one worker across all instances handles each payload.
func (c *NATSClient) SubscribeNotify(handler func(data []byte)) error {
	sub, err := c.conn.QueueSubscribe(SubjectNotifyDispatch, "notifiers", func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectNotifyDispatch, err)
	}

	c.mu.Lock()
	c.subs[SubjectNotifyDispatch] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes a specific subscription key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

func roomKey(connID, matchID string) string {
	return "roomsub:" + connID + ":" + matchID
}
