// Package gateway implements the realtime message handlers that sit between
// the WebSocket transport and the messaging core. It owns the connection
// authentication handshake, room membership, the send pipeline, typing
// relay, and read receipts. All cross-instance delivery goes through the
// NATS bus so that the two members of a match may be connected to different
// gateway instances.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kindling/messaging/internal/auth"
	"github.com/kindling/messaging/internal/match"
	"github.com/kindling/messaging/internal/message"
	"github.com/kindling/messaging/internal/messaging"
	"github.com/kindling/messaging/internal/metrics"
	"github.com/kindling/messaging/internal/notify"
	"github.com/kindling/messaging/internal/presence"
	"github.com/kindling/messaging/internal/protocol"
	"github.com/kindling/messaging/internal/ratelimit"
	"github.com/kindling/messaging/internal/ws"
)

// opTimeout bounds one store or session round trip inside a handler.
const opTimeout = 3 * time.Second

var (
	// ErrRateLimited is the sentinel matched by errors.Is for a send that
	// exceeded the per-user message rate.
	ErrRateLimited = errors.New("gateway: rate limited")

	// ErrInvalidPayload wraps a payload validation failure.
	ErrInvalidPayload = errors.New("gateway: invalid payload")
)

// RateLimitedError is returned by Send when the sender exceeded the per-user
// message rate. RetryAfter tells the client when the window resets.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return "gateway: rate limited" }

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// Conn is the slice of a WebSocket connection the handlers need. Satisfied
// by *ws.Connection; tests substitute an in-memory fake.
type Conn interface {
	ConnID() string
	UserID() string
	Bind(userID string)
	State() int32
	SetState(s int32)
	WriteMessage(data []byte) error
}

// Transport delivers frames to local connections by ID and drops
// connections that fail authentication. Satisfied by *ws.Server.
type Transport interface {
	SendMessage(connID string, data []byte) error
	Drop(connID string)
}

// Resolver is the membership authority gate. Satisfied by *match.Authority.
type Resolver interface {
	ResolveCounterpart(ctx context.Context, matchID, callerID string) (string, error)
}

// MessageStore is the slice of the message log the handlers need.
// Satisfied by *message.Store.
type MessageStore interface {
	Append(ctx context.Context, matchID, senderID, receiverID string, p message.Payload) (*message.Message, error)
	MarkRead(ctx context.Context, matchID, readerID string) (int64, error)
	MarkDelivered(ctx context.Context, matchID, receiverID string) (int64, error)
	UnreadCount(ctx context.Context, matchID, userID string) (int64, error)
}

// Bus is the pub/sub fan-out surface. Satisfied by *messaging.NATSClient.
type Bus interface {
	PublishRoom(matchID string, data []byte) error
	PublishUser(userID string, data []byte) error
	SubscribeRoom(matchID, connID string, handler func(data []byte)) error
	UnsubscribeRoom(matchID, connID string) error
	SubscribeUser(userID, connID string, handler func(data []byte)) error
	UnsubscribeConn(connID string)
}

// Sessions is the Redis session surface. Satisfied by *session.Store.
type Sessions interface {
	Create(ctx context.Context, connID, userID string) error
	Touch(ctx context.Context, connID, userID string) error
	Delete(ctx context.Context, connID, userID string) error
}

// Limiter throttles per-user sends. Satisfied by *ratelimit.Limiter.
type Limiter interface {
	Allow(ctx context.Context, rule ratelimit.Rule, id string) bool
	Retry(ctx context.Context, rule ratelimit.Rule, id string) time.Duration
}

// Notifier queues push notification decisions. Satisfied by
// *notify.Dispatcher.
type Notifier interface {
	Enqueue(job notify.Job) bool
}

// Config collects the gateway's dependencies.
type Config struct {
	Transport Transport
	Authority Resolver
	Messages  MessageStore
	Presence  presence.Registry
	Bus       Bus
	Sessions  Sessions
	Limiter   Limiter
	Verifier  auth.Verifier
	Notify    Notifier
}

// Gateway routes authenticated realtime traffic between connections and the
// messaging core.
type Gateway struct {
	transport Transport
	authority Resolver
	messages  MessageStore
	presence  presence.Registry
	bus       Bus
	sessions  Sessions
	limiter   Limiter
	verifier  auth.Verifier
	notify    Notifier

	mu    sync.RWMutex
	names map[string]string // userID -> display name, bound at auth
}

// New creates a Gateway from its dependencies.
func New(cfg Config) *Gateway {
	return &Gateway{
		transport: cfg.Transport,
		authority: cfg.Authority,
		messages:  cfg.Messages,
		presence:  cfg.Presence,
		bus:       cfg.Bus,
		sessions:  cfg.Sessions,
		limiter:   cfg.Limiter,
		verifier:  cfg.Verifier,
		notify:    cfg.Notify,
		names:     make(map[string]string),
	}
}

// RegisterHandlers wires the gateway's handlers into the dispatcher.
func (g *Gateway) RegisterHandlers(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeAuth, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.AuthMsg); ok {
			g.HandleAuth(conn, m)
		}
	})
	d.Register(protocol.TypeJoinMatch, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.JoinMatchMsg); ok {
			g.HandleJoin(conn, m)
		}
	})
	d.Register(protocol.TypeLeaveMatch, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.LeaveMatchMsg); ok {
			g.HandleLeave(conn, m)
		}
	})
	d.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.SendMessageMsg); ok {
			g.HandleSend(conn, m)
		}
	})
	d.Register(protocol.TypeTypingStart, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.TypingStartMsg); ok {
			g.HandleTyping(conn, m.MatchID, true)
		}
	})
	d.Register(protocol.TypeTypingStop, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.TypingStopMsg); ok {
			g.HandleTyping(conn, m.MatchID, false)
		}
	})
	d.Register(protocol.TypeMarkAsRead, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.MarkAsReadMsg); ok {
			g.HandleMarkRead(conn, m)
		}
	})
}

// HandleAuth processes the first-frame authentication handshake. On success
// the connection is bound to the user, a session record is created, the
// user's personal channel subscription is established, and a ready frame is
// sent. On failure an error frame is sent and the connection is dropped.
func (g *Gateway) HandleAuth(conn Conn, m protocol.AuthMsg) {
	if conn.State() == ws.StateActive {
		g.sendError(conn, protocol.CodeAuthFailed, "already authenticated")
		return
	}

	identity, err := g.verifier.Verify(m.Token)
	if err != nil {
		log.Printf("gateway: auth failed conn=%s: %v", conn.ConnID(), err)
		g.sendError(conn, protocol.CodeAuthFailed, "invalid token")
		g.transport.Drop(conn.ConnID())
		return
	}

	conn.Bind(identity.UserID)
	conn.SetState(ws.StateAuthenticated)

	connID := conn.ConnID()
	userID := identity.UserID

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := g.sessions.Create(ctx, connID, userID); err != nil {
		log.Printf("gateway: session create conn=%s: %v", connID, err)
	}

	g.mu.Lock()
	g.names[userID] = identity.DisplayName
	g.mu.Unlock()

	g.presence.Connect(userID, connID)

	// Personal channel: inbox updates and read receipts reach the user on
	// whichever instance they are connected to.
	if err := g.bus.SubscribeUser(userID, connID, func(data []byte) {
		g.deliverUserEvent(connID, data)
	}); err != nil {
		log.Printf("gateway: user subscribe conn=%s user=%s: %v", connID, userID, err)
	}

	conn.SetState(ws.StateActive)

	ready, err := protocol.NewServerMessage(protocol.TypeReady, protocol.ReadyMsg{UserID: userID})
	if err != nil {
		log.Printf("gateway: build ready conn=%s: %v", connID, err)
		return
	}
	if err := conn.WriteMessage(ready); err != nil {
		log.Printf("gateway: send ready conn=%s: %v", connID, err)
	}

	log.Printf("gateway: authenticated conn=%s user=%s", connID, userID)
}

// HandleJoin opens a match room on this connection after the authority
// confirms membership. Joining marks pending messages addressed to the
// joiner as delivered.
func (g *Gateway) HandleJoin(conn Conn, m protocol.JoinMatchMsg) {
	userID := conn.UserID()
	connID := conn.ConnID()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := g.authority.ResolveCounterpart(ctx, m.MatchID, userID); err != nil {
		code, text := mapAuthorityError(err)
		g.sendError(conn, code, text)
		return
	}

	g.presence.Join(userID, m.MatchID)
	g.refreshRoomGauge()

	if err := g.bus.SubscribeRoom(m.MatchID, connID, func(data []byte) {
		g.deliverRoomEvent(connID, userID, data)
	}); err != nil {
		log.Printf("gateway: room subscribe conn=%s match=%s: %v", connID, m.MatchID, err)
		g.sendError(conn, protocol.CodeStoreUnavailable, "could not open room")
		g.presence.Leave(userID, m.MatchID)
		g.refreshRoomGauge()
		return
	}

	if _, err := g.messages.MarkDelivered(ctx, m.MatchID, userID); err != nil {
		log.Printf("gateway: mark delivered on join match=%s user=%s: %v", m.MatchID, userID, err)
	}

	if err := g.sessions.Touch(ctx, connID, userID); err != nil {
		log.Printf("gateway: session touch conn=%s: %v", connID, err)
	}

	log.Printf("gateway: join user=%s match=%s conn=%s", userID, m.MatchID, connID)
}

// HandleLeave closes a match room on this connection. Leaving is always
// allowed; there is nothing to authorize.
func (g *Gateway) HandleLeave(conn Conn, m protocol.LeaveMatchMsg) {
	userID := conn.UserID()
	connID := conn.ConnID()

	g.presence.Leave(userID, m.MatchID)
	g.refreshRoomGauge()

	if err := g.bus.UnsubscribeRoom(m.MatchID, connID); err != nil {
		log.Printf("gateway: room unsubscribe conn=%s match=%s: %v", connID, m.MatchID, err)
	}

	log.Printf("gateway: leave user=%s match=%s conn=%s", userID, m.MatchID, connID)
}

// HandleSend runs the send pipeline for a WebSocket frame. Errors are
// reported on the connection; the connection stays open.
func (g *Gateway) HandleSend(conn Conn, m protocol.SendMessageMsg) {
	userID := conn.UserID()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	payload := message.Payload{
		Text:          m.Text,
		MediaType:     m.MessageType,
		MediaURL:      m.MediaURL,
		AudioDuration: m.AudioDuration,
	}

	msg, err := g.Send(ctx, userID, g.displayName(userID), m.MatchID, payload)
	if err != nil {
		code, text := MapSendError(err)
		g.sendError(conn, code, text)
		return
	}

	// Sender confirmation when they sent without the room open: the room
	// fan-out would not reach them.
	if !g.presence.IsJoined(userID, m.MatchID) {
		frame, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
			Message: WirePayload(msg),
		})
		if err == nil {
			if err := conn.WriteMessage(frame); err != nil {
				log.Printf("gateway: send ack conn=%s: %v", conn.ConnID(), err)
			}
		}
	}

	if err := g.sessions.Touch(ctx, conn.ConnID(), userID); err != nil {
		log.Printf("gateway: session touch conn=%s: %v", conn.ConnID(), err)
	}
}

// Send is the full send pipeline: authorize, rate limit, validate, persist,
// fan out to the room and the receiver's inbox channel, and queue a push
// decision. It is shared by the WebSocket handler and the REST surface; both
// supply the sender's verified display name, since a REST sender may have no
// live connection to cache it from.
func (g *Gateway) Send(ctx context.Context, senderID, senderName, matchID string, payload message.Payload) (*message.Message, error) {
	start := time.Now()
	defer func() { metrics.SendLatency.Observe(time.Since(start).Seconds()) }()

	receiverID, err := g.authority.ResolveCounterpart(ctx, matchID, senderID)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("denied").Inc()
		return nil, err
	}

	if !g.limiter.Allow(ctx, ratelimit.RuleMessage, senderID) {
		metrics.MessagesTotal.WithLabelValues("denied").Inc()
		return nil, &RateLimitedError{RetryAfter: g.limiter.Retry(ctx, ratelimit.RuleMessage, senderID)}
	}

	if err := payload.Validate(); err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	msg, err := g.messages.Append(ctx, matchID, senderID, receiverID, payload)
	if err != nil {
		log.Printf("gateway: append match=%s user=%s: %v", matchID, senderID, err)
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	// If the receiver has the room open they will see the message live, so
	// the status can advance to delivered before fan-out.
	if g.presence.IsOnline(receiverID) && g.presence.IsJoined(receiverID, matchID) {
		if _, err := g.messages.MarkDelivered(ctx, matchID, receiverID); err != nil {
			log.Printf("gateway: mark delivered match=%s: %v", matchID, err)
		} else {
			msg.Status = message.StatusDelivered
		}
	}

	wire := WirePayload(msg)

	frame, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{Message: wire})
	if err != nil {
		log.Printf("gateway: build new_message match=%s: %v", matchID, err)
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return msg, nil
	}

	event, err := messaging.EncodeEvent(messaging.KindNewMessage, senderID, frame)
	if err == nil {
		if err := g.bus.PublishRoom(matchID, event); err != nil {
			log.Printf("gateway: publish room match=%s: %v", matchID, err)
		}
	}

	g.PublishInboxUpdate(ctx, receiverID, matchID, &wire)

	g.notify.Enqueue(notify.Job{
		ReceiverID:  receiverID,
		SenderID:    senderID,
		SenderName:  senderName,
		MatchID:     matchID,
		MessageType: wire.MessageType,
		Text:        payload.Text,
	})

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return msg, nil
}

// HandleTyping relays a typing indicator into the match room. Fire and
// forget: no persistence, no error frames. Only users with the room open may
// emit, which also guarantees they passed the join authorization.
func (g *Gateway) HandleTyping(conn Conn, matchID string, typing bool) {
	userID := conn.UserID()
	if !g.presence.IsJoined(userID, matchID) {
		return
	}

	msgType := protocol.TypeUserStoppedTyping
	if typing {
		msgType = protocol.TypeUserTyping
	}

	frame, err := protocol.NewServerMessage(msgType, protocol.UserTypingMsg{
		MatchID: matchID,
		UserID:  userID,
	})
	if err != nil {
		return
	}

	event, err := messaging.EncodeEvent(messaging.KindTyping, userID, frame)
	if err != nil {
		return
	}
	if err := g.bus.PublishRoom(matchID, event); err != nil {
		log.Printf("gateway: publish typing match=%s: %v", matchID, err)
	}
}

// HandleMarkRead marks every unread message addressed to the caller in the
// match as read, notifies the counterpart, and refreshes the caller's inbox.
func (g *Gateway) HandleMarkRead(conn Conn, m protocol.MarkAsReadMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := g.MarkRead(ctx, conn.UserID(), m.MatchID); err != nil {
		code, text := mapAuthorityError(err)
		g.sendError(conn, code, text)
	}
}

// MarkRead authorizes and applies a read receipt for readerID in the match,
// then notifies the counterpart on their personal channel and refreshes the
// reader's inbox. Shared by the WebSocket handler and the REST surface.
func (g *Gateway) MarkRead(ctx context.Context, readerID, matchID string) (int64, error) {
	counterpartID, err := g.authority.ResolveCounterpart(ctx, matchID, readerID)
	if err != nil {
		return 0, err
	}

	n, err := g.messages.MarkRead(ctx, matchID, readerID)
	if err != nil {
		log.Printf("gateway: mark read match=%s user=%s: %v", matchID, readerID, err)
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	metrics.ReadReceiptsTotal.Inc()

	frame, err := protocol.NewServerMessage(protocol.TypeMessagesRead, protocol.MessagesReadMsg{
		MatchID: matchID,
		Count:   n,
	})
	if err == nil {
		event, encErr := messaging.EncodeEvent(messaging.KindMessagesRead, readerID, frame)
		if encErr == nil {
			if err := g.bus.PublishUser(counterpartID, event); err != nil {
				log.Printf("gateway: publish messages_read user=%s: %v", counterpartID, err)
			}
		}
	}

	// The reader's own unread badge for this match just went to zero.
	g.PublishInboxUpdate(ctx, readerID, matchID, nil)

	return n, nil
}

// OnDisconnect tears down everything the connection accumulated: bus
// subscriptions, presence, the session record, and the display name cache.
// The transport guarantees it runs exactly once per connection.
func (g *Gateway) OnDisconnect(c *ws.Connection) {
	userID := c.UserID()
	connID := c.ID

	g.bus.UnsubscribeConn(connID)

	if userID == "" {
		return // never authenticated
	}

	g.presence.Disconnect(userID, connID)
	g.refreshRoomGauge()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := g.sessions.Delete(ctx, connID, userID); err != nil {
		log.Printf("gateway: session delete conn=%s: %v", connID, err)
	}

	// The user may have reconnected before this close was observed; the new
	// connection owns the presence and the display name now.
	if !g.presence.IsOnline(userID) {
		g.mu.Lock()
		delete(g.names, userID)
		g.mu.Unlock()
	}

	log.Printf("gateway: disconnect cleanup conn=%s user=%s", connID, userID)
}

// deliverUserEvent writes a personal channel event's frame to the local
// connection.
func (g *Gateway) deliverUserEvent(connID string, data []byte) {
	ev, err := messaging.DecodeEvent(data)
	if err != nil {
		log.Printf("gateway: decode user event conn=%s: %v", connID, err)
		return
	}
	if err := g.transport.SendMessage(connID, ev.Frame); err != nil {
		log.Printf("gateway: deliver user event conn=%s: %v", connID, err)
	}
}

// deliverRoomEvent writes a room event's frame to the local connection.
// Typing indicators are not echoed back to their originator; new messages
// are, so the sender's open conversation view updates from the same source
// of truth as the receiver's.
func (g *Gateway) deliverRoomEvent(connID, selfUserID string, data []byte) {
	ev, err := messaging.DecodeEvent(data)
	if err != nil {
		log.Printf("gateway: decode room event conn=%s: %v", connID, err)
		return
	}
	if ev.Kind == messaging.KindTyping && ev.From == selfUserID {
		return
	}
	if err := g.transport.SendMessage(connID, ev.Frame); err != nil {
		log.Printf("gateway: deliver room event conn=%s: %v", connID, err)
	}
}

// PublishInboxUpdate sends an inbox invalidation hint on the user's personal
// channel, with the match's current unread badge so the client can update it
// without refetching. lastMessage may be nil when only the unread count
// changed.
func (g *Gateway) PublishInboxUpdate(ctx context.Context, userID, matchID string, lastMessage *protocol.MessagePayload) {
	unread, err := g.messages.UnreadCount(ctx, matchID, userID)
	if err != nil {
		log.Printf("gateway: unread count match=%s user=%s: %v", matchID, userID, err)
	}

	frame, err := protocol.NewServerMessage(protocol.TypeInboxUpdate, protocol.InboxUpdateMsg{
		MatchID:     matchID,
		LastMessage: lastMessage,
		UnreadCount: unread,
	})
	if err != nil {
		return
	}
	event, err := messaging.EncodeEvent(messaging.KindInboxUpdate, "", frame)
	if err != nil {
		return
	}
	if err := g.bus.PublishUser(userID, event); err != nil {
		log.Printf("gateway: publish inbox_update user=%s: %v", userID, err)
	}
}

// sendError writes a protocol error frame to the connection.
func (g *Gateway) sendError(conn Conn, code, text string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: text,
	})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("gateway: send error frame conn=%s: %v", conn.ConnID(), err)
	}
}

// displayName returns the cached display name bound at authentication.
func (g *Gateway) displayName(userID string) string {
	g.mu.RLock()
	name := g.names[userID]
	g.mu.RUnlock()
	return name
}

// refreshRoomGauge updates the open-rooms gauge when the registry can count.
func (g *Gateway) refreshRoomGauge() {
	if rc, ok := g.presence.(interface{ RoomCount() int }); ok {
		metrics.OpenRooms.Set(float64(rc.RoomCount()))
	}
}

// WirePayload converts a persisted message to its wire form. Timestamps
// travel as Unix milliseconds.
func WirePayload(m *message.Message) protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:            m.ID,
		MatchID:       m.MatchID,
		SenderID:      m.SenderID,
		ReceiverID:    m.ReceiverID,
		Text:          m.Text,
		MessageType:   m.MediaType,
		MediaURL:      m.MediaURL,
		AudioDuration: m.AudioDuration,
		Status:        m.Status,
		CreatedAt:     m.CreatedAt.UnixMilli(),
	}
}

// MapSendError translates a Send failure into a protocol error code and a
// client-facing message.
func MapSendError(err error) (string, string) {
	var rl *RateLimitedError
	switch {
	case errors.As(err, &rl):
		if rl.RetryAfter > 0 {
			return protocol.CodeRateLimited, fmt.Sprintf("sending too fast, retry in %s", rl.RetryAfter.Round(time.Second))
		}
		return protocol.CodeRateLimited, "sending too fast"
	case errors.Is(err, ErrInvalidPayload):
		return protocol.CodeValidation, err.Error()
	case errors.Is(err, match.ErrAccessDenied):
		return protocol.CodeAccessDenied, "not a member of this match"
	case errors.Is(err, match.ErrInvalidMatchState):
		return protocol.CodeInvalidMatchState, "match does not accept messages"
	default:
		return protocol.CodeStoreUnavailable, "could not store message"
	}
}

// mapAuthorityError translates authority errors into protocol error codes.
func mapAuthorityError(err error) (string, string) {
	switch {
	case errors.Is(err, match.ErrAccessDenied):
		return protocol.CodeAccessDenied, "not a member of this match"
	case errors.Is(err, match.ErrInvalidMatchState):
		return protocol.CodeInvalidMatchState, "match does not accept messages"
	default:
		return protocol.CodeStoreUnavailable, "temporary storage failure"
	}
}

