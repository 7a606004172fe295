package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kindling/messaging/internal/auth"
	"github.com/kindling/messaging/internal/match"
	"github.com/kindling/messaging/internal/message"
	"github.com/kindling/messaging/internal/messaging"
	"github.com/kindling/messaging/internal/notify"
	"github.com/kindling/messaging/internal/presence"
	"github.com/kindling/messaging/internal/protocol"
	"github.com/kindling/messaging/internal/ratelimit"
	"github.com/kindling/messaging/internal/ws"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeConn struct {
	id     string
	userID string
	state  int32
	frames [][]byte
}

func (c *fakeConn) ConnID() string                 { return c.id }
func (c *fakeConn) UserID() string                 { return c.userID }
func (c *fakeConn) Bind(userID string)             { c.userID = userID }
func (c *fakeConn) State() int32                   { return c.state }
func (c *fakeConn) SetState(s int32)               { c.state = s }
func (c *fakeConn) WriteMessage(data []byte) error { c.frames = append(c.frames, data); return nil }

type fakeTransport struct {
	sent    map[string][][]byte
	dropped []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[string][][]byte)}
}

func (f *fakeTransport) SendMessage(connID string, data []byte) error {
	f.sent[connID] = append(f.sent[connID], data)
	return nil
}

func (f *fakeTransport) Drop(connID string) {
	f.dropped = append(f.dropped, connID)
}

type fakeResolver struct {
	counterpart string
	err         error
}

func (f *fakeResolver) ResolveCounterpart(ctx context.Context, matchID, callerID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.counterpart, nil
}

type fakeMessages struct {
	appended       []message.Payload
	appendErr      error
	markReadN      int64
	markReadErr    error
	unreadN        int64
	deliveredCalls int
}

func (f *fakeMessages) Append(ctx context.Context, matchID, senderID, receiverID string, p message.Payload) (*message.Message, error) {
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	f.appended = append(f.appended, p)
	mediaType := p.MediaType
	if mediaType == "" {
		mediaType = message.TypeText
	}
	return &message.Message{
		ID:            "msg-1",
		MatchID:       matchID,
		SenderID:      senderID,
		ReceiverID:    receiverID,
		Text:          p.Text,
		MediaType:     mediaType,
		MediaURL:      p.MediaURL,
		AudioDuration: p.AudioDuration,
		Status:        message.StatusSent,
		CreatedAt:     time.Now(),
	}, nil
}

func (f *fakeMessages) MarkRead(ctx context.Context, matchID, readerID string) (int64, error) {
	return f.markReadN, f.markReadErr
}

func (f *fakeMessages) MarkDelivered(ctx context.Context, matchID, receiverID string) (int64, error) {
	f.deliveredCalls++
	return 1, nil
}

func (f *fakeMessages) UnreadCount(ctx context.Context, matchID, userID string) (int64, error) {
	return f.unreadN, nil
}

type fakeBus struct {
	roomEvents map[string][][]byte
	userEvents map[string][][]byte
	roomSubs   map[string]func([]byte) // matchID + "/" + connID
	userSubs   map[string]func([]byte) // userID + "/" + connID
	subRoomErr error
	unsubConns []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		roomEvents: make(map[string][][]byte),
		userEvents: make(map[string][][]byte),
		roomSubs:   make(map[string]func([]byte)),
		userSubs:   make(map[string]func([]byte)),
	}
}

func (f *fakeBus) PublishRoom(matchID string, data []byte) error {
	f.roomEvents[matchID] = append(f.roomEvents[matchID], data)
	return nil
}

func (f *fakeBus) PublishUser(userID string, data []byte) error {
	f.userEvents[userID] = append(f.userEvents[userID], data)
	return nil
}

func (f *fakeBus) SubscribeRoom(matchID, connID string, handler func(data []byte)) error {
	if f.subRoomErr != nil {
		return f.subRoomErr
	}
	f.roomSubs[matchID+"/"+connID] = handler
	return nil
}

func (f *fakeBus) UnsubscribeRoom(matchID, connID string) error {
	delete(f.roomSubs, matchID+"/"+connID)
	return nil
}

func (f *fakeBus) SubscribeUser(userID, connID string, handler func(data []byte)) error {
	f.userSubs[userID+"/"+connID] = handler
	return nil
}

func (f *fakeBus) UnsubscribeConn(connID string) {
	f.unsubConns = append(f.unsubConns, connID)
}

type fakeSessions struct {
	created []string
	touched []string
	deleted []string
}

func (f *fakeSessions) Create(ctx context.Context, connID, userID string) error {
	f.created = append(f.created, connID)
	return nil
}

func (f *fakeSessions) Touch(ctx context.Context, connID, userID string) error {
	f.touched = append(f.touched, connID)
	return nil
}

func (f *fakeSessions) Delete(ctx context.Context, connID, userID string) error {
	f.deleted = append(f.deleted, connID)
	return nil
}

type fakeLimiter struct {
	allow bool
	retry time.Duration
}

func (f *fakeLimiter) Allow(ctx context.Context, rule ratelimit.Rule, id string) bool {
	return f.allow
}

func (f *fakeLimiter) Retry(ctx context.Context, rule ratelimit.Rule, id string) time.Duration {
	return f.retry
}

type fakeNotifier struct {
	jobs []notify.Job
}

func (f *fakeNotifier) Enqueue(job notify.Job) bool {
	f.jobs = append(f.jobs, job)
	return true
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(token string) (auth.Identity, error) {
	if token != "good-token" {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return auth.Identity{UserID: "alice", DisplayName: "Alice"}, nil
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	gw        *Gateway
	transport *fakeTransport
	authority *fakeResolver
	messages  *fakeMessages
	presence  *presence.MemoryRegistry
	bus       *fakeBus
	sessions  *fakeSessions
	limiter   *fakeLimiter
	notifier  *fakeNotifier
}

func newFixture() *fixture {
	fx := &fixture{
		transport: newFakeTransport(),
		authority: &fakeResolver{counterpart: "bob"},
		messages:  &fakeMessages{},
		presence:  presence.NewMemoryRegistry(),
		bus:       newFakeBus(),
		sessions:  &fakeSessions{},
		limiter:   &fakeLimiter{allow: true},
		notifier:  &fakeNotifier{},
	}
	fx.gw = New(Config{
		Transport: fx.transport,
		Authority: fx.authority,
		Messages:  fx.messages,
		Presence:  fx.presence,
		Bus:       fx.bus,
		Sessions:  fx.sessions,
		Limiter:   fx.limiter,
		Verifier:  fakeVerifier{},
		Notify:    fx.notifier,
	})
	return fx
}

// authedConn returns a connection that completed the handshake as alice.
func (fx *fixture) authedConn(t *testing.T, connID string) *fakeConn {
	t.Helper()
	conn := &fakeConn{id: connID}
	fx.gw.HandleAuth(conn, protocol.AuthMsg{Token: "good-token"})
	if conn.State() != ws.StateActive {
		t.Fatalf("handshake did not activate the connection, state=%d", conn.State())
	}
	return conn
}

func frameType(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("malformed frame: %v", err)
	}
	return env.Type
}

func lastFrame(t *testing.T, conn *fakeConn) []byte {
	t.Helper()
	if len(conn.frames) == 0 {
		t.Fatal("no frames written to connection")
	}
	return conn.frames[len(conn.frames)-1]
}

func decodeErrorFrame(t *testing.T, data []byte) protocol.ErrorMsg {
	t.Helper()
	if got := frameType(t, data); got != protocol.TypeError {
		t.Fatalf("expected error frame, got %q", got)
	}
	var msg protocol.ErrorMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("malformed error frame: %v", err)
	}
	return msg
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func TestHandleAuth_Success(t *testing.T) {
	fx := newFixture()
	conn := &fakeConn{id: "c1"}

	fx.gw.HandleAuth(conn, protocol.AuthMsg{Token: "good-token"})

	if conn.UserID() != "alice" {
		t.Errorf("expected conn bound to alice, got %q", conn.UserID())
	}
	if conn.State() != ws.StateActive {
		t.Errorf("expected active state, got %d", conn.State())
	}
	if got := frameType(t, lastFrame(t, conn)); got != protocol.TypeReady {
		t.Errorf("expected ready frame, got %q", got)
	}
	if len(fx.sessions.created) != 1 || fx.sessions.created[0] != "c1" {
		t.Errorf("expected session for c1, got %v", fx.sessions.created)
	}
	if _, ok := fx.bus.userSubs["alice/c1"]; !ok {
		t.Error("expected a personal channel subscription for alice")
	}
	if !fx.presence.IsOnline("alice") {
		t.Error("expected alice online after handshake")
	}
}

func TestHandleAuth_InvalidToken(t *testing.T) {
	fx := newFixture()
	conn := &fakeConn{id: "c1"}

	fx.gw.HandleAuth(conn, protocol.AuthMsg{Token: "forged"})

	msg := decodeErrorFrame(t, lastFrame(t, conn))
	if msg.Code != protocol.CodeAuthFailed {
		t.Errorf("expected code %q, got %q", protocol.CodeAuthFailed, msg.Code)
	}
	if len(fx.transport.dropped) != 1 || fx.transport.dropped[0] != "c1" {
		t.Errorf("expected c1 dropped, got %v", fx.transport.dropped)
	}
	if len(fx.sessions.created) != 0 {
		t.Error("no session should exist for a failed handshake")
	}
}

func TestHandleAuth_AlreadyActive(t *testing.T) {
	fx := newFixture()
	conn := fx.authedConn(t, "c1")

	fx.gw.HandleAuth(conn, protocol.AuthMsg{Token: "good-token"})

	msg := decodeErrorFrame(t, lastFrame(t, conn))
	if msg.Code != protocol.CodeAuthFailed {
		t.Errorf("expected code %q, got %q", protocol.CodeAuthFailed, msg.Code)
	}
	if len(fx.transport.dropped) != 0 {
		t.Error("a duplicate auth must not drop the connection")
	}
}

// ---------------------------------------------------------------------------
// Join / leave
// ---------------------------------------------------------------------------

func TestHandleJoin_Success(t *testing.T) {
	fx := newFixture()
	conn := fx.authedConn(t, "c1")

	fx.gw.HandleJoin(conn, protocol.JoinMatchMsg{MatchID: "m-1"})

	if !fx.presence.IsJoined("alice", "m-1") {
		t.Error("expected alice joined to m-1")
	}
	if _, ok := fx.bus.roomSubs["m-1/c1"]; !ok {
		t.Error("expected a room subscription for c1")
	}
	if fx.messages.deliveredCalls != 1 {
		t.Errorf("expected pending messages marked delivered on join, calls=%d", fx.messages.deliveredCalls)
	}
}

func TestHandleJoin_Denied(t *testing.T) {
	fx := newFixture()
	conn := fx.authedConn(t, "c1")
	fx.authority.err = match.ErrAccessDenied

	fx.gw.HandleJoin(conn, protocol.JoinMatchMsg{MatchID: "m-9"})

	msg := decodeErrorFrame(t, lastFrame(t, conn))
	if msg.Code != protocol.CodeAccessDenied {
		t.Errorf("expected code %q, got %q", protocol.CodeAccessDenied, msg.Code)
	}
	if fx.presence.IsJoined("alice", "m-9") {
		t.Error("a denied join must not touch presence")
	}
	if len(fx.bus.roomSubs) != 0 {
		t.Error("a denied join must not subscribe")
	}
}

func TestHandleJoin_SubscribeFailureRollsBack(t *testing.T) {
	fx := newFixture()
	conn := fx.authedConn(t, "c1")
	fx.bus.subRoomErr = errors.New("nats down")

	fx.gw.HandleJoin(conn, protocol.JoinMatchMsg{MatchID: "m-1"})

	msg := decodeErrorFrame(t, lastFrame(t, conn))
	if msg.Code != protocol.CodeStoreUnavailable {
		t.Errorf("expected code %q, got %q", protocol.CodeStoreUnavailable, msg.Code)
	}
	if fx.presence.IsJoined("alice", "m-1") {
		t.Error("presence join must be rolled back when the subscription fails")
	}
}

func TestHandleLeave(t *testing.T) {
	fx := newFixture()
	conn := fx.authedConn(t, "c1")
	fx.gw.HandleJoin(conn, protocol.JoinMatchMsg{MatchID: "m-1"})

	fx.gw.HandleLeave(conn, protocol.LeaveMatchMsg{MatchID: "m-1"})

	if fx.presence.IsJoined("alice", "m-1") {
		t.Error("expected alice out of m-1 after leave")
	}
	if _, ok := fx.bus.roomSubs["m-1/c1"]; ok {
		t.Error("expected room subscription removed after leave")
	}
}

// ---------------------------------------------------------------------------
// Send pipeline
// ---------------------------------------------------------------------------

func TestSend_Success(t *testing.T) {
	fx := newFixture()

	msg, err := fx.gw.Send(context.Background(), "alice", "Alice", "m-1", message.Payload{Text: "hey"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if msg.Status != message.StatusSent {
		t.Errorf("receiver offline, expected status sent, got %q", msg.Status)
	}

	events := fx.bus.roomEvents["m-1"]
	if len(events) != 1 {
		t.Fatalf("expected 1 room event, got %d", len(events))
	}
	ev, err := messaging.DecodeEvent(events[0])
	if err != nil {
		t.Fatalf("decode room event: %v", err)
	}
	if ev.Kind != messaging.KindNewMessage || ev.From != "alice" {
		t.Errorf("unexpected event kind=%q from=%q", ev.Kind, ev.From)
	}
	if got := frameType(t, ev.Frame); got != protocol.TypeNewMessage {
		t.Errorf("expected new_message frame, got %q", got)
	}

	inbox := fx.bus.userEvents["bob"]
	if len(inbox) != 1 {
		t.Fatalf("expected 1 inbox update for bob, got %d", len(inbox))
	}

	if len(fx.notifier.jobs) != 1 {
		t.Fatalf("expected 1 notify job, got %d", len(fx.notifier.jobs))
	}
	job := fx.notifier.jobs[0]
	if job.ReceiverID != "bob" || job.SenderID != "alice" || job.SenderName != "Alice" {
		t.Errorf("unexpected job routing: %+v", job)
	}
	if job.MessageType != message.TypeText || job.Text != "hey" {
		t.Errorf("unexpected job content: %+v", job)
	}
}

func TestSend_InboxUpdateCarriesUnreadBadge(t *testing.T) {
	fx := newFixture()
	fx.messages.unreadN = 4

	if _, err := fx.gw.Send(context.Background(), "alice", "Alice", "m-1", message.Payload{Text: "hey"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	inbox := fx.bus.userEvents["bob"]
	if len(inbox) != 1 {
		t.Fatalf("expected 1 inbox update for bob, got %d", len(inbox))
	}
	ev, err := messaging.DecodeEvent(inbox[0])
	if err != nil {
		t.Fatalf("decode inbox event: %v", err)
	}
	var upd protocol.InboxUpdateMsg
	if err := json.Unmarshal(ev.Frame, &upd); err != nil {
		t.Fatalf("malformed inbox frame: %v", err)
	}
	if upd.UnreadCount != 4 {
		t.Errorf("expected unread badge 4, got %d", upd.UnreadCount)
	}
	if upd.LastMessage == nil || upd.LastMessage.Text != "hey" {
		t.Errorf("expected last message preview in the update, got %+v", upd.LastMessage)
	}
}

func TestSend_DeliveredWhenReceiverInRoom(t *testing.T) {
	fx := newFixture()
	fx.presence.Connect("bob", "c-bob")
	fx.presence.Join("bob", "m-1")

	msg, err := fx.gw.Send(context.Background(), "alice", "Alice", "m-1", message.Payload{Text: "hey"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if msg.Status != message.StatusDelivered {
		t.Errorf("receiver in room, expected status delivered, got %q", msg.Status)
	}
	if fx.messages.deliveredCalls != 1 {
		t.Errorf("expected one delivery mark, got %d", fx.messages.deliveredCalls)
	}
}

func TestSend_Denied(t *testing.T) {
	fx := newFixture()
	fx.authority.err = match.ErrAccessDenied

	_, err := fx.gw.Send(context.Background(), "mallory", "Mallory", "m-1", message.Payload{Text: "hi"})
	if !errors.Is(err, match.ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
	if len(fx.messages.appended) != 0 {
		t.Error("a denied send must not persist")
	}
}

func TestSend_RateLimited(t *testing.T) {
	fx := newFixture()
	fx.limiter.allow = false
	fx.limiter.retry = 3 * time.Second

	_, err := fx.gw.Send(context.Background(), "alice", "Alice", "m-1", message.Payload{Text: "hi"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected a RateLimitedError, got %T", err)
	}
	if rl.RetryAfter != 3*time.Second {
		t.Errorf("expected retry hint of 3s, got %s", rl.RetryAfter)
	}
	if len(fx.messages.appended) != 0 {
		t.Error("a throttled send must not persist")
	}
}

func TestSend_InvalidPayload(t *testing.T) {
	fx := newFixture()

	_, err := fx.gw.Send(context.Background(), "alice", "Alice", "m-1", message.Payload{})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload error, got %v", err)
	}
	if len(fx.messages.appended) != 0 {
		t.Error("an invalid send must not persist")
	}
}

func TestHandleSend_AckWhenNotJoined(t *testing.T) {
	fx := newFixture()
	conn := fx.authedConn(t, "c1")

	fx.gw.HandleSend(conn, protocol.SendMessageMsg{MatchID: "m-1", Text: "hey"})

	if got := frameType(t, lastFrame(t, conn)); got != protocol.TypeNewMessage {
		t.Errorf("expected a direct ack frame for a sender outside the room, got %q", got)
	}
}

func TestHandleSend_RateLimitedFrame(t *testing.T) {
	fx := newFixture()
	conn := fx.authedConn(t, "c1")
	fx.limiter.allow = false

	fx.gw.HandleSend(conn, protocol.SendMessageMsg{MatchID: "m-1", Text: "hey"})

	msg := decodeErrorFrame(t, lastFrame(t, conn))
	if msg.Code != protocol.CodeRateLimited {
		t.Errorf("expected code %q, got %q", protocol.CodeRateLimited, msg.Code)
	}
}

// ---------------------------------------------------------------------------
// Read receipts
// ---------------------------------------------------------------------------

func TestMarkRead(t *testing.T) {
	fx := newFixture()
	fx.messages.markReadN = 3

	n, err := fx.gw.MarkRead(context.Background(), "alice", "m-1")
	if err != nil {
		t.Fatalf("mark read failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 messages read, got %d", n)
	}

	receipts := fx.bus.userEvents["bob"]
	if len(receipts) != 1 {
		t.Fatalf("expected 1 event on the counterpart channel, got %d", len(receipts))
	}
	ev, err := messaging.DecodeEvent(receipts[0])
	if err != nil {
		t.Fatalf("decode receipt event: %v", err)
	}
	if got := frameType(t, ev.Frame); got != protocol.TypeMessagesRead {
		t.Errorf("expected messages_read frame, got %q", got)
	}
	var frame protocol.MessagesReadMsg
	if err := json.Unmarshal(ev.Frame, &frame); err != nil {
		t.Fatalf("malformed messages_read frame: %v", err)
	}
	if frame.MatchID != "m-1" || frame.Count != 3 {
		t.Errorf("unexpected receipt content: %+v", frame)
	}

	if len(fx.bus.userEvents["alice"]) != 1 {
		t.Error("expected an inbox refresh on the reader's own channel")
	}
}

func TestMarkRead_NothingUnread(t *testing.T) {
	fx := newFixture()
	fx.messages.markReadN = 0

	n, err := fx.gw.MarkRead(context.Background(), "alice", "m-1")
	if err != nil {
		t.Fatalf("mark read failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0, got %d", n)
	}
	if len(fx.bus.userEvents) != 0 {
		t.Error("a no-op receipt must not publish anything")
	}
}

// ---------------------------------------------------------------------------
// Typing relay
// ---------------------------------------------------------------------------

func TestHandleTyping_RequiresOpenRoom(t *testing.T) {
	fx := newFixture()
	conn := fx.authedConn(t, "c1")

	fx.gw.HandleTyping(conn, "m-1", true)

	if len(fx.bus.roomEvents["m-1"]) != 0 {
		t.Fatal("typing outside an open room must not publish")
	}
}

func TestHandleTyping_Relay(t *testing.T) {
	fx := newFixture()
	conn := fx.authedConn(t, "c1")
	fx.gw.HandleJoin(conn, protocol.JoinMatchMsg{MatchID: "m-1"})

	fx.gw.HandleTyping(conn, "m-1", true)
	fx.gw.HandleTyping(conn, "m-1", false)

	events := fx.bus.roomEvents["m-1"]
	if len(events) != 2 {
		t.Fatalf("expected 2 typing events, got %d", len(events))
	}

	first, err := messaging.DecodeEvent(events[0])
	if err != nil {
		t.Fatalf("decode typing event: %v", err)
	}
	if first.Kind != messaging.KindTyping || first.From != "alice" {
		t.Errorf("unexpected event kind=%q from=%q", first.Kind, first.From)
	}
	if got := frameType(t, first.Frame); got != protocol.TypeUserTyping {
		t.Errorf("expected user_typing frame, got %q", got)
	}

	second, _ := messaging.DecodeEvent(events[1])
	if got := frameType(t, second.Frame); got != protocol.TypeUserStoppedTyping {
		t.Errorf("expected user_stopped_typing frame, got %q", got)
	}
}

func TestDeliverRoomEvent_TypingNotEchoed(t *testing.T) {
	fx := newFixture()
	frame, _ := protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{MatchID: "m-1", UserID: "alice"})
	event, _ := messaging.EncodeEvent(messaging.KindTyping, "alice", frame)

	fx.gw.deliverRoomEvent("c1", "alice", event)
	if len(fx.transport.sent["c1"]) != 0 {
		t.Fatal("a typing event must not echo to its originator")
	}

	fx.gw.deliverRoomEvent("c2", "bob", event)
	if len(fx.transport.sent["c2"]) != 1 {
		t.Fatal("a typing event must reach the counterpart")
	}
}

func TestDeliverRoomEvent_NewMessageEchoedToSender(t *testing.T) {
	fx := newFixture()
	frame, _ := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{})
	event, _ := messaging.EncodeEvent(messaging.KindNewMessage, "alice", frame)

	fx.gw.deliverRoomEvent("c1", "alice", event)
	if len(fx.transport.sent["c1"]) != 1 {
		t.Fatal("a new message must reach the sender's own open room view")
	}
}

// ---------------------------------------------------------------------------
// Disconnect cleanup
// ---------------------------------------------------------------------------

func TestOnDisconnect_Unauthenticated(t *testing.T) {
	fx := newFixture()
	c := &ws.Connection{ID: "c1"}

	fx.gw.OnDisconnect(c)

	if len(fx.bus.unsubConns) != 1 || fx.bus.unsubConns[0] != "c1" {
		t.Errorf("expected bus cleanup for c1, got %v", fx.bus.unsubConns)
	}
	if len(fx.sessions.deleted) != 0 {
		t.Error("no session to delete for an unauthenticated connection")
	}
}

func TestOnDisconnect_Authenticated(t *testing.T) {
	fx := newFixture()
	fx.gw.names["alice"] = "Alice"
	fx.presence.Connect("alice", "c1")
	fx.presence.Join("alice", "m-1")

	c := &ws.Connection{ID: "c1"}
	c.Bind("alice")

	fx.gw.OnDisconnect(c)

	if fx.presence.IsOnline("alice") {
		t.Error("expected alice offline after disconnect")
	}
	if fx.presence.IsJoined("alice", "m-1") {
		t.Error("expected room membership purged on disconnect")
	}
	if len(fx.sessions.deleted) != 1 || fx.sessions.deleted[0] != "c1" {
		t.Errorf("expected session c1 deleted, got %v", fx.sessions.deleted)
	}
	if name := fx.gw.displayName("alice"); name != "" {
		t.Errorf("expected display name cache cleared, got %q", name)
	}
}

func TestOnDisconnect_StaleCloseAfterReconnect(t *testing.T) {
	fx := newFixture()

	fx.authedConn(t, "c-old")
	fresh := fx.authedConn(t, "c-new")
	fx.gw.HandleJoin(fresh, protocol.JoinMatchMsg{MatchID: "m-1"})

	// The old socket's close races in after the new one took over.
	old := &ws.Connection{ID: "c-old"}
	old.Bind("alice")
	fx.gw.OnDisconnect(old)

	if !fx.presence.IsOnline("alice") {
		t.Error("a stale close must not mark a reconnected user offline")
	}
	if !fx.presence.IsJoined("alice", "m-1") {
		t.Error("a stale close must not purge the live connection's rooms")
	}
	if name := fx.gw.displayName("alice"); name != "Alice" {
		t.Errorf("a stale close must not clear the display name, got %q", name)
	}

	// Closing the live connection still cleans everything up.
	live := &ws.Connection{ID: "c-new"}
	live.Bind("alice")
	fx.gw.OnDisconnect(live)

	if fx.presence.IsOnline("alice") {
		t.Error("expected alice offline after the owning connection closed")
	}
	if fx.presence.IsJoined("alice", "m-1") {
		t.Error("expected rooms purged after the owning connection closed")
	}
	if name := fx.gw.displayName("alice"); name != "" {
		t.Errorf("expected display name cache cleared, got %q", name)
	}
}
