// Package notify decides when an out-of-band push notification is needed for
// a new message and constructs its payload. Delivery is handed to a push
// transport; transport failures are logged and swallowed so that a slow or
// broken provider can never fail a message send.
package notify

import (
	"context"
	"log"
	"time"
	"unicode/utf8"

	"github.com/kindling/messaging/internal/message"
	"github.com/kindling/messaging/internal/metrics"
)

// PreviewMaxChars bounds the text preview in a push body.
const PreviewMaxChars = 140

// Presence is the slice of the presence registry the dispatcher needs to
// decide whether the receiver will see the message live.
type Presence interface {
	IsOnline(userID string) bool
	IsJoined(userID, matchID string) bool
}

// TokenSource resolves a user's push provider tokens. Tokens are owned by
// the external user store; this is read-only access.
type TokenSource interface {
	TokensFor(ctx context.Context, userID string) ([]string, error)
}

// PushSender delivers a constructed payload to the push provider.
type PushSender interface {
	Send(ctx context.Context, tokens []string, payload Payload) error
}

// Payload is a fully constructed push notification, ready for the transport.
type Payload struct {
	Title string            `json:"title"` // sender's display name
	Body  string            `json:"body"`  // type-specific preview
	Data  map[string]string `json:"data"`  // deep-link metadata
}

// Job is one queued notification decision. Jobs are enqueued by the send
// path and consumed by the dispatcher's background worker, decoupling push
// latency from message persistence.
type Job struct {
	ReceiverID  string `json:"receiver_id"`
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_name"`
	MatchID     string `json:"match_id"`
	MessageType string `json:"message_type"`
	Text        string `json:"text,omitempty"`
}

// Dispatcher evaluates notification jobs against live presence and hands
// payloads to the push transport.
type Dispatcher struct {
	presence Presence
	tokens   TokenSource
	sender   PushSender
	queue    chan Job
	done     chan struct{}
}

// QueueSize bounds the in-process notification queue. A full queue drops the
// job with a log line rather than blocking the send path.
const QueueSize = 1024

// sendTimeout bounds one push transport call.
const sendTimeout = 10 * time.Second

// NewDispatcher creates a Dispatcher. Call Start to launch the worker.
func NewDispatcher(presence Presence, tokens TokenSource, sender PushSender) *Dispatcher {
	return &Dispatcher{
		presence: presence,
		tokens:   tokens,
		sender:   sender,
		queue:    make(chan Job, QueueSize),
		done:     make(chan struct{}),
	}
}

// Start launches the background worker that drains the queue. It returns
// immediately.
func (d *Dispatcher) Start() {
	go func() {
		for {
			select {
			case <-d.done:
				return
			case job := <-d.queue:
				d.process(job)
			}
		}
	}()
}

// Stop signals the worker to exit. Queued jobs are dropped; notification
// delivery is best-effort by contract.
func (d *Dispatcher) Stop() {
	close(d.done)
}

// Enqueue queues a notification decision without blocking. Returns false if
// the queue is full and the job was dropped.
func (d *Dispatcher) Enqueue(job Job) bool {
	select {
	case d.queue <- job:
		return true
	default:
		log.Printf("notify: queue full, dropping job for receiver=%s match=%s", job.ReceiverID, job.MatchID)
		metrics.PushesTotal.WithLabelValues("failed").Inc()
		return false
	}
}

// MaybeNotify evaluates and, if needed, delivers a push for the job
// synchronously. It is the worker's body, exported so that a NATS-fed
// notification worker can reuse it.
//
// The push is skipped entirely when the receiver is online and has the match
// room open: they will see the message live.
func (d *Dispatcher) MaybeNotify(ctx context.Context, job Job) {
	if d.presence.IsOnline(job.ReceiverID) && d.presence.IsJoined(job.ReceiverID, job.MatchID) {
		metrics.PushesTotal.WithLabelValues("skipped").Inc()
		return
	}

	tokens, err := d.tokens.TokensFor(ctx, job.ReceiverID)
	if err != nil {
		log.Printf("notify: token lookup for %s failed: %v", job.ReceiverID, err)
		metrics.PushesTotal.WithLabelValues("failed").Inc()
		return
	}
	if len(tokens) == 0 {
		metrics.PushesTotal.WithLabelValues("no_tokens").Inc()
		return
	}

	payload := BuildPayload(job)

	if err := d.sender.Send(ctx, tokens, payload); err != nil {
		// Best-effort by contract: log and swallow.
		log.Printf("notify: push to %s failed: %v", job.ReceiverID, err)
		metrics.PushesTotal.WithLabelValues("failed").Inc()
		return
	}
	metrics.PushesTotal.WithLabelValues("sent").Inc()
}

func (d *Dispatcher) process(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	d.MaybeNotify(ctx, job)
}

// BuildPayload constructs the push payload for a job: title is the sender's
// display name, body a type-specific preview, data the deep-link metadata.
func BuildPayload(job Job) Payload {
	return Payload{
		Title: job.SenderName,
		Body:  previewBody(job.SenderName, job.MessageType, job.Text),
		Data: map[string]string{
			"type":     "message",
			"matchId":  job.MatchID,
			"senderId": job.SenderID,
		},
	}
}

// previewBody derives the user-facing notification body from the message
// type and text.
func previewBody(senderName, messageType, text string) string {
	switch messageType {
	case message.TypeImage:
		return senderName + " sent a photo"
	case message.TypeGif:
		return senderName + " sent a GIF"
	case message.TypeAudio:
		return senderName + " sent a voice note"
	}

	if text == "" {
		return senderName + " sent a message"
	}
	return truncate(text, PreviewMaxChars)
}

// truncate shortens s to at most max runes, appending "..." when cut.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-3]) + "..."
}
