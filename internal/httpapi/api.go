// Package httpapi exposes the messaging core's request/response surface over
// REST: inbox listing, message history pagination, sending, read receipts,
// and message deletion. Realtime traffic stays on the WebSocket gateway; the
// REST send and mark-read paths reuse the gateway pipeline so fan-out and
// push behavior are identical regardless of entry point.
package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kindling/messaging/internal/auth"
	"github.com/kindling/messaging/internal/gateway"
	"github.com/kindling/messaging/internal/inbox"
	"github.com/kindling/messaging/internal/match"
	"github.com/kindling/messaging/internal/message"
	"github.com/kindling/messaging/internal/metrics"
	"github.com/kindling/messaging/internal/protocol"
)

// MessageReader is the read-side of the message store the API needs.
// Satisfied by *message.Store.
type MessageReader interface {
	ListSince(ctx context.Context, matchID string, cursor message.Cursor, limit int) ([]message.Message, message.Cursor, error)
	Get(ctx context.Context, messageID string) (*message.Message, error)
	SoftDelete(ctx context.Context, messageID, requesterID string) error
}

// InboxBuilder aggregates a user's inbox. Satisfied by *inbox.Aggregator.
type InboxBuilder interface {
	Build(ctx context.Context, userID string) ([]inbox.Entry, error)
}

// API holds the REST surface's dependencies.
type API struct {
	verifier  auth.Verifier
	gw        *gateway.Gateway
	authority gateway.Resolver
	messages  MessageReader
	inbox     InboxBuilder
}

// New creates the REST API surface.
func New(verifier auth.Verifier, gw *gateway.Gateway, authority gateway.Resolver, messages MessageReader, ib InboxBuilder) *API {
	return &API{
		verifier:  verifier,
		gw:        gw,
		authority: authority,
		messages:  messages,
		inbox:     ib,
	}
}

// Router builds the gin engine with all routes and middleware attached.
func (a *API) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api", AuthRequired(a.verifier))
	api.GET("/inbox", a.getInbox)
	api.GET("/messages/:matchId", a.getMessages)
	api.POST("/messages", a.postMessage)
	api.PUT("/messages/:matchId/read", a.putRead)
	api.DELETE("/messages/:messageId", a.deleteMessage)

	return r
}

// inboxEntry is the JSON form of one inbox row.
type inboxEntry struct {
	MatchID       string                   `json:"match_id"`
	CounterpartID string                   `json:"counterpart_id"`
	LastMessage   *protocol.MessagePayload `json:"last_message,omitempty"`
	UnreadCount   int64                    `json:"unread_count"`
	MatchedAt     int64                    `json:"matched_at"`
}

// getInbox returns the caller's conversation list, newest activity first.
func (a *API) getInbox(c *gin.Context) {
	userID := c.GetString("userId")

	entries, err := a.inbox.Build(c.Request.Context(), userID)
	if err != nil {
		log.Printf("http: inbox build user=%s: %v", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build inbox"})
		return
	}
	inbox.SortEntries(entries)

	out := make([]inboxEntry, 0, len(entries))
	for _, e := range entries {
		entry := inboxEntry{
			MatchID:       e.MatchID,
			CounterpartID: e.CounterpartID,
			UnreadCount:   e.UnreadCount,
			MatchedAt:     e.MatchedAt.UnixMilli(),
		}
		if e.LastMessage != nil {
			wire := gateway.WirePayload(e.LastMessage)
			entry.LastMessage = &wire
		}
		out = append(out, entry)
	}

	c.JSON(http.StatusOK, gin.H{"entries": out})
}

// getMessages returns a newest-first page of a match's message history.
// Pagination uses an opaque cursor; an absent cursor starts at the newest
// message.
func (a *API) getMessages(c *gin.Context) {
	userID := c.GetString("userId")
	matchID := c.Param("matchId")

	if _, err := a.authority.ResolveCounterpart(c.Request.Context(), matchID, userID); err != nil {
		a.authorityError(c, err)
		return
	}

	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	cursor, err := message.DecodeCursor(c.Query("before"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
		return
	}

	msgs, next, err := a.messages.ListSince(c.Request.Context(), matchID, cursor, limit)
	if err != nil {
		log.Printf("http: list messages match=%s: %v", matchID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}

	out := make([]protocol.MessagePayload, 0, len(msgs))
	for i := range msgs {
		out = append(out, gateway.WirePayload(&msgs[i]))
	}

	resp := gin.H{"messages": out}
	if !next.IsZero() {
		resp["next_cursor"] = next.Encode()
	}
	c.JSON(http.StatusOK, resp)
}

// sendRequest is the POST body for sending a message over REST.
type sendRequest struct {
	MatchID       string `json:"match_id" binding:"required"`
	Text          string `json:"text"`
	MessageType   string `json:"message_type"`
	MediaURL      string `json:"media_url"`
	AudioDuration int    `json:"audio_duration"`
}

// postMessage sends a message through the shared gateway pipeline, so room
// fan-out, inbox updates, and push decisions behave exactly as a WebSocket
// send.
func (a *API) postMessage(c *gin.Context) {
	userID := c.GetString("userId")

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	// The display name rides on the verified token; a REST sender may have no
	// live connection for the gateway to know it from.
	msg, err := a.gw.Send(c.Request.Context(), userID, c.GetString("displayName"), req.MatchID, message.Payload{
		Text:          req.Text,
		MediaType:     req.MessageType,
		MediaURL:      req.MediaURL,
		AudioDuration: req.AudioDuration,
	})
	if err != nil {
		a.sendError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": gateway.WirePayload(msg)})
}

// putRead marks all unread messages addressed to the caller in the match as
// read and returns the number of messages affected.
func (a *API) putRead(c *gin.Context) {
	userID := c.GetString("userId")
	matchID := c.Param("matchId")

	n, err := a.gw.MarkRead(c.Request.Context(), userID, matchID)
	if err != nil {
		if errors.Is(err, match.ErrAccessDenied) || errors.Is(err, match.ErrInvalidMatchState) {
			a.authorityError(c, err)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark messages read"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": n})
}

// deleteMessage soft-deletes a message the caller sent. The row is retained
// with redacted content; both members' inboxes are refreshed since the
// deleted message may have been the conversation preview.
func (a *API) deleteMessage(c *gin.Context) {
	userID := c.GetString("userId")
	messageID := c.Param("messageId")

	msg, err := a.messages.Get(c.Request.Context(), messageID)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load message"})
		return
	}

	if err := a.messages.SoftDelete(c.Request.Context(), messageID, userID); err != nil {
		switch {
		case errors.Is(err, message.ErrAccessDenied):
			c.JSON(http.StatusForbidden, gin.H{"error": "only the sender may delete a message"})
		case errors.Is(err, message.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		default:
			log.Printf("http: soft delete message=%s: %v", messageID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete message"})
		}
		return
	}

	a.gw.PublishInboxUpdate(c.Request.Context(), msg.SenderID, msg.MatchID, nil)
	a.gw.PublishInboxUpdate(c.Request.Context(), msg.ReceiverID, msg.MatchID, nil)

	c.Status(http.StatusNoContent)
}

// sendError maps a gateway send failure to an HTTP response.
func (a *API) sendError(c *gin.Context, err error) {
	var rl *gateway.RateLimitedError
	switch {
	case errors.As(err, &rl):
		if rl.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds()+0.5)))
		}
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "sending too fast"})
	case errors.Is(err, gateway.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, match.ErrAccessDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member of this match"})
	case errors.Is(err, match.ErrInvalidMatchState):
		c.JSON(http.StatusConflict, gin.H{"error": "match does not accept messages"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send message"})
	}
}

// authorityError maps a membership authority failure to an HTTP response.
func (a *API) authorityError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, match.ErrAccessDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member of this match"})
	case errors.Is(err, match.ErrInvalidMatchState):
		c.JSON(http.StatusConflict, gin.H{"error": "match does not accept messages"})
	default:
		log.Printf("http: authority check: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify match access"})
	}
}
