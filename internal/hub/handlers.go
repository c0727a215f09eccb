package hub

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Riotolondon/fleet-sub000/internal/chatid"
	"github.com/Riotolondon/fleet-sub000/internal/db"
	"github.com/Riotolondon/fleet-sub000/internal/event"
	"github.com/Riotolondon/fleet-sub000/internal/model"
	"github.com/Riotolondon/fleet-sub000/internal/service"
	"go.uber.org/zap"
)

func (h *Hub) handleEvent(ev event.WsEvent, c *Client) {
	if c.IsClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
	defer cancel()

	switch ev.Event {
	case event.EventMessageSend:
		h.handleSend(ctx, ev, c)
	case event.EventTypingStart:
		if h.requireMember(ev, c) {
			c.composer(ev.ConversationID).Keystroke(ctx)
		}
	case event.EventTypingStop:
		if h.requireMember(ev, c) {
			c.composer(ev.ConversationID).Stop(ctx)
		}
	case event.EventConversationOpen:
		if h.requireMember(ev, c) {
			c.openConversation(ev.ConversationID)
		}
	case event.EventConversationClose:
		c.closeConversation(ev.ConversationID)
	case event.EventConversationRead:
		if err := h.chat.MarkConversationRead(ctx, ev.ConversationID, c.userID); err != nil {
			h.replyError(c, ev.RequestID, err)
		}
	case event.EventPresenceVisibility:
		var v event.Visibility
		if err := ev.Decode(&v); err != nil {
			c.Send(event.Error(ev.RequestID, event.CodeBadRequest, "malformed payload"))
			return
		}
		if t := c.presenceTracker(); t != nil {
			if v.Visible {
				t.Visible()
			} else {
				t.Hidden()
			}
		}
	case event.EventPresenceStatus:
		h.handleStatus(ctx, ev, c)
	default:
		c.logger.Debug("unknown event", zap.String("event", ev.Event))
		c.Send(event.Error(ev.RequestID, event.CodeUnknown, "unknown event "+ev.Event))
	}
}

func (h *Hub) handleSend(ctx context.Context, ev event.WsEvent, c *Client) {
	var p event.SendMessage
	if err := ev.Decode(&p); err != nil {
		c.Send(event.Error(ev.RequestID, event.CodeBadRequest, "malformed payload"))
		return
	}

	msg, err := h.chat.SendMessage(ctx, service.SendRequest{
		ID:             p.ID,
		ConversationID: ev.ConversationID,
		Sender:         model.ParticipantInfo{ID: c.userID, Name: c.userName},
		Receiver:       p.Receiver,
		Text:           p.Text,
		Type:           p.Type,
		Data:           p.Data,
		Vehicle:        p.Vehicle,
	})
	if msg != nil {
		// the send already cleared the stored signal; this resets the debounce
		c.composer(msg.ConversationID).Stop(ctx)
		ack := event.New(event.EventMessageAck, msg.ConversationID, msg)
		ack.RequestID = ev.RequestID
		c.Send(ack)
	}
	if err != nil {
		h.replyError(c, ev.RequestID, err)
	}
}

func (h *Hub) handleStatus(ctx context.Context, ev event.WsEvent, c *Client) {
	var p event.PresenceStatus
	if err := ev.Decode(&p); err != nil {
		c.Send(event.Error(ev.RequestID, event.CodeBadRequest, "malformed payload"))
		return
	}
	if p.Status != "" {
		if err := h.chat.SetPresenceStatus(ctx, c.userID, p.Status); err != nil {
			h.replyError(c, ev.RequestID, err)
			return
		}
	}
	if p.Activity != nil {
		h.chat.SetActivity(ctx, c.userID, *p.Activity)
	}
}

// requireMember rejects events on conversations the session's user is not
// part of, judged from the canonical id alone.
func (h *Hub) requireMember(ev event.WsEvent, c *Client) bool {
	a, b, ok := chatid.Participants(ev.ConversationID)
	switch {
	case !ok:
		c.Send(event.Error(ev.RequestID, event.CodeBadRequest, "malformed conversation id"))
		return false
	case c.userID != a && c.userID != b:
		c.Send(event.Error(ev.RequestID, event.CodeForbidden, "not a participant"))
		return false
	}
	return true
}

func (h *Hub) replyError(c *Client, requestID string, err error) {
	code := errorCode(err)
	if code == event.CodeInternal || code == event.CodeUnavailable {
		c.logger.Warn("event failed", zap.String("request_id", requestID), zap.Error(err))
	}
	c.Send(event.Error(requestID, code, err.Error()))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, db.ErrInvalidDocument):
		return event.CodeBadRequest
	case errors.Is(err, db.ErrPermissionDenied):
		return event.CodeForbidden
	case errors.Is(err, db.ErrNotFound):
		return event.CodeNotFound
	case errors.Is(err, db.ErrConflict):
		return event.CodeConflict
	case errors.Is(err, db.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return event.CodeUnavailable
	}
	return event.CodeInternal
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
