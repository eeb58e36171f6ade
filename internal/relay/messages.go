package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pliu/murmur/internal/envelope"
	"github.com/pliu/murmur/internal/models"
	"github.com/pliu/murmur/internal/protocol"
	"github.com/pliu/murmur/internal/store"
)

const defaultMaxReadBatch = 100

// Options tunes the message relay.
type Options struct {
	MaxReadBatch int
	Now          func() time.Time
}

// Messages drives send, receipts and the edit/delete/pin/react mutations.
type Messages struct {
	store        store.Store
	conns        Conns
	log          *zap.Logger
	maxReadBatch int
	nowFn        func() time.Time
}

func NewMessages(st store.Store, conns Conns, log *zap.Logger, opts Options) *Messages {
	r := &Messages{
		store:        st,
		conns:        conns,
		log:          log,
		maxReadBatch: opts.MaxReadBatch,
		nowFn:        opts.Now,
	}
	if r.maxReadBatch <= 0 {
		r.maxReadBatch = defaultMaxReadBatch
	}
	if r.nowFn == nil {
		r.nowFn = time.Now
	}
	return r
}

func (r *Messages) now() int64 {
	return r.nowFn().UnixMilli()
}

// Send persists a message and forwards it if the recipient is live. The
// message counts as delivered only when the recipient was connected at
// persist time.
func (r *Messages) Send(ctx context.Context, senderID string, p *protocol.SendMessage) error {
	body := p.Body()
	if err := envelope.Validate(body); err != nil {
		return err
	}

	r.conns.Subscribe(senderID, p.To)
	r.conns.Subscribe(p.To, senderID)

	msg := &models.Message{
		ID:          p.ID,
		SenderID:    senderID,
		RecipientID: p.To,
		CreatedAt:   p.CreatedAt,
		ContentType: p.ContentType,
		Body:        body,
		Meta:        p.Meta,
		ReplyToID:   p.ReplyToID,
	}
	if r.conns.IsOnline(p.To) {
		at := r.now()
		msg.DeliveredAt = &at
	}

	if err := r.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("save message %s: %w", msg.ID, err)
	}

	if msg.DeliveredAt == nil {
		return nil
	}
	if !push(r.conns, r.log, p.To, protocol.TypeMessageReceive, protocol.NewReceivedMessage(msg)) {
		r.log.Debug("recipient dropped before forward", zap.String("message_id", msg.ID))
	}
	push(r.conns, r.log, senderID, protocol.TypeMessageDelivered, protocol.Delivered{
		ID:          msg.ID,
		To:          msg.RecipientID,
		DeliveredAt: *msg.DeliveredAt,
	})
	return nil
}

// MarkRead stamps a batch of messages from PeerID as read by readerID and
// tells the peer which ones changed.
func (r *Messages) MarkRead(ctx context.Context, readerID string, p *protocol.ReadReceipt) error {
	ids := dedupe(p.IDs, r.maxReadBatch)
	if len(ids) == 0 {
		return nil
	}

	at := r.now()
	stamped, err := r.store.MarkRead(ctx, readerID, p.PeerID, ids, at)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if len(stamped) == 0 {
		return nil
	}
	push(r.conns, r.log, p.PeerID, protocol.TypeMessageRead, protocol.ReadNotice{
		By:     readerID,
		IDs:    stamped,
		ReadAt: at,
	})
	return nil
}

// Delete removes a message the caller sent.
func (r *Messages) Delete(ctx context.Context, userID string, p *protocol.DeleteMessage) error {
	msg, err := r.store.GetMessage(ctx, p.ID)
	if err != nil {
		return r.noop("delete", p.ID, err)
	}
	if msg.SenderID != userID {
		return r.noop("delete", p.ID, store.ErrNotFound)
	}
	if _, err := r.store.DeleteMessage(ctx, p.ID, userID); err != nil {
		return r.noop("delete", p.ID, err)
	}
	r.broadcast(userID, msg.Peer(userID), protocol.TypeMessageDeleted, protocol.Deleted{ID: p.ID, By: userID})
	return nil
}

// Edit replaces the envelopes of a message the caller sent.
func (r *Messages) Edit(ctx context.Context, userID string, p *protocol.EditMessage) error {
	body := p.Body()
	if err := envelope.Validate(body); err != nil {
		return err
	}
	msg, err := r.store.EditMessage(ctx, p.ID, userID, body, r.now())
	if err != nil {
		return r.noop("edit", p.ID, err)
	}
	r.broadcast(userID, msg.Peer(userID), protocol.TypeMessageEdited, protocol.Edited{
		ID:              msg.ID,
		Nonce:           msg.Body.Recipient.Nonce,
		Ciphertext:      msg.Body.Recipient.Ciphertext,
		SenderPublicKey: msg.Body.SenderPublicKey,
		SelfNonce:       msg.Body.Self.Nonce,
		SelfCiphertext:  msg.Body.Self.Ciphertext,
		EditedAt:        *msg.EditedAt,
	})
	return nil
}

// Pin toggles the pinned flag; either party may pin.
func (r *Messages) Pin(ctx context.Context, userID string, p *protocol.PinMessage) error {
	msg, err := r.store.TogglePin(ctx, p.ID, userID)
	if err != nil {
		return r.noop("pin", p.ID, err)
	}
	r.broadcast(userID, msg.Peer(userID), protocol.TypeMessagePinned, protocol.Pinned{
		ID:     msg.ID,
		Pinned: msg.Pinned,
		By:     userID,
	})
	return nil
}

// React toggles the caller's reaction with one emoji.
func (r *Messages) React(ctx context.Context, userID string, p *protocol.ReactMessage) error {
	msg, err := r.store.ToggleReaction(ctx, p.ID, userID, p.Emoji)
	if err != nil {
		return r.noop("react", p.ID, err)
	}
	r.broadcast(userID, msg.Peer(userID), protocol.TypeMessageReacted, protocol.Reacted{
		ID:        msg.ID,
		Reactions: msg.Reactions,
		By:        userID,
	})
	return nil
}

// broadcast sends the new state to the actor (other tabs) and the peer.
func (r *Messages) broadcast(actorID, peerID, frameType string, payload any) {
	push(r.conns, r.log, actorID, frameType, payload)
	if peerID != actorID {
		push(r.conns, r.log, peerID, frameType, payload)
	}
}

// noop swallows not-found and unauthorized outcomes so a probing client
// cannot tell them apart. Other errors are returned.
func (r *Messages) noop(op, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		r.log.Debug("mutation ignored", zap.String("op", op), zap.String("message_id", id))
		return nil
	}
	return fmt.Errorf("%s %s: %w", op, id, err)
}

// dedupe drops empty and repeated ids, then caps the result at limit.
func dedupe(ids []string, limit int) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, min(len(ids), limit))
	for _, id := range ids {
		if len(out) == limit {
			break
		}
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
