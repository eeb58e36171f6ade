package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pliu/murmur/internal/models"
	"github.com/pliu/murmur/internal/store"
)

var messageFields = []string{
	"id", "sender_id", "recipient_id", "created_at", "content_type",
	"ciphertext", "nonce", "self_ciphertext", "self_nonce", "sender_public_key",
	"meta", "delivered_at", "read_at", "edited_at", "reply_to_id", "pinned", "reactions",
}

func messageColumns(alias string) string {
	if alias == "" {
		return strings.Join(messageFields, ", ")
	}
	cols := make([]string, len(messageFields))
	for i, f := range messageFields {
		cols[i] = alias + "." + f
	}
	return strings.Join(cols, ", ")
}

func scanMessage(row interface{ Scan(...any) error }, extra ...any) (*models.Message, error) {
	var (
		m                             models.Message
		meta, reactions               string
		deliveredAt, readAt, editedAt sql.NullInt64
		replyTo                       sql.NullString
	)
	dest := []any{
		&m.ID, &m.SenderID, &m.RecipientID, &m.CreatedAt, &m.ContentType,
		&m.Body.Recipient.Ciphertext, &m.Body.Recipient.Nonce,
		&m.Body.Self.Ciphertext, &m.Body.Self.Nonce, &m.Body.SenderPublicKey,
		&meta, &deliveredAt, &readAt, &editedAt, &replyTo, &m.Pinned, &reactions,
	}
	err := row.Scan(append(dest, extra...)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(meta), &m.Meta); err != nil {
		return nil, fmt.Errorf("decode meta for %s: %w", m.ID, err)
	}
	m.Reactions = models.Reactions{}
	if err := json.Unmarshal([]byte(reactions), &m.Reactions); err != nil {
		return nil, fmt.Errorf("decode reactions for %s: %w", m.ID, err)
	}
	m.DeliveredAt = intPtr(deliveredAt)
	m.ReadAt = intPtr(readAt)
	m.EditedAt = intPtr(editedAt)
	m.ReplyToID = replyTo.String
	return &m, nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *SQLStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	if msg.Meta == nil {
		msg.Meta = map[string]string{}
	}
	if msg.Reactions == nil {
		msg.Reactions = models.Reactions{}
	}
	meta, err := encodeJSON(msg.Meta)
	if err != nil {
		return err
	}
	reactions, err := encodeJSON(msg.Reactions)
	if err != nil {
		return err
	}

	query := s.rebind("INSERT INTO messages (" + messageColumns("") + ") VALUES (" + placeholders(len(messageFields)) + ")")
	_, err = s.db.ExecContext(ctx, query,
		msg.ID, msg.SenderID, msg.RecipientID, msg.CreatedAt, string(msg.ContentType),
		msg.Body.Recipient.Ciphertext, msg.Body.Recipient.Nonce,
		msg.Body.Self.Ciphertext, msg.Body.Self.Nonce, msg.Body.SenderPublicKey,
		meta, nullInt(msg.DeliveredAt), nullInt(msg.ReadAt), nullInt(msg.EditedAt),
		nullString(msg.ReplyToID), msg.Pinned, reactions,
	)
	return err
}

func (s *SQLStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	query := s.rebind("SELECT " + messageColumns("") + " FROM messages WHERE id = ?")
	return scanMessage(s.db.QueryRowContext(ctx, query, id))
}

// partyMessage loads a message only if userID is its sender or recipient.
func (s *SQLStore) partyMessage(ctx context.Context, tx *sql.Tx, id, userID string) (*models.Message, error) {
	query := s.rebind("SELECT " + messageColumns("") + " FROM messages WHERE id = ? AND (sender_id = ? OR recipient_id = ?)")
	return scanMessage(tx.QueryRowContext(ctx, query, id, userID, userID))
}

// lockedPartyMessage is partyMessage holding the row until tx ends, for
// read-modify-write updates.
func (s *SQLStore) lockedPartyMessage(ctx context.Context, tx *sql.Tx, id, userID string) (*models.Message, error) {
	query := s.forUpdate(s.rebind("SELECT " + messageColumns("") + " FROM messages WHERE id = ? AND (sender_id = ? OR recipient_id = ?)"))
	return scanMessage(tx.QueryRowContext(ctx, query, id, userID, userID))
}

// GetConversation returns one page of the conversation between userID and
// peerID, oldest first. Offset counts back from the newest message.
func (s *SQLStore) GetConversation(ctx context.Context, userID, peerID string, limit, offset int) ([]models.Message, error) {
	query := s.rebind("SELECT " + messageColumns("") + ` FROM messages
		WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`)
	rows, err := s.db.QueryContext(ctx, query, userID, peerID, peerID, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// GetChatSummaries lists the latest message exchanged with each peer, newest first.
func (s *SQLStore) GetChatSummaries(ctx context.Context, userID string, limit int) ([]models.ChatSummary, error) {
	query := s.rebind("SELECT " + messageColumns("m") + `, t.peer, COALESCE(u.login, '')
		FROM messages m
		JOIN (
			SELECT CASE WHEN sender_id = ? THEN recipient_id ELSE sender_id END AS peer,
				MAX(created_at) AS last_at
			FROM messages
			WHERE sender_id = ? OR recipient_id = ?
			GROUP BY 1
		) t ON m.created_at = t.last_at
			AND ((m.sender_id = ? AND m.recipient_id = t.peer) OR (m.recipient_id = ? AND m.sender_id = t.peer))
		LEFT JOIN users u ON u.id = t.peer
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, userID, userID, userID, userID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := []models.ChatSummary{}
	seen := make(map[string]bool)
	for rows.Next() {
		var peer, login string
		m, err := scanMessage(rows, &peer, &login)
		if err != nil {
			return nil, err
		}
		// Two messages sharing the newest timestamp both match the join.
		if seen[peer] {
			continue
		}
		seen[peer] = true
		summaries = append(summaries, models.ChatSummary{PeerID: peer, PeerLogin: login, LastMessage: *m})
	}
	return summaries, rows.Err()
}

// DeleteMessage removes a message if userID is one of its parties and
// returns what was deleted.
func (s *SQLStore) DeleteMessage(ctx context.Context, id, userID string) (*models.Message, error) {
	var deleted *models.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := s.partyMessage(ctx, tx, id, userID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM messages WHERE id = ?"), id); err != nil {
			return err
		}
		deleted = m
		return nil
	})
	return deleted, err
}

func (s *SQLStore) DeleteConversation(ctx context.Context, userID, peerID string) (int64, error) {
	query := s.rebind(`DELETE FROM messages
		WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)`)
	res, err := s.db.ExecContext(ctx, query, userID, peerID, peerID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkRead stamps read (and delivered) time on messages peerID sent to
// readerID. Existing stamps are kept. It returns the ids that were unread.
func (s *SQLStore) MarkRead(ctx context.Context, readerID, peerID string, ids []string, at int64) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in := placeholders(len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, readerID, peerID)
	for _, id := range ids {
		args = append(args, id)
	}

	var stamped []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.rebind(`SELECT id FROM messages
			WHERE recipient_id = ? AND sender_id = ? AND read_at IS NULL AND id IN (`+in+`)
			ORDER BY created_at`), args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			stamped = append(stamped, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(stamped) == 0 {
			return nil
		}

		update := s.rebind(`UPDATE messages
			SET read_at = COALESCE(read_at, ?), delivered_at = COALESCE(delivered_at, ?)
			WHERE recipient_id = ? AND sender_id = ? AND id IN (` + in + `)`)
		_, err = tx.ExecContext(ctx, update, append([]any{at, at}, args...)...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stamped, nil
}

// TogglePin flips the pinned flag; either party may pin.
func (s *SQLStore) TogglePin(ctx context.Context, id, userID string) (*models.Message, error) {
	var out *models.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE messages SET pinned = NOT pinned
			WHERE id = ? AND (sender_id = ? OR recipient_id = ?)`), id, userID, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		out, err = s.partyMessage(ctx, tx, id, userID)
		return err
	})
	return out, err
}

// ToggleReaction adds or removes userID's emoji reaction on a message.
func (s *SQLStore) ToggleReaction(ctx context.Context, id, userID, emoji string) (*models.Message, error) {
	var out *models.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := s.lockedPartyMessage(ctx, tx, id, userID)
		if err != nil {
			return err
		}
		m.Reactions.Toggle(emoji, userID)
		encoded, err := encodeJSON(m.Reactions)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind("UPDATE messages SET reactions = ? WHERE id = ?"), encoded, id); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// EditMessage replaces both envelopes of a message sent by senderID.
func (s *SQLStore) EditMessage(ctx context.Context, id, senderID string, body models.SealedBody, at int64) (*models.Message, error) {
	var out *models.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE messages
			SET ciphertext = ?, nonce = ?, self_ciphertext = ?, self_nonce = ?, sender_public_key = ?, edited_at = ?
			WHERE id = ? AND sender_id = ?`),
			body.Recipient.Ciphertext, body.Recipient.Nonce, body.Self.Ciphertext, body.Self.Nonce,
			body.SenderPublicKey, at, id, senderID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		out, err = s.partyMessage(ctx, tx, id, senderID)
		return err
	})
	return out, err
}

// MigrateOrphan moves every message referencing orphanID over to newID.
func (s *SQLStore) MigrateOrphan(ctx context.Context, orphanID, newID string) (int64, error) {
	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, col := range []string{"sender_id", "recipient_id"} {
			res, err := tx.ExecContext(ctx, s.rebind("UPDATE messages SET "+col+" = ? WHERE "+col+" = ?"), newID, orphanID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}
