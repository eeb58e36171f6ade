package protocol

import "github.com/pliu/murmur/internal/models"

// ReceivedMessage is the message.receive payload, the full envelope plus sender.
type ReceivedMessage struct {
	ID              string             `json:"id"`
	From            string             `json:"from"`
	To              string             `json:"to"`
	CreatedAt       int64              `json:"createdAt"`
	ContentType     models.ContentType `json:"contentType"`
	Nonce           string             `json:"nonce"`
	Ciphertext      string             `json:"ciphertext"`
	SenderPublicKey string             `json:"senderPublicKey"`
	SelfNonce       string             `json:"selfNonce"`
	SelfCiphertext  string             `json:"selfCiphertext"`
	Meta            map[string]string  `json:"meta,omitempty"`
	ReplyToID       string             `json:"replyToId,omitempty"`
	DeliveredAt     *int64             `json:"deliveredAt,omitempty"`
}

func NewReceivedMessage(m *models.Message) ReceivedMessage {
	return ReceivedMessage{
		ID:              m.ID,
		From:            m.SenderID,
		To:              m.RecipientID,
		CreatedAt:       m.CreatedAt,
		ContentType:     m.ContentType,
		Nonce:           m.Body.Recipient.Nonce,
		Ciphertext:      m.Body.Recipient.Ciphertext,
		SenderPublicKey: m.Body.SenderPublicKey,
		SelfNonce:       m.Body.Self.Nonce,
		SelfCiphertext:  m.Body.Self.Ciphertext,
		Meta:            m.Meta,
		ReplyToID:       m.ReplyToID,
		DeliveredAt:     m.DeliveredAt,
	}
}

type Delivered struct {
	ID          string `json:"id"`
	To          string `json:"to"`
	DeliveredAt int64  `json:"deliveredAt"`
}

// ReadNotice tells a sender that By has read IDs.
type ReadNotice struct {
	By     string   `json:"by"`
	IDs    []string `json:"ids"`
	ReadAt int64    `json:"readAt"`
}

type Deleted struct {
	ID string `json:"id"`
	By string `json:"by"`
}

type Edited struct {
	ID              string `json:"id"`
	Nonce           string `json:"nonce"`
	Ciphertext      string `json:"ciphertext"`
	SenderPublicKey string `json:"senderPublicKey"`
	SelfNonce       string `json:"selfNonce"`
	SelfCiphertext  string `json:"selfCiphertext"`
	EditedAt        int64  `json:"editedAt"`
}

type Pinned struct {
	ID     string `json:"id"`
	Pinned bool   `json:"pinned"`
	By     string `json:"by"`
}

type Reacted struct {
	ID        string           `json:"id"`
	Reactions models.Reactions `json:"reactions"`
	By        string           `json:"by"`
}

type Presence struct {
	UserID   string `json:"userId"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

type TypingNotice struct {
	From     string `json:"from"`
	IsTyping bool   `json:"isTyping"`
}

type StatusNotice struct {
	From   string `json:"from"`
	Status string `json:"status"`
}

const CodeRateLimited = "rate_limited"

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
