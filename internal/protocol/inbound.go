package protocol

import (
	"encoding/json"
	"errors"

	"github.com/pliu/murmur/internal/models"
)

type SendMessage struct {
	ID              string             `json:"id"`
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
}

func (p *SendMessage) validate() error {
	switch {
	case p.ID == "":
		return errors.New("id required")
	case p.To == "":
		return errors.New("to required")
	case p.CreatedAt <= 0:
		return errors.New("createdAt required")
	}
	if p.ContentType == "" {
		p.ContentType = models.ContentText
	}
	if !p.ContentType.Valid() {
		return errors.New("unknown contentType")
	}
	return nil
}

func (p *SendMessage) Body() models.SealedBody {
	return models.SealedBody{
		Recipient:       models.Sealed{Ciphertext: p.Ciphertext, Nonce: p.Nonce},
		Self:            models.Sealed{Ciphertext: p.SelfCiphertext, Nonce: p.SelfNonce},
		SenderPublicKey: p.SenderPublicKey,
	}
}

type ReadReceipt struct {
	PeerID string   `json:"peerId"`
	IDs    []string `json:"ids"`
}

func (p *ReadReceipt) validate() error {
	if p.PeerID == "" {
		return errors.New("peerId required")
	}
	return nil
}

type DeleteMessage struct {
	ID string `json:"id"`
}

func (p *DeleteMessage) validate() error { return requireID(p.ID) }

type EditMessage struct {
	ID              string `json:"id"`
	Nonce           string `json:"nonce"`
	Ciphertext      string `json:"ciphertext"`
	SenderPublicKey string `json:"senderPublicKey"`
	SelfNonce       string `json:"selfNonce"`
	SelfCiphertext  string `json:"selfCiphertext"`
}

func (p *EditMessage) validate() error { return requireID(p.ID) }

func (p *EditMessage) Body() models.SealedBody {
	return models.SealedBody{
		Recipient:       models.Sealed{Ciphertext: p.Ciphertext, Nonce: p.Nonce},
		Self:            models.Sealed{Ciphertext: p.SelfCiphertext, Nonce: p.SelfNonce},
		SenderPublicKey: p.SenderPublicKey,
	}
}

type PinMessage struct {
	ID string `json:"id"`
}

func (p *PinMessage) validate() error { return requireID(p.ID) }

type ReactMessage struct {
	ID    string `json:"id"`
	Emoji string `json:"emoji"`
}

func (p *ReactMessage) validate() error {
	if p.Emoji == "" || len(p.Emoji) > 32 {
		return errors.New("emoji required")
	}
	return requireID(p.ID)
}

type Typing struct {
	To       string `json:"to"`
	IsTyping bool   `json:"isTyping"`
}

func (p *Typing) validate() error { return requireTo(p.To) }

type StatusUpdate struct {
	Status string `json:"status"`
}

func (p *StatusUpdate) validate() error {
	if len(p.Status) > 256 {
		return errors.New("status too long")
	}
	return nil
}

// CallSignal carries any of the four call frames. The SDP and ICE bodies are
// passed through untouched. From is always overwritten by the server.
type CallSignal struct {
	Kind        string          `json:"-"`
	To          string          `json:"to"`
	From        string          `json:"from,omitempty"`
	Offer       json.RawMessage `json:"offer,omitempty"`
	Answer      json.RawMessage `json:"answer,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
	IsVideo     bool            `json:"isVideo,omitempty"`
	Renegotiate bool            `json:"renegotiate,omitempty"`
}

func (p *CallSignal) validate() error { return requireTo(p.To) }

func requireID(id string) error {
	if id == "" {
		return errors.New("id required")
	}
	return nil
}

func requireTo(to string) error {
	if to == "" {
		return errors.New("to required")
	}
	return nil
}
