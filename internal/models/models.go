package models

type ContentType string

const (
	ContentText    ContentType = "text"
	ContentFile    ContentType = "file"
	ContentEmoji   ContentType = "emoji"
	ContentSticker ContentType = "sticker"
	ContentGIF     ContentType = "gif"
	ContentVoice   ContentType = "voice"
)

// Valid reports whether c is one of the known content tags.
func (c ContentType) Valid() bool {
	switch c {
	case ContentText, ContentFile, ContentEmoji, ContentSticker, ContentGIF, ContentVoice:
		return true
	}
	return false
}

type User struct {
	ID                 string `json:"id"`
	Phone              string `json:"phone,omitempty"`
	Login              string `json:"login,omitempty"`
	PublicKey          string `json:"publicKey,omitempty"`
	EncryptedSecretKey string `json:"encryptedSecretKey,omitempty"` // client-wrapped, opaque to the server
	Status             string `json:"status,omitempty"`
	CreatedAt          int64  `json:"createdAt"`
}

// Public strips fields only the owner should see.
func (u User) Public() User {
	u.Phone = ""
	u.EncryptedSecretKey = ""
	return u
}

// Sealed is one box envelope: ciphertext and nonce, both base64.
type Sealed struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

// SealedBody is the opaque message material: one envelope for the recipient,
// one for the sender, and the key the sender sealed with.
type SealedBody struct {
	Recipient       Sealed `json:"recipient"`
	Self            Sealed `json:"self"`
	SenderPublicKey string `json:"senderPublicKey"`
}

// Reactions maps an emoji to the ids of users who reacted with it.
type Reactions map[string][]string

// Toggle adds userID under emoji, or removes it if already present.
func (r Reactions) Toggle(emoji, userID string) {
	users := r[emoji]
	for i, id := range users {
		if id == userID {
			users = append(users[:i], users[i+1:]...)
			if len(users) == 0 {
				delete(r, emoji)
			} else {
				r[emoji] = users
			}
			return
		}
	}
	r[emoji] = append(users, userID)
}

type Message struct {
	ID          string            `json:"id"`
	SenderID    string            `json:"senderId"`
	RecipientID string            `json:"recipientId"`
	CreatedAt   int64             `json:"createdAt"`
	ContentType ContentType       `json:"contentType"`
	Body        SealedBody        `json:"body"`
	Meta        map[string]string `json:"meta,omitempty"`
	DeliveredAt *int64            `json:"deliveredAt"`
	ReadAt      *int64            `json:"readAt"`
	EditedAt    *int64            `json:"editedAt,omitempty"`
	ReplyToID   string            `json:"replyToId,omitempty"`
	Pinned      bool              `json:"pinned"`
	Reactions   Reactions         `json:"reactions"`
}

// Peer returns the other party of the message relative to userID.
func (m *Message) Peer(userID string) string {
	if m.SenderID == userID {
		return m.RecipientID
	}
	return m.SenderID
}

// ChatSummary is one row of a user's chat list: the latest message with a peer.
type ChatSummary struct {
	PeerID      string  `json:"peerId"`
	PeerLogin   string  `json:"peerLogin,omitempty"`
	LastMessage Message `json:"lastMessage"`
}
