// Package relay routes chat and call frames between two identities.
//
// The relays never hold sockets. They reach live connections through Conns,
// which reports whether a frame made it onto the recipient's outbound queue.
package relay

import (
	"go.uber.org/zap"

	"github.com/pliu/murmur/internal/protocol"
)

// Conns is the connection-registry capability the relays depend on.
type Conns interface {
	// SendTo queues frame for userID and reports false if userID has no live connection.
	SendTo(userID string, frame []byte) bool
	IsOnline(userID string) bool
	Subscribe(observer, subject string)
	// Fanout sends frame to every live presence subscriber of subject.
	Fanout(subject string, frame []byte) int
}

func push(conns Conns, log *zap.Logger, userID, frameType string, payload any) bool {
	frame, err := protocol.Encode(frameType, payload)
	if err != nil {
		log.Error("encode frame", zap.String("type", frameType), zap.Error(err))
		return false
	}
	return conns.SendTo(userID, frame)
}
