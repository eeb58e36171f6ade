package relay

import (
	"go.uber.org/zap"

	"github.com/pliu/murmur/internal/protocol"
)

// Signals forwards call signaling, typing and status frames one hop. It keeps
// no call state: ringing, active and ended live in the two endpoints.
type Signals struct {
	conns Conns
	log   *zap.Logger
}

func NewSignals(conns Conns, log *zap.Logger) *Signals {
	return &Signals{conns: conns, log: log}
}

// Call forwards an offer, answer, ICE candidate or end frame to its target,
// stamping the sender. Renegotiation offers travel the same way.
func (s *Signals) Call(fromID string, c *protocol.CallSignal) bool {
	out := *c
	out.From = fromID
	ok := push(s.conns, s.log, c.To, c.Kind, out)
	if !ok {
		s.log.Debug("call target offline", zap.String("type", c.Kind), zap.String("to", c.To))
	}
	return ok
}

func (s *Signals) Typing(fromID string, t *protocol.Typing) bool {
	return push(s.conns, s.log, t.To, protocol.TypeTyping, protocol.TypingNotice{From: fromID, IsTyping: t.IsTyping})
}

// Status tells every live presence subscriber about fromID's new status text.
func (s *Signals) Status(fromID string, u *protocol.StatusUpdate) int {
	frame, err := protocol.Encode(protocol.TypeStatusUpdate, protocol.StatusNotice{From: fromID, Status: u.Status})
	if err != nil {
		s.log.Error("encode status frame", zap.Error(err))
		return 0
	}
	return s.conns.Fanout(fromID, frame)
}
