package prudp

import (
	"encoding/binary"
	"time"

	"github.com/rs/zerolog/log"
)

// parseMultiAck returns the base sequence id everything up to which is
// acknowledged, plus individually acknowledged ids past it. The payload is
// [substream u8][count u8][base u16][count x u16]; an empty one acknowledges
// up to the packet's own sequence id.
func parseMultiAck(p *Packet) (uint16, []uint16) {
	b := p.Payload
	if len(b) < 4 {
		return p.SequenceID, nil
	}
	count := int(b[1])
	base := binary.LittleEndian.Uint16(b[2:4])
	b = b[4:]

	extra := make([]uint16, 0, count)
	for i := 0; i < count && len(b) >= 2; i++ {
		extra = append(extra, binary.LittleEndian.Uint16(b))
		b = b[2:]
	}
	return base, extra
}

func (s *Server) retransmitInterval() time.Duration {
	return max(s.config.RetransmitTimeout/2, 10*time.Millisecond)
}

func (s *Server) retransmitWorker() {
	defer s.waitGroup.Done()

	ticker := time.NewTicker(s.retransmitInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Debug().Msg("[Server] Retransmit worker stopped")
			return
		case now := <-ticker.C:
			for _, session := range s.sessions.Snapshot() {
				if !s.retransmit(session, now) {
					s.kick(session, kickRetransmit)
				}
			}
		}
	}
}

// retransmit resends every overdue reliable packet of session. It returns
// false once a packet has used up its retries.
func (s *Server) retransmit(session *Session, now time.Time) bool {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.closed {
		return true
	}
	for key, pending := range session.pending {
		if now.Before(pending.deadline) {
			continue
		}
		if pending.retries >= s.config.MaxRetransmits {
			log.Warn().
				Str("addr", session.addr.String()).
				Str("type", key.packetType.String()).
				Uint16("seq", key.sequenceID).
				Int("retries", pending.retries).
				Msg("[Server] Retransmits exhausted")
			return false
		}

		pending.retries++
		pending.deadline = now.Add(s.config.RetransmitTimeout)
		if err := session.transport.send(pending.data, session.addr); err != nil {
			return true
		}
		s.metrics.retransmits.Inc()
	}
	return true
}
