package prudp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Link-3DS/nex/prudp/core/cryptoops"
	"github.com/Link-3DS/nex/prudp/core/rmc"
)

// State is the connection state of a session.
type State uint8

const (
	StateUnseen State = iota
	StateSynReceived
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnseen:
		return "UNSEEN"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// queuedEvent is an event raised under the session lock, emitted once the
// lock is released.
type queuedEvent struct {
	name   string
	packet *Packet
}

type pendingKey struct {
	packetType PacketType
	sequenceID uint16
}

// pendingPacket is a reliable send waiting for its ACK.
type pendingPacket struct {
	data     []byte
	deadline time.Time
	retries  int
}

// Session is the per-peer connection state. Every field is guarded by mu.
// sendMu serializes outbound payloads so the fragments of one payload take
// consecutive sequence ids; it is always taken before mu, never under it.
type Session struct {
	mu     sync.Mutex
	sendMu sync.Mutex

	server    *Server
	transport *transport
	addr      net.Addr
	key       string
	variant   Variant

	state     State
	closed    bool
	sessionID uint8
	pid       uint32

	// Ports as seen by the peer: localPort is what it addresses us as.
	localPort       uint8
	remotePort      uint8
	localStreamType uint8
	peerStreamType  uint8

	// serverConnectionSignature is ours, handed out in the SYN ack; the peer
	// signs with it. clientConnectionSignature arrives in CONNECT and signs
	// what we send.
	serverConnectionSignature []byte
	clientConnectionSignature []byte
	sessionKey                []byte
	secureKey                 []byte

	outgoingSequenceID uint16
	reassemblers       map[PacketType]*Reassembler
	pending            map[pendingKey]*pendingPacket

	outbox []queuedEvent

	createdAt time.Time
	lastSeen  time.Time
	pacer     *rate.Limiter
}

func newSession(server *Server, t *transport, addr net.Addr) *Session {
	now := time.Now()

	limit := rate.Inf
	if server.config.FragmentPacing > 0 {
		limit = rate.Every(server.config.FragmentPacing)
	}

	return &Session{
		server:       server,
		transport:    t,
		addr:         addr,
		key:          sessionKeyFor(addr),
		variant:      t.variant,
		state:        StateUnseen,
		reassemblers: make(map[PacketType]*Reassembler),
		pending:      make(map[pendingKey]*pendingPacket),
		secureKey:    []byte(DefaultSecureKey),
		createdAt:    now,
		lastSeen:     now,
		pacer:        rate.NewLimiter(limit, 1),
	}
}

func sessionKeyFor(addr net.Addr) string {
	return addr.Network() + "|" + addr.String()
}

func (s *Session) Addr() net.Addr {
	return s.addr
}

func (s *Session) Variant() Variant {
	return s.variant
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID is the user pid taken from the Kerberos ticket, 0 on insecure servers.
func (s *Session) PID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

func (s *Session) SessionKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.sessionKey...)
}

// ServerConnectionSignature is the signature handed to the peer in the SYN ack.
func (s *Session) ServerConnectionSignature() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.serverConnectionSignature...)
}

func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// PendingAcks is the number of reliable sends still waiting for an ACK.
func (s *Session) PendingAcks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// handshakePacket reports whether t is signed without the session key.
func handshakePacket(t PacketType) bool {
	return t == TypeSyn || t == TypeConnect
}

func (s *Session) incomingKeysLocked(p *Packet) Keys {
	keys := Keys{
		SignatureKey:  s.server.signatureKey,
		SignatureBase: s.server.signatureBase,
	}
	if p.Type != TypeSyn {
		keys.ConnectionSignature = s.serverConnectionSignature
	}
	if !handshakePacket(p.Type) {
		keys.SessionKey = s.sessionKey
	}
	return keys
}

func (s *Session) outgoingKeysLocked(p *Packet) Keys {
	keys := Keys{
		SignatureKey:        s.server.signatureKey,
		SignatureBase:       s.server.signatureBase,
		ConnectionSignature: s.clientConnectionSignature,
	}
	if !handshakePacket(p.Type) {
		keys.SessionKey = s.sessionKey
	}
	return keys
}

func (s *Session) reassemblerLocked(t PacketType) *Reassembler {
	r, ok := s.reassemblers[t]
	if !ok {
		r = NewReassembler(0)
		s.reassemblers[t] = r
	}
	return r
}

func (s *Session) nextSequenceIDLocked() uint16 {
	id := s.outgoingSequenceID
	s.outgoingSequenceID++
	return id
}

// writeLocked encodes p with the session's keys and queues it. Reliable
// packets are tracked until acknowledged.
func (s *Session) writeLocked(p *Packet) error {
	if s.closed {
		return ErrSessionClosed
	}
	data, err := p.Encode(s.outgoingKeysLocked(p))
	if err != nil {
		return err
	}
	if p.Flags.Has(FlagNeedAck) && !p.Flags.Has(FlagAck) {
		s.pending[pendingKey{p.Type, p.SequenceID}] = &pendingPacket{
			data:     data,
			deadline: time.Now().Add(s.server.config.RetransmitTimeout),
		}
	}
	return s.transport.send(data, s.addr)
}

func (s *Session) templateLocked(t PacketType, flags Flags) *Packet {
	p := &Packet{
		Variant:     s.variant,
		Source:      s.localPort,
		Destination: s.remotePort,
		Type:        t,
		Flags:       flags,
		SessionID:   s.sessionID,
	}
	p.Lite.SourceStreamType = s.localStreamType
	p.Lite.DestinationStreamType = s.peerStreamType
	return p
}

// Send fragments payload and sends it as packets of type t. DATA payloads are
// RC4-encrypted under the session's secure key first. Fragments after the
// first wait on the session pacer; the wait honours ctx.
func (s *Session) Send(ctx context.Context, t PacketType, flags Flags, payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != StateConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if t == TypeData {
		enc, err := cryptoops.RC4(s.secureKey, payload)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		payload = enc
	}
	fragments := Fragment(s.templateLocked(t, flags), payload, s.server.config.FragmentSize)
	s.mu.Unlock()

	for i, p := range fragments {
		if err := s.pacer.Wait(ctx); err != nil {
			return err
		}

		s.mu.Lock()
		p.SequenceID = s.nextSequenceIDLocked()
		err := s.writeLocked(p)
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("send fragment %d/%d: %w", i+1, len(fragments), err)
		}
	}

	log.Debug().
		Str("addr", s.addr.String()).
		Str("type", t.String()).
		Int("size", len(payload)).
		Int("fragments", len(fragments)).
		Msg("[Session] Payload sent")
	return nil
}

// SendRMC sends a framed RMC message as reliable DATA.
func (s *Session) SendRMC(ctx context.Context, msg rmc.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return s.Send(ctx, TypeData, FlagReliable|FlagNeedAck|FlagHasSize, msg.Bytes())
}

// Reply sends an RMC response on this session.
func (s *Session) Reply(ctx context.Context, resp *rmc.Response) error {
	return s.SendRMC(ctx, resp)
}

// releaseLocked drops pending sends acknowledged by p.
func (s *Session) releaseLocked(p *Packet) int {
	if !p.Flags.Has(FlagMultiAck) {
		key := pendingKey{p.Type, p.SequenceID}
		if _, ok := s.pending[key]; ok {
			delete(s.pending, key)
			return 1
		}
		return 0
	}

	base, extra := parseMultiAck(p)
	released := 0
	for key := range s.pending {
		if key.packetType != TypeData {
			continue
		}
		if !seqBefore(base, key.sequenceID) {
			delete(s.pending, key)
			released++
			continue
		}
		for _, id := range extra {
			if id == key.sequenceID {
				delete(s.pending, key)
				released++
				break
			}
		}
	}
	return released
}

func (s *Session) queueEventLocked(name string, p *Packet) {
	s.outbox = append(s.outbox, queuedEvent{name: name, packet: p})
}

func (s *Session) takeEventsLocked() []queuedEvent {
	events := s.outbox
	s.outbox = nil
	return events
}

// closeLocked marks the session dead and wipes its keys and buffers.
func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.state = StateDisconnected
	cryptoops.Wipe(s.sessionKey)
	s.sessionKey = nil
	s.secureKey = nil
	s.reassemblers = nil
	clear(s.pending)
}

// SessionTable maps peer addresses to sessions. It is the only place
// mutable per-peer state is reachable from.
type SessionTable struct {
	sessions     map[string]*Session
	sessionsLock sync.RWMutex

	stopCh    chan struct{}
	waitGroup sync.WaitGroup
	openOnce  sync.Once
	closeOnce sync.Once

	cleanupInterval time.Duration
	idleTimeout     time.Duration

	// onEvict runs for every session removed for inactivity.
	onEvict func(*Session)
}

func NewSessionTable(cleanupInterval, idleTimeout time.Duration) *SessionTable {
	return &SessionTable{
		sessions:        make(map[string]*Session),
		stopCh:          make(chan struct{}),
		cleanupInterval: cleanupInterval,
		idleTimeout:     idleTimeout,
	}
}

// Open starts the idle eviction worker.
func (m *SessionTable) Open() {
	m.openOnce.Do(func() {
		m.waitGroup.Add(1)
		go m.cleanupWorker()
	})
}

// Close stops the eviction worker and drops every session.
func (m *SessionTable) Close() {
	m.closeOnce.Do(func() {
		close(m.stopCh)
	})
	m.waitGroup.Wait()

	m.sessionsLock.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.sessionsLock.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.closeLocked()
		s.mu.Unlock()
	}
}

func (m *SessionTable) cleanupWorker() {
	defer m.waitGroup.Done()

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			log.Debug().Msg("[SessionTable] Cleanup worker stopped")
			return
		case <-ticker.C:
			m.cleanupIdleSessions(time.Now())
		}
	}
}

func (m *SessionTable) cleanupIdleSessions(now time.Time) {
	// Session locks are never taken under sessionsLock.
	for _, s := range m.Snapshot() {
		s.mu.Lock()
		if s.closed || now.Sub(s.lastSeen) <= m.idleTimeout {
			s.mu.Unlock()
			continue
		}
		m.Remove(s)
		s.closeLocked()
		age := now.Sub(s.createdAt)
		s.mu.Unlock()

		log.Debug().
			Str("addr", s.addr.String()).
			Dur("age", age).
			Msg("[SessionTable] Idle session evicted")

		if m.onEvict != nil {
			m.onEvict(s)
		}
	}
}

// GetOrCreate returns the session for addr, creating it with create when
// absent. At most one session exists per address even under concurrent calls.
func (m *SessionTable) GetOrCreate(addr net.Addr, create func() *Session) (*Session, bool) {
	key := sessionKeyFor(addr)

	m.sessionsLock.RLock()
	s, ok := m.sessions[key]
	m.sessionsLock.RUnlock()
	if ok {
		return s, false
	}

	m.sessionsLock.Lock()
	defer m.sessionsLock.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s, false
	}
	s = create()
	m.sessions[key] = s

	log.Debug().
		Str("addr", addr.String()).
		Msg("[SessionTable] New session created")
	return s, true
}

func (m *SessionTable) Get(addr net.Addr) (*Session, bool) {
	m.sessionsLock.RLock()
	defer m.sessionsLock.RUnlock()
	s, ok := m.sessions[sessionKeyFor(addr)]
	return s, ok
}

// Remove deletes s if it is still the session registered for its address.
func (m *SessionTable) Remove(s *Session) bool {
	m.sessionsLock.Lock()
	defer m.sessionsLock.Unlock()
	if current, ok := m.sessions[s.key]; ok && current == s {
		delete(m.sessions, s.key)
		return true
	}
	return false
}

func (m *SessionTable) Len() int {
	m.sessionsLock.RLock()
	defer m.sessionsLock.RUnlock()
	return len(m.sessions)
}

// Snapshot returns the live sessions at the time of the call.
func (m *SessionTable) Snapshot() []*Session {
	m.sessionsLock.RLock()
	defer m.sessionsLock.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
