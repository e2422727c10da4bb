package prudp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Link-3DS/nex/prudp/core/cryptoops"
	"github.com/Link-3DS/nex/prudp/core/kerberos"
	"github.com/Link-3DS/nex/prudp/core/rmc"
	"github.com/Link-3DS/nex/prudp/utils/randpool"
)

const readBufferSize = 64 * 1024

// Server runs the PRUDP session machine over one or more packet sockets.
type Server struct {
	config   *ServerConfig
	sessions *SessionTable
	events   *Dispatcher
	metrics  *Metrics
	granter  *kerberos.Granter

	signatureKey  []byte
	signatureBase uint32

	transports     map[*transport]struct{}
	transportsLock sync.Mutex

	stopCh    chan struct{}
	waitGroup sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewServer validates cfg and builds a server from a copy of it. A nil cfg
// means DefaultServerConfig.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	config := *cfg

	policy, err := ParseBackpressure(config.DispatchBackpressure)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:        &config,
		sessions:      NewSessionTable(config.CleanupInterval, config.IdleTimeout),
		events:        NewDispatcher(config.DispatchWorkers, config.DispatchQueue, policy),
		signatureKey:  cryptoops.SignatureKey(config.AccessKey),
		signatureBase: cryptoops.SignatureBase(config.AccessKey),
		transports:    make(map[*transport]struct{}),
		stopCh:        make(chan struct{}),
	}
	s.metrics = newMetrics(s.sessions)
	s.events.onDrop = func(event string) {
		s.metrics.eventsDropped.WithLabelValues(event).Inc()
	}
	s.sessions.onEvict = func(session *Session) {
		s.metrics.kicks.WithLabelValues(kickIdle).Inc()
		s.events.Emit(EventKick, kickPacket(session))
	}
	if config.Secure() {
		s.granter = kerberos.NewGranter(config.KerberosServerPID, config.KerberosPassword,
			config.KerberosKeySize, kerberos.Mode(config.KerberosDerivation))
	}
	return s, nil
}

// Config returns a copy of the server's configuration.
func (s *Server) Config() ServerConfig {
	return *s.config
}

func (s *Server) Sessions() *SessionTable {
	return s.sessions
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Granter issues tickets this server accepts. Nil unless a Kerberos password
// is configured.
func (s *Server) Granter() *kerberos.Granter {
	return s.granter
}

// On subscribes h to event, scoped by channel.
func (s *Server) On(event string, channel Channel, h Handler) error {
	return s.events.Subscribe(event, channel, h)
}

// Start launches the dispatcher, idle eviction and retransmission. Serve
// calls it; it is safe to call more than once.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		s.events.Start()
		s.sessions.Open()

		s.waitGroup.Add(1)
		go s.retransmitWorker()

		log.Info().
			Int("fragment_size", s.config.FragmentSize).
			Bool("secure", s.config.Secure()).
			Msg("[Server] Started")
	})
}

// Stop closes every socket being served, drops all sessions and drains the
// dispatcher.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	s.transportsLock.Lock()
	for t := range s.transports {
		t.close()
	}
	s.transportsLock.Unlock()

	s.waitGroup.Wait()
	s.sessions.Close()
	s.events.Stop()
	log.Info().Msg("[Server] Stopped")
}

func (s *Server) addTransport(t *transport) bool {
	s.transportsLock.Lock()
	defer s.transportsLock.Unlock()
	select {
	case <-s.stopCh:
		return false
	default:
	}
	s.transports[t] = struct{}{}
	return true
}

func (s *Server) removeTransport(t *transport) {
	s.transportsLock.Lock()
	delete(s.transports, t)
	s.transportsLock.Unlock()

	for _, session := range s.sessions.Snapshot() {
		if session.transport != t {
			continue
		}
		session.mu.Lock()
		s.removeLocked(session)
		session.mu.Unlock()
	}
}

// ListenAndServe binds the configured UDP address and serves the configured
// protocol version on it.
func (s *Server) ListenAndServe(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.ListenAddress, err)
	}
	return s.Serve(ctx, conn, s.config.Variant())
}

// Serve reads datagrams of the given variant from conn until ctx is done,
// Stop is called or a read fails. It owns conn and closes it on return.
// A cancelled ctx returns nil and Stop returns ErrServerClosed.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn, variant Variant) error {
	s.Start()

	t := newTransport(conn, variant, s.metrics)
	if !s.addTransport(t) {
		conn.Close()
		return ErrServerClosed
	}
	defer s.removeTransport(t)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return t.writeLoop(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return t.close()
		case <-s.stopCh:
			t.close()
			return ErrServerClosed
		}
	})
	workers := s.config.receiveWorkers()
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return s.readLoop(gctx, t)
		})
	}

	log.Info().
		Str("addr", conn.LocalAddr().String()).
		Str("variant", variant.String()).
		Int("workers", workers).
		Msg("[Server] Listening")
	s.events.Emit(EventListening, nil)

	err := g.Wait()
	select {
	case <-s.stopCh:
		return ErrServerClosed
	default:
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) readLoop(ctx context.Context, t *transport) error {
	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			log.Error().Err(err).Msg("[Server] Receive failed")
			return fmt.Errorf("read datagram: %w", err)
		}
		s.handleDatagram(t, buf[:n], addr)
	}
}

func (s *Server) handleDatagram(t *transport, data []byte, addr net.Addr) {
	packets, err := DecodeDatagram(t.variant, data)
	if err != nil {
		s.metrics.packetsDropped.WithLabelValues(dropDecode).Inc()
		log.Debug().Err(err).Str("addr", addr.String()).Int("size", len(data)).Msg("[Server] Datagram dropped")
		return
	}

	session, _ := s.sessions.GetOrCreate(addr, func() *Session {
		return newSession(s, t, addr)
	})

	session.mu.Lock()
	for _, p := range packets {
		if session.closed {
			s.metrics.packetsDropped.WithLabelValues(dropClosed).Inc()
			break
		}
		s.handlePacket(session, p)
	}
	events := session.takeEventsLocked()
	session.mu.Unlock()

	s.emit(events)
}

// emit hands events raised under a session lock to the dispatcher. Never
// call it with a session lock held: a blocking dispatch queue may be waiting
// on a handler that needs that lock.
func (s *Server) emit(events []queuedEvent) {
	for _, e := range events {
		s.events.Emit(e.name, e.packet)
	}
}

// handlePacket runs one verified packet through the session machine. The
// caller holds session.mu.
func (s *Server) handlePacket(session *Session, p *Packet) {
	p.Sender = session
	if err := p.Verify(session.incomingKeysLocked(p)); err != nil {
		s.metrics.packetsDropped.WithLabelValues(dropIntegrity).Inc()
		log.Debug().Err(err).Str("addr", session.addr.String()).Str("packet", p.String()).Msg("[Server] Packet dropped")
		return
	}

	session.lastSeen = time.Now()
	s.metrics.packetsReceived.WithLabelValues(p.Variant.String(), p.Type.String()).Inc()

	if p.Flags.Has(FlagAck) || p.Flags.Has(FlagMultiAck) {
		session.releaseLocked(p)
		return
	}

	session.queueEventLocked(EventPacket, p)

	switch p.Type {
	case TypeSyn:
		s.handleSyn(session, p)
	case TypeConnect:
		s.handleConnect(session, p)
	case TypeData:
		s.handleData(session, p)
	case TypeDisconnect:
		s.handleDisconnect(session, p)
	case TypePing:
		s.handlePing(session, p)
	default:
		if p.Flags.Has(FlagNeedAck) {
			s.replyLocked(session, NewAck(p))
		}
	}
}

func (s *Server) replyLocked(session *Session, reply *Packet) {
	if err := session.writeLocked(reply); err != nil {
		log.Debug().Err(err).Str("addr", session.addr.String()).Str("packet", reply.String()).Msg("[Server] Reply not sent")
	}
}

func connectionSignatureSize(v Variant) int {
	if v == VariantV0 {
		return v0SignatureSize
	}
	return connSignatureLen
}

func (s *Server) handleSyn(session *Session, p *Packet) {
	session.state = StateSynReceived
	session.sessionID = p.SessionID
	session.localPort = p.Destination
	session.remotePort = p.Source
	session.localStreamType = p.Lite.DestinationStreamType
	session.peerStreamType = p.Lite.SourceStreamType
	session.serverConnectionSignature = randpool.Bytes(connectionSignatureSize(session.variant))
	session.clientConnectionSignature = nil
	cryptoops.Wipe(session.sessionKey)
	session.sessionKey = nil
	session.secureKey = []byte(DefaultSecureKey)
	clear(session.reassemblers)
	clear(session.pending)

	if p.Flags.Has(FlagNeedAck) {
		ack := NewAck(p)
		ack.ConnectionSignature = session.serverConnectionSignature
		ack.V1.SupportedFunctions = p.V1.SupportedFunctions
		ack.V1.MaxSubstreamID = s.config.MaxSubstreamID
		ack.Lite.SupportedFunctions = p.Lite.SupportedFunctions
		ack.Lite.MaxSubstreamID = s.config.MaxSubstreamID
		s.replyLocked(session, ack)
	}

	session.queueEventLocked(EventSyn, p)
}

func (s *Server) handleConnect(session *Session, p *Packet) {
	if session.state == StateUnseen {
		log.Debug().Str("addr", session.addr.String()).Msg("[Server] CONNECT before SYN dropped")
		return
	}
	session.clientConnectionSignature = p.ConnectionSignature
	session.sessionID = p.SessionID

	var response []byte
	if s.config.Secure() {
		key, pid, resp, err := s.acceptTicket(p.Payload)
		if err != nil {
			log.Warn().Err(err).Str("addr", session.addr.String()).Msg("[Server] Secure CONNECT rejected")
			s.kickLocked(session, kickTicket)
			return
		}
		session.sessionKey = key
		session.secureKey = key
		session.pid = pid
		response = resp
	}

	session.state = StateConnected
	session.outgoingSequenceID = 1
	if session.variant != VariantV0 {
		session.outgoingSequenceID = s.config.InitialSequenceID
	}
	clear(session.reassemblers)
	session.reassemblerLocked(TypeData).Reset(p.SequenceID + 1)

	if p.Flags.Has(FlagNeedAck) && len(p.Payload) > 0 {
		ack := NewAck(p)
		ack.ConnectionSignature = make([]byte, connectionSignatureSize(session.variant))
		ack.V1.SupportedFunctions = p.V1.SupportedFunctions
		ack.V1.InitialSequenceID = s.config.InitialSequenceID
		ack.V1.MaxSubstreamID = s.config.MaxSubstreamID
		ack.Lite.SupportedFunctions = p.Lite.SupportedFunctions
		ack.Lite.InitialSequenceID = s.config.InitialSequenceID
		ack.Lite.MaxSubstreamID = s.config.MaxSubstreamID
		ack.Payload = response
		s.replyLocked(session, ack)
	}

	log.Debug().
		Str("addr", session.addr.String()).
		Uint32("pid", session.pid).
		Str("variant", session.variant.String()).
		Msg("[Server] Session connected")
	session.queueEventLocked(EventConnect, p)
}

func (s *Server) handleData(session *Session, p *Packet) {
	if p.Flags.Has(FlagNeedAck) {
		s.replyLocked(session, NewAck(p))
	}
	if session.state != StateConnected {
		log.Debug().Str("addr", session.addr.String()).Str("state", session.state.String()).Msg("[Server] DATA outside a connection dropped")
		return
	}

	for _, payload := range session.reassemblerLocked(p.Type).Feed(p) {
		plain, err := cryptoops.RC4(session.secureKey, payload)
		if err != nil {
			log.Warn().Err(err).Str("addr", session.addr.String()).Msg("[Server] Payload decryption failed")
			continue
		}

		delivered := *p
		delivered.FragmentID = 0
		delivered.Payload = plain
		delivered.wire = wireParts{}
		if len(plain) > 0 {
			s.decodeRMC(&delivered)
		}
		session.queueEventLocked(EventData, &delivered)
	}
}

// decodeRMC attaches the RMC message carried by p. A payload that does not
// frame correctly is still delivered, without a message.
func (s *Server) decodeRMC(p *Packet) {
	var err error
	if rmc.IsRequest(p.Payload) {
		p.RMCRequest, err = rmc.DecodeRequest(p.Payload)
	} else {
		p.RMCResponse, err = rmc.DecodeResponse(p.Payload)
	}
	if err != nil {
		s.metrics.packetsDropped.WithLabelValues(dropRMC).Inc()
		log.Warn().Err(err).Str("addr", p.Sender.addr.String()).Msg("[Server] Malformed RMC message")
	}
}

func (s *Server) handleDisconnect(session *Session, p *Packet) {
	if p.Flags.Has(FlagNeedAck) {
		s.replyLocked(session, NewAck(p))
	}
	session.queueEventLocked(EventDisconnect, p)
	s.removeLocked(session)

	log.Debug().Str("addr", session.addr.String()).Msg("[Server] Session disconnected")
}

func (s *Server) handlePing(session *Session, p *Packet) {
	s.replyLocked(session, NewAck(p))
	session.queueEventLocked(EventPing, p)
}

// Kick disconnects the session of the peer at addr, evicts it and emits
// Kick. It reports whether such a session existed.
func (s *Server) Kick(addr net.Addr) bool {
	session, ok := s.sessions.Get(addr)
	if !ok {
		return false
	}

	session.mu.Lock()
	if session.closed {
		session.mu.Unlock()
		return false
	}
	if session.state == StateConnected {
		p := session.templateLocked(TypeDisconnect, 0)
		p.SequenceID = session.nextSequenceIDLocked()
		s.replyLocked(session, p)
	}
	s.kickLocked(session, kickManual)
	events := session.takeEventsLocked()
	session.mu.Unlock()

	s.emit(events)
	return true
}

func (s *Server) kick(session *Session, reason string) {
	session.mu.Lock()
	s.kickLocked(session, reason)
	events := session.takeEventsLocked()
	session.mu.Unlock()

	s.emit(events)
}

func (s *Server) kickLocked(session *Session, reason string) {
	if session.closed {
		return
	}
	s.removeLocked(session)
	s.metrics.kicks.WithLabelValues(reason).Inc()

	log.Info().
		Str("addr", session.addr.String()).
		Str("reason", reason).
		Dur("age", time.Since(session.createdAt)).
		Msg("[Server] Session kicked")
	session.queueEventLocked(EventKick, kickPacket(session))
}

// removeLocked evicts session from the table and frees its state.
func (s *Server) removeLocked(session *Session) {
	s.sessions.Remove(session)
	session.closeLocked()
}

// kickPacket is what Kick handlers receive: a DISCONNECT stand-in carrying
// the evicted session.
func kickPacket(session *Session) *Packet {
	return &Packet{
		Variant:     session.variant,
		Type:        TypeDisconnect,
		Source:      session.remotePort,
		Destination: session.localPort,
		SessionID:   session.sessionID,
		Sender:      session,
	}
}
