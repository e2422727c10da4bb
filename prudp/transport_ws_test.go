package prudp

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Link-3DS/nex/prudp/core/cryptoops"
	"github.com/Link-3DS/nex/prudp/core/rmc"
)

func newLiteServer(t *testing.T) (*Server, *WSPacketConn, string) {
	t.Helper()

	cfg := DefaultServerConfig()
	cfg.ReceiveWorkers = 1
	cfg.FragmentPacing = 0
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	conn := NewWSPacketConn(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	conn.OnDetach = func(addr net.Addr) { srv.Kick(addr) }
	httpServer := httptest.NewServer(conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, conn, VariantLite) }()

	t.Cleanup(func() {
		cancel()
		<-done
		httpServer.Close()
		srv.Stop()
	})
	return srv, conn, "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func dialLite(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func writeLite(t *testing.T, ws *websocket.Conn, p *Packet) {
	t.Helper()
	data, err := p.Encode(Keys{})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, data))
}

func readLite(t *testing.T, ws *websocket.Conn) *Packet {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	messageType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, messageType)

	packets, err := DecodeDatagram(VariantLite, data)
	require.NoError(t, err)
	require.Len(t, packets, 1)
	return packets[0]
}

func litePacket(t PacketType, flags Flags, seq uint16) *Packet {
	p := &Packet{
		Variant:     VariantLite,
		Source:      0x1F,
		Destination: 0x01,
		Type:        t,
		Flags:       flags,
		SequenceID:  seq,
	}
	p.Lite.SourceStreamType = 0xA
	p.Lite.DestinationStreamType = 0xA
	return p
}

func TestLiteOverWebSocket(t *testing.T) {
	srv, conn, url := newLiteServer(t)
	data := subscribe(t, srv, EventData)
	kicks := subscribe(t, srv, EventKick)
	ws := dialLite(t, url)

	syn := litePacket(TypeSyn, FlagNeedAck, 0)
	syn.Lite.SupportedFunctions = 0x04
	writeLite(t, ws, syn)

	ack := readLite(t, ws)
	assert.Equal(t, TypeSyn, ack.Type)
	assert.Equal(t, FlagAck|FlagHasSize, ack.Flags)
	assert.Equal(t, uint8(0x01), ack.Source)
	assert.Equal(t, uint8(0x1F), ack.Destination)
	assert.Len(t, ack.ConnectionSignature, connSignatureLen)
	assert.Equal(t, 1, conn.Peers())

	connect := litePacket(TypeConnect, FlagReliable|FlagNeedAck, 1)
	connect.ConnectionSignature = make([]byte, connSignatureLen)
	writeLite(t, ws, connect)

	req := &rmc.Request{Protocol: rmc.Protocol{ID: 0x0A}, CallID: 11, MethodID: 4, Parameters: []byte("lite")}
	enc, err := cryptoops.RC4([]byte(DefaultSecureKey), req.Bytes())
	require.NoError(t, err)
	packet := litePacket(TypeData, FlagReliable|FlagNeedAck|FlagHasSize, 2)
	packet.Payload = enc
	writeLite(t, ws, packet)

	dataAck := readLite(t, ws)
	assert.Equal(t, TypeData, dataAck.Type)
	assert.Equal(t, uint16(2), dataAck.SequenceID)

	got := waitFor(t, data)
	assert.Equal(t, VariantLite, got.Variant)
	assert.Equal(t, req, got.RMCRequest)

	require.NoError(t, got.Sender.Reply(context.Background(), rmc.NewError(req.Protocol, req.CallID, req.MethodID, 0x0001)))
	reply := readLite(t, ws)
	assert.Equal(t, TypeData, reply.Type)
	assert.Equal(t, uint8(0xA), reply.Lite.DestinationStreamType)
	plain, err := cryptoops.RC4([]byte(DefaultSecureKey), reply.Payload)
	require.NoError(t, err)
	resp, err := rmc.DecodeResponse(plain)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, uint32(0x80000001), resp.ErrorCode)

	ws.Close()
	kicked := waitFor(t, kicks)
	assert.Equal(t, VariantLite, kicked.Variant)
	require.Eventually(t, func() bool { return conn.Peers() == 0 && srv.Sessions().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWSPacketConnClose(t *testing.T) {
	conn := NewWSPacketConn(&net.TCPAddr{})
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	_, _, err := conn.ReadFrom(make([]byte, 16))
	assert.ErrorIs(t, err, net.ErrClosed)

	_, err = conn.WriteTo([]byte{1}, WSAddr{ID: 1})
	assert.ErrorIs(t, err, ErrUnknownPeer)
	_, err = conn.WriteTo([]byte{1}, &net.UDPAddr{})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestWSPacketConnDropsStalledPeer(t *testing.T) {
	conn := NewWSPacketConn(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	conn.WriteTimeout = 50 * time.Millisecond
	detached := make(chan net.Addr, 2)
	conn.OnDetach = func(addr net.Addr) { detached <- addr }
	httpServer := httptest.NewServer(conn)
	t.Cleanup(func() {
		conn.Close()
		httpServer.Close()
	})
	url := "ws" + strings.TrimPrefix(httpServer.URL, "http")

	// stalled never reads; healthy does.
	dialLite(t, url)
	require.Eventually(t, func() bool { return conn.Peers() == 1 }, 2*time.Second, 10*time.Millisecond)
	var stalled WSAddr
	conn.peersLock.RLock()
	for addr := range conn.peers {
		stalled = addr
	}
	conn.peersLock.RUnlock()

	healthy := dialLite(t, url)
	require.Eventually(t, func() bool { return conn.Peers() == 2 }, 2*time.Second, 10*time.Millisecond)
	var healthyAddr WSAddr
	conn.peersLock.RLock()
	for addr := range conn.peers {
		if addr != stalled {
			healthyAddr = addr
		}
	}
	conn.peersLock.RUnlock()

	chunk := make([]byte, 64*1024)
	deadline := time.Now().Add(10 * time.Second)
	var err error
	for err == nil && time.Now().Before(deadline) {
		_, err = conn.WriteTo(chunk, stalled)
	}
	require.Error(t, err, "writes to a peer that never reads must time out")

	assert.Equal(t, stalled, waitFor[net.Addr](t, detached))
	require.Eventually(t, func() bool { return conn.Peers() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, err = conn.WriteTo([]byte{1}, stalled)
	assert.ErrorIs(t, err, ErrUnknownPeer)

	_, err = conn.WriteTo([]byte("still served"), healthyAddr)
	require.NoError(t, err)
	require.NoError(t, healthy.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := healthy.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("still served"), data)
}
