package prudp

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrUnknownPeer = errors.New("no websocket peer for address")

// DefaultWSWriteTimeout bounds a single websocket write.
const DefaultWSWriteTimeout = 5 * time.Second

// WSAddr identifies one websocket peer.
type WSAddr struct {
	ID     uint64
	Remote string
}

func (a WSAddr) Network() string { return "websocket" }

func (a WSAddr) String() string { return fmt.Sprintf("%s#%d", a.Remote, a.ID) }

type wsPeer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// WSPacketConn is a net.PacketConn over websocket peers, used to carry
// PRUDPLite. Each binary message is one datagram. Mount it as an
// http.Handler; every upgraded connection becomes a distinct address.
type WSPacketConn struct {
	upgrader websocket.Upgrader
	local    net.Addr

	inbound chan datagram
	done    chan struct{}

	peers     map[WSAddr]*wsPeer
	peersLock sync.RWMutex
	nextID    atomic.Uint64
	closeOnce sync.Once

	// WriteTimeout bounds each write. A peer that does not drain its socket
	// within it is dropped, so it cannot stall the shared writer.
	WriteTimeout time.Duration

	// OnDetach, when set, runs after a peer's websocket closes.
	OnDetach func(net.Addr)
}

func NewWSPacketConn(local net.Addr) *WSPacketConn {
	return &WSPacketConn{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		local:        local,
		inbound:      make(chan datagram, outboundQueueSize),
		done:         make(chan struct{}),
		peers:        make(map[WSAddr]*wsPeer),
		WriteTimeout: DefaultWSWriteTimeout,
	}
}

// ServeHTTP upgrades the request and pumps its messages until the peer goes
// away or the conn is closed.
func (c *WSPacketConn) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-c.done:
		http.Error(w, "closed", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("[WSPacketConn] Upgrade failed")
		return
	}
	ws.SetReadLimit(readBufferSize)

	addr := WSAddr{ID: c.nextID.Add(1), Remote: r.RemoteAddr}
	c.peersLock.Lock()
	c.peers[addr] = &wsPeer{conn: ws}
	c.peersLock.Unlock()

	log.Debug().Str("addr", addr.String()).Msg("[WSPacketConn] Peer attached")

	defer func() {
		c.peersLock.Lock()
		delete(c.peers, addr)
		c.peersLock.Unlock()
		ws.Close()
		log.Debug().Str("addr", addr.String()).Msg("[WSPacketConn] Peer detached")
		if c.OnDetach != nil {
			c.OnDetach(addr)
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		select {
		case c.inbound <- datagram{data: data, addr: addr}:
		case <-c.done:
			return
		}
	}
}

func (c *WSPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case d := <-c.inbound:
		return copy(p, d.data), d.addr, nil
	case <-c.done:
		return 0, nil, net.ErrClosed
	}
}

func (c *WSPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	wsAddr, ok := addr.(WSAddr)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}

	c.peersLock.RLock()
	peer, ok := c.peers[wsAddr]
	c.peersLock.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}

	peer.writeMu.Lock()
	defer peer.writeMu.Unlock()
	if c.WriteTimeout > 0 {
		peer.conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	}
	if err := peer.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		// gorilla connections are unusable after a failed write. Closing
		// ends the peer's read pump, which detaches it.
		peer.conn.Close()
		log.Debug().Err(err).Str("addr", wsAddr.String()).Msg("[WSPacketConn] Write failed, dropping peer")
		return 0, err
	}
	return len(p), nil
}

// Close detaches every peer. Pending and future reads return net.ErrClosed.
func (c *WSPacketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.peersLock.Lock()
		for addr, peer := range c.peers {
			peer.conn.Close()
			delete(c.peers, addr)
		}
		c.peersLock.Unlock()
	})
	return nil
}

func (c *WSPacketConn) LocalAddr() net.Addr {
	return c.local
}

// Peers is the number of attached websocket peers.
func (c *WSPacketConn) Peers() int {
	c.peersLock.RLock()
	defer c.peersLock.RUnlock()
	return len(c.peers)
}

// Deadlines are not supported; the server never sets them.
func (c *WSPacketConn) SetDeadline(time.Time) error      { return errors.ErrUnsupported }
func (c *WSPacketConn) SetReadDeadline(time.Time) error  { return errors.ErrUnsupported }
func (c *WSPacketConn) SetWriteDeadline(time.Time) error { return errors.ErrUnsupported }
