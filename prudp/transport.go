package prudp

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

const outboundQueueSize = 1024

type datagram struct {
	data []byte
	addr net.Addr
}

// transport owns one PacketConn. Reads happen on the server's receive
// workers; every write goes through a single writer goroutine so datagrams to
// a peer leave in the order they were queued.
type transport struct {
	conn    net.PacketConn
	variant Variant
	out     chan datagram
	done    chan struct{}
	metrics *Metrics

	closeOnce sync.Once
	closeErr  error
}

func newTransport(conn net.PacketConn, variant Variant, metrics *Metrics) *transport {
	return &transport{
		conn:    conn,
		variant: variant,
		out:     make(chan datagram, outboundQueueSize),
		done:    make(chan struct{}),
		metrics: metrics,
	}
}

// send queues data for addr. It blocks while the queue is full.
func (t *transport) send(data []byte, addr net.Addr) error {
	select {
	case <-t.done:
		return ErrServerClosed
	default:
	}

	select {
	case t.out <- datagram{data: data, addr: addr}:
		return nil
	case <-t.done:
		return ErrServerClosed
	}
}

func (t *transport) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-t.out:
			if _, err := t.conn.WriteTo(d.data, d.addr); err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				log.Warn().Err(err).Str("addr", d.addr.String()).Msg("[Transport] Write failed")
				continue
			}
			t.metrics.packetsSent.WithLabelValues(t.variant.String()).Inc()
		}
	}
}

// close unblocks pending senders and the socket readers.
func (t *transport) close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
