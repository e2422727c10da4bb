package prudp

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Event names a handler can subscribe to.
const (
	EventSyn        = "Syn"
	EventConnect    = "Connect"
	EventData       = "Data"
	EventDisconnect = "Disconnect"
	EventPing       = "Ping"
	EventPacket     = "Packet"
	EventKick       = "Kick"
	EventListening  = "Listening"
)

var knownEvents = map[string]struct{}{
	EventSyn:        {},
	EventConnect:    {},
	EventData:       {},
	EventDisconnect: {},
	EventPing:       {},
	EventPacket:     {},
	EventKick:       {},
	EventListening:  {},
}

// Channel scopes a subscription to every packet or to one wire variant.
type Channel uint8

const (
	AnyPacket Channel = iota
	V0Packet
	V1Packet
)

func (c Channel) accepts(p *Packet) bool {
	switch c {
	case AnyPacket:
		return true
	case V0Packet:
		return p != nil && p.Variant == VariantV0
	case V1Packet:
		return p != nil && p.Variant == VariantV1
	}
	return false
}

// Handler receives a dispatched packet. Listening and Kick may carry a nil
// packet on AnyPacket subscriptions.
type Handler func(*Packet)

// Backpressure decides what Emit does when the dispatch queue is full.
type Backpressure uint8

const (
	BackpressureBlock Backpressure = iota
	BackpressureDrop
)

func ParseBackpressure(s string) (Backpressure, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return BackpressureBlock, nil
	case "drop":
		return BackpressureDrop, nil
	}
	return 0, fmt.Errorf("unknown backpressure policy %q", s)
}

func (b Backpressure) String() string {
	if b == BackpressureDrop {
		return "drop"
	}
	return "block"
}

type subscription struct {
	channel Channel
	handler Handler
}

type task struct {
	event   string
	handler Handler
	packet  *Packet
}

// Dispatcher routes events to subscribed handlers on a bounded worker pool.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]subscription

	queue   chan task
	policy  Backpressure
	workers int

	stopCh    chan struct{}
	waitGroup sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	onDrop func(event string)
}

// NewDispatcher creates a dispatcher with the given pool size and queue depth.
func NewDispatcher(workers, queueSize int, policy Backpressure) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Dispatcher{
		handlers: make(map[string][]subscription),
		queue:    make(chan task, queueSize),
		policy:   policy,
		workers:  workers,
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers h for event on channel. Unknown channels or a nil
// handler fail with ErrHandlerSignature right here, never at dispatch.
func (d *Dispatcher) Subscribe(event string, channel Channel, h Handler) error {
	if _, ok := knownEvents[event]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	if channel > V1Packet {
		return fmt.Errorf("%w: channel %d is neither AnyPacket, V0Packet nor V1Packet", ErrHandlerSignature, channel)
	}
	if h == nil {
		return fmt.Errorf("%w: nil handler", ErrHandlerSignature)
	}

	d.mu.Lock()
	d.handlers[event] = append(d.handlers[event], subscription{channel: channel, handler: h})
	d.mu.Unlock()
	return nil
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.waitGroup.Add(1)
			go d.worker()
		}
	})
}

// Stop drains queued work and waits for the workers to exit.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.waitGroup.Wait()
}

func (d *Dispatcher) worker() {
	defer d.waitGroup.Done()
	for {
		select {
		case t := <-d.queue:
			d.run(t)
		case <-d.stopCh:
			for {
				select {
				case t := <-d.queue:
					d.run(t)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", t.event).
				Interface("panic", r).
				Msg("[Dispatcher] Handler panicked")
		}
	}()
	t.handler(t.packet)
}

// Emit queues every matching handler for event. It never runs handlers on
// the caller's goroutine.
func (d *Dispatcher) Emit(event string, p *Packet) {
	d.mu.RLock()
	subs := d.handlers[event]
	d.mu.RUnlock()

	for _, sub := range subs {
		if !sub.channel.accepts(p) {
			continue
		}
		d.enqueue(task{event: event, handler: sub.handler, packet: p})
	}
}

func (d *Dispatcher) enqueue(t task) {
	select {
	case <-d.stopCh:
		return
	default:
	}

	if d.policy == BackpressureDrop {
		select {
		case d.queue <- t:
		default:
			log.Warn().Str("event", t.event).Msg("[Dispatcher] Queue full, event dropped")
			if d.onDrop != nil {
				d.onDrop(t.event)
			}
		}
		return
	}

	select {
	case d.queue <- t:
	case <-d.stopCh:
	}
}
