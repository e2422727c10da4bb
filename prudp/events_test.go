package prudp

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeRejectsBadHandlers(t *testing.T) {
	d := NewDispatcher(1, 1, BackpressureBlock)

	err := d.Subscribe(EventData, Channel(7), func(*Packet) {})
	assert.ErrorIs(t, err, ErrHandlerSignature)

	err = d.Subscribe(EventData, AnyPacket, nil)
	assert.ErrorIs(t, err, ErrHandlerSignature)

	err = d.Subscribe("Accept", AnyPacket, func(*Packet) {})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	for event := range knownEvents {
		require.NoError(t, d.Subscribe(event, V1Packet, func(*Packet) {}))
	}
}

func TestDispatchByChannel(t *testing.T) {
	d := NewDispatcher(2, 16, BackpressureBlock)
	d.Start()

	var anyCount, v0Count, v1Count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)
	require.NoError(t, d.Subscribe(EventData, AnyPacket, func(*Packet) { anyCount.Add(1); wg.Done() }))
	require.NoError(t, d.Subscribe(EventData, V0Packet, func(*Packet) { v0Count.Add(1); wg.Done() }))
	require.NoError(t, d.Subscribe(EventData, V1Packet, func(*Packet) { v1Count.Add(1); wg.Done() }))

	d.Emit(EventData, &Packet{Variant: VariantV0})
	d.Emit(EventData, &Packet{Variant: VariantLite})

	wg.Wait()
	d.Stop()

	assert.Equal(t, int32(2), anyCount.Load())
	assert.Equal(t, int32(1), v0Count.Load())
	assert.Equal(t, int32(0), v1Count.Load())
}

func TestDispatchNilPacketOnlyReachesAnyPacket(t *testing.T) {
	d := NewDispatcher(1, 4, BackpressureBlock)
	d.Start()

	called := make(chan struct{}, 2)
	require.NoError(t, d.Subscribe(EventListening, AnyPacket, func(p *Packet) {
		assert.Nil(t, p)
		called <- struct{}{}
	}))
	require.NoError(t, d.Subscribe(EventListening, V1Packet, func(*Packet) {
		called <- struct{}{}
	}))

	d.Emit(EventListening, nil)
	d.Stop()
	assert.Len(t, called, 1)
}

func TestDispatchDropPolicy(t *testing.T) {
	d := NewDispatcher(1, 1, BackpressureDrop)
	var dropped atomic.Int32
	d.onDrop = func(string) { dropped.Add(1) }

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	require.NoError(t, d.Subscribe(EventPacket, AnyPacket, func(*Packet) {
		once.Do(func() { close(started) })
		<-release
	}))
	d.Start()

	d.Emit(EventPacket, &Packet{})
	<-started
	d.Emit(EventPacket, &Packet{})
	d.Emit(EventPacket, &Packet{})
	d.Emit(EventPacket, &Packet{})

	assert.Equal(t, int32(2), dropped.Load())
	close(release)
	d.Stop()
}

func TestDispatchRecoversPanics(t *testing.T) {
	d := NewDispatcher(1, 4, BackpressureBlock)
	d.Start()
	defer d.Stop()

	done := make(chan struct{})
	require.NoError(t, d.Subscribe(EventPing, AnyPacket, func(*Packet) { panic("boom") }))
	require.NoError(t, d.Subscribe(EventPing, AnyPacket, func(*Packet) { close(done) }))

	d.Emit(EventPing, &Packet{})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never ran")
	}
}

func TestParseBackpressure(t *testing.T) {
	p, err := ParseBackpressure("DROP")
	require.NoError(t, err)
	assert.Equal(t, BackpressureDrop, p)

	p, err = ParseBackpressure("")
	require.NoError(t, err)
	assert.Equal(t, BackpressureBlock, p)

	_, err = ParseBackpressure("spill")
	assert.Error(t, err)
}
