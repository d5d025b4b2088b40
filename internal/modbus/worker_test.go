package modbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrapsafe/supervisor/internal/config"
)

func TestUnpackBitsLsbFirst(t *testing.T) {
	// byte 0 = 0b00000101 -> addr0=true, addr1=false, addr2=true
	raw := []byte{0b00000101}
	values := unpackBits(raw, 3, 0)
	assert.True(t, values[0])
	assert.False(t, values[1])
	assert.True(t, values[2])
}

func TestUnpackBitsOffsetAddrStart(t *testing.T) {
	raw := []byte{0b00000001}
	values := unpackBits(raw, 1, 8)
	assert.True(t, values[8])
	_, present := values[0]
	assert.False(t, present, "unpackBits must key by absolute address, not bit index")
}

func TestUnpackBitsStopsAtShortBuffer(t *testing.T) {
	values := unpackBits(nil, 5, 0)
	assert.Empty(t, values)
}

func TestEnqueueOnReadOnlyWorkerDoesNotPanic(t *testing.T) {
	w := NewDiWorker("DI", config.ModbusDeviceConfig{}, nil, func(DiSnapshot) {})
	assert.NotPanics(t, func() { w.Enqueue(DoCommand{Addr: 0, Value: true}) })
}

func TestPulseQueuesOnThenOffInOrder(t *testing.T) {
	w := NewDoWorker("A-DO", config.ModbusDeviceConfig{}, nil, func(DoSnapshot) {})
	w.Pulse(5)

	first := <-w.cmdCh
	require.Equal(t, DoCommand{Addr: 5, Value: true}, first)

	select {
	case <-w.cmdCh:
		t.Fatal("off write must not be queued before pulseWidth elapses")
	case <-time.After(pulseWidth / 2):
	}

	select {
	case second := <-w.cmdCh:
		assert.Equal(t, DoCommand{Addr: 5, Value: false}, second)
	case <-time.After(pulseWidth):
		t.Fatal("off write was never queued")
	}
}

func TestConcurrentPulsesQueueRatherThanCoalesce(t *testing.T) {
	w := NewDoWorker("A-DO", config.ModbusDeviceConfig{}, nil, func(DoSnapshot) {})
	w.Pulse(1)
	w.Pulse(2)

	first := <-w.cmdCh
	second := <-w.cmdCh
	assert.Equal(t, DoCommand{Addr: 1, Value: true}, first)
	assert.Equal(t, DoCommand{Addr: 2, Value: true}, second)
}
