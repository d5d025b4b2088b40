package logic

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrapsafe/supervisor/internal/config"
	"github.com/wrapsafe/supervisor/internal/detector"
	"github.com/wrapsafe/supervisor/internal/eventlog"
	"github.com/wrapsafe/supervisor/internal/eventstore"
	"github.com/wrapsafe/supervisor/internal/modbus"
)

func TestResolveDiAddrsOffsetsByBase(t *testing.T) {
	a := resolveDiAddrs(0)
	assert.Equal(t, diAddrs{CheckRoll: 0, CheckFilm: 1, AutoManual: 2, Run: 4, MachineReady: 5}, a)

	b := resolveDiAddrs(8)
	assert.Equal(t, diAddrs{CheckRoll: 8, CheckFilm: 9, AutoManual: 10, Run: 12, MachineReady: 13}, b)
}

func newTestStage(t *testing.T) (*Stage, *modbus.Worker) {
	t.Helper()
	store, err := eventstore.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	doWorker := modbus.NewDoWorker("A-DO", config.ModbusDeviceConfig{}, nil, func(modbus.DoSnapshot) {})
	cfg := &config.Config{
		Safety:  config.SafetyConfig{AutoStopOnPerson: true, StopCooldownSec: 10},
		Capture: config.CaptureConfig{CaptureDir: t.TempDir(), ProductionCaptureDir: t.TempDir(), OnRollStart: true, OnRollDetected: true},
	}
	machine := config.MachineConfig{ID: "A", GateDiAddr: 0}
	s := New("A", cfg, machine, doWorker, store, eventlog.NewEventLogger(), func(bool) {})
	return s, doWorker
}

func drainCoil(t *testing.T, w *modbus.Worker) modbus.DoCommand {
	t.Helper()
	select {
	case cmd := <-w.Commands():
		return cmd
	case <-time.After(time.Second):
		t.Fatal("expected a queued coil write")
		return modbus.DoCommand{}
	}
}

func TestCheckSafetyPulsesStopOnPersonInRoi(t *testing.T) {
	s, w := newTestStage(t)
	now := time.Now()
	s.checkSafety(detector.DetectionResult{Ts: now, PersonInRoi: true, PersonCount: 1, AnnotatedJpeg: []byte{0xff, 0xd8, 0xff}})

	assert.True(t, s.state.AutoStopActive)
	cmd := drainCoil(t, w)
	assert.Equal(t, modbus.DoCommand{Addr: doStop, Value: true}, cmd)
}

func TestCheckSafetyRespectsCooldown(t *testing.T) {
	s, w := newTestStage(t)
	now := time.Now()
	s.checkSafety(detector.DetectionResult{Ts: now, PersonInRoi: true})
	drainCoil(t, w) // the ON half of the stop pulse

	s.state.AutoStopActive = false // simulate person re-entering before cooldown elapses
	s.checkSafety(detector.DetectionResult{Ts: now.Add(time.Second), PersonInRoi: true})

	select {
	case <-w.Commands():
		t.Fatal("a second stop pulse must not fire within the cooldown window")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCheckAutoStartGuardRequiresReadyAndRollOk(t *testing.T) {
	s, w := newTestStage(t)
	s.state.IsReady = false
	s.state.IsRunning = false
	s.state.RollOk = true
	s.checkAutoStart(time.Now())

	select {
	case <-w.Commands():
		t.Fatal("auto-start must not pulse when the machine is not ready")
	case <-time.After(50 * time.Millisecond):
	}

	s.state.IsReady = true
	s.state.RollOk = false
	s.checkAutoStart(time.Now())

	select {
	case <-w.Commands():
		t.Fatal("auto-start must not pulse when no roll is present")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCheckAutoStartPulsesWhenGuardSatisfied(t *testing.T) {
	s, w := newTestStage(t)
	s.state.IsReady = true
	s.state.IsRunning = false
	s.state.RollOk = true
	s.checkAutoStart(time.Now())

	cmd := drainCoil(t, w)
	assert.Equal(t, modbus.DoCommand{Addr: doStart, Value: true}, cmd)
}

func TestRollLifecycleStartToFinishClearsState(t *testing.T) {
	s, w := newTestStage(t)
	s.lastClean = []byte{0xff, 0xd8, 0xff}

	now := time.Now()
	// first DI snapshot: shadow init, machine ready, idle
	s.applyDi(modbus.DiSnapshot{Connected: true, Values: map[int]bool{
		s.addrs.MachineReady: true, s.addrs.CheckRoll: true, s.addrs.Run: false, s.addrs.CheckFilm: true,
	}, Ts: now}, now)
	drainAllCoils(w)

	// run rises with roll present -> Wrapping begins
	now = now.Add(time.Second)
	s.applyDi(modbus.DiSnapshot{Connected: true, Values: map[int]bool{
		s.addrs.MachineReady: true, s.addrs.CheckRoll: true, s.addrs.Run: true, s.addrs.CheckFilm: true,
	}, Ts: now}, now)
	require.NotNil(t, s.state.WrappingStartTs)
	drainAllCoils(w)

	// run falls -> AwaitingRemoval
	now = now.Add(30 * time.Second)
	s.applyDi(modbus.DiSnapshot{Connected: true, Values: map[int]bool{
		s.addrs.MachineReady: true, s.addrs.CheckRoll: true, s.addrs.Run: false, s.addrs.CheckFilm: true,
	}, Ts: now}, now)
	assert.True(t, s.state.IsWaitingForRemoval)
	drainAllCoils(w)

	// roll removed -> finishRoll
	now = now.Add(5 * time.Second)
	s.applyDi(modbus.DiSnapshot{Connected: true, Values: map[int]bool{
		s.addrs.MachineReady: true, s.addrs.CheckRoll: false, s.addrs.Run: false, s.addrs.CheckFilm: true,
	}, Ts: now}, now)

	assert.False(t, s.state.IsWaitingForRemoval)
	assert.Nil(t, s.state.WrappingStartTs)
}

func TestAwaitingRemovalTimeoutForcesFinish(t *testing.T) {
	s, w := newTestStage(t)
	now := time.Now()
	s.applyDi(modbus.DiSnapshot{Connected: true, Values: map[int]bool{
		s.addrs.MachineReady: true, s.addrs.CheckRoll: true, s.addrs.Run: false, s.addrs.CheckFilm: true,
	}, Ts: now}, now)
	drainAllCoils(w)

	now = now.Add(time.Second)
	s.applyDi(modbus.DiSnapshot{Connected: true, Values: map[int]bool{
		s.addrs.MachineReady: true, s.addrs.CheckRoll: true, s.addrs.Run: true, s.addrs.CheckFilm: true,
	}, Ts: now}, now)
	drainAllCoils(w)

	now = now.Add(time.Second)
	s.applyDi(modbus.DiSnapshot{Connected: true, Values: map[int]bool{
		s.addrs.MachineReady: true, s.addrs.CheckRoll: true, s.addrs.Run: false, s.addrs.CheckFilm: true,
	}, Ts: now}, now)
	require.True(t, s.state.IsWaitingForRemoval)
	drainAllCoils(w)

	now = now.Add(removalTimeout + time.Second)
	s.applyDi(modbus.DiSnapshot{Connected: true, Values: map[int]bool{
		s.addrs.MachineReady: true, s.addrs.CheckRoll: true, s.addrs.Run: false, s.addrs.CheckFilm: true,
	}, Ts: now}, now)

	assert.False(t, s.state.IsWaitingForRemoval, "a removal wait past the timeout must be forced closed")
}

func drainAllCoils(w *modbus.Worker) {
	for {
		select {
		case <-w.Commands():
		default:
			return
		}
	}
}
