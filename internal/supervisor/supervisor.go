// Package supervisor constructs, starts, health-monitors, and tears down
// every per-machine stage and the three ModbusWorkers, forwards each
// combined DI snapshot to every machine's LogicStage (each reads only its
// own address range), and exposes the read-only collaborator-facing views.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wrapsafe/supervisor/internal/camera"
	"github.com/wrapsafe/supervisor/internal/config"
	"github.com/wrapsafe/supervisor/internal/detector"
	"github.com/wrapsafe/supervisor/internal/eventlog"
	"github.com/wrapsafe/supervisor/internal/eventstore"
	"github.com/wrapsafe/supervisor/internal/frame"
	"github.com/wrapsafe/supervisor/internal/logic"
	"github.com/wrapsafe/supervisor/internal/modbus"
)

// Coil identifies one of the three control pulses PulseCoil accepts.
type Coil int

const (
	CoilStart Coil = iota
	CoilStop
	CoilReset
)

const perStageGrace = 5 * time.Second

type machineUnit struct {
	id       string
	slot     *frame.Slot
	camera   *camera.Stage
	detector *detector.Stage
	logic    *logic.Stage
}

// Supervisor owns the full process lifecycle.
type Supervisor struct {
	cfg         *config.Config
	store       *eventstore.Store
	eventLogger *logrus.Logger

	machines  map[string]*machineUnit
	doWorkers map[string]*modbus.Worker
	diWorker  *modbus.Worker

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Supervisor. It does not start anything.
func New(cfg *config.Config, store *eventstore.Store, eventLogger *logrus.Logger) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		store:       store,
		eventLogger: eventLogger,
		machines:    make(map[string]*machineUnit),
		doWorkers:   make(map[string]*modbus.Worker),
	}
}

// Start is idempotent. It creates one FrameSlot per machine and starts all
// stages leaf-first: ModbusWorker -> CameraStage -> DetectorStage ->
// LogicStage.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	doA := modbus.NewDoWorker("A-DO", s.cfg.ModbusA, s.deviceLogger("A-DO"), func(snap modbus.DoSnapshot) {
		if m, ok := s.machines["A"]; ok {
			m.logic.SubmitDo(snap)
		}
	})
	doB := modbus.NewDoWorker("B-DO", s.cfg.ModbusB, s.deviceLogger("B-DO"), func(snap modbus.DoSnapshot) {
		if m, ok := s.machines["B"]; ok {
			m.logic.SubmitDo(snap)
		}
	})
	s.doWorkers["A"] = doA
	s.doWorkers["B"] = doB

	s.diWorker = modbus.NewDiWorker("DI", s.cfg.ModbusDI, s.deviceLogger("DI"), func(snap modbus.DiSnapshot) {
		for _, m := range s.machines {
			m.logic.SubmitDi(snap)
		}
	})

	for id, mcfg := range s.cfg.Machines {
		doWorker, ok := s.doWorkers[id]
		if !ok {
			return fmt.Errorf("supervisor: no DO worker configured for machine %q", id)
		}

		slot := frame.NewSlot()
		camStage := camera.New(id, mcfg.Camera, slot)

		var detStage *detector.Stage
		logicStage := logic.New(id, s.cfg, mcfg, doWorker, s.store, s.eventLogger, func(enabled bool) {
			if detStage != nil {
				detStage.SetDiEnabled(enabled)
			}
		})
		detStage = detector.New(id, s.cfg, mcfg.Roi, detector.NullPoseModel{}, detector.NullObbModel{}, slot, logicStage.SubmitDetection)

		s.machines[id] = &machineUnit{id: id, slot: slot, camera: camStage, detector: detStage, logic: logicStage}
	}

	s.spawn(func() { doA.Run(ctx) })
	s.spawn(func() { doB.Run(ctx) })
	s.spawn(func() { s.diWorker.Run(ctx) })

	for _, m := range s.machines {
		m := m
		roi := s.cfg.Machines[m.id].Roi
		s.spawn(func() { m.camera.Run(ctx, roi) })
		s.spawn(func() { m.detector.Run(ctx) })
		s.spawn(func() { m.logic.Run(ctx) })
	}

	s.started = true
	log.Println("[supervisor] started")
	return nil
}

func (s *Supervisor) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
		s.mu.Lock()
		running := s.started
		s.mu.Unlock()
		if running {
			log.Println("[supervisor] ERROR: a stage exited while the supervisor was running; it is not restarted")
		}
	}()
}

// Stop sends a cooperative stop to every stage and waits up to perStageGrace
// per stage before logging stragglers and returning.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	numStages := len(s.machines)*3 + 3
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[supervisor] all stages stopped cleanly")
	case <-time.After(time.Duration(numStages) * perStageGrace):
		log.Println("[supervisor] grace period elapsed, some stages did not report stopped")
	}

	if err := s.store.Close(); err != nil {
		log.Printf("[supervisor] eventstore close: %v", err)
	}
}

// PulseCoil writes true to the target coil, then schedules a false write
// 300ms later. Concurrent invocations for the same coil queue rather than
// coalesce.
func (s *Supervisor) PulseCoil(machineID string, which Coil) error {
	w, ok := s.doWorkers[machineID]
	if !ok {
		return fmt.Errorf("supervisor: unknown machine %q", machineID)
	}
	var addr int
	switch which {
	case CoilStart:
		addr = 0
	case CoilStop:
		addr = 1
	case CoilReset:
		addr = 2
	default:
		return fmt.Errorf("supervisor: unknown coil %v", which)
	}
	w.Pulse(addr)
	return nil
}

// LatestAnnotatedFrame is a non-blocking read of the last annotated JPEG for
// machineID; it may be stale.
func (s *Supervisor) LatestAnnotatedFrame(machineID string) ([]byte, bool) {
	m, ok := s.machines[machineID]
	if !ok {
		return nil, false
	}
	b := m.logic.LatestAnnotatedFrame()
	return b, b != nil
}

// MachineStatusSnapshot samples the current alarm/auto-mode state for
// machineID.
func (s *Supervisor) MachineStatusSnapshot(machineID string) (logic.Snapshot, bool) {
	m, ok := s.machines[machineID]
	if !ok {
		return logic.Snapshot{}, false
	}
	return m.logic.StatusSnapshot(), true
}

// ModbusStats reports the cumulative read/write outcome counters for one of
// the three Modbus devices ("A-DO", "B-DO", "DI").
func (s *Supervisor) ModbusStats(name string) (modbus.Stats, bool) {
	if name == "DI" {
		if s.diWorker == nil {
			return modbus.Stats{}, false
		}
		return s.diWorker.Stats(), true
	}
	machineID := strings.TrimSuffix(name, "-DO")
	w, ok := s.doWorkers[machineID]
	if !ok {
		return modbus.Stats{}, false
	}
	return w.Stats(), true
}

// deviceLogger opens a per-device log stream under cfg.LogDir. A failure to
// create it is logged and treated as non-fatal: the worker still runs, just
// without a dedicated log file.
func (s *Supervisor) deviceLogger(name string) *logrus.Logger {
	l, err := eventlog.NewDeviceLogger(s.cfg.LogDir, name)
	if err != nil {
		log.Printf("supervisor: could not open device log for %s: %v", name, err)
		return nil
	}
	return l
}
