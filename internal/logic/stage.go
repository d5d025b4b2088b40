// Package logic implements LogicStage: the per-machine safety and
// production state machine. It consumes DetectionResult, DiSnapshot, and
// DoSnapshot; enforces the auto-stop/auto-reset safety policy; drives the
// signal-light coils; tracks the production roll lifecycle; gates the
// detector via the DI queue; and emits lifecycle Events.
package logic

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wrapsafe/supervisor/internal/config"
	"github.com/wrapsafe/supervisor/internal/detector"
	"github.com/wrapsafe/supervisor/internal/eventlog"
	"github.com/wrapsafe/supervisor/internal/eventstore"
	"github.com/wrapsafe/supervisor/internal/modbus"
)

const (
	tickInterval  = 20 * time.Millisecond // 50 Hz, satisfies the >=20Hz tick rate
	detCapacity   = 5
	diCapacity    = 10
	doCapacity    = 10
)

// Stage is the per-machine LogicStage.
type Stage struct {
	machineID string
	cfg       *config.Config
	machine   config.MachineConfig
	addrs     diAddrs

	doWorker *modbus.Worker

	store       *eventstore.Store
	eventLogger *logrus.Logger

	diGateSetter func(bool)

	detCh chan detector.DetectionResult
	diCh  chan modbus.DiSnapshot
	doCh  chan modbus.DoSnapshot

	state MachineState

	lastAnnotated []byte
	lastClean     []byte
}

// New creates a LogicStage for one machine. diGateSetter is typically
// DetectorStage.SetDiEnabled for the same machine.
func New(machineID string, cfg *config.Config, machine config.MachineConfig, doWorker *modbus.Worker, store *eventstore.Store, eventLogger *logrus.Logger, diGateSetter func(bool)) *Stage {
	return &Stage{
		machineID:    machineID,
		cfg:          cfg,
		machine:      machine,
		addrs:        resolveDiAddrs(machine.GateDiAddr),
		doWorker:     doWorker,
		store:        store,
		eventLogger:  eventLogger,
		diGateSetter: diGateSetter,
		detCh:        make(chan detector.DetectionResult, detCapacity),
		diCh:         make(chan modbus.DiSnapshot, diCapacity),
		doCh:         make(chan modbus.DoSnapshot, doCapacity),
	}
}

// SubmitDetection enqueues a DetectionResult, dropping the oldest queued
// result if the bounded FIFO is full.
func (s *Stage) SubmitDetection(dr detector.DetectionResult) {
	select {
	case s.detCh <- dr:
	default:
		select {
		case <-s.detCh:
		default:
		}
		select {
		case s.detCh <- dr:
		default:
		}
	}
}

// SubmitDi enqueues a DiSnapshot, enforcing latest-wins by dropping any
// stale queued snapshot when the buffer is full.
func (s *Stage) SubmitDi(snap modbus.DiSnapshot) {
	select {
	case s.diCh <- snap:
	default:
		select {
		case <-s.diCh:
		default:
		}
		select {
		case s.diCh <- snap:
		default:
		}
	}
}

// SubmitDo enqueues a DoSnapshot with the same latest-wins policy as SubmitDi.
func (s *Stage) SubmitDo(snap modbus.DoSnapshot) {
	select {
	case s.doCh <- snap:
	default:
		select {
		case <-s.doCh:
		default:
		}
		select {
		case s.doCh <- snap:
		default:
		}
	}
}

// LatestAnnotatedFrame returns the last annotated JPEG this stage observed,
// which may be stale.
func (s *Stage) LatestAnnotatedFrame() []byte {
	return s.lastAnnotated
}

// StatusSnapshot returns the read-only view sampled by external
// collaborators.
func (s *Stage) StatusSnapshot() Snapshot {
	return Snapshot{
		AlarmActive:   s.state.AutoStopActive,
		LastStopTs:    s.state.LastAutoStopTs,
		AutoModeBool:  s.state.AutoMode,
		AutoModeSince: s.state.AutoModeSince,
	}
}

// Run drives the tick loop until ctx is cancelled.
func (s *Stage) Run(ctx context.Context) {
	log.Printf("[logic:%s] starting", s.machineID)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[logic:%s] stopped", s.machineID)
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Stage) tick() {
	now := time.Now()

	var latestDi *modbus.DiSnapshot
drainDi:
	for {
		select {
		case snap := <-s.diCh:
			snap := snap
			latestDi = &snap
		default:
			break drainDi
		}
	}

drainDo:
	for {
		select {
		case <-s.doCh:
		default:
			break drainDo
		}
	}

	var results []detector.DetectionResult
drainDet:
	for {
		select {
		case dr := <-s.detCh:
			results = append(results, dr)
		default:
			break drainDet
		}
	}

	for _, dr := range results {
		s.applyDetection(dr)
	}

	if latestDi != nil {
		s.applyDi(*latestDi, now)
	}

	s.checkPendingCapture(now)
}

// applyDetection updates person/clamp/roll state from one DetectionResult,
// runs the safety check, and re-verifies any auto-start signal.
func (s *Stage) applyDetection(dr detector.DetectionResult) {
	s.state.PersonDetected = dr.PersonInRoi
	s.state.PersonCount = dr.PersonCount
	s.state.ClampDetected = dr.ClampDetected
	s.state.PaperRollDetected = dr.PaperRollDetected
	if dr.AnnotatedJpeg != nil {
		s.lastAnnotated = dr.AnnotatedJpeg
	}
	if dr.CleanJpeg != nil {
		s.lastClean = dr.CleanJpeg
	}

	s.checkSafety(dr)

	if dr.AutoStartSignal {
		s.checkAutoStart(dr.Ts)
	}
}

func (s *Stage) checkSafety(dr detector.DetectionResult) {
	now := dr.Ts
	if now.IsZero() {
		now = time.Now()
	}
	cooldown := time.Duration(s.cfg.Safety.StopCooldownSec * float64(time.Second))

	switch {
	case s.cfg.Safety.AutoStopOnPerson && dr.PersonInRoi:
		if s.state.AutoStopActive || now.Sub(s.state.LastAutoStopTs) <= cooldown {
			return
		}
		s.doWorker.Pulse(doStop)
		s.state.AutoStopActive = true
		s.state.LastAutoStopTs = now

		payload := map[string]any{"reason": "person_in_roi", "personCount": dr.PersonCount}
		path, err := saveJpeg(s.cfg.Capture.CaptureDir, s.machineID, now, "AUTOSTOP", dr.AnnotatedJpeg)
		if err != nil {
			log.Printf("[logic:%s] autostop capture-write failed: %v", s.machineID, err)
		} else {
			payload["capturedFramePath"] = path
		}
		s.emit(eventstore.EventAutoStop, payload, now)

	case s.state.AutoStopActive && !dr.PersonInRoi:
		if s.cfg.Safety.AutoResetOnClear {
			s.doWorker.Pulse(doReset)
			s.state.AutoStopActive = false
			s.emit(eventstore.EventAutoReset, nil, now)
		} else {
			s.state.AutoStopActive = false
			s.emit(eventstore.EventPersonExit, nil, now)
		}
	}
}

func (s *Stage) checkAutoStart(now time.Time) {
	if s.state.IsReady && !s.state.IsRunning && s.state.RollOk {
		s.doWorker.Pulse(doStart)
		s.emit(eventstore.EventAutoStart, nil, now)
		return
	}
	log.Printf("[logic:%s] auto-start guard failed (ready=%v running=%v rollOk=%v), discarding signal",
		s.machineID, s.state.IsReady, s.state.IsRunning, s.state.RollOk)
}

// applyDi mirrors status coils and drives the production roll state
// machine from one DiSnapshot.
func (s *Stage) applyDi(snap modbus.DiSnapshot, now time.Time) {
	if !snap.Connected {
		return
	}

	checkRoll := snap.Values[s.addrs.CheckRoll]
	checkFilm := snap.Values[s.addrs.CheckFilm]
	run := snap.Values[s.addrs.Run]
	ready := snap.Values[s.addrs.MachineReady]
	autoMode := snap.Values[s.addrs.AutoManual]

	if s.diGateSetter != nil {
		s.diGateSetter(checkRoll)
	}

	if autoMode != s.state.AutoMode {
		s.state.AutoMode = autoMode
		s.state.AutoModeSince = now
	}

	if !s.state.shadowInit {
		s.state.shadowInit = true
		s.state.IsReady = ready
		s.state.IsRunning = run
		s.state.RollOk = checkRoll
		s.state.FilmOk = checkFilm
		s.state.PrevWrappingDi = run
		s.state.PrevRollPresentDi = checkRoll
		s.recover(now)
		s.mirrorStatusCoils(ready, run, checkFilm)
		return
	}

	s.state.IsRunning = run
	s.state.IsReady = ready
	s.state.RollOk = checkRoll
	s.state.FilmOk = checkFilm

	s.mirrorStatusCoils(ready, run, checkFilm)

	if !ready {
		// Suspend tracking; reset shadows so no spurious edge fires on
		// return to ready.
		s.state.PrevWrappingDi = run
		s.state.PrevRollPresentDi = checkRoll
		return
	}

	wrappingEdgeRise := run && !s.state.PrevWrappingDi
	wrappingEdgeFall := !run && s.state.PrevWrappingDi
	rollEdgeFall := !checkRoll && s.state.PrevRollPresentDi
	rollEdgeRise := checkRoll && !s.state.PrevRollPresentDi

	switch {
	case wrappingEdgeRise && checkRoll && !s.state.IsWaitingForRemoval:
		t := now
		s.state.WrappingStartTs = &t
		s.doWorker.Enqueue(modbus.DoCommand{Addr: doBlueRun, Value: true})
		s.doWorker.Enqueue(modbus.DoCommand{Addr: doGreenFinish, Value: false})

		payload := map[string]any{}
		if s.cfg.Capture.OnRollStart {
			path, err := saveJpeg(s.cfg.Capture.ProductionCaptureDir, s.machineID, now, "START", s.lastClean)
			if err != nil {
				log.Printf("[logic:%s] roll-start capture-write failed: %v", s.machineID, err)
			} else {
				payload["capturePath"] = path
			}
		}
		s.emit(eventstore.EventRollStarted, payload, now)

	case wrappingEdgeFall && s.state.WrappingStartTs != nil:
		s.doWorker.Enqueue(modbus.DoCommand{Addr: doBlueRun, Value: false})
		s.doWorker.Enqueue(modbus.DoCommand{Addr: doGreenFinish, Value: true})
		t := now
		s.state.RemovalWaitStartTs = &t
		s.state.IsWaitingForRemoval = true

	case s.state.IsWaitingForRemoval && rollEdgeFall:
		s.finishRoll(now, false)

	case run && rollEdgeFall:
		log.Printf("[logic:%s] abnormal: CheckRoll fell while running, aborting session", s.machineID)
		s.state.WrappingStartTs = nil
		s.state.RemovalWaitStartTs = nil
		s.state.IsWaitingForRemoval = false

	case s.state.IsWaitingForRemoval && rollEdgeRise:
		log.Printf("[logic:%s] abnormal: CheckRoll rose while awaiting removal", s.machineID)
	}

	if rollEdgeRise {
		due := now.Add(rollCaptureDelay)
		s.state.PendingRollCaptureDueTs = &due
	}

	if s.state.IsWaitingForRemoval && s.state.RemovalWaitStartTs != nil &&
		now.Sub(*s.state.RemovalWaitStartTs) > removalTimeout {
		log.Printf("[logic:%s] AwaitingRemoval timeout, forcing ROLL_FINISHED", s.machineID)
		s.finishRoll(now, true)
	}

	s.state.PrevWrappingDi = run
	s.state.PrevRollPresentDi = checkRoll
}

func (s *Stage) finishRoll(now time.Time, timedOut bool) {
	s.doWorker.Enqueue(modbus.DoCommand{Addr: doGreenFinish, Value: false})

	payload := map[string]any{}
	if s.state.WrappingStartTs != nil {
		durationSec := int(now.Sub(*s.state.WrappingStartTs).Seconds())
		payload["durationSeconds"] = durationSec
		payload["durationMinutes"] = roundTo(float64(durationSec)/60, 2)
	}
	if timedOut {
		payload["timeout"] = true
	}
	s.emit(eventstore.EventRollFinished, payload, now)

	s.state.WrappingStartTs = nil
	s.state.RemovalWaitStartTs = nil
	s.state.IsWaitingForRemoval = false
}

func (s *Stage) mirrorStatusCoils(ready, run, filmOk bool) {
	s.doWorker.Enqueue(modbus.DoCommand{Addr: doReadyLamp, Value: ready})
	if !run {
		s.doWorker.Enqueue(modbus.DoCommand{Addr: doFilmAlarmLamp, Value: !filmOk})
	}
}

// recover queries the event store for a session left open by a prior crash.
func (s *Stage) recover(now time.Time) {
	if s.state.WrappingStartTs != nil {
		return
	}
	plausiblyOpen := s.state.IsRunning || (!s.state.IsRunning && s.state.RollOk)
	if !plausiblyOpen {
		return
	}

	session, ok, err := s.store.FindOpenSession(s.machineID)
	if err != nil {
		log.Printf("[logic:%s] recovery query failed: %v", s.machineID, err)
		return
	}
	if !ok {
		return
	}

	t := session.StartTs
	s.state.WrappingStartTs = &t
	if s.state.IsRunning {
		log.Printf("[logic:%s] recovered open session (Wrapping), startTs=%s", s.machineID, t)
		return
	}
	rt := now
	s.state.RemovalWaitStartTs = &rt
	s.state.IsWaitingForRemoval = true
	log.Printf("[logic:%s] recovered open session (AwaitingRemoval), startTs=%s", s.machineID, t)
}

func (s *Stage) checkPendingCapture(now time.Time) {
	if s.state.PendingRollCaptureDueTs == nil || now.Before(*s.state.PendingRollCaptureDueTs) {
		return
	}
	if s.cfg.Capture.OnRollDetected {
		if _, err := saveJpeg(s.cfg.Capture.ProductionCaptureDir, s.machineID, now, "ROLL_DETECTED", s.lastClean); err != nil {
			log.Printf("[logic:%s] roll-detected capture-write failed: %v", s.machineID, err)
		}
	}
	s.state.PendingRollCaptureDueTs = nil
}

func (s *Stage) emit(t eventstore.EventType, payload map[string]any, ts time.Time) {
	if payload == nil {
		payload = map[string]any{}
	}
	if err := s.store.Append(eventstore.Event{MachineID: s.machineID, Type: t, Payload: payload, Ts: ts}); err != nil {
		log.Printf("[logic:%s] event persist failed: %v", s.machineID, err)
	}
	eventlog.LogEvent(s.eventLogger, s.machineID, string(t), payload)
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
