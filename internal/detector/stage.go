// Package detector implements the DetectorStage: pose and oriented-bounding-
// box inference over a configured ROI, person-in-ROI determination, temporal
// smoothing, the clamp-release auto-start timer, and annotated/clean JPEG
// rendering.
//
// Models are opaque callables: this package never assumes a particular ML
// runtime, only the PoseModel/ObbModel interfaces in types.go.
package detector

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/wrapsafe/supervisor/internal/config"
	"github.com/wrapsafe/supervisor/internal/frame"
)

// rect is a pixel-space axis-aligned rectangle.
type rect struct {
	X0, Y0, X1, Y1 int
}

func roiToPixels(roi config.RoiNorm, w, h int) rect {
	return rect{
		X0: int(roi.X0 * float64(w)),
		Y0: int(roi.Y0 * float64(h)),
		X1: int(roi.X1 * float64(w)),
		Y1: int(roi.Y1 * float64(h)),
	}
}

func (r rect) contains(x, y float64) bool {
	return x >= float64(r.X0) && x <= float64(r.X1) && y >= float64(r.Y0) && y <= float64(r.Y1)
}

func (r rect) intersectArea(b Box) float64 {
	x0 := maxF(float64(r.X0), b.X0)
	y0 := maxF(float64(r.Y0), b.Y0)
	x1 := minF(float64(r.X1), b.X1)
	y1 := minF(float64(r.Y1), b.Y1)
	if x1 <= x0 || y1 <= y0 {
		return 0
	}
	return (x1 - x0) * (y1 - y0)
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// clampTimerState tracks the clamp-release auto-start timer.
type clampTimerState struct {
	releasedAt         *time.Time
	autoStartTriggered bool

	shadowInit        bool
	prevClampDetected bool
}

// obbSticky holds the last OBB inference result, retained between
// inferences and across DI-gated frames until a new inference overwrites it.
type obbSticky struct {
	clampDetected     bool
	clampConf         float64
	clampPolygon      *[4][2]float64
	clampAngleDeg     *float64
	paperRollDetected bool
}

// Stage is the per-machine DetectorStage.
type Stage struct {
	machineID string
	cfg       *config.Config
	pose      PoseModel
	obb       ObbModel
	slot      *frame.Slot
	roi       config.RoiNorm

	diEnabledMu sync.RWMutex
	diEnabled   bool

	// Adaptive frame skip.
	frameCount         uint64
	lastPersonDetected bool

	obbFrameCount uint64

	// Temporal smoothing ring buffer.
	roiHistory    []bool
	roiHistoryPos int
	roiHistoryLen int

	obbState   obbSticky
	clampTimer clampTimerState

	lastSeq  uint64
	onResult func(DetectionResult)
}

// New creates a DetectorStage for one machine. onResult is invoked with
// every emitted DetectionResult (the LogicStage's inbound channel send lives
// behind this callback).
func New(machineID string, cfg *config.Config, roi config.RoiNorm, pose PoseModel, obb ObbModel, slot *frame.Slot, onResult func(DetectionResult)) *Stage {
	mem := cfg.Pose.DetectionMemoryFrames
	if mem <= 0 {
		mem = 1
	}
	return &Stage{
		machineID:  machineID,
		cfg:        cfg,
		pose:       pose,
		obb:        obb,
		slot:       slot,
		roi:        roi,
		diEnabled:  true,
		roiHistory: make([]bool, mem),
		onResult:   onResult,
	}
}

// SetDiEnabled updates the DI gate. Called by LogicStage whenever a new
// DiSnapshot arrives for the configured gate address.
func (s *Stage) SetDiEnabled(enabled bool) {
	s.diEnabledMu.Lock()
	s.diEnabled = enabled
	s.diEnabledMu.Unlock()
}

func (s *Stage) diGateEnabled() bool {
	s.diEnabledMu.RLock()
	defer s.diEnabledMu.RUnlock()
	return s.diEnabled
}

// Run polls the frame slot and emits a DetectionResult for every new frame,
// until ctx is cancelled.
func (s *Stage) Run(ctx context.Context) {
	log.Printf("[detector:%s] starting", s.machineID)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[detector:%s] stopped", s.machineID)
			return
		case <-ticker.C:
			f, seq, ok := s.slot.LatestIfNewer(s.lastSeq)
			if !ok {
				continue
			}
			s.lastSeq = seq
			result := s.processFrame(f)
			if s.onResult != nil {
				s.onResult(result)
			}
		}
	}
}

// processFrame runs the full per-frame pipeline: DI gate, adaptive-skip pose
// inference, person-in-ROI evaluation, temporal smoothing, OBB inference,
// the clamp-release timer, and annotated/clean JPEG rendering.
func (s *Stage) processFrame(f frame.Frame) DetectionResult {
	s.frameCount++

	gated := s.cfg.EnableDetectionOnDi && !s.diGateEnabled()

	var persons []PersonDetection
	var poseRan bool

	adaptiveSkip := s.cfg.Pose.FrameSkip
	if !s.lastPersonDetected {
		adaptiveSkip = maxI(1, s.cfg.Pose.FrameSkip*3)
	}
	shouldInferPose := !gated && adaptiveSkip > 0 && s.frameCount%uint64(adaptiveSkip) == 0

	var rawInRoi bool
	var personCount int

	if gated {
		// DI-gated: pose detector skipped entirely this frame.
		rawInRoi = false
	} else if shouldInferPose {
		var err error
		persons, err = s.pose.Infer(nil, f.Width, f.Height)
		if err != nil {
			log.Printf("[detector:%s] pose inference error: %v", s.machineID, err)
			persons = nil
		} else {
			poseRan = true
		}
		rawInRoi, personCount = s.evaluatePersons(persons, f.Width, f.Height)
		s.lastPersonDetected = rawInRoi
	} else {
		// Skipped frame: reuse last inference's booleans.
		rawInRoi = s.lastPersonDetected
		personCount = 0
	}

	personInRoi := s.smoothPersonInRoi(rawInRoi)

	// OBB runs on its own counter, independent of the pose gate.
	if adaptiveOK := s.cfg.Obb.FrameSkip > 0; adaptiveOK {
		s.obbFrameCount++
		if s.obbFrameCount%uint64(s.cfg.Obb.FrameSkip) == 0 {
			s.runObb(f.Width, f.Height)
		}
	}

	now := f.CapturedAt
	if now.IsZero() {
		now = time.Now()
	}
	countdown, autoStart := s.updateClampTimer(now, personInRoi)

	result := DetectionResult{
		Ts:                    now,
		PersonInRoi:           personInRoi,
		PersonCount:           personCount,
		RawDetected:           rawInRoi,
		ClampDetected:         s.obbState.clampDetected,
		ClampConf:             s.obbState.clampConf,
		ClampPolygon:          s.obbState.clampPolygon,
		ClampAngleDeg:         s.obbState.clampAngleDeg,
		PaperRollDetected:     s.obbState.paperRollDetected,
		AutoStartCountdownSec: countdown,
		AutoStartSignal:       autoStart,
	}

	result.AnnotatedJpeg, result.CleanJpeg = s.render(f, result, gated, poseRan)
	return result
}

func maxI(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// evaluatePersons determines person-in-ROI: pose keypoints first, falling
// back to bbox/ROI intersection ratio when pose evidence is insufficient.
func (s *Stage) evaluatePersons(persons []PersonDetection, w, h int) (inRoi bool, count int) {
	roiPx := roiToPixels(s.roi, w, h)

	for _, p := range persons {
		count++
		if inRoi {
			continue
		}
		if s.personInRoiByPose(p, roiPx) {
			inRoi = true
		}
	}

	if !inRoi && s.cfg.Pose.FallbackToBbox {
		for _, p := range persons {
			if p.Box.Class != "person" {
				continue
			}
			area := p.Box.area()
			if area <= 0 {
				continue
			}
			ratio := roiPx.intersectArea(p.Box) / area
			if ratio >= s.cfg.Pose.IntersectThreshold {
				inRoi = true
				break
			}
		}
	}
	return inRoi, count
}

func (s *Stage) personInRoiByPose(p PersonDetection, roiPx rect) bool {
	inRoiCount := 0
	checkSet := s.cfg.Pose.KeypointsToCheck
	for _, idx := range checkSet {
		if idx < 0 || idx >= len(p.Keypoints) {
			continue
		}
		kp := p.Keypoints[idx]
		if kp.Conf >= s.cfg.Pose.KeypointConfThres && roiPx.contains(kp.X, kp.Y) {
			inRoiCount++
		}
	}
	return inRoiCount >= s.cfg.Pose.KeypointsMinInRoi
}

// smoothPersonInRoi applies the temporal smoothing ring buffer: a person is
// only reported in-ROI once enough recent frames agree.
func (s *Stage) smoothPersonInRoi(raw bool) bool {
	s.roiHistory[s.roiHistoryPos] = raw
	s.roiHistoryPos = (s.roiHistoryPos + 1) % len(s.roiHistory)
	if s.roiHistoryLen < len(s.roiHistory) {
		s.roiHistoryLen++
	}

	if !s.cfg.Pose.UseTemporalSmoothing {
		return raw
	}
	count := 0
	for i := 0; i < s.roiHistoryLen; i++ {
		if s.roiHistory[i] {
			count++
		}
	}
	return count >= s.cfg.Pose.MinDetectionsForAlarm
}

// runObb executes OBB inference and updates the sticky state.
func (s *Stage) runObb(w, h int) {
	instances, err := s.obb.Infer(nil, w, h)
	if err != nil {
		log.Printf("[detector:%s] obb inference error: %v", s.machineID, err)
		return
	}

	var bestConf float64 = -1
	var bestPolygon [4][2]float64
	var bestAngle float64
	clampDetected := false
	paperRollDetected := false

	for _, inst := range instances {
		switch inst.ClassID {
		case 0: // forklift_clamp
			if inst.Conf >= s.cfg.Obb.ClampPresentThreshold {
				clampDetected = true
				if inst.Conf > bestConf {
					bestConf = inst.Conf
					bestPolygon = inst.Polygon
					bestAngle = inst.AngleDeg
				}
			}
		case 1, 2: // paper_roll_small, paper_roll_big
			paperRollDetected = true
		}
	}

	s.obbState.paperRollDetected = paperRollDetected
	s.obbState.clampDetected = clampDetected
	if clampDetected {
		s.obbState.clampConf = bestConf
		poly := bestPolygon
		angle := bestAngle
		s.obbState.clampPolygon = &poly
		s.obbState.clampAngleDeg = &angle
	}
	// Sticky: when not detected this inference, previous polygon/angle are
	// retained intentionally (no else-branch clearing them) except the
	// boolean, which always reflects the latest inference.
}

// updateClampTimer implements the clamp-release auto-start timer: once the
// clamp leaves view, it arms a countdown, and fires an auto-start signal if
// the ROI and clamp both stay clear when the countdown reaches zero.
func (s *Stage) updateClampTimer(now time.Time, personInRoi bool) (countdown *float64, autoStart bool) {
	ct := &s.clampTimer
	clampDetected := s.obbState.clampDetected

	if !ct.shadowInit {
		// Initialize the shadow from the first observation so a Stage that
		// has never seen a clamp doesn't read as a synthetic release edge.
		ct.shadowInit = true
		ct.prevClampDetected = clampDetected
	}

	if ct.prevClampDetected && !clampDetected && ct.releasedAt == nil {
		// Falling edge true->false.
		t := now
		ct.releasedAt = &t
		ct.autoStartTriggered = false
	} else if clampDetected && ct.releasedAt != nil {
		// Rising edge false->true while waiting.
		ct.releasedAt = nil
		ct.autoStartTriggered = false
	}
	ct.prevClampDetected = clampDetected

	if ct.releasedAt != nil && !ct.autoStartTriggered {
		elapsed := now.Sub(*ct.releasedAt).Seconds()
		remaining := s.cfg.AutoStartDelaySec - elapsed
		countdown = &remaining

		if remaining <= 0 {
			if !personInRoi && !clampDetected {
				ct.autoStartTriggered = true
				autoStart = true
			} else {
				// Guard failed: restart the wait from zero.
				t := now
				ct.releasedAt = &t
			}
		}
	}

	return countdown, autoStart
}
