package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrapsafe/supervisor/internal/config"
)

func TestRectIntersectArea(t *testing.T) {
	r := rect{X0: 0, Y0: 0, X1: 100, Y1: 100}
	assert.Equal(t, 2500.0, r.intersectArea(Box{X0: 50, Y0: 50, X1: 150, Y1: 150}))
	assert.Equal(t, 0.0, r.intersectArea(Box{X0: 200, Y0: 200, X1: 300, Y1: 300}), "disjoint boxes intersect to zero")
}

func TestRectContains(t *testing.T) {
	r := rect{X0: 10, Y0: 10, X1: 20, Y1: 20}
	assert.True(t, r.contains(15, 15))
	assert.False(t, r.contains(5, 5))
}

func newTestStage() (*Stage, *config.Config) {
	cfg := &config.Config{
		Pose: config.PoseConfig{
			FrameSkip: 1, KeypointsToCheck: []int{0}, KeypointConfThres: 0.3,
			KeypointsMinInRoi: 1, FallbackToBbox: true, IntersectThreshold: 0.3,
			UseTemporalSmoothing: true, DetectionMemoryFrames: 3, MinDetectionsForAlarm: 2,
		},
		Obb:               config.ObbConfig{FrameSkip: 1, Confidence: 0.5, ClampPresentThreshold: 0.45, ClampClassID: 0},
		AutoStartDelaySec: 2,
	}
	roi := config.RoiNorm{X0: 0, Y0: 0, X1: 1, Y1: 1}
	s := New("A", cfg, roi, NullPoseModel{}, NullObbModel{}, nil, nil)
	return s, cfg
}

func TestPersonInRoiByPoseRequiresMinKeypoints(t *testing.T) {
	s, _ := newTestStage()
	roiPx := rect{X0: 0, Y0: 0, X1: 100, Y1: 100}
	person := PersonDetection{Keypoints: []Keypoint{{X: 50, Y: 50, Conf: 0.9}}}
	assert.True(t, s.personInRoiByPose(person, roiPx))

	lowConf := PersonDetection{Keypoints: []Keypoint{{X: 50, Y: 50, Conf: 0.1}}}
	assert.False(t, s.personInRoiByPose(lowConf, roiPx))
}

func TestEvaluatePersonsFallsBackToBbox(t *testing.T) {
	s, _ := newTestStage()
	// No keypoints at all, but a bbox mostly inside the full-frame ROI.
	persons := []PersonDetection{{Box: Box{X0: 10, Y0: 10, X1: 90, Y1: 90, Class: "person"}}}
	inRoi, count := s.evaluatePersons(persons, 100, 100)
	assert.True(t, inRoi)
	assert.Equal(t, 1, count)
}

func TestSmoothPersonInRoiRequiresMinDetections(t *testing.T) {
	s, _ := newTestStage()
	assert.False(t, s.smoothPersonInRoi(true), "one hit out of a 2-minimum window is not enough yet")
	assert.True(t, s.smoothPersonInRoi(true), "second consecutive hit satisfies minDetectionsForAlarm")
}

func TestSmoothPersonInRoiBypassedWhenDisabled(t *testing.T) {
	s, cfg := newTestStage()
	cfg.Pose.UseTemporalSmoothing = false
	assert.True(t, s.smoothPersonInRoi(true))
	assert.False(t, s.smoothPersonInRoi(false))
}

type fakeObbModel struct {
	instances []ObbInstance
}

func (f fakeObbModel) Infer(pixels []byte, width, height int) ([]ObbInstance, error) {
	return f.instances, nil
}

func TestRunObbDetectsClampAboveThreshold(t *testing.T) {
	s, _ := newTestStage()
	s.obb = fakeObbModel{instances: []ObbInstance{{ClassID: 0, Conf: 0.6}}}
	s.runObb(640, 480)
	assert.True(t, s.obbState.clampDetected)
	assert.Equal(t, 0.6, s.obbState.clampConf)
}

func TestRunObbIgnoresClampBelowThreshold(t *testing.T) {
	s, _ := newTestStage()
	s.obb = fakeObbModel{instances: []ObbInstance{{ClassID: 0, Conf: 0.2}}}
	s.runObb(640, 480)
	assert.False(t, s.obbState.clampDetected)
}

func TestRunObbDetectsPaperRoll(t *testing.T) {
	s, _ := newTestStage()
	s.obb = fakeObbModel{instances: []ObbInstance{{ClassID: 1, Conf: 0.9}}}
	s.runObb(640, 480)
	assert.True(t, s.obbState.paperRollDetected)
}

func TestUpdateClampTimerIgnoresStartupAbsenceAsRelease(t *testing.T) {
	s, _ := newTestStage()
	now := time.Now()

	// clampDetected defaults to false on a freshly created Stage; the very
	// first observation must shadow-init rather than read as a true->false
	// release edge.
	countdown, autoStart := s.updateClampTimer(now, false)
	assert.Nil(t, countdown, "no clamp has ever been seen, so no countdown should arm")
	assert.False(t, autoStart)
}

func TestUpdateClampTimerCountsDownAfterClampLeaves(t *testing.T) {
	s, _ := newTestStage()
	now := time.Now()

	s.obbState.clampDetected = true
	s.updateClampTimer(now, false)

	s.obbState.clampDetected = false
	countdown, autoStart := s.updateClampTimer(now, false)
	require.NotNil(t, countdown)
	assert.False(t, autoStart)
	assert.InDelta(t, 2.0, *countdown, 0.01)

	countdown, autoStart = s.updateClampTimer(now.Add(2500*time.Millisecond), false)
	assert.True(t, autoStart)
	_ = countdown
}

func TestUpdateClampTimerCancelsOnReturn(t *testing.T) {
	s, _ := newTestStage()
	now := time.Now()
	s.obbState.clampDetected = true
	s.updateClampTimer(now, false)

	s.obbState.clampDetected = false
	s.updateClampTimer(now, false)

	s.obbState.clampDetected = true
	countdown, autoStart := s.updateClampTimer(now.Add(time.Second), false)
	assert.Nil(t, countdown, "clamp returning must cancel the countdown")
	assert.False(t, autoStart)
}

func TestUpdateClampTimerGuardFailsWhenPersonReturnsAtZero(t *testing.T) {
	s, _ := newTestStage()
	now := time.Now()
	s.obbState.clampDetected = true
	s.updateClampTimer(now, false)

	s.obbState.clampDetected = false
	s.updateClampTimer(now, false)
	_, autoStart := s.updateClampTimer(now.Add(3*time.Second), true)
	assert.False(t, autoStart, "auto-start must not fire while a person is still in the ROI")
}
