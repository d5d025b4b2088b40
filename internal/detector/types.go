package detector

import "time"

// Keypoint is one of the 17 COCO-convention pose keypoints.
type Keypoint struct {
	X, Y float64
	Conf float64
}

// PersonDetection is one detected person: a bounding box plus, when the pose
// model ran, per-point keypoints.
type PersonDetection struct {
	Box       Box
	Keypoints []Keypoint // nil when only the bbox fallback path produced this detection
}

// Box is an axis-aligned detection box in pixel coordinates.
type Box struct {
	X0, Y0, X1, Y1 float64
	Class          string // e.g. "person"
	Conf           float64
}

func (b Box) area() float64 {
	return (b.X1 - b.X0) * (b.Y1 - b.Y0)
}

// ObbInstance is one oriented-bounding-box detection: forklift clamp or
// paper roll.
type ObbInstance struct {
	ClassID  int
	Conf     float64
	Polygon  [4][2]float64
	AngleDeg float64
}

// PoseModel is the opaque callable contract for the person-pose detector.
// Implementations may load any equivalent 17-keypoint model; the input is
// raw pixels, the output is boxes with optional per-point keypoints and
// confidences.
type PoseModel interface {
	Infer(pixels []byte, width, height int) ([]PersonDetection, error)
}

// ObbModel is the opaque callable contract for the oriented-bounding-box
// detector. Class ids must be preserved: 0=forklift_clamp,
// 1=paper_roll_small, 2=paper_roll_big.
type ObbModel interface {
	Infer(pixels []byte, width, height int) ([]ObbInstance, error)
}

// DetectionResult is emitted on every input frame, whether or not inference
// actually ran this frame (skipped frames carry forward the last known
// booleans; PersonCount is 0 on frames where pose inference did not run).
type DetectionResult struct {
	Ts                    time.Time
	PersonInRoi           bool
	PersonCount           int
	RawDetected           bool
	ClampDetected         bool
	ClampConf             float64
	ClampPolygon          *[4][2]float64
	ClampAngleDeg         *float64
	PaperRollDetected     bool
	AutoStartCountdownSec *float64
	AutoStartSignal       bool
	AnnotatedJpeg         []byte
	CleanJpeg             []byte
}
