// Package config loads and validates the supervisor's runtime configuration.
//
// It follows the same two-file layering the rest of this codebase's lineage
// uses: config.default.yaml supplies every field, config.yaml (optional)
// overrides a subset of them. Durations and frequencies are authored as
// strings in YAML and parsed once in Load into their typed form.
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"
)

// RoiNorm is a region of interest expressed as normalized [0,1] coordinates.
type RoiNorm struct {
	X0 float64 `yaml:"x0" json:"x0"`
	Y0 float64 `yaml:"y0" json:"y0"`
	X1 float64 `yaml:"x1" json:"x1"`
	Y1 float64 `yaml:"y1" json:"y1"`
}

// Validate checks the ROI invariant x0<x1, y0<y1 and that all coordinates
// fall within [0,1].
func (r RoiNorm) Validate() error {
	for _, v := range []float64{r.X0, r.Y0, r.X1, r.Y1} {
		if v < 0 || v > 1 {
			return fmt.Errorf("roi coordinate %v out of [0,1]", v)
		}
	}
	if r.X0 >= r.X1 {
		return fmt.Errorf("roi x0 (%v) must be < x1 (%v)", r.X0, r.X1)
	}
	if r.Y0 >= r.Y1 {
		return fmt.Errorf("roi y0 (%v) must be < y1 (%v)", r.Y0, r.Y1)
	}
	return nil
}

// ModbusDeviceConfig describes one Modbus/TCP field device.
type ModbusDeviceConfig struct {
	Name      string `yaml:"name"      json:"name"`
	Host      string `yaml:"host"      json:"host"`
	Port      int    `yaml:"port"      json:"port"`
	UnitID    byte   `yaml:"unitId"    json:"unitId"`
	Timeout   string `yaml:"timeout"   json:"timeout"`
	AddrStart int    `yaml:"addrStart" json:"addrStart"`
	AddrEnd   int    `yaml:"addrEnd"   json:"addrEnd"`

	TimeoutDur time.Duration `yaml:"-" json:"-"`
}

// CameraConfig describes one machine's RTSP source and display settings.
type CameraConfig struct {
	URL          string `yaml:"url"          json:"url"`
	DisplayWidth int    `yaml:"displayWidth" json:"displayWidth"`
	DisplayHeight int   `yaml:"displayHeight" json:"displayHeight"`
	JPEGQuality  int    `yaml:"jpegQuality"  json:"jpegQuality"`
}

// PoseConfig groups the pose-detector tunables.
type PoseConfig struct {
	Confidence            float64 `yaml:"confidence"            json:"confidence"`
	ImgSize               int     `yaml:"imgSize"                json:"imgSize"`
	FrameSkip             int     `yaml:"frameSkip"               json:"frameSkip"`
	HalfPrecision         bool    `yaml:"halfPrecision"           json:"halfPrecision"`
	KeypointsToCheck      []int   `yaml:"keypointsToCheck"        json:"keypointsToCheck"`
	KeypointConfThres     float64 `yaml:"keypointConfThres"       json:"keypointConfThres"`
	KeypointsMinInRoi     int     `yaml:"keypointsMinInRoi"       json:"keypointsMinInRoi"`
	FallbackToBbox        bool    `yaml:"fallbackToBbox"          json:"fallbackToBbox"`
	IntersectThreshold    float64 `yaml:"intersectThreshold"      json:"intersectThreshold"`
	UseTemporalSmoothing  bool    `yaml:"useTemporalSmoothing"    json:"useTemporalSmoothing"`
	DetectionMemoryFrames int     `yaml:"detectionMemoryFrames"   json:"detectionMemoryFrames"`
	MinDetectionsForAlarm int     `yaml:"minDetectionsForAlarm"   json:"minDetectionsForAlarm"`
}

// ObbConfig groups the oriented-bounding-box detector tunables.
type ObbConfig struct {
	Confidence            float64 `yaml:"confidence"            json:"confidence"`
	FrameSkip              int     `yaml:"frameSkip"              json:"frameSkip"`
	ClampPresentThreshold  float64 `yaml:"clampPresentThreshold"  json:"clampPresentThreshold"`
	ClampClassID           int     `yaml:"clampClassId"           json:"clampClassId"`
	ClassNames             []string `yaml:"classNames"            json:"classNames"`
}

// CaptureConfig groups capture directories and per-event toggles.
type CaptureConfig struct {
	CaptureDir           string `yaml:"captureDir"           json:"captureDir"`
	ProductionCaptureDir string `yaml:"productionCaptureDir" json:"productionCaptureDir"`
	OnPersonInRoi        bool   `yaml:"onPersonInRoi"        json:"onPersonInRoi"`
	OnRollDetected       bool   `yaml:"onRollDetected"       json:"onRollDetected"`
	OnRollStart          bool   `yaml:"onRollStart"          json:"onRollStart"`
	OnRollFinish         bool   `yaml:"onRollFinish"         json:"onRollFinish"`
}

// MachineConfig is the per-machine (A or B) configuration block.
type MachineConfig struct {
	ID               string        `yaml:"id"               json:"id"`
	Camera           CameraConfig  `yaml:"camera"            json:"camera"`
	Roi              RoiNorm       `yaml:"roi"               json:"roi"`
	RoiDrawColor     string        `yaml:"roiDrawColor"      json:"roiDrawColor"`
	RoiDrawThickness int           `yaml:"roiDrawThickness"  json:"roiDrawThickness"`
	GateDiAddr       int           `yaml:"gateDiAddr"        json:"gateDiAddr"`
}

// SafetyConfig groups the auto-stop/auto-reset tunables.
type SafetyConfig struct {
	AutoStopOnPerson bool    `yaml:"autoStopOnPerson" json:"autoStopOnPerson"`
	StopCooldownSec  float64 `yaml:"stopCooldownSec"  json:"stopCooldownSec"`
	AutoResetOnClear bool    `yaml:"autoResetOnClear" json:"autoResetOnClear"`
}

// Config holds all runtime configuration for the supervisor process.
type Config struct {
	Machines map[string]MachineConfig `yaml:"machines" json:"machines"`

	ModbusA  ModbusDeviceConfig `yaml:"modbusA"  json:"modbusA"`
	ModbusB  ModbusDeviceConfig `yaml:"modbusB"  json:"modbusB"`
	ModbusDI ModbusDeviceConfig `yaml:"modbusDi" json:"modbusDi"`

	Safety SafetyConfig `yaml:"safety" json:"safety"`
	Pose   PoseConfig   `yaml:"pose"   json:"pose"`
	Obb    ObbConfig    `yaml:"obb"    json:"obb"`
	Capture CaptureConfig `yaml:"capture" json:"capture"`

	AutoStartDelaySec       float64 `yaml:"autoStartDelaySec"       json:"autoStartDelaySec"`
	EnableDetectionOnDi     bool    `yaml:"enableDetectionOnDi"     json:"enableDetectionOnDi"`
	EventStorePath          string  `yaml:"eventStorePath"          json:"eventStorePath"`
	ReportAddr              string  `yaml:"reportAddr"              json:"reportAddr"`
	ModbusPollRate          string  `yaml:"modbusPollRate"          json:"modbusPollRate"`
	LogDir                  string  `yaml:"logDir"                  json:"logDir"`

	ModbusPollFreq physic.Frequency `yaml:"-" json:"-"`
}

// LoadResult holds both the effective merged config and the raw defaults,
// mirroring the teacher's defaults-plus-overrides split so callers can diff
// user overrides against shipped defaults when persisting changes.
type LoadResult struct {
	Config   *Config
	Defaults *Config
}

// DefaultsFile and OverridesFile are the two files Load reads, in order.
const (
	DefaultsFile  = "config.default.yaml"
	OverridesFile = "config.yaml"
)

// Load reads DefaultsFile as the baseline, layers OverridesFile (if present
// and well-formed) on top, parses derived fields, and validates
// config-coupled invariants. It exits the process on a malformed defaults
// file or a violated invariant — configuration must be correct before any
// stage starts.
func Load() *LoadResult {
	var defaults Config
	data, err := os.ReadFile(DefaultsFile)
	if err != nil {
		log.Fatalf("config: read %s: %v", DefaultsFile, err)
	}
	if err := yaml.Unmarshal(data, &defaults); err != nil {
		log.Fatalf("config: parse %s: %v", DefaultsFile, err)
	}

	cfg := defaults
	if ovData, err := os.ReadFile(OverridesFile); err == nil {
		if err := yaml.Unmarshal(ovData, &cfg); err != nil {
			log.Println("config: ignoring malformed", OverridesFile, ":", err)
		}
	}

	if err := finalize(&cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := finalize(&defaults); err != nil {
		log.Fatalf("config: defaults: %v", err)
	}

	return &LoadResult{Config: &cfg, Defaults: &defaults}
}

// finalize parses derived fields and validates cross-field invariants.
func finalize(cfg *Config) error {
	for _, dev := range []*ModbusDeviceConfig{&cfg.ModbusA, &cfg.ModbusB, &cfg.ModbusDI} {
		d, err := time.ParseDuration(dev.Timeout)
		if err != nil {
			return fmt.Errorf("modbus device %s: invalid timeout %q: %w", dev.Name, dev.Timeout, err)
		}
		dev.TimeoutDur = d
		if dev.AddrStart > dev.AddrEnd {
			return fmt.Errorf("modbus device %s: addrStart (%d) > addrEnd (%d)", dev.Name, dev.AddrStart, dev.AddrEnd)
		}
	}

	if cfg.ModbusPollRate != "" {
		if err := cfg.ModbusPollFreq.Set(cfg.ModbusPollRate); err != nil {
			return fmt.Errorf("invalid modbusPollRate %q: %w", cfg.ModbusPollRate, err)
		}
	}

	if cfg.LogDir == "" {
		cfg.LogDir = "data/logs"
	}

	// A clamp-present threshold above the base detection confidence would
	// make the clamp rule unreachable, so reject it at startup.
	if cfg.Obb.ClampPresentThreshold > cfg.Obb.Confidence {
		return fmt.Errorf("obb.clampPresentThreshold (%v) must be <= obb.confidence (%v)",
			cfg.Obb.ClampPresentThreshold, cfg.Obb.Confidence)
	}

	for id, m := range cfg.Machines {
		if err := m.Roi.Validate(); err != nil {
			return fmt.Errorf("machine %s roi: %w", id, err)
		}
	}

	return nil
}
