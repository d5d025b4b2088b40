package detector

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wrapsafe/supervisor/internal/config"
)

func TestResizeToDisplayScalesToConfiguredSize(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 1920, 1080))
	out := resizeToDisplay(src, 960, 540)
	assert.Equal(t, 960, out.Bounds().Dx())
	assert.Equal(t, 540, out.Bounds().Dy())
}

func TestResizeToDisplayPassesThroughWhenUnconfigured(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 1920, 1080))
	out := resizeToDisplay(src, 0, 0)
	assert.Equal(t, src.Bounds(), out.Bounds())
}

func TestResizeToDisplayPassesThroughWhenAlreadyCorrectSize(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 960, 540))
	out := resizeToDisplay(src, 960, 540)
	assert.Equal(t, src.Bounds(), out.Bounds())
}

func TestDisplaySizeReadsMachineCameraConfig(t *testing.T) {
	s, cfg := newTestStage()
	cfg.Machines = map[string]config.MachineConfig{
		"A": {Camera: config.CameraConfig{DisplayWidth: 960, DisplayHeight: 540}},
	}
	w, h := s.displaySize()
	assert.Equal(t, 960, w)
	assert.Equal(t, 540, h)
}

func TestDisplaySizeZeroForUnknownMachine(t *testing.T) {
	s, _ := newTestStage()
	w, h := s.displaySize()
	assert.Equal(t, 0, w)
	assert.Equal(t, 0, h)
}
