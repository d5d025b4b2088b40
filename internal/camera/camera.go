// Package camera implements the CameraStage: it maintains an RTSP connection
// to a configured URL and publishes the latest decoded frame to a frame.Slot
// at up to the source frame rate, never blocking the downstream detector.
//
// Ingestion is delegated to an ffmpeg subprocess (as in the teacher's
// server/dvr package), reading a raw MJPEG byte stream off the process's
// stdout pipe rather than through a named pipe, since CameraStage has a
// single downstream consumer (the frame.Slot) and no archival/live-streaming
// fan-out requirement.
package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log"
	"os/exec"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/wrapsafe/supervisor/internal/config"
	"github.com/wrapsafe/supervisor/internal/frame"
)

// readInterval is the timeout passed to mjpegReader.next, which allows up to
// four times this long to assemble one frame before the cooperative stop
// check runs again; cancelling ctx also kills ffmpeg, ending a blocked read.
const readInterval = 150 * time.Millisecond

// Stage ingests one machine's RTSP source into a frame.Slot.
type Stage struct {
	machineID string
	cfg       config.CameraConfig
	slot      *frame.Slot

	roiPixels   roiPixels
	roiCached   bool
	cachedW     int
	cachedH     int
}

// roiPixels is the ROI translated from normalized to pixel coordinates for
// the currently established frame dimensions.
type roiPixels struct {
	X0, Y0, X1, Y1 int
}

// New creates a CameraStage publishing into slot.
func New(machineID string, cfg config.CameraConfig, slot *frame.Slot) *Stage {
	return &Stage{machineID: machineID, cfg: cfg, slot: slot}
}

// ROIPixels returns the current pixel-space ROI and whether it has been
// established yet (it is derived from the first successfully decoded frame's
// dimensions).
func (s *Stage) ROIPixels(roi config.RoiNorm) (x0, y0, x1, y1 int, ok bool) {
	if !s.roiCached {
		return 0, 0, 0, 0, false
	}
	return s.roiPixels.X0, s.roiPixels.Y0, s.roiPixels.X1, s.roiPixels.Y1, true
}

// Run drives the capture loop until ctx is cancelled. On read failure it
// releases the capture, waits 1s, and reopens, indefinitely.
func (s *Stage) Run(ctx context.Context, roi config.RoiNorm) {
	log.Printf("[camera:%s] starting, url=%s", s.machineID, s.cfg.URL)
	for {
		if ctx.Err() != nil {
			log.Printf("[camera:%s] stopped", s.machineID)
			return
		}
		if err := s.captureOnce(ctx, roi); err != nil {
			log.Printf("[camera:%s] capture error: %v", s.machineID, err)
		}
		select {
		case <-ctx.Done():
			log.Printf("[camera:%s] stopped", s.machineID)
			return
		case <-time.After(time.Second):
		}
	}
}

// captureOnce launches a single ffmpeg process and reads frames from it
// until it exits, ctx is cancelled, or a read error occurs.
func (s *Stage) captureOnce(ctx context.Context, roi config.RoiNorm) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Single-frame internal buffering: -probesize/-analyzeduration kept
	// minimal and no queued frames on our side of the pipe, so the published
	// frame is always current.
	args := []string{
		"-rtsp_transport", "tcp",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-i", s.cfg.URL,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	}
	cmd := exec.CommandContext(cctx, "ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	defer func() {
		cancel()
		_ = cmd.Wait()
	}()

	reader := newMJPEGReader(stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		jpegData, err := reader.next(readInterval)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		img, err := jpeg.Decode(bytes.NewReader(jpegData))
		if err != nil {
			continue // corrupt frame, keep reading
		}

		s.publish(img, roi)
	}
}

// publish caches the ROI and the frame dimensions on the first frame,
// resizes any later frame of different dimensions to the established ones,
// then overwrites the shared slot.
func (s *Stage) publish(img image.Image, roi config.RoiNorm) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	if s.roiCached && (s.cachedW != w || s.cachedH != h) {
		dst := image.NewRGBA(image.Rect(0, 0, s.cachedW, s.cachedH))
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
		img = dst
		w, h = s.cachedW, s.cachedH
	}

	if !s.roiCached {
		s.roiPixels = roiPixels{
			X0: int(roi.X0 * float64(w)),
			Y0: int(roi.Y0 * float64(h)),
			X1: int(roi.X1 * float64(w)),
			Y1: int(roi.Y1 * float64(h)),
		}
		s.cachedW, s.cachedH = w, h
		s.roiCached = true
	}

	s.slot.Publish(frame.Frame{
		Img:        img,
		Width:      w,
		Height:     h,
		CapturedAt: time.Now(),
	})
}

// mjpegReader splits a concatenated MJPEG byte stream into individual JPEG
// frames delimited by SOI (0xFFD8) / EOI (0xFFD9) markers.
type mjpegReader struct {
	r   io.Reader
	buf []byte
}

func newMJPEGReader(r io.Reader) *mjpegReader {
	return &mjpegReader{r: r, buf: make([]byte, 0, 65536)}
}

// next reads and returns the next complete JPEG frame, aborting with an
// error if none completes within four times timeout.
func (m *mjpegReader) next(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout * 4) // generous: full-frame assembly, not single read
	readBuf := make([]byte, 8192)

	soi := findMarker(m.buf, 0xFF, 0xD8)
	for soi < 0 {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout finding SOI marker")
		}
		n, err := m.r.Read(readBuf)
		if n > 0 {
			m.buf = append(m.buf, readBuf[:n]...)
			soi = findMarker(m.buf, 0xFF, 0xD8)
		}
		if soi < 0 && err != nil {
			return nil, err
		}
		if len(m.buf) > 500000 {
			m.buf = m.buf[len(m.buf)-20000:]
		}
	}
	if soi > 0 {
		m.buf = m.buf[soi:]
	}

	for {
		eoi := findMarker(m.buf, 0xFF, 0xD9)
		if eoi >= 0 {
			frameEnd := eoi + 2
			out := make([]byte, frameEnd)
			copy(out, m.buf[:frameEnd])
			m.buf = append([]byte(nil), m.buf[frameEnd:]...)
			return out, nil
		}
		if time.Now().After(deadline) {
			m.buf = m.buf[:0]
			return nil, fmt.Errorf("timeout finding EOI marker")
		}
		n, err := m.r.Read(readBuf)
		if n > 0 {
			m.buf = append(m.buf, readBuf[:n]...)
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(m.buf) > 2_000_000 {
			m.buf = m.buf[:0]
			return nil, io.EOF
		}
	}
}

func findMarker(buf []byte, a, b byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == a && buf[i+1] == b {
			return i
		}
	}
	return -1
}
