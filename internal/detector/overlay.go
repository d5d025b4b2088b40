package detector

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/wrapsafe/supervisor/internal/frame"
)

// render produces the annotated and clean JPEG encodings for one frame.
// Both copies are resized to the configured display size and encoded at the
// configured quality; the annotated copy additionally draws the ROI rectangle (colored by in-ROI
// state), a status line, the clamp polygon when present, and the auto-start
// countdown when armed.
func (s *Stage) render(f frame.Frame, result DetectionResult, gated bool, poseRan bool) (annotated, clean []byte) {
	dispW, dispH := s.displaySize()
	clean = encodeJPEG(resizeToDisplay(f.Img, dispW, dispH), s.cameraQuality())

	canvas := image.NewRGBA(f.Img.Bounds())
	draw.Draw(canvas, canvas.Bounds(), f.Img, f.Img.Bounds().Min, draw.Src)

	roiPx := roiToPixels(s.roi, f.Width, f.Height)
	roiColor := color.RGBA{0, 200, 0, 255}
	if result.PersonInRoi {
		roiColor = color.RGBA{220, 0, 0, 255}
	} else if gated {
		roiColor = color.RGBA{160, 160, 160, 255}
	}
	drawRect(canvas, roiPx, roiColor, 2)

	if result.ClampPolygon != nil {
		drawPolygon(canvas, *result.ClampPolygon, color.RGBA{255, 180, 0, 255})
	}

	status := statusLine(result, gated, poseRan)
	drawText(canvas, 8, 16, status, color.RGBA{255, 255, 255, 255})

	if result.AutoStartCountdownSec != nil {
		drawText(canvas, 8, 32, fmt.Sprintf("auto-start in %.1fs", *result.AutoStartCountdownSec), color.RGBA{255, 220, 0, 255})
	}
	if result.PaperRollDetected {
		drawText(canvas, 8, 48, "paper roll detected", color.RGBA{0, 200, 255, 255})
	}

	annotated = encodeJPEG(resizeToDisplay(canvas, dispW, dispH), s.cameraQuality())
	return annotated, clean
}

func (s *Stage) cameraQuality() int {
	if m, ok := s.cfg.Machines[s.machineID]; ok {
		return m.Camera.JPEGQuality
	}
	return 85
}

// displaySize returns the configured report-surface resolution for this
// machine's camera, or (0, 0) if unset.
func (s *Stage) displaySize() (w, h int) {
	if m, ok := s.cfg.Machines[s.machineID]; ok {
		return m.Camera.DisplayWidth, m.Camera.DisplayHeight
	}
	return 0, 0
}

// resizeToDisplay scales img to w x h when both are configured and differ
// from img's current size; otherwise img is returned unchanged.
func resizeToDisplay(img image.Image, w, h int) image.Image {
	if w <= 0 || h <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

func statusLine(r DetectionResult, gated bool, poseRan bool) string {
	switch {
	case gated:
		return "DETECTION DISABLED"
	case r.PersonInRoi:
		return fmt.Sprintf("PERSON IN ROI (%d)", r.PersonCount)
	case r.ClampDetected:
		return "CLAMP PRESENT"
	case !poseRan:
		return "OK (skipped)"
	default:
		return "OK"
	}
}

func encodeJPEG(img image.Image, quality int) []byte {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil
	}
	return buf.Bytes()
}

func drawRect(img *image.RGBA, r rect, c color.Color, thickness int) {
	for t := 0; t < thickness; t++ {
		drawHLine(img, r.X0, r.X1, r.Y0+t, c)
		drawHLine(img, r.X0, r.X1, r.Y1-t, c)
		drawVLine(img, r.X0+t, r.Y0, r.Y1, c)
		drawVLine(img, r.X1-t, r.Y0, r.Y1, c)
	}
}

func drawHLine(img *image.RGBA, x0, x1, y int, c color.Color) {
	b := img.Bounds()
	if y < b.Min.Y || y >= b.Max.Y {
		return
	}
	for x := x0; x <= x1; x++ {
		if x < b.Min.X || x >= b.Max.X {
			continue
		}
		img.Set(x, y, c)
	}
}

func drawVLine(img *image.RGBA, x, y0, y1 int, c color.Color) {
	b := img.Bounds()
	if x < b.Min.X || x >= b.Max.X {
		return
	}
	for y := y0; y <= y1; y++ {
		if y < b.Min.Y || y >= b.Max.Y {
			continue
		}
		img.Set(x, y, c)
	}
}

func drawPolygon(img *image.RGBA, poly [4][2]float64, c color.Color) {
	for i := 0; i < 4; i++ {
		x0, y0 := int(poly[i][0]), int(poly[i][1])
		x1, y1 := int(poly[(i+1)%4][0]), int(poly[(i+1)%4][1])
		drawLine(img, x0, y0, x1, y1, c)
	}
}

// drawLine is a basic Bresenham rasterizer, sufficient for thin overlay
// edges.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.Color) {
	dx := absI(x1 - x0)
	dy := -absI(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	b := img.Bounds()
	for {
		if x0 >= b.Min.X && x0 < b.Max.X && y0 >= b.Min.Y && y0 < b.Max.Y {
			img.Set(x0, y0, c)
		}
		if x0 == x1 && y0 == y1 {
			break
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func absI(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func drawText(img *image.RGBA, x, y int, text string, c color.Color) {
	face := basicfont.Face7x13
	drawer := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	drawer.DrawString(text)
}
