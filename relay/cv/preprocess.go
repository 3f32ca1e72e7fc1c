package cv

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"time"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/draw"
	"golang.org/x/image/font/gofont/goregular"
)

// maxFrameEdge caps the longest edge of a preprocessed frame; larger frames
// are scaled down to it, maintaining aspect ratio.
const maxFrameEdge = 800

// preprocessFrame scales a JPEG frame down so its longest edge is at most
// maxFrameEdge (smaller frames keep their size) and burns in the capture
// timestamp. Returns the re-encoded JPEG.
func preprocessFrame(frameData []byte, timestamp time.Time) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(frameData))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	var newWidth, newHeight int
	if width > height {
		if width > maxFrameEdge {
			newWidth = maxFrameEdge
			newHeight = (height * maxFrameEdge) / width
		} else {
			newWidth, newHeight = width, height
		}
	} else {
		if height > maxFrameEdge {
			newHeight = maxFrameEdge
			newWidth = (width * maxFrameEdge) / height
		} else {
			newWidth, newHeight = width, height
		}
	}

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Over, nil)

	timestampStr := timestamp.Format("2006-01-02 15:04:05.000 MST")
	if err := drawTimestamp(resized, timestampStr); err != nil {
		// Non-fatal: keep the resized frame even if text rendering fails.
		fmt.Printf("[preprocessFrame] Failed to draw timestamp: %v\n", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}

	return buf.Bytes(), nil
}

// drawTimestamp burns text onto a black bar at the top-left of the image.
func drawTimestamp(img *image.RGBA, text string) error {
	font, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return fmt.Errorf("parse font: %w", err)
	}

	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(font)
	c.SetFontSize(16)
	c.SetClip(img.Bounds())
	c.SetDst(img)

	textHeight := 24
	for y := 0; y < textHeight; y++ {
		for x := 0; x < img.Bounds().Dx(); x++ {
			img.Set(x, y, color.RGBA{0, 0, 0, 200})
		}
	}

	c.SetSrc(image.NewUniform(color.RGBA{255, 255, 255, 255}))
	pt := freetype.Pt(10, 18)

	if _, err := c.DrawString(text, pt); err != nil {
		return fmt.Errorf("draw string: %w", err)
	}

	return nil
}
