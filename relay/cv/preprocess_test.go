package cv

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"
)

func encodeTestJPEG(t *testing.T, width, height int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{100, 150, 200, 255})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("failed to encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

func TestPreprocessFrameResizesWideImage(t *testing.T) {
	raw := encodeTestJPEG(t, 1600, 800)

	out, err := preprocessFrame(raw, time.Now())
	if err != nil {
		t.Fatalf("preprocessFrame failed: %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("failed to decode preprocessed frame: %v", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() != maxFrameEdge {
		t.Errorf("width = %d, want %d", bounds.Dx(), maxFrameEdge)
	}
	if bounds.Dy() != 400 {
		t.Errorf("height = %d, want %d", bounds.Dy(), 400)
	}
}

func TestPreprocessFrameLeavesSmallImageUnscaled(t *testing.T) {
	raw := encodeTestJPEG(t, 320, 240)

	out, err := preprocessFrame(raw, time.Now())
	if err != nil {
		t.Fatalf("preprocessFrame failed: %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("failed to decode preprocessed frame: %v", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() != 320 || bounds.Dy() != 240 {
		t.Errorf("dimensions = %dx%d, want 320x240", bounds.Dx(), bounds.Dy())
	}
}

func TestPreprocessFrameRejectsCorruptData(t *testing.T) {
	if _, err := preprocessFrame([]byte("not a jpeg"), time.Now()); err == nil {
		t.Fatal("expected error for corrupt jpeg data")
	}
}
