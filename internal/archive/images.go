package archive

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	xdraw "golang.org/x/image/draw"
)

// MergeImages composites overlay onto base and writes the result to dst.
// The overlay is scaled to the base dimensions when they differ. JPEG
// output is flattened onto white since the format has no alpha channel.
func MergeImages(basePath, overlayPath, dst string) error {
	base, err := decodeImage(basePath)
	if err != nil {
		return fmt.Errorf("error decoding base image: %v", err)
	}
	overlay, err := decodeImage(overlayPath)
	if err != nil {
		return fmt.Errorf("error decoding overlay image: %v", err)
	}
	bounds := base.Bounds()
	if !overlay.Bounds().Eq(bounds) {
		scaled := image.NewRGBA(bounds)
		xdraw.CatmullRom.Scale(scaled, bounds, overlay, overlay.Bounds(), xdraw.Over, nil)
		overlay = scaled
	}
	canvas := image.NewRGBA(bounds)
	if jpegTarget(dst) {
		draw.Draw(canvas, bounds, image.NewUniform(color.White), image.Point{}, draw.Src)
		draw.Draw(canvas, bounds, base, bounds.Min, draw.Over)
	} else {
		draw.Draw(canvas, bounds, base, bounds.Min, draw.Src)
	}
	draw.Draw(canvas, bounds, overlay, bounds.Min, draw.Over)
	return encodeImage(dst, canvas)
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

func encodeImage(dst string, img image.Image) error {
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("error creating merged image: %v", err)
	}
	defer f.Close()
	if jpegTarget(dst) {
		return jpeg.Encode(f, img, &jpeg.Options{Quality: 95})
	}
	return png.Encode(f, img)
}

func jpegTarget(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".jpg" || ext == ".jpeg"
}
