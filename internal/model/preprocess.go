package model

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

// DecodeImage sniffs and decodes raw upload bytes. Failures wrap ErrInvalidImage.
func DecodeImage(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}

	detected := mimetype.Detect(data).String()
	if !strings.HasPrefix(detected, "image/") {
		return nil, "", fmt.Errorf("%w: payload looks like %s", ErrInvalidImage, detected)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return img, format, nil
}

// Preprocess resizes img to size x size and returns a normalized CHW tensor
// with an implicit batch dimension of one.
func Preprocess(img image.Image, size int, mean, std [3]float32) []float32 {
	target := uint(size)
	resized := resize.Resize(target, target, dropAlpha(img), resize.Bilinear)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height

	inputData := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			pixelIndex := y*width + x
			inputData[pixelIndex] = (float32(r)/65535.0 - mean[0]) / std[0]
			inputData[plane+pixelIndex] = (float32(g)/65535.0 - mean[1]) / std[1]
			inputData[2*plane+pixelIndex] = (float32(b)/65535.0 - mean[2]) / std[2]
		}
	}

	return inputData
}

// dropAlpha flattens img to opaque RGB, keeping the stored color of
// transparent pixels instead of premultiplying them to black.
func dropAlpha(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.SetRGBA(x-b.Min.X, y-b.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 255})
		}
	}
	return out
}
