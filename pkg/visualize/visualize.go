// Package visualize draws detections onto images, for inspecting the output of a detector.
package visualize

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/detectorlab/pkg/nn"
	"github.com/fogleman/gg"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Output images are enlarged by this factor, so that labels remain legible on small inputs
const Scale = 1.2

const jpegQuality = 90

var ErrUnsupportedFormat = errors.New("Unsupported image format")

var palette = []color.RGBA{
	{230, 25, 75, 255},
	{60, 180, 75, 255},
	{255, 225, 25, 255},
	{0, 130, 200, 255},
	{245, 130, 48, 255},
	{145, 30, 180, 255},
	{70, 240, 240, 255},
	{240, 50, 230, 255},
}

// ClassColor returns the color used for boxes of the given class
func ClassColor(class int) color.RGBA {
	if class < 0 {
		class = -class
	}
	return palette[class%len(palette)]
}

// Label returns the caption of a detection, eg "mouse 93%"
func Label(obj nn.ObjectDetection, classes []string) string {
	name := fmt.Sprintf("class %v", obj.Class)
	if obj.Class >= 0 && obj.Class < len(classes) {
		name = classes[obj.Class]
	}
	return fmt.Sprintf("%v %.0f%%", name, obj.Confidence*100)
}

// Draw returns an enlarged copy of img, with a box and label for every object
func Draw(img *cimg.Image, objects []nn.ObjectDetection, classes []string) *image.RGBA {
	width := int(float64(img.Width)*Scale + 0.5)
	height := int(float64(img.Height)*Scale + 0.5)
	dc := gg.NewContext(width, height)

	dc.Push()
	dc.Scale(Scale, Scale)
	dc.DrawImage(toRGBA(img), 0, 0)
	dc.Pop()

	lineWidth := max(2, float64(width)/400)
	for _, obj := range objects {
		box := obj.Box.Scale(Scale)
		c := ClassColor(obj.Class)
		dc.SetColor(c)
		dc.SetLineWidth(lineWidth)
		dc.DrawRectangle(float64(box.X), float64(box.Y), float64(box.Width), float64(box.Height))
		dc.Stroke()

		label := Label(obj, classes)
		tw, th := dc.MeasureString(label)
		pad := 2.0
		ty := float64(box.Y) - th - 2*pad
		if ty < 0 {
			ty = float64(box.Y)
		}
		dc.SetColor(color.RGBA{c.R, c.G, c.B, 200})
		dc.DrawRectangle(float64(box.X), ty, tw+2*pad, th+2*pad)
		dc.Fill()
		dc.SetColor(color.Black)
		dc.DrawStringAnchored(label, float64(box.X)+pad, ty+pad, 0, 1)
	}

	if rgba, ok := dc.Image().(*image.RGBA); ok {
		return rgba
	}
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(out, out.Bounds(), dc.Image(), image.Point{}, draw.Src)
	return out
}

// OutputPath returns the file that AnnotateFile actually writes for dstPath.
// PNG and JPEG destinations are kept. Any other extension is replaced by .jpg, because that is what we encode.
func OutputPath(dstPath string) string {
	switch strings.ToLower(filepath.Ext(dstPath)) {
	case ".png", ".jpg", ".jpeg":
		return dstPath
	}
	return strings.TrimSuffix(dstPath, filepath.Ext(dstPath)) + ".jpg"
}

// AnnotateFile draws objects onto the image at srcPath, and writes the result to OutputPath(dstPath),
// which is returned. PNG destinations are written as PNG, everything else as JPEG.
func AnnotateFile(srcPath, dstPath string, objects []nn.ObjectDetection, classes []string) (string, error) {
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return "", err
	}
	img, err := Decode(raw)
	if err != nil {
		return "", fmt.Errorf("Failed to decode %v: %w", srcPath, err)
	}
	outPath := OutputPath(dstPath)
	encoded, err := Encode(Draw(img, objects, classes), strings.ToLower(filepath.Ext(outPath)) == ".png")
	if err != nil {
		return "", err
	}
	return outPath, os.WriteFile(outPath, encoded, 0644)
}

// Decode an image into RGB.
// JPEG goes through cimg. PNG, GIF, BMP, TIFF and WebP go through the image package decoders.
func Decode(raw []byte) (*cimg.Image, error) {
	if bytes.HasPrefix(raw, []byte{0xff, 0xd8}) {
		img, err := cimg.Decompress(raw)
		if err != nil {
			return nil, err
		}
		if img.NChan() == 3 {
			return img, nil
		}
		return img.ToRGB(), nil
	}
	if bytes.HasPrefix(raw, []byte("\x89PNG")) {
		src, err := png.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		return fromImage(src), nil
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if errors.Is(err, image.ErrFormat) {
		return nil, ErrUnsupportedFormat
	} else if err != nil {
		return nil, err
	}
	return fromImage(src), nil
}

// Encode as JPEG, or PNG if asPNG is true
func Encode(img *image.RGBA, asPNG bool) ([]byte, error) {
	if asPNG {
		buf := bytes.Buffer{}
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	rgb := cimg.NewImage(img.Rect.Dx(), img.Rect.Dy(), cimg.PixelFormatRGB)
	for y := 0; y < rgb.Height; y++ {
		src := img.Pix[y*img.Stride:]
		dst := rgb.Pixels[y*rgb.Stride:]
		for x := 0; x < rgb.Width; x++ {
			dst[x*3] = src[x*4]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+2]
		}
	}
	return cimg.Compress(rgb, cimg.MakeCompressParams(cimg.Sampling420, jpegQuality, 0))
}

// img must be RGB
func toRGBA(img *cimg.Image) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		src := img.Pixels[y*img.Stride:]
		dst := out.Pix[y*out.Stride:]
		for x := 0; x < img.Width; x++ {
			dst[x*4] = src[x*3]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3+2]
			dst[x*4+3] = 255
		}
	}
	return out
}

func fromImage(src image.Image) *cimg.Image {
	b := src.Bounds()
	img := cimg.NewImage(b.Dx(), b.Dy(), cimg.PixelFormatRGB)
	for y := 0; y < img.Height; y++ {
		dst := img.Pixels[y*img.Stride:]
		for x := 0; x < img.Width; x++ {
			c := color.RGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			dst[x*3] = c.R
			dst[x*3+1] = c.G
			dst[x*3+2] = c.B
		}
	}
	return img
}
