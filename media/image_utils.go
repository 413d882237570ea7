package media

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// heic and psd are discovered so they get a record, but decoding them fails
// with a DecodeError unless a decoder is registered.
var supportedImageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".tif": true, ".tiff": true,
	".webp": true, ".heic": true, ".psd": true,
}

// IsRasterImage checks if the filename has a supported image extension
func IsRasterImage(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return supportedImageExtensions[ext]
}

// DecodeImage opens and decodes an image, applying its EXIF orientation.
func DecodeImage(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, &DecodeError{Path: path, Op: "decode", Err: err}
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, &DecodeError{Path: path, Op: "decode", Err: errEmptyImage}
	}
	return img, nil
}
