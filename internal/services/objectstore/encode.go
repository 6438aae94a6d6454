package objectstore

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
)

// EncodeDataURL turns object bytes into the data URL form the tutor function accepts.
// Raster images larger than maxDimension on either side are scaled down and re-encoded
// as JPEG; everything else (PDFs included) passes through unchanged.
func EncodeDataURL(data []byte, maxDimension int) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty object")
	}

	mime := http.DetectContentType(data)
	if maxDimension > 0 && strings.HasPrefix(mime, "image/") {
		scaled, ok, err := downscale(data, maxDimension)
		if err != nil {
			return "", err
		}
		if ok {
			data = scaled
			mime = "image/jpeg"
		}
	}

	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func downscale(data []byte, maxDimension int) ([]byte, bool, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= maxDimension && bounds.Dy() <= maxDimension {
		return nil, false, nil
	}

	resized := imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, false, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), true, nil
}
