// Package media prepares story photos for upload.
package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
)

const (
	maxQuality  = 100
	minQuality  = 5
	qualityStep = 5
)

// CompressJPEG re-encodes a JPEG or PNG photo as JPEG, lowering the quality
// in steps of 5 from 100 until the result fits in maxBytes. Data already
// within the limit is returned unchanged. The result can still exceed
// maxBytes when even the lowest quality is too large; callers check.
func CompressJPEG(data []byte, maxBytes int64) ([]byte, error) {
	if int64(len(data)) <= maxBytes {
		return data, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode photo: %w", err)
	}

	var buf bytes.Buffer
	quality := maxQuality
	for {
		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode photo at quality %d: %w", quality, err)
		}
		if int64(buf.Len()) <= maxBytes || quality <= minQuality {
			break
		}
		quality -= qualityStep
	}

	return buf.Bytes(), nil
}
