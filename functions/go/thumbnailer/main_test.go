package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(t *testing.T) []byte {
	t.Helper()
	src := image.NewRGBA(image.Rect(0, 0, 64, 32))
	for x := range 64 {
		for y := range 32 {
			src.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 8), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))
	return buf.Bytes()
}

func TestResizeImage(t *testing.T) {
	out, err := resizeImage(testImage(t), 16, 8)
	require.NoError(t, err)

	img, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, image.Rect(0, 0, 16, 8), img.Bounds())
}

func TestResizeImageRejectsBadInput(t *testing.T) {
	_, err := resizeImage(testImage(t), 0, 8)
	assert.ErrorIs(t, err, errBadSize)

	_, err = resizeImage([]byte("not an image"), 16, 8)
	assert.Error(t, err)
}
