package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strconv"

	"golang.org/x/image/draw"

	fri "github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/functionRuntimeInterface"
)

const maxSide = 4096

type InputData struct {
	Image  []byte `json:"image"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type OutputData struct {
	Image []byte `json:"image"`
}

var errBadSize = errors.New("width and height must be between 1 and 4096")

func main() {
	fn := fri.New()
	fn.Register("Thumbnail", fri.HTTP(thumbnailHTTP))
	fn.Register("ThumbnailEvent", fri.Sync(thumbnailEvent))
	fn.Ready()
}

// thumbnailHTTP resizes the posted image to ?width=&height= and answers a JPEG.
func thumbnailHTTP(w http.ResponseWriter, r *http.Request) {
	width, _ := strconv.Atoi(r.URL.Query().Get("width"))
	height, _ := strconv.Atoi(r.URL.Query().Get("height"))
	input, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resized, err := resizeImage(input, width, height)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(resized)
}

// Inspired by https://github.com/spcl/serverless-benchmarks/blob/master/benchmarks/200.multimedia/210.thumbnailer/python/function.py
func thumbnailEvent(_ context.Context, ev *fri.Event) (any, error) {
	var input InputData
	if err := ev.Decode(&input); err != nil {
		return nil, fmt.Errorf("failed to decode input: %w", err)
	}
	resized, err := resizeImage(input.Image, input.Width, input.Height)
	if err != nil {
		return nil, fmt.Errorf("resize failed: %w", err)
	}
	return OutputData{Image: resized}, nil
}

func resizeImage(input []byte, w, h int) ([]byte, error) {
	if w <= 0 || h <= 0 || w > maxSide || h > maxSide {
		return nil, errBadSize
	}
	img, _, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, err
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, nil); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
