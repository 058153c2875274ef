package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const gcodeCommentPrefix = ";"

var (
	thumbnailDelimiter = regexp.MustCompile(`^thumbnail (begin [0-9]+x[0-9]+ ([0-9]+)|end)`)

	errMediaNotFound = errors.New("media not found")
	errMediaTooLarge = errors.New("media bigger than max allowed size")
	errNoThumbnail   = errors.New("no thumbnail found")
)

// Attachment is a file ready to be posted with a message
type Attachment struct {
	Filename string
	Data     []byte
}

// Media is attached to a message and fetched by the delivery worker right before sending
type Media interface {
	Kind() string
	Fetch(ctx context.Context) (*Attachment, error)
}

// ThumbnailMedia extracts the biggest thumbnail embedded in a g-code file
type ThumbnailMedia struct {
	Source string
	open   func(ctx context.Context) (io.ReadCloser, error)
}

// newFileThumbnail reads the g-code from the local filesystem
func newFileThumbnail(path string) *ThumbnailMedia {
	return &ThumbnailMedia{
		Source: path,
		open: func(context.Context) (io.ReadCloser, error) {
			f, err := os.Open(path)
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", errMediaNotFound, path)
			}
			return f, err
		},
	}
}

// newRemoteThumbnail downloads the g-code through fetch (e.g. PrusaLink)
func newRemoteThumbnail(source string, fetch func(ctx context.Context) ([]byte, error)) *ThumbnailMedia {
	return &ThumbnailMedia{
		Source: source,
		open: func(ctx context.Context) (io.ReadCloser, error) {
			data, err := fetch(ctx)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func (m *ThumbnailMedia) Kind() string { return MediaThumbnail }

// Fetch opens the g-code and decodes its thumbnail
func (m *ThumbnailMedia) Fetch(ctx context.Context) (*Attachment, error) {
	rc, err := m.open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := extractThumbnail(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Source, err)
	}
	return &Attachment{Filename: "thumbnail.png", Data: data}, nil
}

// extractThumbnail scans full-line comments for "thumbnail begin WxH SIZE" /
// "thumbnail end" blocks and decodes the largest one. Scanning stops at the
// first G1 move since slicers write thumbnails in the header.
func extractThumbnail(r io.Reader) ([]byte, error) {
	var (
		encoded  strings.Builder
		best     string
		inBlock  bool
		lastSize = -1
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "G1") {
			break
		}
		if !strings.HasPrefix(line, gcodeCommentPrefix) {
			continue
		}

		stripped := strings.TrimSpace(strings.TrimPrefix(line, gcodeCommentPrefix))
		match := thumbnailDelimiter.FindStringSubmatch(stripped)
		switch {
		case match == nil:
			if inBlock {
				encoded.WriteString(stripped)
			}
		case strings.HasPrefix(match[1], "begin"):
			size, _ := strconv.Atoi(match[2])
			if size > lastSize {
				log.Debug().Int("size", size).Msg("[Media] Found thumbnail")
				inBlock = true
				lastSize = size
				encoded.Reset()
			} else {
				log.Debug().Int("size", size).Msg("[Media] Skipped thumbnail, already got a bigger one")
				inBlock = false
			}
		default: // end
			if inBlock {
				best = encoded.String()
			}
			inBlock = false
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read g-code: %w", err)
	}

	// A block missing its end line still counts
	if inBlock && encoded.Len() > 0 {
		best = encoded.String()
	}
	if best == "" {
		return nil, errNoThumbnail
	}

	data, err := base64.StdEncoding.DecodeString(best)
	if err != nil {
		return nil, fmt.Errorf("failed to decode thumbnail: %w", err)
	}
	return data, nil
}

// SnapshotMedia grabs a still image from the camera
type SnapshotMedia struct {
	Camera SnapshotConfig
	client *http.Client
}

func newSnapshotMedia(camera SnapshotConfig) *SnapshotMedia {
	return &SnapshotMedia{
		Camera: camera,
		client: &http.Client{Timeout: SnapshotTimeout * time.Second},
	}
}

func (m *SnapshotMedia) Kind() string { return MediaSnapshot }

// Fetch downloads the snapshot and applies the configured flips and rotation
func (m *SnapshotMedia) Fetch(ctx context.Context) (*Attachment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.Camera.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot from %s: %w", m.Camera.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("camera returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	// Only decode when something has to be transposed
	if m.Camera.FlipH || m.Camera.FlipV || m.Camera.Rotate90 {
		log.Debug().
			Bool("flip_h", m.Camera.FlipH).
			Bool("flip_v", m.Camera.FlipV).
			Bool("rotate90", m.Camera.Rotate90).
			Msg("[Media] Transformations on snapshot")
		data, err = transformSnapshot(data, m.Camera.FlipH, m.Camera.FlipV, m.Camera.Rotate90)
		if err != nil {
			return nil, err
		}
	}
	return &Attachment{Filename: "snapshot.png", Data: data}, nil
}

// transformSnapshot decodes an image, flips/rotates it and re-encodes it as PNG
func transformSnapshot(data []byte, flipH, flipV, rotate bool) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	img := toNRGBA(src)
	if flipH {
		img = flipHorizontal(img)
	}
	if flipV {
		img = flipVertical(img)
	}
	if rotate {
		img = rotate90(img)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func toNRGBA(src image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

func flipHorizontal(src *image.NRGBA) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetNRGBA(w-1-x, y, src.NRGBAAt(x, y))
		}
	}
	return dst
}

func flipVertical(src *image.NRGBA) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetNRGBA(x, h-1-y, src.NRGBAAt(x, y))
		}
	}
	return dst
}

// rotate90 turns the image 90 degrees counter-clockwise
func rotate90(src *image.NRGBA) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetNRGBA(y, w-1-x, src.NRGBAAt(x, y))
		}
	}
	return dst
}

// TimelapseMedia attaches a rendered timelapse video
type TimelapseMedia struct {
	Path    string
	MaxSize int64
}

func (m *TimelapseMedia) Kind() string { return MediaTimelapse }

// Fetch reads the file unless it is missing or over the size cap
func (m *TimelapseMedia) Fetch(context.Context) (*Attachment, error) {
	info, err := os.Stat(m.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", errMediaNotFound, m.Path)
		}
		return nil, err
	}
	if m.MaxSize > 0 && info.Size() > m.MaxSize {
		return nil, fmt.Errorf("%w: %s is %d bytes (max %d)", errMediaTooLarge, m.Path, info.Size(), m.MaxSize)
	}

	data, err := os.ReadFile(m.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", m.Path, err)
	}
	return &Attachment{Filename: filepath.Base(m.Path), Data: data}, nil
}
