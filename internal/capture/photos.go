package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	_ "golang.org/x/image/webp"

	"studentpunch/internal/checkin"
)

var (
	ErrEmptyPhoto       = errors.New("empty photo")
	ErrUnsupportedPhoto = errors.New("unsupported photo format")
	ErrInvalidRef       = errors.New("invalid photo reference")
)

const (
	pendingDir = "pending"
	keptDir    = "kept"
	photoExt   = ".jpg"
)

// PhotoStore keeps captured frames on disk. New frames land in pending/ and
// move to kept/ once their check-in is stored.
type PhotoStore struct {
	dir     string
	maxDim  int
	quality int
	now     func() time.Time
}

func NewPhotoStore(dir string, maxDim, quality int) (*PhotoStore, error) {
	for _, sub := range []string{pendingDir, keptDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, err
		}
	}
	if quality <= 0 || quality > 100 {
		quality = 70
	}
	return &PhotoStore{dir: dir, maxDim: maxDim, quality: quality, now: time.Now}, nil
}

// Save decodes a jpeg/png/webp frame, downscales it and writes it as JPEG.
func (s *PhotoStore) Save(data []byte) (checkin.ImageRef, error) {
	img, err := decodePhoto(data)
	if err != nil {
		return "", err
	}
	if s.maxDim > 0 {
		b := img.Bounds()
		if b.Dx() > s.maxDim || b.Dy() > s.maxDim {
			img = imaging.Fit(img, s.maxDim, s.maxDim, imaging.Lanczos)
		}
	}
	name := uuid.NewString() + photoExt
	if err := imaging.Save(img, filepath.Join(s.dir, pendingDir, name), imaging.JPEGQuality(s.quality)); err != nil {
		return "", fmt.Errorf("save photo: %w", err)
	}
	return checkin.ImageRef(name), nil
}

func (s *PhotoStore) Keep(ref checkin.ImageRef) error {
	name, err := refName(ref)
	if err != nil {
		return err
	}
	return os.Rename(filepath.Join(s.dir, pendingDir, name), filepath.Join(s.dir, keptDir, name))
}

func (s *PhotoStore) Discard(ref checkin.ImageRef) error {
	name, err := refName(ref)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(s.dir, pendingDir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Path resolves a kept photo for serving.
func (s *PhotoStore) Path(ref checkin.ImageRef) (string, error) {
	name, err := refName(ref)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, keptDir, name)
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

// SweepPending removes pending frames older than maxAge and returns how many
// were removed.
func (s *PhotoStore) SweepPending(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, pendingDir))
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, pendingDir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func decodePhoto(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPhoto
	}
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	ct := http.DetectContentType(head)
	switch {
	case strings.Contains(ct, "jpeg"), strings.Contains(ct, "png"), strings.Contains(ct, "webp"):
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPhoto, ct)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPhoto, err)
	}
	return img, nil
}

func refName(ref checkin.ImageRef) (string, error) {
	name := string(ref)
	if !strings.HasSuffix(name, photoExt) {
		return "", ErrInvalidRef
	}
	if _, err := uuid.Parse(strings.TrimSuffix(name, photoExt)); err != nil {
		return "", ErrInvalidRef
	}
	return name, nil
}
