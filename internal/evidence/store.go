package evidence

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var ErrInvalidPath = errors.New("invalid evidence path")

// DiskStore keeps evidence frames under {dir}/{testID}/{userID}/{unixMillis}.jpg
// and hands out URLs below baseURL
type DiskStore struct {
	dir     string
	baseURL string
	now     func() time.Time
}

// NewDiskStore creates the evidence directory if needed
func NewDiskStore(dir, baseURL string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create evidence directory %s: %w", dir, err)
	}
	return &DiskStore{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		now:     time.Now,
	}, nil
}

// UploadEvidence writes the frame and returns its public URL
func (s *DiskStore) UploadEvidence(ctx context.Context, testID, userID string, frame *Frame) (string, error) {
	if frame == nil || len(frame.Data) == 0 {
		return "", errors.New("empty evidence frame")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !safeSegment(testID) || !safeSegment(userID) {
		return "", ErrInvalidPath
	}

	name := fmt.Sprintf("%d.jpg", s.now().UnixMilli())
	rel := filepath.Join(testID, userID, name)
	full := filepath.Join(s.dir, rel)

	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("failed to create evidence folder: %w", err)
	}
	// O_EXCL keeps two incidents in the same millisecond from overwriting each other
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if errors.Is(err, os.ErrExist) {
		name = fmt.Sprintf("%d-%d.jpg", s.now().UnixMilli(), time.Now().UnixNano()%1000000)
		rel = filepath.Join(testID, userID, name)
		full = filepath.Join(s.dir, rel)
		f, err = os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create evidence file: %w", err)
	}
	if _, err := f.Write(frame.Data); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write evidence file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close evidence file: %w", err)
	}

	return s.baseURL + "/" + url.PathEscape(testID) + "/" + url.PathEscape(userID) + "/" + name, nil
}

// Read returns the bytes of a stored frame addressed by its relative path
func (s *DiskStore) Read(rel string) ([]byte, error) {
	clean := filepath.Clean("/" + rel)
	parts := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	if len(parts) != 3 {
		return nil, ErrInvalidPath
	}
	for _, p := range parts {
		if !safeSegment(p) {
			return nil, ErrInvalidPath
		}
	}

	data, err := os.ReadFile(filepath.Join(s.dir, filepath.Join(parts...)))
	if err != nil {
		return nil, fmt.Errorf("failed to read evidence file: %w", err)
	}
	return data, nil
}

// CleanupOlderThan removes frames older than maxAge and returns how many were deleted
func (s *DiskStore) CleanupOlderThan(maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)
	removed := 0

	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to clean evidence directory: %w", err)
	}
	return removed, nil
}

func safeSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
