package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Store is a content-addressed blob store for response bodies, sharded two
// levels deep by hash prefix.
type Store struct {
	basePath string
	fast     *zstd.Encoder
	dense    *zstd.Encoder
	decoder  *zstd.Decoder
}

// BlobInfo describes one blob on disk
type BlobInfo struct {
	Hash    string
	Path    string
	Size    int64
	ModTime time.Time
}

// NewStore creates a store rooted at basePath
func NewStore(basePath string) (*Store, error) {
	fast, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dense, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = fast.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = fast.Close()
		_ = dense.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Store{
		basePath: basePath,
		fast:     fast,
		dense:    dense,
		decoder:  decoder,
	}, nil
}

// Close releases encoder/decoder resources
func (s *Store) Close() error {
	_ = s.fast.Close()
	_ = s.dense.Close()
	s.decoder.Close()
	return nil
}

// shardPath computes hash[0:2]/hash[2:4]/hash under the category
func (s *Store) shardPath(category, hash string) string {
	if len(hash) < 4 {
		return filepath.Join(s.basePath, category, hash)
	}
	return filepath.Join(s.basePath, category, hash[0:2], hash[2:4], hash)
}

func extension(ct CompressionType) string {
	if ct == CompressionNone {
		return ".raw"
	}
	return ".zst"
}

func determineCompression(size int) CompressionType {
	if size < RawThreshold {
		return CompressionNone
	}
	if size < FastZstdMax {
		return CompressionZstdFast
	}
	return CompressionZstdLevel3
}

// Put stores content and returns its hash and compression type.
// Existing blobs are left untouched, so Put is idempotent.
func (s *Store) Put(category string, content []byte) (string, CompressionType, error) {
	hash := HashContent(content)
	ct := determineCompression(len(content))
	path := s.shardPath(category, hash) + extension(ct)

	if _, err := os.Stat(path); err == nil {
		// refresh mtime so a concurrent GC treats it as young
		now := time.Now()
		_ = os.Chtimes(path, now, now)
		return hash, ct, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create directory: %w", err)
	}

	data := content
	switch ct {
	case CompressionZstdFast:
		data = s.fast.EncodeAll(content, nil)
	case CompressionZstdLevel3:
		data = s.dense.EncodeAll(content, nil)
	}

	// .tmp -> fsync -> rename
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to rename blob: %w", err)
	}

	return hash, ct, nil
}

// Get reads a blob, falling back to the other extension if needed
func (s *Store) Get(category, hash string, compressed bool) ([]byte, error) {
	ext := ".raw"
	if compressed {
		ext = ".zst"
	}
	data, err := os.ReadFile(s.shardPath(category, hash) + ext)
	if err != nil {
		alt := ".zst"
		if compressed {
			alt = ".raw"
		}
		data, err = os.ReadFile(s.shardPath(category, hash) + alt)
		if err != nil {
			return nil, fmt.Errorf("blob not found: %s", hash)
		}
		compressed = !compressed
	}

	if compressed {
		return s.decoder.DecodeAll(data, nil)
	}
	return data, nil
}

// Exists checks if a hash exists in the store
func (s *Store) Exists(category, hash string) bool {
	base := s.shardPath(category, hash)
	if _, err := os.Stat(base + ".raw"); err == nil {
		return true
	}
	if _, err := os.Stat(base + ".zst"); err == nil {
		return true
	}
	return false
}

// Delete removes a hash and returns the bytes freed
func (s *Store) Delete(category, hash string) int64 {
	var freed int64
	base := s.shardPath(category, hash)
	for _, ext := range []string{".raw", ".zst"} {
		if info, err := os.Stat(base + ext); err == nil {
			if os.Remove(base+ext) == nil {
				freed += info.Size()
			}
		}
	}
	return freed
}

// List returns every blob in a category
func (s *Store) List(category string) ([]BlobInfo, error) {
	root := filepath.Join(s.basePath, category)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	var blobs []BlobInfo
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		name := info.Name()
		if ext := filepath.Ext(name); ext == ".raw" || ext == ".zst" {
			blobs = append(blobs, BlobInfo{
				Hash:    strings.TrimSuffix(name, ext),
				Path:    path,
				Size:    info.Size(),
				ModTime: info.ModTime(),
			})
		}
		return nil
	})
	return blobs, err
}

// Size returns total bytes used by a category
func (s *Store) Size(category string) (int64, int, error) {
	blobs, err := s.List(category)
	if err != nil {
		return 0, 0, err
	}
	var total int64
	for _, b := range blobs {
		total += b.Size
	}
	return total, len(blobs), nil
}
