// Package blob is a content-addressed store for attachment and voice payloads.
// Messages only carry the returned reference, never the bytes.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"chat_broker/internal/domain"
	"chat_broker/internal/metrics"
)

const RefPrefix = "sha256:"

type Info struct {
	PayloadRef string `json:"payload_ref"`
	MimeType   string `json:"mime_type"`
	ByteSize   int64  `json:"byte_size"`
}

type Store struct {
	db       *pebble.DB
	maxBytes int64
}

// Open opens the store at path. An empty path keeps everything in memory.
func Open(path string, maxBytes int64) (*Store, error) {
	opts := &pebble.Options{}
	if path == "" {
		opts.FS = vfs.NewMem()
	} else if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return &Store{db: db, maxBytes: maxBytes}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// IsContentRef reports whether ref names a blob in this store.
func IsContentRef(ref string) bool {
	return strings.HasPrefix(ref, RefPrefix)
}

func digest(ref string) (string, error) {
	if !IsContentRef(ref) {
		return "", fmt.Errorf("%w: unsupported payload ref %q", domain.ErrInvalidContent, ref)
	}
	hexSum := strings.TrimPrefix(ref, RefPrefix)
	if b, err := hex.DecodeString(hexSum); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("%w: malformed payload ref %q", domain.ErrInvalidContent, ref)
	}
	return strings.ToLower(hexSum), nil
}

func blobKey(sum string) []byte { return []byte("blob:" + sum) }
func metaKey(sum string) []byte { return []byte("meta:" + sum) }

// Put stores the payload read from r and returns its reference. Storing the
// same bytes twice yields the same reference.
func (s *Store) Put(_ context.Context, mimeType string, r io.Reader) (Info, error) {
	if strings.TrimSpace(mimeType) == "" {
		mimeType = "application/octet-stream"
	}
	limit := s.maxBytes
	if limit <= 0 {
		limit = 1 << 62
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return Info{}, fmt.Errorf("read payload: %w", err)
	}
	if int64(len(data)) > limit {
		return Info{}, fmt.Errorf("%w: payload exceeds %d bytes", domain.ErrInvalidContent, s.maxBytes)
	}
	if len(data) == 0 {
		return Info{}, fmt.Errorf("%w: empty payload", domain.ErrInvalidContent)
	}

	sum := sha256.Sum256(data)
	hexSum := hex.EncodeToString(sum[:])
	info := Info{PayloadRef: RefPrefix + hexSum, MimeType: mimeType, ByteSize: int64(len(data))}
	meta, err := json.Marshal(info)
	if err != nil {
		return Info{}, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(blobKey(hexSum), data, nil); err != nil {
		return Info{}, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	if err := b.Set(metaKey(hexSum), meta, nil); err != nil {
		return Info{}, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return Info{}, fmt.Errorf("%w: store payload: %v", domain.ErrUnavailable, err)
	}
	metrics.BlobBytesStored.Observe(float64(len(data)))
	return info, nil
}

func (s *Store) Stat(_ context.Context, ref string) (Info, error) {
	sum, err := digest(ref)
	if err != nil {
		return Info{}, err
	}
	v, closer, err := s.db.Get(metaKey(sum))
	if errors.Is(err, pebble.ErrNotFound) {
		return Info{}, fmt.Errorf("%w: payload %s", domain.ErrNotFound, ref)
	}
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	defer closer.Close()
	var info Info
	if err := json.Unmarshal(v, &info); err != nil {
		return Info{}, fmt.Errorf("decode payload meta: %w", err)
	}
	return info, nil
}

func (s *Store) Get(ctx context.Context, ref string) (Info, []byte, error) {
	info, err := s.Stat(ctx, ref)
	if err != nil {
		return Info{}, nil, err
	}
	sum, _ := digest(ref)
	v, closer, err := s.db.Get(blobKey(sum))
	if errors.Is(err, pebble.ErrNotFound) {
		return Info{}, nil, fmt.Errorf("%w: payload %s", domain.ErrNotFound, ref)
	}
	if err != nil {
		return Info{}, nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return info, out, nil
}

// Exists reports whether a content reference has been uploaded.
func (s *Store) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := s.Stat(ctx, ref)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
