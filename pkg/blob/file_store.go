package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz/lzma"
)

// FileStore is a durable Store keeping each payload as one
// lzma-compressed file next to a JSON tag sidecar. Payloads are
// already encrypted when they arrive here; compression only trades
// CPU for disk on the ciphertext envelope and its metadata.
type FileStore struct {
	root string
}

// NewFileStore opens (or creates) a blob directory.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("blob: root path required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) blobPath(blobID string) string {
	return filepath.Join(s.root, blobID+".lzma")
}

func (s *FileStore) tagPath(blobID string) string {
	return filepath.Join(s.root, blobID+".tags.json")
}

// Get retrieves and decompresses a payload by id.
func (s *FileStore) Get(ctx context.Context, blobID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	compressed, err := os.ReadFile(s.blobPath(blobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blob %s: %w", blobID, err)
	}

	r, err := lzma.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("open lzma reader for %s: %w", blobID, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress blob %s: %w", blobID, err)
	}
	return data, nil
}

// Put compresses and persists a payload, returning its content
// address. The id is derived from the uncompressed bytes so it
// matches every other backend.
func (s *FileStore) Put(ctx context.Context, data []byte, tags map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := ID(data)

	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return "", fmt.Errorf("open lzma writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return "", fmt.Errorf("compress blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finish compression: %w", err)
	}

	if err := os.WriteFile(s.blobPath(id), buf.Bytes(), 0o600); err != nil {
		return "", fmt.Errorf("write blob %s: %w", id, err)
	}

	if tags == nil {
		tags = map[string]string{}
	}
	sidecar, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags for %s: %w", id, err)
	}
	if err := os.WriteFile(s.tagPath(id), sidecar, 0o600); err != nil {
		return "", fmt.Errorf("write tags %s: %w", id, err)
	}
	return id, nil
}

// Tags returns the tag map stored with a payload.
func (s *FileStore) Tags(ctx context.Context, blobID string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sidecar, err := os.ReadFile(s.tagPath(blobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read tags %s: %w", blobID, err)
	}
	var tags map[string]string
	if err := json.Unmarshal(sidecar, &tags); err != nil {
		return nil, fmt.Errorf("corrupt tags %s: %w", blobID, err)
	}
	return tags, nil
}
