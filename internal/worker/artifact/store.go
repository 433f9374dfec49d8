// Package artifact implements the worker's content-addressed blob store
// for step outputs (spec §4.7 step 3): a step's output is hashed and
// written once under its digest, so the control plane's result payload can
// carry a hash reference instead of the full body, and a byte-identical
// replay of the same output never writes twice.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Metadata describes one stored artifact.
type Metadata struct {
	Hash        string    `json:"hash"`
	RunID       string    `json:"run_id"`
	StepID      string    `json:"step_id"`
	ContentType string    `json:"content_type"`
	SizeBytes   int       `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is a local-filesystem content-addressed artifact sink rooted at a
// worker's workspace directory:
//
//	{root}/artifacts/{hash[:2]}/{hash}.json    - metadata
//	{root}/artifacts/{hash[:2]}/{hash}.bin      - content
type Store struct {
	root string
}

// New returns a Store rooted at root, creating it if necessary.
func New(root string) (*Store, error) {
	dir := filepath.Join(root, "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: creating store root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) paths(hash string) (metaPath, contentPath string) {
	shard := filepath.Join(s.root, "artifacts", hash[:2])
	return filepath.Join(shard, hash+".json"), filepath.Join(shard, hash+".bin")
}

// Store hashes content and writes it (and its metadata) under that hash,
// returning the resulting Metadata. Writing the same content twice is a
// no-op after the first write: the second call returns the existing
// metadata without touching disk again.
func (s *Store) Store(runID, stepID string, content []byte, contentType string) (Metadata, error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	metaPath, contentPath := s.paths(hash)

	if _, err := os.Stat(metaPath); err == nil {
		return s.readMetadata(metaPath)
	}

	if err := os.MkdirAll(filepath.Dir(metaPath), 0o755); err != nil {
		return Metadata{}, fmt.Errorf("artifact: creating shard dir: %w", err)
	}
	if err := os.WriteFile(contentPath, content, 0o644); err != nil {
		return Metadata{}, fmt.Errorf("artifact: writing content: %w", err)
	}

	meta := Metadata{
		Hash:        hash,
		RunID:       runID,
		StepID:      stepID,
		ContentType: contentType,
		SizeBytes:   len(content),
		CreatedAt:   time.Now(),
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return Metadata{}, fmt.Errorf("artifact: marshaling metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, metaBytes, 0o644); err != nil {
		return Metadata{}, fmt.Errorf("artifact: writing metadata: %w", err)
	}
	return meta, nil
}

// StoreJSON marshals v to JSON and stores it as an "application/json"
// artifact.
func (s *Store) StoreJSON(runID, stepID string, v interface{}) (Metadata, error) {
	content, err := json.Marshal(v)
	if err != nil {
		return Metadata{}, fmt.Errorf("artifact: marshaling output: %w", err)
	}
	return s.Store(runID, stepID, content, "application/json")
}

// Retrieve reads back an artifact's content by hash.
func (s *Store) Retrieve(hash string) ([]byte, Metadata, error) {
	if len(hash) < 2 {
		return nil, Metadata{}, fmt.Errorf("artifact: invalid hash %q", hash)
	}
	metaPath, contentPath := s.paths(hash)
	meta, err := s.readMetadata(metaPath)
	if err != nil {
		return nil, Metadata{}, err
	}
	content, err := os.ReadFile(contentPath)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("artifact: reading content: %w", err)
	}
	return content, meta, nil
}

func (s *Store) readMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("artifact: reading metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("artifact: unmarshaling metadata: %w", err)
	}
	return meta, nil
}
