package index

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/mcp-gateway/mcpgw-go/internal/hash"
)

// vectorHit is one cosine-similarity match.
type vectorHit struct {
	EntityID string
	Score    float64
}

// vectorEntry is the persisted form of one embedded document. TextHash lets
// the manager skip re-embedding when only the enabled flag changed.
type vectorEntry struct {
	EntityID   string    `json:"entity_id"`
	ServerPath string    `json:"server_path"`
	Enabled    bool      `json:"enabled"`
	TextHash   string    `json:"text_hash"`
	Vector     []float32 `json:"vector"`
}

// VectorStore holds document embeddings in memory and persists them as a
// sidecar JSON file next to the bleve index. Search is brute-force cosine;
// at registry scale (thousands of tools) a scan beats maintaining an ANN
// structure.
type VectorStore struct {
	mu      sync.RWMutex
	entries map[string]*vectorEntry
	path    string
}

// NewVectorStore opens the vector sidecar under dataDir, loading any
// previously persisted vectors.
func NewVectorStore(dataDir string) (*VectorStore, error) {
	s := &VectorStore{
		entries: make(map[string]*vectorEntry),
		path:    filepath.Join(dataDir, "vectors.json"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *VectorStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read vector store: %w", err)
	}
	var entries []*vectorEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse vector store: %w", err)
	}
	for _, e := range entries {
		s.entries[e.EntityID] = e
	}
	return nil
}

// persist writes all entries atomically. Caller must hold at least a read
// lock.
func (s *VectorStore) persist() error {
	entries := make([]*vectorEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].EntityID < entries[j].EntityID })

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal vector store: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write vector store: %w", err)
	}
	return os.Rename(tmpPath, s.path)
}

// Put upserts vectors for documents and persists.
func (s *VectorStore) Put(docs []Document, vectors [][]float32) error {
	if len(docs) != len(vectors) {
		return fmt.Errorf("document/vector count mismatch: %d vs %d", len(docs), len(vectors))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, doc := range docs {
		s.entries[doc.EntityID] = &vectorEntry{
			EntityID:   doc.EntityID,
			ServerPath: doc.ServerPath,
			Enabled:    doc.Enabled == "true",
			TextHash:   hash.StringHash(doc.Text),
			Vector:     vectors[i],
		}
	}
	return s.persist()
}

// TextHash returns the stored text hash for an entity, if present.
func (s *VectorStore) TextHash(entityID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[entityID]
	if !ok {
		return "", false
	}
	return e.TextHash, true
}

// Delete removes vectors by entity id and persists.
func (s *VectorStore) Delete(entityIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range entityIDs {
		delete(s.entries, id)
	}
	return s.persist()
}

// SetEnabled flips the enabled flag on all vectors of a server without
// re-embedding.
func (s *VectorStore) SetEnabled(serverPath string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ServerPath == serverPath {
			e.Enabled = enabled
		}
	}
	return s.persist()
}

// EntityIDsForServer returns the entity ids stored for a server.
func (s *VectorStore) EntityIDsForServer(serverPath string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, e := range s.entries {
		if e.ServerPath == serverPath {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of stored vectors.
func (s *VectorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Search scans all enabled vectors and returns the top-limit by cosine
// similarity, ties broken by entity id.
func (s *VectorStore) Search(queryVec []float32, limit int) []vectorHit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]vectorHit, 0, len(s.entries))
	for id, e := range s.entries {
		if !e.Enabled {
			continue
		}
		score := cosineSimilarity(queryVec, e.Vector)
		hits = append(hits, vectorHit{EntityID: id, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].EntityID < hits[j].EntityID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// cosineSimilarity returns the cosine of the angle between two vectors, 0
// when either is zero-length or dimensions differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
