package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mcp-gateway/mcpgw-go/internal/embed"
	"github.com/mcp-gateway/mcpgw-go/internal/events"
	"github.com/mcp-gateway/mcpgw-go/internal/hash"
	"github.com/mcp-gateway/mcpgw-go/internal/registry"
)

// candidateLimit caps how many hits each retrieval arm contributes before
// fusion.
const candidateLimit = 100

// Options configures the hybrid index manager.
type Options struct {
	BM25Weight   float64
	VectorWeight float64
	TopKServices int
	TopNTools    int
}

// Limits overrides the configured result shape for a single query. Zero
// values fall back to the manager's defaults.
type Limits struct {
	TopKServices int
	TopNTools    int
}

// EntityResult is one fused search hit.
type EntityResult struct {
	EntityID   string  `json:"entity_id"`
	EntityType string  `json:"entity_type"`
	Name       string  `json:"name"`
	ServerPath string  `json:"server_path"`
	Score      float64 `json:"score"`
}

// ServerGroup is the per-server grouping of search hits.
type ServerGroup struct {
	ServerPath string         `json:"server_path"`
	Score      float64        `json:"score"`
	Entities   []EntityResult `json:"entities"`
}

// SearchResult is the grouped outcome of a hybrid search.
type SearchResult struct {
	Groups   []ServerGroup `json:"groups"`
	Degraded bool          `json:"degraded"`
}

// Manager combines the lexical bleve index and the vector store into one
// hybrid discovery index, kept current from registry change events.
type Manager struct {
	bleve    *BleveIndex
	vectors  *VectorStore
	embedder embed.Embedder
	servers  registry.ServerRepository
	agents   registry.AgentRepository
	bus      *events.Bus
	logger   *zap.Logger
	opts     Options

	// degraded is set while the embedder is failing; searches fall back to
	// lexical-only scoring until it recovers.
	degraded atomic.Bool
}

// NewManager creates the hybrid index manager.
func NewManager(
	dataDir string,
	embedder embed.Embedder,
	servers registry.ServerRepository,
	agents registry.AgentRepository,
	bus *events.Bus,
	opts Options,
	logger *zap.Logger,
) (*Manager, error) {
	if opts.BM25Weight <= 0 && opts.VectorWeight <= 0 {
		opts.BM25Weight = 0.4
		opts.VectorWeight = 0.6
	}
	if opts.TopKServices <= 0 {
		opts.TopKServices = 5
	}
	if opts.TopNTools <= 0 {
		opts.TopNTools = 5
	}

	lexical, err := NewBleveIndex(dataDir, logger)
	if err != nil {
		return nil, err
	}
	vectors, err := NewVectorStore(dataDir)
	if err != nil {
		_ = lexical.Close()
		return nil, err
	}

	return &Manager{
		bleve:    lexical,
		vectors:  vectors,
		embedder: embedder,
		servers:  servers,
		agents:   agents,
		bus:      bus,
		logger:   logger,
		opts:     opts,
	}, nil
}

// Close releases the underlying index.
func (m *Manager) Close() error { return m.bleve.Close() }

// Degraded reports whether searches currently run without the vector arm.
func (m *Manager) Degraded() bool { return m.degraded.Load() }

// DocCount returns the number of indexed documents.
func (m *Manager) DocCount() uint64 {
	count, err := m.bleve.DocCount()
	if err != nil {
		return 0
	}
	return count
}

// Run consumes registry change events until ctx is done, keeping the index
// in step with the repositories.
func (m *Manager) Run(ctx context.Context) {
	ch := m.bus.Subscribe()
	defer m.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			m.handleEvent(ctx, evt)
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, evt events.Event) {
	path, _ := evt.Payload["path"].(string)
	if path == "" {
		return
	}

	switch evt.Type {
	case events.TypeServerChanged:
		record, err := m.servers.Get(ctx, path)
		if errors.Is(err, registry.ErrNotFound) {
			if err := m.RemoveServer(path); err != nil {
				m.logger.Warn("Failed to remove server from index", zap.String("path", path), zap.Error(err))
			}
			return
		}
		if err != nil {
			m.logger.Warn("Failed to load server for indexing", zap.String("path", path), zap.Error(err))
			return
		}
		if err := m.IndexServer(ctx, record); err != nil {
			m.logger.Warn("Failed to index server", zap.String("path", path), zap.Error(err))
		}
	case events.TypeAgentChanged:
		record, err := m.agents.Get(ctx, path)
		if errors.Is(err, registry.ErrNotFound) {
			if err := m.RemoveServer(path); err != nil {
				m.logger.Warn("Failed to remove agent from index", zap.String("path", path), zap.Error(err))
			}
			return
		}
		if err != nil {
			m.logger.Warn("Failed to load agent for indexing", zap.String("path", path), zap.Error(err))
			return
		}
		if err := m.IndexAgent(ctx, record); err != nil {
			m.logger.Warn("Failed to index agent", zap.String("path", path), zap.Error(err))
		}
	}
}

// IndexServer replaces all documents of a server with its current tool list.
func (m *Manager) IndexServer(ctx context.Context, record *registry.ServerRecord) error {
	return m.indexDocuments(ctx, record.Path, ServerDocuments(record))
}

// IndexAgent replaces all documents of an agent with its current skill list.
func (m *Manager) IndexAgent(ctx context.Context, record *registry.AgentRecord) error {
	return m.indexDocuments(ctx, record.Path, AgentDocuments(record))
}

func (m *Manager) indexDocuments(ctx context.Context, path string, docs []Document) error {
	// Drop documents for entities that no longer exist on this server.
	current := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		current[doc.EntityID] = struct{}{}
	}
	existing, err := m.bleve.DocumentsForServer(path)
	if err != nil {
		return err
	}
	var stale []string
	for _, id := range existing {
		if _, ok := current[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := m.bleve.DeleteDocuments(stale); err != nil {
			return err
		}
		if err := m.vectors.Delete(stale); err != nil {
			return err
		}
	}

	if len(docs) == 0 {
		return nil
	}
	if err := m.bleve.IndexDocuments(docs); err != nil {
		return fmt.Errorf("failed to index documents for %s: %w", path, err)
	}

	// Only re-embed entities whose text actually changed; a plain toggle
	// just flips the enabled flag on the stored vectors.
	var toEmbed []Document
	for _, doc := range docs {
		if stored, ok := m.vectors.TextHash(doc.EntityID); ok && stored == hash.StringHash(doc.Text) {
			continue
		}
		toEmbed = append(toEmbed, doc)
	}
	if err := m.vectors.SetEnabled(path, docs[0].Enabled == "true"); err != nil {
		return err
	}
	if len(toEmbed) == 0 {
		return nil
	}

	// Embedding failures degrade but never block indexing; the lexical arm
	// stays authoritative.
	texts := make([]string, len(toEmbed))
	for i, doc := range toEmbed {
		texts[i] = doc.Text
	}
	embeddings, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		m.degraded.Store(true)
		m.logger.Warn("Embedding failed, index degraded to lexical-only",
			zap.String("path", path), zap.Error(err))
		return nil
	}
	m.degraded.Store(false)
	return m.vectors.Put(toEmbed, embeddings)
}

// RemoveServer drops every document of a server or agent path.
func (m *Manager) RemoveServer(path string) error {
	ids, err := m.bleve.DocumentsForServer(path)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		if err := m.bleve.DeleteDocuments(ids); err != nil {
			return err
		}
	}
	if vecIDs := m.vectors.EntityIDsForServer(path); len(vecIDs) > 0 {
		if err := m.vectors.Delete(vecIDs); err != nil {
			return err
		}
	}
	return nil
}

// Rebuild reindexes every record from the repositories. Used at startup and
// when the on-disk index is suspect.
func (m *Manager) Rebuild(ctx context.Context) error {
	servers, err := m.servers.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list servers for rebuild: %w", err)
	}
	for _, record := range servers {
		if err := m.IndexServer(ctx, record); err != nil {
			return err
		}
	}

	agents, err := m.agents.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list agents for rebuild: %w", err)
	}
	for _, record := range agents {
		if err := m.IndexAgent(ctx, record); err != nil {
			return err
		}
	}

	count, _ := m.bleve.DocCount()
	m.logger.Info("Rebuilt discovery index",
		zap.Int("servers", len(servers)),
		zap.Int("agents", len(agents)),
		zap.Uint64("documents", count))
	return nil
}

// fusedHit carries both normalized fusion score and the raw vector score
// used for tie-breaking.
type fusedHit struct {
	entityID  string
	fused     float64
	rawVector float64
	lex       *lexicalHit
}

// Search runs the hybrid query. visible filters hits to servers the caller
// may see; nil means no filtering. limits reshapes this query's grouping.
func (m *Manager) Search(ctx context.Context, query string, visible func(serverPath string) bool, limits Limits) (*SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("search query cannot be empty")
	}

	lexHits, err := m.bleve.Search(query, candidateLimit)
	if err != nil {
		return nil, err
	}

	var vecHits []vectorHit
	degraded := false
	queryVec, embedErr := m.embedder.Embed(ctx, query)
	if embedErr != nil {
		degraded = true
		m.degraded.Store(true)
		m.logger.Warn("Query embedding failed, lexical-only search", zap.Error(embedErr))
	} else {
		vecHits = m.vectors.Search(queryVec, candidateLimit)
	}
	if m.degraded.Load() {
		degraded = true
	}

	fused := m.fuse(lexHits, vecHits)

	// Fill in stored fields for hits surfaced only by the vector arm.
	results := make([]EntityResult, 0, len(fused))
	for _, hit := range fused {
		res := m.toResult(hit)
		if visible != nil && !visible(res.ServerPath) {
			continue
		}
		results = append(results, res)
	}

	return &SearchResult{
		Groups:   m.group(results, limits),
		Degraded: degraded,
	}, nil
}

// fuse min-max normalizes each arm independently then combines by weight.
// Entities seen by only one arm score zero on the other.
func (m *Manager) fuse(lexHits []lexicalHit, vecHits []vectorHit) []fusedHit {
	lexNorm := normalizeScores(len(lexHits), func(i int) float64 { return lexHits[i].Score })
	vecNorm := normalizeScores(len(vecHits), func(i int) float64 { return vecHits[i].Score })

	byID := make(map[string]*fusedHit, len(lexHits)+len(vecHits))
	for i := range lexHits {
		byID[lexHits[i].EntityID] = &fusedHit{
			entityID: lexHits[i].EntityID,
			fused:    m.opts.BM25Weight * lexNorm[i],
			lex:      &lexHits[i],
		}
	}
	for i := range vecHits {
		hit, ok := byID[vecHits[i].EntityID]
		if !ok {
			hit = &fusedHit{entityID: vecHits[i].EntityID}
			byID[vecHits[i].EntityID] = hit
		}
		hit.fused += m.opts.VectorWeight * vecNorm[i]
		hit.rawVector = vecHits[i].Score
	}

	fused := make([]fusedHit, 0, len(byID))
	for _, hit := range byID {
		fused = append(fused, *hit)
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].fused != fused[j].fused {
			return fused[i].fused > fused[j].fused
		}
		if fused[i].rawVector != fused[j].rawVector {
			return fused[i].rawVector > fused[j].rawVector
		}
		return fused[i].entityID < fused[j].entityID
	})
	return fused
}

func (m *Manager) toResult(hit fusedHit) EntityResult {
	entityType, serverPath, name := splitEntityID(hit.entityID)
	res := EntityResult{
		EntityID:   hit.entityID,
		EntityType: entityType,
		ServerPath: serverPath,
		Name:       name,
		Score:      hit.fused,
	}
	if hit.lex != nil {
		res.ServerPath = hit.lex.ServerPath
		res.Name = hit.lex.Name
	}
	return res
}

// group folds entity hits into per-server groups ordered by their best
// entity, trimmed to the top-k services and top-n entities in effect for
// this query.
func (m *Manager) group(results []EntityResult, limits Limits) []ServerGroup {
	topK := limits.TopKServices
	if topK <= 0 {
		topK = m.opts.TopKServices
	}
	topN := limits.TopNTools
	if topN <= 0 {
		topN = m.opts.TopNTools
	}

	order := make([]string, 0)
	byServer := make(map[string]*ServerGroup)
	for _, res := range results {
		grp, ok := byServer[res.ServerPath]
		if !ok {
			grp = &ServerGroup{ServerPath: res.ServerPath, Score: res.Score}
			byServer[res.ServerPath] = grp
			order = append(order, res.ServerPath)
		}
		if len(grp.Entities) < topN {
			grp.Entities = append(grp.Entities, res)
		}
	}

	groups := make([]ServerGroup, 0, len(order))
	for _, path := range order {
		groups = append(groups, *byServer[path])
		if len(groups) >= topK {
			break
		}
	}
	return groups
}

// normalizeScores min-max normalizes a score list into [0,1]. A single hit,
// or a flat list, normalizes to 1.
func normalizeScores(n int, score func(int) float64) []float64 {
	if n == 0 {
		return nil
	}
	minScore, maxScore := score(0), score(0)
	for i := 1; i < n; i++ {
		s := score(i)
		if s < minScore {
			minScore = s
		}
		if s > maxScore {
			maxScore = s
		}
	}
	norm := make([]float64, n)
	if maxScore == minScore {
		for i := range norm {
			norm[i] = 1
		}
		return norm
	}
	for i := range norm {
		norm[i] = (score(i) - minScore) / (maxScore - minScore)
	}
	return norm
}

// splitEntityID breaks "type:server_path:name" back into its parts. The
// server path may itself contain no colon, so two splits suffice.
func splitEntityID(entityID string) (entityType, serverPath, name string) {
	first := -1
	last := -1
	for i := 0; i < len(entityID); i++ {
		if entityID[i] == ':' {
			if first == -1 {
				first = i
			}
			last = i
		}
	}
	if first == -1 || first == last {
		return "", "", entityID
	}
	return entityID[:first], entityID[first+1 : last], entityID[last+1:]
}
