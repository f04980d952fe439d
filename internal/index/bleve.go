package index

import (
	"fmt"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"go.uber.org/zap"
)

// lexicalHit is one BM25 match.
type lexicalHit struct {
	EntityID   string
	ServerPath string
	Name       string
	Text       string
	Score      float64
}

// BleveIndex wraps bleve operations for the lexical half of the index.
type BleveIndex struct {
	index  bleve.Index
	logger *zap.Logger
}

// NewBleveIndex opens or creates the bleve index under dataDir.
func NewBleveIndex(dataDir string, logger *zap.Logger) (*BleveIndex, error) {
	indexPath := filepath.Join(dataDir, "discovery.bleve")

	index, err := bleve.Open(indexPath)
	if err != nil {
		logger.Info("Creating new bleve index", zap.String("path", indexPath))
		index, err = createBleveIndex(indexPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create bleve index: %w", err)
		}
	} else {
		logger.Info("Opened existing bleve index", zap.String("path", indexPath))
	}

	return &BleveIndex{index: index, logger: logger}, nil
}

// createBleveIndex builds the document mapping. Identifier fields use the
// keyword analyzer for exact matching; only text is tokenized for BM25.
func createBleveIndex(indexPath string) (bleve.Index, error) {
	indexMapping := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	entityIDField := bleve.NewTextFieldMapping()
	entityIDField.Analyzer = keyword.Name
	entityIDField.Store = true
	docMapping.AddFieldMappingsAt("entity_id", entityIDField)

	entityTypeField := bleve.NewTextFieldMapping()
	entityTypeField.Analyzer = keyword.Name
	entityTypeField.Store = true
	docMapping.AddFieldMappingsAt("entity_type", entityTypeField)

	serverPathField := bleve.NewTextFieldMapping()
	serverPathField.Analyzer = keyword.Name
	serverPathField.Store = true
	docMapping.AddFieldMappingsAt("server_path", serverPathField)

	nameField := bleve.NewTextFieldMapping()
	nameField.Analyzer = keyword.Name
	nameField.Store = true
	docMapping.AddFieldMappingsAt("name", nameField)

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = true
	docMapping.AddFieldMappingsAt("text", textField)

	enabledField := bleve.NewTextFieldMapping()
	enabledField.Analyzer = keyword.Name
	enabledField.Store = true
	docMapping.AddFieldMappingsAt("enabled", enabledField)

	indexMapping.AddDocumentMapping("document", docMapping)
	indexMapping.DefaultMapping = docMapping

	return bleve.New(indexPath, indexMapping)
}

// Close closes the index.
func (b *BleveIndex) Close() error { return b.index.Close() }

// IndexDocuments upserts documents in one batch.
func (b *BleveIndex) IndexDocuments(docs []Document) error {
	batch := b.index.NewBatch()
	for i := range docs {
		if err := batch.Index(docs[i].EntityID, &docs[i]); err != nil {
			return fmt.Errorf("failed to batch document %s: %w", docs[i].EntityID, err)
		}
	}
	return b.index.Batch(batch)
}

// DeleteDocuments removes documents by entity id.
func (b *BleveIndex) DeleteDocuments(entityIDs []string) error {
	batch := b.index.NewBatch()
	for _, id := range entityIDs {
		batch.Delete(id)
	}
	return b.index.Batch(batch)
}

// DocumentsForServer returns the entity ids currently indexed for a server.
func (b *BleveIndex) DocumentsForServer(serverPath string) ([]string, error) {
	query := bleve.NewTermQuery(serverPath)
	query.SetField("server_path")

	searchReq := bleve.NewSearchRequest(query)
	searchReq.Size = 1000
	searchReq.Fields = []string{"entity_id"}

	result, err := b.index.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("failed to search server documents: %w", err)
	}

	ids := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Search runs a BM25 match query over text, restricted to enabled docs.
func (b *BleveIndex) Search(queryText string, limit int) ([]lexicalHit, error) {
	if queryText == "" {
		return nil, fmt.Errorf("search query cannot be empty")
	}

	matchQuery := bleve.NewMatchQuery(queryText)
	matchQuery.SetField("text")

	enabledQuery := bleve.NewTermQuery("true")
	enabledQuery.SetField("enabled")

	boolQuery := bleve.NewBooleanQuery()
	boolQuery.AddMust(matchQuery)
	boolQuery.AddMust(enabledQuery)

	searchReq := bleve.NewSearchRequest(boolQuery)
	searchReq.Size = limit
	searchReq.Fields = []string{"entity_id", "server_path", "name", "text"}

	result, err := b.index.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}

	hits := make([]lexicalHit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		hits = append(hits, lexicalHit{
			EntityID:   hit.ID,
			ServerPath: getStringField(hit.Fields, "server_path"),
			Name:       getStringField(hit.Fields, "name"),
			Text:       getStringField(hit.Fields, "text"),
			Score:      hit.Score,
		})
	}
	return hits, nil
}

// DocCount returns the number of indexed documents.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

func getStringField(fields map[string]interface{}, fieldName string) string {
	if val, ok := fields[fieldName]; ok {
		if strVal, ok := val.(string); ok {
			return strVal
		}
	}
	return ""
}
