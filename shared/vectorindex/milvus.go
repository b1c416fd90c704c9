package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"

	"fitness-rag/shared/config"
	"fitness-rag/shared/logger"
	"fitness-rag/shared/types"
)

// Field names of the chunk collection
const (
	FieldID            = "id"
	FieldEmbedding     = "embedding"
	FieldText          = "text"
	FieldTitle         = "title"
	FieldAuthors       = "authors"
	FieldPublishedDate = "published_date"
	FieldArxivID       = "arxiv_id"
	FieldAbstract      = "abstract"
	FieldSegmentID     = "segment_id"
)

// VarChar limits, in bytes
const (
	maxIDLen    = 64
	maxTextLen  = 65535
	maxTitleLen = 2048
	maxShortLen = 256
)

var outputFields = []string{
	FieldText, FieldTitle, FieldAuthors, FieldPublishedDate, FieldArxivID, FieldAbstract, FieldSegmentID,
}

// Match is one similarity search hit. Score is cosine similarity, higher is closer.
type Match struct {
	ID       string
	Score    float32
	Text     string
	Metadata types.SegmentMetadata
}

// Index is the vector store used by ingestion and retrieval
type Index interface {
	Upsert(ctx context.Context, chunks []types.Chunk) error
	Query(ctx context.Context, vector []float32, topK int) ([]Match, error)
}

// MilvusIndex stores chunks in one Milvus collection keyed by chunk id
type MilvusIndex struct {
	client     *milvusclient.Client
	collection string
	dimension  int
	logger     *logger.Logger
}

// NewMilvusIndex connects to Milvus and makes sure the collection exists and is loaded
func NewMilvusIndex(ctx context.Context, cfg config.MilvusConfig, log *logger.Logger) (*MilvusIndex, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := milvusclient.New(connectCtx, &milvusclient.ClientConfig{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		APIKey:   cfg.APIKey,
		DBName:   cfg.Database,
	})
	if err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to connect to Milvus", err)
	}

	idx := &MilvusIndex{
		client:     client,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		logger:     log,
	}
	if err := idx.ensureCollection(ctx); err != nil {
		client.Close(ctx)
		return nil, err
	}
	return idx, nil
}

// Close closes the Milvus client connection
func (m *MilvusIndex) Close(ctx context.Context) error {
	return m.client.Close(ctx)
}

func (m *MilvusIndex) ensureCollection(ctx context.Context) error {
	exists, err := m.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(m.collection))
	if err != nil {
		return logger.NewAppError(logger.ErrorTypeStorage, "failed to check collection existence", err)
	}

	if !exists {
		if err := m.client.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(m.collection, Schema(m.collection, m.dimension))); err != nil {
			return logger.NewAppError(logger.ErrorTypeStorage, "failed to create collection", err)
		}

		createIdxTask, err := m.client.CreateIndex(ctx, milvusclient.NewCreateIndexOption(m.collection, FieldEmbedding, index.NewHNSWIndex(entity.COSINE, 16, 200)))
		if err != nil {
			return logger.NewAppError(logger.ErrorTypeStorage, "failed to create index", err)
		}
		if err := createIdxTask.Await(ctx); err != nil {
			return logger.NewAppError(logger.ErrorTypeStorage, "failed to wait for index creation", err)
		}

		m.logger.Info("Created vector collection", map[string]interface{}{
			"collection": m.collection,
			"dimension":  m.dimension,
		})
	}

	loadTask, err := m.client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(m.collection))
	if err != nil {
		return logger.NewAppError(logger.ErrorTypeStorage, "failed to load collection", err)
	}
	if err := loadTask.Await(ctx); err != nil {
		return logger.NewAppError(logger.ErrorTypeStorage, "failed to wait for collection loading", err)
	}
	return nil
}

// Schema describes the chunk collection. The primary key is the caller's chunk id,
// so upserting the same chunk twice overwrites it.
func Schema(name string, dimension int) *entity.Schema {
	return entity.NewSchema().
		WithName(name).
		WithDescription("arXiv paper chunks").
		WithAutoID(false).
		WithField(entity.NewField().WithName(FieldID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxIDLen).WithIsPrimaryKey(true)).
		WithField(entity.NewField().WithName(FieldEmbedding).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dimension))).
		WithField(entity.NewField().WithName(FieldText).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxTextLen)).
		WithField(entity.NewField().WithName(FieldTitle).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxTitleLen)).
		WithField(entity.NewField().WithName(FieldAuthors).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxTextLen)).
		WithField(entity.NewField().WithName(FieldPublishedDate).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxShortLen)).
		WithField(entity.NewField().WithName(FieldArxivID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxShortLen)).
		WithField(entity.NewField().WithName(FieldAbstract).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxTextLen)).
		WithField(entity.NewField().WithName(FieldSegmentID).WithDataType(entity.FieldTypeInt64))
}

// Upsert writes chunks, replacing any stored under the same ids
func (m *MilvusIndex) Upsert(ctx context.Context, chunks []types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	columns, err := BuildColumns(chunks, m.dimension)
	if err != nil {
		return logger.NewAppError(logger.ErrorTypeData, "invalid chunks for upsert", err)
	}

	startTime := time.Now()
	result, err := m.client.Upsert(ctx, milvusclient.NewColumnBasedInsertOption(m.collection, columns...))
	if err != nil {
		return logger.NewAppError(logger.ErrorTypeStorage, "failed to upsert chunks", err)
	}

	m.logger.InfoWithDuration("Upserted chunks", time.Since(startTime), map[string]interface{}{
		"collection": m.collection,
		"count":      result.UpsertCount,
	})
	return nil
}

// Query returns the topK chunks closest to vector, best first
func (m *MilvusIndex) Query(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	results, err := m.client.Search(ctx, milvusclient.NewSearchOption(
		m.collection,
		topK,
		[]entity.Vector{entity.FloatVector(vector)},
	).WithANNSField(FieldEmbedding).
		WithSearchParam("ef", "64").
		WithOutputFields(outputFields...))
	if err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeStorage, "vector search failed", err)
	}

	if len(results) == 0 {
		return []Match{}, nil
	}
	return MatchesFromResult(results[0])
}

// BuildColumns converts chunks to the column layout of Schema
func BuildColumns(chunks []types.Chunk, dimension int) ([]column.Column, error) {
	n := len(chunks)
	ids := make([]string, n)
	vectors := make([][]float32, n)
	texts := make([]string, n)
	titles := make([]string, n)
	authors := make([]string, n)
	published := make([]string, n)
	arxivIDs := make([]string, n)
	abstracts := make([]string, n)
	segmentIDs := make([]int64, n)

	for i, chunk := range chunks {
		if chunk.ID == "" {
			return nil, fmt.Errorf("chunk %d has no id", i)
		}
		if len(chunk.Vector) != dimension {
			return nil, fmt.Errorf("chunk %s has dimension %d, expected %d", chunk.ID, len(chunk.Vector), dimension)
		}
		if chunk.Metadata.ArxivID == "" {
			return nil, fmt.Errorf("chunk %s has no arxiv_id", chunk.ID)
		}

		authorJSON, err := json.Marshal(chunk.Metadata.Authors)
		if err != nil {
			return nil, fmt.Errorf("failed to encode authors of chunk %s: %w", chunk.ID, err)
		}

		ids[i] = chunk.ID
		vectors[i] = chunk.Vector
		texts[i] = truncateBytes(chunk.Text, maxTextLen)
		title := chunk.Metadata.Title
		if strings.TrimSpace(title) == "" {
			title = types.UnknownField
		}
		titles[i] = truncateBytes(title, maxTitleLen)
		authors[i] = truncateBytes(string(authorJSON), maxTextLen)
		published[i] = truncateBytes(chunk.Metadata.PublishedDate, maxShortLen)
		arxivIDs[i] = chunk.Metadata.ArxivID
		abstracts[i] = truncateBytes(chunk.Metadata.Abstract, maxTextLen)
		segmentIDs[i] = int64(chunk.Metadata.SegmentID)
	}

	return []column.Column{
		column.NewColumnVarChar(FieldID, ids),
		column.NewColumnFloatVector(FieldEmbedding, dimension, vectors),
		column.NewColumnVarChar(FieldText, texts),
		column.NewColumnVarChar(FieldTitle, titles),
		column.NewColumnVarChar(FieldAuthors, authors),
		column.NewColumnVarChar(FieldPublishedDate, published),
		column.NewColumnVarChar(FieldArxivID, arxivIDs),
		column.NewColumnVarChar(FieldAbstract, abstracts),
		column.NewColumnInt64(FieldSegmentID, segmentIDs),
	}, nil
}

// MatchesFromResult reads the hits of one search result set
func MatchesFromResult(rs milvusclient.ResultSet) ([]Match, error) {
	matches := make([]Match, rs.ResultCount)
	for i := range matches {
		matches[i].Score = rs.Scores[i]
		if ids, ok := rs.IDs.(*column.ColumnVarChar); ok {
			matches[i].ID = ids.Data()[i]
		}
	}

	for _, field := range rs.Fields {
		switch col := field.(type) {
		case *column.ColumnVarChar:
			data := col.Data()
			for i := range matches {
				if err := setStringField(&matches[i], col.Name(), data[i]); err != nil {
					return nil, err
				}
			}
		case *column.ColumnInt64:
			if col.Name() != FieldSegmentID {
				continue
			}
			data := col.Data()
			for i := range matches {
				matches[i].Metadata.SegmentID = int(data[i])
			}
		}
	}

	return matches, nil
}

func setStringField(match *Match, name, value string) error {
	switch name {
	case FieldText:
		match.Text = value
	case FieldTitle:
		match.Metadata.Title = value
	case FieldPublishedDate:
		match.Metadata.PublishedDate = value
	case FieldArxivID:
		match.Metadata.ArxivID = value
	case FieldAbstract:
		match.Metadata.Abstract = value
	case FieldAuthors:
		if value == "" {
			return nil
		}
		if err := json.Unmarshal([]byte(value), &match.Metadata.Authors); err != nil {
			return logger.NewAppError(logger.ErrorTypeData, fmt.Sprintf("invalid authors for %s", match.ID), err)
		}
	}
	return nil
}

// truncateBytes cuts s to at most n bytes on a rune boundary
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
