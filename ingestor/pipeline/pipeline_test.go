package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"fitness-rag/shared/config"
	"fitness-rag/shared/logger"
	"fitness-rag/shared/types"
	"fitness-rag/shared/vectorindex"
)

// MockEmbedder returns either fixed vectors or the result of a func([]string) [][]float32
type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if fn, ok := args.Get(0).(func([]string) [][]float32); ok {
		return fn(texts), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

type MockIndex struct {
	mock.Mock
}

func (m *MockIndex) Upsert(ctx context.Context, chunks []types.Chunk) error {
	args := m.Called(ctx, chunks)
	return args.Error(0)
}

func (m *MockIndex) Query(ctx context.Context, vector []float32, topK int) ([]vectorindex.Match, error) {
	args := m.Called(ctx, vector, topK)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]vectorindex.Match), args.Error(1)
}

func unitVectors(texts []string) [][]float32 {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{1, 0}
	}
	return vectors
}

func testSegments(n int) []types.DocumentSegment {
	segments := make([]types.DocumentSegment, n)
	for i := range segments {
		segments[i] = types.DocumentSegment{
			Text: fmt.Sprintf("Segment %d covers hypertrophy.", i),
			Metadata: types.SegmentMetadata{
				ArxivID:   fmt.Sprintf("2401.%05d", i),
				Title:     "Hypertrophy",
				Authors:   []string{"A. Author"},
				SegmentID: 0,
			},
		}
	}
	return segments
}

func testConfig() config.ChunkingConfig {
	return config.ChunkingConfig{BufferSize: 1, BreakpointPercentile: 95, BatchSize: 50}
}

func chunkCount(n int) interface{} {
	return mock.MatchedBy(func(chunks []types.Chunk) bool { return len(chunks) == n })
}

func TestPipeline_Run_BatchesBySize(t *testing.T) {
	embedder := &MockEmbedder{}
	index := &MockIndex{}
	p := New(embedder, index, testConfig(), nil)

	embedder.On("EmbedBatch", mock.Anything, mock.Anything).Return(unitVectors, nil)
	index.On("Upsert", mock.Anything, chunkCount(50)).Return(nil).Twice()
	index.On("Upsert", mock.Anything, chunkCount(20)).Return(nil).Once()

	report, err := p.Run(context.Background(), testSegments(120))

	require.NoError(t, err)
	index.AssertNumberOfCalls(t, "Upsert", 3)
	if len(report.Batches) != 3 {
		t.Fatalf("Expected 3 batches, got %d", len(report.Batches))
	}
	assert.Equal(t, []int{50, 50, 20}, []int{report.Batches[0].Segments, report.Batches[1].Segments, report.Batches[2].Segments})
	assert.Equal(t, 3, report.SucceededBatches)
	assert.Equal(t, 120, report.ChunksIndexed)
	index.AssertExpectations(t)
}

func TestPipeline_Run_ContinuesAfterFailedBatch(t *testing.T) {
	embedder := &MockEmbedder{}
	index := &MockIndex{}
	p := New(embedder, index, testConfig(), nil)

	embedder.On("EmbedBatch", mock.Anything, mock.Anything).Return(unitVectors, nil)
	index.On("Upsert", mock.Anything, mock.Anything).Return(nil).Once()
	index.On("Upsert", mock.Anything, mock.Anything).Return(errors.New("milvus unavailable")).Once()
	index.On("Upsert", mock.Anything, mock.Anything).Return(nil).Once()

	report, err := p.Run(context.Background(), testSegments(120))

	require.NoError(t, err)
	index.AssertNumberOfCalls(t, "Upsert", 3)
	assert.Equal(t, 2, report.SucceededBatches)
	assert.Equal(t, 1, report.FailedBatches)
	assert.Equal(t, 70, report.ChunksIndexed)
	assert.False(t, report.Batches[1].Succeeded())
	assert.Contains(t, report.Batches[1].Error, "milvus unavailable")
	assert.True(t, logger.IsErrorType(report.Batches[1].Err, logger.ErrorTypeStorage))
}

func TestPipeline_Run_EmbeddingFailureIsolated(t *testing.T) {
	embedder := &MockEmbedder{}
	index := &MockIndex{}
	cfg := testConfig()
	cfg.BatchSize = 2
	p := New(embedder, index, cfg, nil)

	embedder.On("EmbedBatch", mock.Anything, mock.Anything).Return(nil, errors.New("rate limited")).Once()
	embedder.On("EmbedBatch", mock.Anything, mock.Anything).Return(unitVectors, nil)
	index.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	report, err := p.Run(context.Background(), testSegments(4))

	require.NoError(t, err)
	assert.Equal(t, 1, report.FailedBatches)
	assert.Equal(t, 1, report.SucceededBatches)
	index.AssertNumberOfCalls(t, "Upsert", 1)
}

func TestPipeline_Run_EmptyInput(t *testing.T) {
	embedder := &MockEmbedder{}
	index := &MockIndex{}
	p := New(embedder, index, testConfig(), nil)

	report, err := p.Run(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, report.Batches)
	embedder.AssertNotCalled(t, "EmbedBatch", mock.Anything, mock.Anything)
	index.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestPipeline_Run_MissingCollaborators(t *testing.T) {
	p := New(nil, nil, testConfig(), nil)

	_, err := p.Run(context.Background(), testSegments(1))
	assert.True(t, logger.IsErrorType(err, logger.ErrorTypeInternal))
}

func TestPipeline_Run_CancelledBetweenBatches(t *testing.T) {
	embedder := &MockEmbedder{}
	index := &MockIndex{}
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.BatchDelayMs = 60_000
	p := New(embedder, index, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	embedder.On("EmbedBatch", mock.Anything, mock.Anything).Return(unitVectors, nil)
	index.On("Upsert", mock.Anything, mock.Anything).Run(func(mock.Arguments) { cancel() }).Return(nil)

	report, err := p.Run(ctx, testSegments(3))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, report.Batches, 1)
	index.AssertNumberOfCalls(t, "Upsert", 1)
}

func TestPipeline_ChunksCarryMetadataAndStableIDs(t *testing.T) {
	embedder := &MockEmbedder{}
	index := &MockIndex{}
	p := New(embedder, index, testConfig(), nil)

	segment := testSegments(1)[0]
	segment.Metadata.ArxivID = "1234.5678"
	segment.Metadata.SegmentID = 4

	var upserted []types.Chunk
	embedder.On("EmbedBatch", mock.Anything, mock.Anything).Return(unitVectors, nil)
	index.On("Upsert", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		upserted = args.Get(1).([]types.Chunk)
	}).Return(nil)

	_, err := p.Run(context.Background(), []types.DocumentSegment{segment})

	require.NoError(t, err)
	require.Len(t, upserted, 1)
	assert.Equal(t, "1234.5678", upserted[0].Metadata.ArxivID)
	assert.Equal(t, ChunkID("1234.5678", 4, 0), upserted[0].ID)
	assert.Equal(t, []float32{1, 0}, upserted[0].Vector)
}

// topicVectors places sentences mentioning legs on one axis and everything else on the other
func topicVectors(texts []string) [][]float32 {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if strings.Contains(text, "legs") {
			vectors[i] = []float32{1, 0}
		} else {
			vectors[i] = []float32{0, 1}
		}
	}
	return vectors
}

func TestSemanticChunker_SplitsAtTopicShift(t *testing.T) {
	embedder := &MockEmbedder{}
	embedder.On("EmbedBatch", mock.Anything, mock.Anything).Return(topicVectors, nil)
	chunker := NewSemanticChunker(embedder, 0, 50)

	chunks, err := chunker.Split(context.Background(),
		"Squats build legs. Lunges build legs. Protein aids recovery. Whey is a protein.")

	require.NoError(t, err)
	assert.Equal(t, []string{
		"Squats build legs. Lunges build legs.",
		"Protein aids recovery. Whey is a protein.",
	}, chunks)
}

func TestSemanticChunker_SingleSentenceSkipsEmbedding(t *testing.T) {
	embedder := &MockEmbedder{}
	chunker := NewSemanticChunker(embedder, 1, 95)

	chunks, err := chunker.Split(context.Background(), "  One sentence only.  ")

	require.NoError(t, err)
	assert.Equal(t, []string{"One sentence only."}, chunks)
	embedder.AssertNotCalled(t, "EmbedBatch", mock.Anything, mock.Anything)

	chunks, err = chunker.Split(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSemanticChunker_BufferCombinesNeighbours(t *testing.T) {
	embedder := &MockEmbedder{}
	var groups []string
	embedder.On("EmbedBatch", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		groups = args.Get(1).([]string)
	}).Return(unitVectors, nil)
	chunker := NewSemanticChunker(embedder, 1, 95)

	_, err := chunker.Split(context.Background(), "A one. B two. C three.")

	require.NoError(t, err)
	assert.Equal(t, []string{"A one. B two.", "A one. B two. C three.", "B two. C three."}, groups)
}

func TestSplitSentences(t *testing.T) {
	sentences := SplitSentences("Eat protein. Sleep well! Train hard? and rest")

	if len(sentences) != 4 {
		t.Fatalf("Expected 4 sentences, got %d: %q", len(sentences), sentences)
	}
	if strings.TrimSpace(sentences[3]) != "and rest" {
		t.Errorf("Expected trailing remainder 'and rest', got '%s'", sentences[3])
	}
}

func TestPercentile(t *testing.T) {
	testCases := []struct {
		values   []float64
		p        float64
		expected float64
	}{
		{[]float64{4, 1, 3, 2}, 50, 2.5},
		{[]float64{1, 2, 3, 4}, 95, 3.85},
		{[]float64{1, 2, 3, 4}, 0, 1},
		{[]float64{1, 2, 3, 4}, 100, 4},
		{[]float64{7}, 95, 7},
		{nil, 95, 0},
	}

	for _, tc := range testCases {
		got := Percentile(tc.values, tc.p)
		if diff := got - tc.expected; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("Percentile(%v, %v): expected %v, got %v", tc.values, tc.p, tc.expected, got)
		}
	}
}

func TestChunkID(t *testing.T) {
	a := ChunkID("2401.00001v1", 0, 0)

	assert.Equal(t, a, ChunkID("2401.00001v1", 0, 0))
	assert.NotEqual(t, a, ChunkID("2401.00001v1", 0, 1))
	assert.NotEqual(t, a, ChunkID("2401.00001v1", 1, 0))
	assert.Len(t, a, 36)
}
