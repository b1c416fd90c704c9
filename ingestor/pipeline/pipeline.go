// Package pipeline cuts document segments into semantic chunks, embeds them
// and upserts them into the vector index, one batch at a time.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"fitness-rag/shared/config"
	"fitness-rag/shared/llm"
	"fitness-rag/shared/logger"
	"fitness-rag/shared/types"
	"fitness-rag/shared/vectorindex"
)

// Pipeline processes segments in fixed-size batches with a pause between them
type Pipeline struct {
	chunker   *SemanticChunker
	embedder  llm.Embedder
	index     vectorindex.Index
	batchSize int
	delay     time.Duration
	logger    *logger.Logger
}

// New creates a pipeline from the chunking configuration
func New(embedder llm.Embedder, index vectorindex.Index, cfg config.ChunkingConfig, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.New("embedding-pipeline")
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = config.GetDefaultConfig().Chunking.BatchSize
	}
	return &Pipeline{
		chunker:   NewSemanticChunker(embedder, cfg.BufferSize, cfg.BreakpointPercentile),
		embedder:  embedder,
		index:     index,
		batchSize: batchSize,
		delay:     cfg.BatchDelay(),
		logger:    log,
	}
}

// Run chunks, embeds and indexes segments. A failed batch is recorded in the
// report and the run moves on; only a pipeline-level failure returns an error.
func (p *Pipeline) Run(ctx context.Context, segments []types.DocumentSegment) (*types.PipelineReport, error) {
	report := &types.PipelineReport{Batches: []types.BatchOutcome{}}

	if p.embedder == nil || p.index == nil {
		return report, logger.NewAppError(logger.ErrorTypeInternal, "pipeline is missing its embedder or index", nil)
	}
	if len(segments) == 0 {
		p.logger.Warn("No documents to process")
		return report, nil
	}
	if err := ctx.Err(); err != nil {
		return report, logger.NewAppError(logger.ErrorTypeInternal, "pipeline cancelled", err)
	}

	startTime := time.Now()
	totalBatches := (len(segments) + p.batchSize - 1) / p.batchSize
	p.logger.InfoWithCount("Starting embedding pipeline", len(segments), map[string]interface{}{
		"batch_size":    p.batchSize,
		"total_batches": totalBatches,
	})

	for i := 0; i < len(segments); i += p.batchSize {
		batchIndex := i / p.batchSize
		if batchIndex > 0 {
			if err := p.pause(ctx); err != nil {
				report.ProcessingTimeMs = time.Since(startTime).Milliseconds()
				return report, logger.NewAppError(logger.ErrorTypeInternal, "pipeline cancelled", err)
			}
		}

		end := min(i+p.batchSize, len(segments))
		batch := segments[i:end]

		chunks, err := p.processBatch(ctx, batch)
		outcome := types.BatchOutcome{Index: batchIndex, Segments: len(batch), Chunks: chunks, Err: err}
		if err != nil {
			outcome.Chunks = 0
			p.logger.Error("Batch failed", err, map[string]interface{}{
				"batch_number": batchIndex + 1,
				"batch_size":   len(batch),
			})
		} else {
			p.logger.Info("Processed batch", map[string]interface{}{
				"batch_number": batchIndex + 1,
				"total":        totalBatches,
				"chunks":       chunks,
			})
		}
		report.Add(outcome)
	}

	report.ProcessingTimeMs = time.Since(startTime).Milliseconds()
	p.logger.InfoWithDuration("Embedding pipeline completed", time.Since(startTime), map[string]interface{}{
		"succeeded_batches": report.SucceededBatches,
		"failed_batches":    report.FailedBatches,
		"chunks_indexed":    report.ChunksIndexed,
	})
	return report, nil
}

func (p *Pipeline) pause(ctx context.Context) error {
	if p.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// processBatch returns the number of chunks upserted
func (p *Pipeline) processBatch(ctx context.Context, batch []types.DocumentSegment) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = logger.NewAppError(logger.ErrorTypeInternal, "batch panicked", fmt.Errorf("%v", r))
		}
	}()

	var chunks []types.Chunk
	for _, segment := range batch {
		texts, err := p.chunker.Split(ctx, segment.Text)
		if err != nil {
			return 0, logger.WrapError(err, logger.ErrorTypeAPI, "failed to chunk segment")
		}
		for ordinal, text := range texts {
			chunks = append(chunks, types.Chunk{
				ID:       ChunkID(segment.Metadata.ArxivID, segment.Metadata.SegmentID, ordinal),
				Text:     text,
				Metadata: segment.Metadata,
			})
		}
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, logger.WrapError(err, logger.ErrorTypeAPI, "failed to embed chunks")
	}
	if len(vectors) != len(chunks) {
		return 0, logger.NewAppError(logger.ErrorTypeAPI,
			fmt.Sprintf("expected %d chunk embeddings, got %d", len(chunks), len(vectors)), nil)
	}
	for i := range chunks {
		chunks[i].Vector = vectors[i]
	}

	if err := p.index.Upsert(ctx, chunks); err != nil {
		return 0, logger.WrapError(err, logger.ErrorTypeStorage, "failed to upsert chunks")
	}
	return len(chunks), nil
}
