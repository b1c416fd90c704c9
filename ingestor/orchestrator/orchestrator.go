// Package orchestrator runs a topic ingestion end to end: fetch papers,
// drop duplicates, load and clean their text, then chunk and index it.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"fitness-rag/ingestor/deduplicator"
	"fitness-rag/shared/logger"
	"fitness-rag/shared/types"
)

// PaperFetcher searches for papers and downloads their PDFs
type PaperFetcher interface {
	Fetch(ctx context.Context, query string, maxResults int) ([]types.Paper, error)
}

// Deduplicator drops papers that share an arXiv id
type Deduplicator interface {
	Deduplicate(papers []types.Paper) ([]types.Paper, deduplicator.Stats)
}

// DocumentLoader turns downloaded PDFs into cleaned segments
type DocumentLoader interface {
	LoadAndClean(ctx context.Context, papers []types.Paper) ([]types.DocumentSegment, error)
}

// Indexer chunks, embeds and upserts segments
type Indexer interface {
	Run(ctx context.Context, segments []types.DocumentSegment) (*types.PipelineReport, error)
}

// Orchestrator wires the ingestion stages together
type Orchestrator struct {
	fetcher      PaperFetcher
	deduplicator Deduplicator
	loader       DocumentLoader
	indexer      Indexer
	maxResults   int
	logger       *logger.Logger
}

// New creates an orchestrator. maxResults bounds each arXiv search.
func New(fetcher PaperFetcher, dedup Deduplicator, loader DocumentLoader, indexer Indexer, maxResults int, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.New("ingestion-orchestrator")
	}
	return &Orchestrator{
		fetcher:      fetcher,
		deduplicator: dedup,
		loader:       loader,
		indexer:      indexer,
		maxResults:   maxResults,
		logger:       log,
	}
}

// IngestTopic always returns a result. When the run does not succeed the
// result carries Status error and the returned error says why.
func (o *Orchestrator) IngestTopic(ctx context.Context, keyword string) (*types.IngestionResult, error) {
	return o.IngestTopicWithLimit(ctx, keyword, o.maxResults)
}

// IngestTopicWithLimit is IngestTopic with a per-call search limit
func (o *Orchestrator) IngestTopicWithLimit(ctx context.Context, keyword string, maxResults int) (result *types.IngestionResult, err error) {
	traceID := uuid.New().String()
	log := o.logger.WithContext(ctx).WithTraceID(traceID)
	errorHandler := logger.NewErrorHandler(log)
	startTime := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = errorHandler.Recover(r, "topic ingestion")
			result = failed(keyword, traceID, err.Error())
		}
	}()

	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		err = logger.NewAppError(logger.ErrorTypeData, "keyword is required", nil)
		return failed(keyword, traceID, err.Error()), err
	}
	if maxResults <= 0 {
		maxResults = o.maxResults
	}

	log.Info("Starting topic ingestion", map[string]interface{}{
		"query":       keyword,
		"max_results": maxResults,
	})

	papers, err := o.fetcher.Fetch(ctx, keyword, maxResults)
	if err != nil {
		err = errorHandler.Handle(err, "fetch papers")
		return failed(keyword, traceID, err.Error()), err
	}
	if o.deduplicator != nil {
		papers, _ = o.deduplicator.Deduplicate(papers)
	}
	if len(papers) == 0 {
		log.Warn(types.MessageNoPapers, map[string]interface{}{"query": keyword})
		return failed(keyword, traceID, types.MessageNoPapers),
			logger.NewAppError(logger.ErrorTypeNotFound, types.MessageNoPapers, nil)
	}

	segments, err := o.loader.LoadAndClean(ctx, papers)
	if err != nil {
		err = errorHandler.Handle(err, "load documents")
		return withCounts(failed(keyword, traceID, err.Error()), len(papers), 0), err
	}
	if len(segments) == 0 {
		log.Warn(types.MessageNoDocuments, map[string]interface{}{"papers": len(papers)})
		return withCounts(failed(keyword, traceID, types.MessageNoDocuments), len(papers), 0),
			logger.NewAppError(logger.ErrorTypeData, types.MessageNoDocuments, nil)
	}

	report, err := o.indexer.Run(ctx, segments)
	if err != nil {
		err = errorHandler.Handle(err, "run embedding pipeline")
		res := withCounts(failed(keyword, traceID, err.Error()), len(papers), len(segments))
		res.Report = report
		return res, err
	}

	log.InfoWithDuration("Topic ingestion completed", time.Since(startTime), map[string]interface{}{
		"query":               keyword,
		"papers_fetched":      len(papers),
		"documents_processed": len(segments),
		"failed_batches":      report.FailedBatches,
	})

	return &types.IngestionResult{
		Status:             types.IngestionSuccess,
		PapersFetched:      len(papers),
		DocumentsProcessed: len(segments),
		Query:              keyword,
		TraceID:            traceID,
		Report:             report,
	}, nil
}

func failed(keyword, traceID, message string) *types.IngestionResult {
	return &types.IngestionResult{
		Status:  types.IngestionError,
		Message: message,
		Query:   keyword,
		TraceID: traceID,
	}
}

func withCounts(r *types.IngestionResult, papers, documents int) *types.IngestionResult {
	r.PapersFetched = papers
	r.DocumentsProcessed = documents
	return r
}
