package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"fitness-rag/ingestor/arxiv"
	"fitness-rag/ingestor/deduplicator"
	"fitness-rag/ingestor/loader"
	"fitness-rag/ingestor/orchestrator"
	"fitness-rag/ingestor/pipeline"
	archive "fitness-rag/ingestor/s3"
	"fitness-rag/shared/config"
	"fitness-rag/shared/embedcache"
	"fitness-rag/shared/llm"
	"fitness-rag/shared/logger"
	"fitness-rag/shared/types"
	"fitness-rag/shared/vectorindex"
)

var (
	appLogger    *logger.Logger
	errorHandler *logger.ErrorHandler
)

func init() {
	appLogger = logger.New("ingestor")
	errorHandler = logger.NewErrorHandler(appLogger)
}

// IngestEvent is the Lambda payload
type IngestEvent struct {
	Keyword    string `json:"keyword"`
	MaxResults int    `json:"max_results,omitempty"`
}

// TopicIngester runs one topic ingestion
type TopicIngester interface {
	IngestTopicWithLimit(ctx context.Context, keyword string, maxResults int) (*types.IngestionResult, error)
}

// Handler serves ingestion requests
type Handler struct {
	ingester TopicIngester
}

// Handle returns the ingestion result. A failed ingestion is reported through
// the result's status, so the invocation itself only fails when no result exists.
func (h *Handler) Handle(ctx context.Context, event IngestEvent) (result *types.IngestionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, errorHandler.Recover(r, "lambda handler")
		}
	}()

	start := time.Now()
	contextLogger := appLogger.WithContext(ctx)
	contextLogger.Info("Ingestion handler started", map[string]interface{}{
		"keyword":     event.Keyword,
		"max_results": event.MaxResults,
	})

	result, err = h.ingester.IngestTopicWithLimit(ctx, event.Keyword, event.MaxResults)
	if result == nil {
		return nil, errorHandler.Handle(err, "topic ingestion")
	}
	if err != nil {
		contextLogger.Warn("Ingestion finished with error", map[string]interface{}{
			"trace_id": result.TraceID,
			"error":    err.Error(),
		})
	}

	contextLogger.InfoWithDuration("Ingestion handler completed", time.Since(start), map[string]interface{}{
		"status": result.Status,
	})
	return result, nil
}

// buildOrchestrator wires the ingestion stages from cfg. The returned func
// releases the index and cache connections.
func buildOrchestrator(ctx context.Context, cfg *config.Config) (*orchestrator.Orchestrator, func(), error) {
	llmClient, err := llm.NewOpenAIClient(cfg.OpenAI, appLogger)
	if err != nil {
		return nil, nil, err
	}
	embedder, releaseCache := embedcache.Wrap(ctx, llmClient, cfg.Redis, cfg.OpenAI.EmbeddingModel, appLogger)

	index, err := vectorindex.NewMilvusIndex(ctx, cfg.Milvus, appLogger)
	if err != nil {
		releaseCache()
		return nil, nil, err
	}
	release := func() {
		releaseCache()
		if err := index.Close(context.Background()); err != nil {
			appLogger.Warn("Failed to close vector index", map[string]interface{}{"error": err.Error()})
		}
	}

	var validate arxiv.Validator
	if cfg.Arxiv.ValidatePDF {
		validate = arxiv.ValidatePDF
	}
	client := arxiv.NewClient(cfg.Arxiv.APIEndpoint, cfg.Arxiv.RateLimit, time.Duration(cfg.Arxiv.TimeoutSeconds)*time.Second)
	fetcher := arxiv.NewFetcher(client, cfg.Arxiv.DownloadDir, validate, appLogger).WithLookback(cfg.Arxiv.Lookback())

	if cfg.AWS.ArchiveBucket != "" {
		archiver, err := archive.NewArchiver(cfg.AWS.Region, cfg.AWS.ArchiveBucket, cfg.AWS.ArchivePrefix)
		if err != nil {
			release()
			return nil, nil, err
		}
		fetcher.WithArchiver(archiver)
	}

	orch := orchestrator.New(
		fetcher,
		deduplicator.NewDeduplicator(appLogger),
		loader.NewLoader(loader.PDFReader{}, appLogger),
		pipeline.New(embedder, index, cfg.Chunking, appLogger),
		cfg.Arxiv.MaxResults,
		appLogger,
	)
	return orch, release, nil
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")
	keyword := flag.String("keyword", "", "topic to ingest (local mode)")
	maxResults := flag.Int("max-results", 0, "override arxiv.max_results (local mode)")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		appLogger.Error("Failed to load configuration", err)
		os.Exit(1)
	}

	orch, release, err := buildOrchestrator(ctx, cfg)
	if err != nil {
		appLogger.Error("Failed to initialise ingestor", err)
		os.Exit(1)
	}
	defer release()

	handler := &Handler{ingester: orch}

	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		lambda.Start(handler.Handle)
		return
	}

	fmt.Println("Ingestor Service - Local Development Mode")
	if err := runLocal(ctx, handler, IngestEvent{Keyword: *keyword, MaxResults: *maxResults}); err != nil {
		appLogger.Error("Local run failed", err)
		release()
		os.Exit(1)
	}
}

func runLocal(ctx context.Context, handler *Handler, event IngestEvent) error {
	if event.Keyword == "" {
		return logger.NewAppError(logger.ErrorTypeConfig, "-keyword is required in local mode", nil)
	}
	result, err := handler.Handle(ctx, event)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
