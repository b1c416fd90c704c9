package arxiv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"fitness-rag/shared/logger"
	"fitness-rag/shared/types"
)

// PaperSource is the part of the arXiv client the fetcher needs
type PaperSource interface {
	Search(ctx context.Context, params SearchParams) ([]types.Paper, error)
	DownloadPDF(ctx context.Context, pdfURL, dest string) error
}

// Archiver keeps a durable copy of downloaded PDFs
type Archiver interface {
	ArchivePDF(ctx context.Context, arxivID, localPath string) error
	RestorePDF(ctx context.Context, arxivID, dest string) (bool, error)
}

// Validator returns an error when the file at path is not a readable PDF
type Validator func(path string) error

// ValidatePDF checks a file with pdfcpu in relaxed mode, which tolerates the
// minor format violations common in arXiv uploads
func ValidatePDF(path string) error {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return api.ValidateFile(path, conf)
}

// Fetcher searches arXiv and makes each result available as a local PDF
type Fetcher struct {
	source   PaperSource
	dir      string
	validate Validator
	archiver Archiver
	lookback time.Duration
	now      func() time.Time
	logger   *logger.Logger
}

// NewFetcher creates a fetcher that downloads into dir. A nil validator accepts any file.
func NewFetcher(source PaperSource, dir string, validate Validator, log *logger.Logger) *Fetcher {
	return &Fetcher{
		source:   source,
		dir:      dir,
		validate: validate,
		now:      time.Now,
		logger:   log,
	}
}

// WithArchiver backs up every fetched PDF to the archive and restores from it before downloading
func (f *Fetcher) WithArchiver(a Archiver) *Fetcher {
	f.archiver = a
	return f
}

// WithLookback limits searches to papers submitted within the last d. Zero means no limit.
func (f *Fetcher) WithLookback(d time.Duration) *Fetcher {
	f.lookback = d
	return f
}

// Fetch returns up to maxResults papers for query, newest first. Papers whose PDF
// cannot be downloaded are logged and left out, so every returned paper has a LocalPath.
func (f *Fetcher) Fetch(ctx context.Context, query string, maxResults int) ([]types.Paper, error) {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to create download directory", err)
	}

	params := SearchParams{
		Query:      query,
		MaxResults: maxResults,
	}
	if f.lookback > 0 {
		since := f.now().Add(-f.lookback)
		params.Since = &since
	}

	results, err := f.source.Search(ctx, params)
	if err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeAPI, "arXiv search failed", err)
	}

	papers := make([]types.Paper, 0, len(results))
	for _, paper := range results {
		if err := ctx.Err(); err != nil {
			return nil, logger.NewAppError(logger.ErrorTypeAPI, "fetch cancelled", err)
		}

		path, err := f.ensureLocal(ctx, paper)
		if err != nil {
			f.logger.Warn("Failed to download paper", map[string]interface{}{
				"arxiv_id": paper.ArxivID,
				"error":    err.Error(),
			})
			continue
		}
		paper.LocalPath = path

		if f.archiver != nil {
			if err := f.archiver.ArchivePDF(ctx, paper.ArxivID, path); err != nil {
				f.logger.Warn("Failed to archive paper", map[string]interface{}{
					"arxiv_id": paper.ArxivID,
					"error":    err.Error(),
				})
			}
		}

		papers = append(papers, paper)
	}

	f.logger.InfoWithCount("Fetched papers", len(papers), map[string]interface{}{
		"query":   query,
		"results": len(results),
		"failed":  len(results) - len(papers),
	})

	return papers, nil
}

// ensureLocal reuses a valid file on disk or in the archive, otherwise downloads it
func (f *Fetcher) ensureLocal(ctx context.Context, paper types.Paper) (string, error) {
	path := filepath.Join(f.dir, FileName(paper.ArxivID))

	if _, err := os.Stat(path); err == nil && f.check(path) == nil {
		f.logger.Debug("Reusing downloaded paper", map[string]interface{}{
			"arxiv_id": paper.ArxivID,
			"path":     path,
		})
		return path, nil
	}

	if f.archiver != nil {
		restored, err := f.archiver.RestorePDF(ctx, paper.ArxivID, path)
		if err != nil {
			f.logger.Warn("Failed to restore archived paper", map[string]interface{}{
				"arxiv_id": paper.ArxivID,
				"error":    err.Error(),
			})
		}
		if restored && f.check(path) == nil {
			return path, nil
		}
	}

	if paper.PDFURL == "" {
		return "", fmt.Errorf("paper has no PDF link")
	}
	if err := f.source.DownloadPDF(ctx, paper.PDFURL, path); err != nil {
		return "", err
	}
	if err := f.check(path); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("downloaded file is not a valid PDF: %w", err)
	}
	return path, nil
}

func (f *Fetcher) check(path string) error {
	if f.validate == nil {
		return nil
	}
	return f.validate(path)
}

// FileName is the local file name for an arXiv id. Old-style ids contain a slash.
func FileName(arxivID string) string {
	return strings.ReplaceAll(arxivID, "/", "_") + ".pdf"
}
