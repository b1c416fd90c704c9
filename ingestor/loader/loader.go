package loader

import (
	"context"
	"fmt"
	"os"

	"github.com/ledongthuc/pdf"

	"fitness-rag/ingestor/normalizer"
	"fitness-rag/shared/logger"
	"fitness-rag/shared/types"
)

// PageReader extracts the raw text of each page of a PDF
type PageReader interface {
	ReadPages(path string) ([]string, error)
}

// PDFReader reads pages with github.com/ledongthuc/pdf
type PDFReader struct{}

// ReadPages returns one string per page. Pages without a content stream or
// whose text cannot be decoded come back empty.
func (PDFReader) ReadPages(path string) ([]string, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PDF: %w", err)
	}
	defer file.Close()

	pageCount := reader.NumPage()
	pages := make([]string, 0, pageCount)
	for i := 1; i <= pageCount; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			pages = append(pages, "")
			continue
		}
		pages = append(pages, text)
	}

	return pages, nil
}

// Loader turns downloaded papers into cleaned document segments
type Loader struct {
	reader PageReader
	logger *logger.Logger
}

// NewLoader creates a loader
func NewLoader(reader PageReader, log *logger.Logger) *Loader {
	return &Loader{
		reader: reader,
		logger: log,
	}
}

// LoadAndClean extracts one segment per page of every paper, normalizes the text and
// drops segments left empty. A paper that is missing or unreadable is logged and skipped.
func (l *Loader) LoadAndClean(ctx context.Context, papers []types.Paper) ([]types.DocumentSegment, error) {
	var segments []types.DocumentSegment

	for _, paper := range papers {
		if err := ctx.Err(); err != nil {
			return nil, logger.NewAppError(logger.ErrorTypeData, "document loading cancelled", err)
		}

		if !paper.HasLocalFile() {
			l.logger.Warn("Skipping paper without a local file", map[string]interface{}{
				"arxiv_id": paper.ArxivID,
			})
			continue
		}

		if _, err := os.Stat(paper.LocalPath); err != nil {
			l.logger.Warn("File not found", map[string]interface{}{
				"arxiv_id": paper.ArxivID,
				"path":     paper.LocalPath,
			})
			continue
		}

		paperSegments, err := l.loadPaper(paper)
		if err != nil {
			l.logger.Error("Failed to process paper", err, map[string]interface{}{
				"arxiv_id": paper.ArxivID,
			})
			continue
		}

		l.logger.Debug("Loaded paper", map[string]interface{}{
			"arxiv_id": paper.ArxivID,
			"segments": len(paperSegments),
		})
		segments = append(segments, paperSegments...)
	}

	l.logger.InfoWithCount("Documents loaded and cleaned", len(segments), map[string]interface{}{
		"papers": len(papers),
	})

	return segments, nil
}

// loadPaper converts a reader panic on a malformed PDF into an error
func (l *Loader) loadPaper(paper types.Paper) (segments []types.DocumentSegment, err error) {
	defer func() {
		if r := recover(); r != nil {
			segments = nil
			err = fmt.Errorf("PDF reader panicked: %v", r)
		}
	}()

	pages, err := l.reader.ReadPages(paper.LocalPath)
	if err != nil {
		return nil, err
	}

	// segment_id is the page position in the PDF, so blank pages leave gaps
	for pageIndex, page := range pages {
		text := normalizer.Normalize(page)
		if text == "" {
			continue
		}
		segments = append(segments, types.DocumentSegment{
			Text:     text,
			Metadata: types.NewSegmentMetadata(paper, pageIndex),
		})
	}

	return segments, nil
}
