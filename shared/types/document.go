package types

import "time"

// SegmentMetadata travels with a segment into every chunk cut from it
type SegmentMetadata struct {
	Title         string   `json:"title"`
	Authors       []string `json:"authors"`
	PublishedDate string   `json:"published_date"`
	ArxivID       string   `json:"arxiv_id"`
	Abstract      string   `json:"abstract"`
	SegmentID     int      `json:"segment_id"`
}

// NewSegmentMetadata copies the citation fields of p
func NewSegmentMetadata(p Paper, segmentID int) SegmentMetadata {
	published := ""
	if !p.PublishedDate.IsZero() {
		published = p.PublishedDate.UTC().Format(time.RFC3339)
	}
	return SegmentMetadata{
		Title:         p.Title,
		Authors:       append([]string(nil), p.Authors...),
		PublishedDate: published,
		ArxivID:       p.ArxivID,
		Abstract:      p.Abstract,
		SegmentID:     segmentID,
	}
}

// DocumentSegment is a unit of text extracted from one PDF
type DocumentSegment struct {
	Text     string          `json:"text"`
	Metadata SegmentMetadata `json:"metadata"`
}

// Chunk is the unit embedded and upserted into the vector index
type Chunk struct {
	ID       string          `json:"id"`
	Text     string          `json:"text"`
	Vector   []float32       `json:"-"`
	Metadata SegmentMetadata `json:"metadata"`
}

// BatchOutcome records how one pipeline batch fared
type BatchOutcome struct {
	Index    int    `json:"index"`
	Segments int    `json:"segments"`
	Chunks   int    `json:"chunks"`
	Error    string `json:"error,omitempty"`
	Err      error  `json:"-"`
}

// Succeeded reports whether the batch was indexed
func (b BatchOutcome) Succeeded() bool {
	return b.Err == nil
}

// PipelineReport is the per-batch account of one pipeline run
type PipelineReport struct {
	Batches          []BatchOutcome `json:"batches"`
	SucceededBatches int            `json:"succeeded_batches"`
	FailedBatches    int            `json:"failed_batches"`
	ChunksIndexed    int            `json:"chunks_indexed"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
}

// Add appends an outcome and updates the totals
func (r *PipelineReport) Add(outcome BatchOutcome) {
	if outcome.Err != nil && outcome.Error == "" {
		outcome.Error = outcome.Err.Error()
	}
	r.Batches = append(r.Batches, outcome)
	if outcome.Succeeded() {
		r.SucceededBatches++
		r.ChunksIndexed += outcome.Chunks
	} else {
		r.FailedBatches++
	}
}

// IngestionStatus is the terminal state of a topic ingestion
type IngestionStatus string

const (
	IngestionSuccess IngestionStatus = "success"
	IngestionError   IngestionStatus = "error"
)

// Terminal messages of a topic ingestion
const (
	MessageNoPapers    = "No papers found"
	MessageNoDocuments = "No documents processed successfully"
)

// IngestionResult summarises one topic ingestion
type IngestionResult struct {
	Status             IngestionStatus `json:"status"`
	Message            string          `json:"message,omitempty"`
	PapersFetched      int             `json:"papers_fetched"`
	DocumentsProcessed int             `json:"documents_processed"`
	Query              string          `json:"query"`
	TraceID            string          `json:"trace_id,omitempty"`
	Report             *PipelineReport `json:"report,omitempty"`
}
