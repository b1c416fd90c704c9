package pipeline

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"fitness-rag/shared/llm"
	"fitness-rag/shared/logger"
)

var sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]+["')\]]*\s*`)

// chunkNamespace seeds the name-based chunk ids
var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("fitness-rag/chunks"))

// ChunkID is stable for a given paper, segment and position, so re-ingesting
// a paper overwrites its earlier records.
func ChunkID(arxivID string, segmentID, ordinal int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s/%d/%d", arxivID, segmentID, ordinal))).String()
}

// SemanticChunker groups adjacent sentences and cuts wherever the embedding
// distance between neighbouring groups is above a percentile threshold.
type SemanticChunker struct {
	embedder   llm.Embedder
	bufferSize int
	percentile float64
}

// NewSemanticChunker creates a chunker. bufferSize is the number of sentences
// on each side folded into a sentence's comparison window.
func NewSemanticChunker(embedder llm.Embedder, bufferSize int, percentile float64) *SemanticChunker {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &SemanticChunker{
		embedder:   embedder,
		bufferSize: bufferSize,
		percentile: percentile,
	}
}

// Split returns the chunk texts of text, in document order
func (c *SemanticChunker) Split(ctx context.Context, text string) ([]string, error) {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil, nil
	}
	if len(sentences) == 1 {
		return []string{strings.TrimSpace(sentences[0])}, nil
	}

	groups := combineSentences(sentences, c.bufferSize)
	vectors, err := c.embedder.EmbedBatch(ctx, groups)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(groups) {
		return nil, logger.NewAppError(logger.ErrorTypeAPI,
			fmt.Sprintf("expected %d sentence embeddings, got %d", len(groups), len(vectors)), nil)
	}

	distances := make([]float64, len(vectors)-1)
	for i := 0; i < len(vectors)-1; i++ {
		distances[i] = 1 - cosineSimilarity(vectors[i], vectors[i+1])
	}
	threshold := Percentile(distances, c.percentile)

	var chunks []string
	start := 0
	for i, d := range distances {
		if d > threshold {
			chunks = appendChunk(chunks, sentences[start:i+1])
			start = i + 1
		}
	}
	chunks = appendChunk(chunks, sentences[start:])
	return chunks, nil
}

// SplitSentences cuts text after terminal punctuation. Trailing text without
// punctuation becomes the last sentence.
func SplitSentences(text string) []string {
	var sentences []string
	end := 0
	for _, loc := range sentencePattern.FindAllStringIndex(text, -1) {
		if s := text[loc[0]:loc[1]]; strings.TrimSpace(s) != "" {
			sentences = append(sentences, s)
		}
		end = loc[1]
	}
	if rest := text[end:]; strings.TrimSpace(rest) != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

func combineSentences(sentences []string, buffer int) []string {
	groups := make([]string, len(sentences))
	for i := range sentences {
		lo := max(0, i-buffer)
		hi := min(len(sentences), i+buffer+1)
		groups[i] = strings.TrimSpace(strings.Join(sentences[lo:hi], ""))
	}
	return groups
}

func appendChunk(chunks []string, sentences []string) []string {
	if text := strings.TrimSpace(strings.Join(sentences, "")); text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Percentile uses linear interpolation between the closest ranks
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	p = math.Max(0, math.Min(100, p))
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}
