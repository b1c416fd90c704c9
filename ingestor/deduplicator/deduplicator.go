package deduplicator

import (
	"regexp"

	"fitness-rag/shared/logger"
	"fitness-rag/shared/types"
)

var versionSuffix = regexp.MustCompile(`v\d+$`)

// Stats describes one deduplication pass
type Stats struct {
	OriginalCount  int `json:"original_count"`
	UniqueCount    int `json:"unique_count"`
	DuplicateCount int `json:"duplicate_count"`
	InvalidCount   int `json:"invalid_count"`
}

// Deduplicator handles data deduplication logic
type Deduplicator struct {
	logger *logger.Logger
}

// NewDeduplicator creates a new deduplicator instance
func NewDeduplicator(log *logger.Logger) *Deduplicator {
	return &Deduplicator{
		logger: log,
	}
}

// Deduplicate removes papers whose arXiv id was already seen, ignoring the
// version suffix. The first occurrence wins, which for a newest-first search is the latest.
func (d *Deduplicator) Deduplicate(papers []types.Paper) ([]types.Paper, Stats) {
	stats := Stats{
		OriginalCount: len(papers),
	}

	if len(papers) == 0 {
		return papers, stats
	}

	seen := make(map[string]bool)
	deduplicated := make([]types.Paper, 0, len(papers))

	for _, paper := range papers {
		if paper.ArxivID == "" {
			stats.InvalidCount++
			d.logger.Warn("Skipping paper with empty arxiv_id", map[string]interface{}{
				"title": paper.Title,
			})
			continue
		}

		key := BaseID(paper.ArxivID)
		if seen[key] {
			stats.DuplicateCount++
			d.logger.Debug("Duplicate paper found and removed", map[string]interface{}{
				"arxiv_id": paper.ArxivID,
			})
			continue
		}
		seen[key] = true
		deduplicated = append(deduplicated, paper)
	}

	stats.UniqueCount = len(deduplicated)

	d.logger.Info("Deduplication completed", map[string]interface{}{
		"original_count":  stats.OriginalCount,
		"unique_count":    stats.UniqueCount,
		"duplicate_count": stats.DuplicateCount,
		"invalid_count":   stats.InvalidCount,
	})

	return deduplicated, stats
}

// BaseID strips the version suffix: 2401.00001v2 -> 2401.00001
func BaseID(arxivID string) string {
	return versionSuffix.ReplaceAllString(arxivID, "")
}
