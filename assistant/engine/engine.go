// Package engine answers fitness and nutrition questions, optionally grounded
// in research chunks retrieved from the vector index.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fitness-rag/shared/config"
	"fitness-rag/shared/llm"
	"fitness-rag/shared/logger"
	"fitness-rag/shared/sessionstore"
	"fitness-rag/shared/types"
	"fitness-rag/shared/vectorindex"
)

const (
	personaPrompt     = "You are a personal trainer and nutritionist"
	titleSystemPrompt = "You are a concise title generator. Always respond with only 1-3 words."

	maxTitleWords    = 3
	sourcePreviewLen = 200
)

// Engine answers questions and titles sessions
type Engine struct {
	embedder llm.Embedder
	index    vectorindex.Index
	chat     llm.ChatModel
	sessions sessionstore.Store
	topK     int
	cutoff   float32
	logger   *logger.Logger
}

// New creates an engine. sessions may be nil when titles are never persisted.
// A zero TopK or SimilarityCutoff takes the configured default.
func New(embedder llm.Embedder, index vectorindex.Index, chat llm.ChatModel, sessions sessionstore.Store, cfg config.RetrievalConfig, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.New("answer-engine")
	}
	defaults := config.GetDefaultConfig().Retrieval
	if cfg.TopK <= 0 {
		cfg.TopK = defaults.TopK
	}
	if cfg.SimilarityCutoff <= 0 {
		cfg.SimilarityCutoff = defaults.SimilarityCutoff
	}
	return &Engine{
		embedder: embedder,
		index:    index,
		chat:     chat,
		sessions: sessions,
		topK:     cfg.TopK,
		cutoff:   float32(cfg.SimilarityCutoff),
		logger:   log,
	}
}

// Query asks the model directly, without retrieval
func (e *Engine) Query(ctx context.Context, question string) (*types.AnswerResult, error) {
	answer, err := e.chat.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: personaPrompt},
		{Role: llm.RoleUser, Content: question},
	})
	if err != nil {
		return nil, logger.WrapError(err, logger.ErrorTypeAPI, "chat completion failed")
	}
	return &types.AnswerResult{Question: question, Answer: &answer}, nil
}

// QueryWithResearch retrieves the closest chunks, keeps those at or above the
// similarity cutoff and answers with them as context. The result is never nil;
// on failure Answer and Sources are nil and Error holds the reason.
func (e *Engine) QueryWithResearch(ctx context.Context, question string) (*types.AnswerResult, error) {
	startTime := time.Now()

	matches, err := e.retrieve(ctx, question)
	if err != nil {
		return failedAnswer(question, err), err
	}

	sources := make([]types.Source, 0, len(matches))
	texts := make([]string, 0, len(matches))
	for _, match := range matches {
		sources = append(sources, SourceFromMatch(match))
		texts = append(texts, match.Text)
	}

	answer, err := e.chat.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: personaPrompt},
		{Role: llm.RoleUser, Content: ResearchPrompt(strings.Join(texts, "\n\n"), question)},
	})
	if err != nil {
		err = logger.WrapError(err, logger.ErrorTypeAPI, "chat completion failed")
		return failedAnswer(question, err), err
	}

	e.logger.InfoWithDuration("Answered with research", time.Since(startTime), map[string]interface{}{
		"sources": len(sources),
	})
	return &types.AnswerResult{Question: question, Answer: &answer, Sources: sources}, nil
}

func (e *Engine) retrieve(ctx context.Context, question string) ([]vectorindex.Match, error) {
	vector, err := e.embedder.Embed(ctx, question)
	if err != nil {
		return nil, logger.WrapError(err, logger.ErrorTypeAPI, "failed to embed question")
	}

	matches, err := e.index.Query(ctx, vector, e.topK)
	if err != nil {
		return nil, logger.WrapError(err, logger.ErrorTypeStorage, "vector search failed")
	}

	kept := make([]vectorindex.Match, 0, len(matches))
	for _, match := range matches {
		if match.Score >= e.cutoff {
			kept = append(kept, match)
		}
	}

	e.logger.Debug("Retrieved chunks", map[string]interface{}{
		"retrieved": len(matches),
		"kept":      len(kept),
		"cutoff":    e.cutoff,
	})
	return kept, nil
}

// GenerateShortTitle asks the model for a topic title of at most three words
func (e *Engine) GenerateShortTitle(ctx context.Context, text string) (string, error) {
	reply, err := e.chat.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: titleSystemPrompt},
		{Role: llm.RoleUser, Content: "Generate a 1-3 word title that captures the main topic of this text: " + text},
	})
	if err != nil {
		e.logger.Error("Error generating title", err)
		return "", logger.WrapError(err, logger.ErrorTypeAPI, "failed to generate title")
	}
	return TruncateWords(strings.TrimSpace(reply), maxTitleWords), nil
}

// GenerateTitleForSession titles text and, when sessionID names an existing
// session, stores the title on it. Only title generation can fail the call.
func (e *Engine) GenerateTitleForSession(ctx context.Context, text, sessionID string) (*types.TitleResult, error) {
	title, err := e.GenerateShortTitle(ctx, text)
	if err != nil {
		return nil, err
	}

	result := &types.TitleResult{Title: title, SessionID: sessionID}
	if sessionID == "" || e.sessions == nil {
		return result, nil
	}

	if _, err := e.sessions.GetSession(ctx, sessionID); err != nil {
		e.logger.Warn("Session not updated with title", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return result, nil
	}
	if _, err := e.sessions.UpdateSessionTitle(ctx, sessionID, title); err != nil {
		e.logger.Error("Failed to update session title", err, map[string]interface{}{
			"session_id": sessionID,
		})
		return result, nil
	}

	result.Updated = true
	return result, nil
}

// ResearchPrompt frames the retrieved context ahead of the question
func ResearchPrompt(research, question string) string {
	return fmt.Sprintf("Using this research context: %s\n\nPlease answer: %s", research, question)
}

// SourceFromMatch builds the citation returned for a retrieved chunk
func SourceFromMatch(match vectorindex.Match) types.Source {
	meta := match.Metadata
	authors := meta.Authors
	if authors == nil {
		authors = []string{}
	}
	return types.Source{
		Text:  preview(match.Text),
		Score: match.Score,
		Metadata: types.SourceMetadata{
			Title:         orUnknown(meta.Title),
			Authors:       authors,
			PublishedDate: orUnknown(meta.PublishedDate),
			ArxivID:       orUnknown(meta.ArxivID),
		},
	}
}

// TruncateWords keeps the first n whitespace-separated words
func TruncateWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return s
	}
	return strings.Join(words[:n], " ")
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= sourcePreviewLen {
		return text
	}
	return string(runes[:sourcePreviewLen]) + "..."
}

func orUnknown(s string) string {
	if s == "" {
		return types.UnknownField
	}
	return s
}

func failedAnswer(question string, err error) *types.AnswerResult {
	msg := err.Error()
	return &types.AnswerResult{Question: question, Error: &msg}
}
