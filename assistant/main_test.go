package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"fitness-rag/shared/config"
	"fitness-rag/shared/logger"
	"fitness-rag/shared/sessionstore"
	"fitness-rag/shared/types"
)

type MockAnswerer struct {
	mock.Mock
}

func (m *MockAnswerer) Query(ctx context.Context, question string) (*types.AnswerResult, error) {
	args := m.Called(ctx, question)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.AnswerResult), args.Error(1)
}

func (m *MockAnswerer) QueryWithResearch(ctx context.Context, question string) (*types.AnswerResult, error) {
	args := m.Called(ctx, question)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.AnswerResult), args.Error(1)
}

func (m *MockAnswerer) GenerateTitleForSession(ctx context.Context, text, sessionID string) (*types.TitleResult, error) {
	args := m.Called(ctx, text, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.TitleResult), args.Error(1)
}

func createTestHandler(t *testing.T) (*Handler, *MockAnswerer) {
	t.Helper()
	store, err := sessionstore.NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.GetDefaultConfig()
	cfg.OpenAI.APIKey = "sk-test"

	answerer := &MockAnswerer{}
	return &Handler{engine: answerer, sessions: store, cfg: cfg}, answerer
}

func strPtr(s string) *string { return &s }

func TestHandle_Ask(t *testing.T) {
	handler, answerer := createTestHandler(t)
	expected := &types.AnswerResult{Question: "Is creatine safe?", Answer: strPtr("Yes."), Sources: []types.Source{}}
	answerer.On("QueryWithResearch", mock.Anything, "Is creatine safe?").Return(expected, nil)

	resp, err := handler.Handle(context.Background(), Request{Action: ActionAsk, Question: "Is creatine safe?"})

	require.NoError(t, err)
	assert.Nil(t, resp.Error)
	assert.Equal(t, expected, resp.Answer)
}

func TestHandle_AskFailureKeepsAnswerRecord(t *testing.T) {
	handler, answerer := createTestHandler(t)
	failed := &types.AnswerResult{Question: "q", Error: strPtr("API_ERROR: failed to embed question")}
	answerer.On("QueryWithResearch", mock.Anything, "q").
		Return(failed, logger.NewAppError(logger.ErrorTypeAPI, "failed to embed question", nil))

	resp, err := handler.Handle(context.Background(), Request{Action: ActionAsk, Question: "q"})

	require.NoError(t, err)
	assert.Equal(t, failed, resp.Answer)
	require.NotNil(t, resp.Error)
	assert.Equal(t, logger.ErrorTypeAPI, resp.Error.Type)
	assert.Equal(t, http.StatusBadGateway, resp.Error.StatusCode)
}

func TestHandle_Query(t *testing.T) {
	handler, answerer := createTestHandler(t)
	answerer.On("Query", mock.Anything, "How much sleep?").Return(&types.AnswerResult{Question: "How much sleep?", Answer: strPtr("7-9 hours.")}, nil)

	resp, err := handler.Handle(context.Background(), Request{Action: ActionQuery, Question: "How much sleep?"})

	require.NoError(t, err)
	assert.Equal(t, "7-9 hours.", *resp.Answer.Answer)
	assert.Nil(t, resp.Answer.Sources)
}

func TestHandle_MissingQuestion(t *testing.T) {
	handler, answerer := createTestHandler(t)

	resp, err := handler.Handle(context.Background(), Request{Action: ActionQuery})

	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, http.StatusBadRequest, resp.Error.StatusCode)
	answerer.AssertNotCalled(t, "Query", mock.Anything, mock.Anything)
}

func TestHandle_GenerateTitle(t *testing.T) {
	handler, answerer := createTestHandler(t)
	answerer.On("GenerateTitleForSession", mock.Anything, "protein for vegans", "s-1").
		Return(&types.TitleResult{Title: "Vegan Protein", SessionID: "s-1", Updated: true}, nil)

	resp, err := handler.Handle(context.Background(), Request{Action: ActionGenerateTitle, Text: "protein for vegans", SessionID: "s-1"})

	require.NoError(t, err)
	assert.Equal(t, "Vegan Protein", resp.Title.Title)
	assert.True(t, resp.Title.Updated)
}

func TestHandle_GenerateTitleFailure(t *testing.T) {
	handler, answerer := createTestHandler(t)
	answerer.On("GenerateTitleForSession", mock.Anything, "text", "").
		Return(nil, logger.NewAppError(logger.ErrorTypeAPI, "failed to generate title", errors.New("timeout")))

	resp, err := handler.Handle(context.Background(), Request{Action: ActionGenerateTitle, Text: "text"})

	require.NoError(t, err)
	assert.Nil(t, resp.Title)
	assert.Contains(t, resp.Error.Message, "failed to generate title")
}

func TestHandle_SessionFlow(t *testing.T) {
	handler, _ := createTestHandler(t)
	ctx := context.Background()

	created, err := handler.Handle(ctx, Request{Action: ActionCreateSession, Title: "Hypertrophy"})
	require.NoError(t, err)
	require.Nil(t, created.Error)
	sessionID := created.Session.ID

	got, _ := handler.Handle(ctx, Request{Action: ActionGetSession, SessionID: sessionID})
	assert.Equal(t, "Hypertrophy", got.Session.Title)

	listed, _ := handler.Handle(ctx, Request{Action: ActionListSessions})
	assert.Len(t, listed.Sessions, 1)

	msg, _ := handler.Handle(ctx, Request{
		Action:    ActionCreateMessage,
		SessionID: sessionID,
		Question:  "How many sets?",
		Answer:    "10-20 per muscle per week.",
		Sources:   []types.Source{{Text: "volume study", Score: 0.8, Metadata: types.SourceMetadata{ArxivID: "2401.00003v1"}}},
	})
	require.Nil(t, msg.Error)
	assert.Equal(t, sessionID, msg.Message.SessionID)

	messages, _ := handler.Handle(ctx, Request{Action: ActionListMessages, SessionID: sessionID})
	require.Len(t, messages.Messages, 1)
	assert.Equal(t, "2401.00003v1", messages.Messages[0].Sources[0].Metadata.ArxivID)
}

func TestHandle_SessionNotFound(t *testing.T) {
	handler, _ := createTestHandler(t)

	resp, err := handler.Handle(context.Background(), Request{Action: ActionGetSession, SessionID: "missing"})

	require.NoError(t, err)
	assert.Nil(t, resp.Session)
	require.NotNil(t, resp.Error)
	assert.Equal(t, logger.ErrorTypeNotFound, resp.Error.Type)
	assert.Equal(t, http.StatusNotFound, resp.Error.StatusCode)
}

func TestHandle_UnknownAction(t *testing.T) {
	handler, _ := createTestHandler(t)

	resp, err := handler.Handle(context.Background(), Request{Action: "delete_everything"})

	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Error.StatusCode)
	assert.Contains(t, resp.Error.Message, "unknown action")
}

func TestHandle_Health(t *testing.T) {
	handler, _ := createTestHandler(t)

	resp, _ := handler.Handle(context.Background(), Request{Action: ActionHealth})
	assert.Equal(t, "healthy", resp.Health.Status)

	handler.cfg.OpenAI.APIKey = ""
	resp, _ = handler.Handle(context.Background(), Request{Action: ActionHealth})
	assert.Equal(t, "unhealthy", resp.Health.Status)
	assert.Contains(t, resp.Health.Detail, "OpenAI API key not set")
}

func TestHandle_RecoversPanic(t *testing.T) {
	handler, answerer := createTestHandler(t)
	answerer.On("Query", mock.Anything, mock.Anything).Run(func(mock.Arguments) { panic("nil pointer") })

	resp, err := handler.Handle(context.Background(), Request{Action: ActionQuery, Question: "q"})

	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, logger.ErrorTypeInternal, resp.Error.Type)
}

func TestStatusCode(t *testing.T) {
	testCases := []struct {
		err      error
		expected int
	}{
		{logger.NewAppError(logger.ErrorTypeNotFound, "x", nil), http.StatusNotFound},
		{logger.NewAppError(logger.ErrorTypeData, "x", nil), http.StatusBadRequest},
		{logger.NewAppError(logger.ErrorTypeAPI, "x", nil), http.StatusBadGateway},
		{logger.NewAppError(logger.ErrorTypeStorage, "x", nil), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		if got := StatusCode(tc.err); got != tc.expected {
			t.Errorf("Expected status %d for %v, got %d", tc.expected, tc.err, got)
		}
	}
}

func TestBuildHandler_RequiresAPIKey(t *testing.T) {
	_, _, err := buildHandler(context.Background(), config.GetDefaultConfig())
	assert.True(t, logger.IsErrorType(err, logger.ErrorTypeConfig))
}
