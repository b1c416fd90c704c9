package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"fitness-rag/assistant/engine"
	"fitness-rag/shared/config"
	"fitness-rag/shared/embedcache"
	"fitness-rag/shared/llm"
	"fitness-rag/shared/logger"
	"fitness-rag/shared/sessionstore"
	"fitness-rag/shared/types"
	"fitness-rag/shared/vectorindex"
)

var (
	appLogger    *logger.Logger
	errorHandler *logger.ErrorHandler
)

func init() {
	appLogger = logger.New("assistant")
	errorHandler = logger.NewErrorHandler(appLogger)
}

// Actions accepted by the handler
const (
	ActionQuery         = "query"
	ActionAsk           = "ask"
	ActionGenerateTitle = "generate_title"
	ActionListSessions  = "list_sessions"
	ActionGetSession    = "get_session"
	ActionCreateSession = "create_session"
	ActionListMessages  = "list_messages"
	ActionCreateMessage = "create_message"
	ActionHealth        = "health"
)

// Request is the Lambda payload. Fields are read according to Action.
type Request struct {
	Action    string         `json:"action"`
	Question  string         `json:"question,omitempty"`
	Text      string         `json:"text,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Title     string         `json:"title,omitempty"`
	Answer    string         `json:"answer,omitempty"`
	Sources   []types.Source `json:"sources,omitempty"`
}

// ErrorBody describes a failed request
type ErrorBody struct {
	Type       logger.ErrorType `json:"type"`
	Message    string           `json:"message"`
	StatusCode int              `json:"status_code"`
}

// HealthStatus reports whether the service is configured
type HealthStatus struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Response carries the payload of exactly one action, or an error
type Response struct {
	Action   string              `json:"action"`
	Answer   *types.AnswerResult `json:"answer,omitempty"`
	Title    *types.TitleResult  `json:"title,omitempty"`
	Session  *types.Session      `json:"session,omitempty"`
	Sessions []types.Session     `json:"sessions,omitempty"`
	Message  *types.Message      `json:"message,omitempty"`
	Messages []types.Message     `json:"messages,omitempty"`
	Health   *HealthStatus       `json:"health,omitempty"`
	Error    *ErrorBody          `json:"error,omitempty"`
}

// Answerer is the subset of the engine the handler uses
type Answerer interface {
	Query(ctx context.Context, question string) (*types.AnswerResult, error)
	QueryWithResearch(ctx context.Context, question string) (*types.AnswerResult, error)
	GenerateTitleForSession(ctx context.Context, text, sessionID string) (*types.TitleResult, error)
}

// Handler dispatches assistant requests
type Handler struct {
	engine   Answerer
	sessions sessionstore.Store
	cfg      *config.Config
}

// Handle never fails the invocation for a request-level error; the error is
// returned in the response body with a status code.
func (h *Handler) Handle(ctx context.Context, req Request) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = errorResponse(req.Action, errorHandler.Recover(r, "lambda handler")), nil
		}
	}()

	start := time.Now()
	contextLogger := appLogger.WithContext(ctx)
	contextLogger.Info("Assistant request received", map[string]interface{}{"action": req.Action})

	resp, err = h.dispatch(ctx, req)
	if err != nil {
		err = errorHandler.Handle(err, req.Action)
		if resp == nil {
			resp = &Response{Action: req.Action}
		}
		resp.Error = errorBody(err)
	}

	contextLogger.InfoWithDuration("Assistant request completed", time.Since(start), map[string]interface{}{
		"action": req.Action,
		"failed": resp.Error != nil,
	})
	return resp, nil
}

func (h *Handler) dispatch(ctx context.Context, req Request) (*Response, error) {
	resp := &Response{Action: req.Action}

	switch req.Action {
	case ActionQuery:
		if err := requireField(req.Question, "question"); err != nil {
			return nil, err
		}
		answer, err := h.engine.Query(ctx, req.Question)
		resp.Answer = answer
		return resp, err

	case ActionAsk:
		if err := requireField(req.Question, "question"); err != nil {
			return nil, err
		}
		answer, err := h.engine.QueryWithResearch(ctx, req.Question)
		resp.Answer = answer
		return resp, err

	case ActionGenerateTitle:
		if err := requireField(req.Text, "text"); err != nil {
			return nil, err
		}
		title, err := h.engine.GenerateTitleForSession(ctx, req.Text, req.SessionID)
		resp.Title = title
		return resp, err

	case ActionListSessions:
		sessions, err := h.sessions.ListSessions(ctx)
		resp.Sessions = sessions
		return resp, err

	case ActionGetSession:
		if err := requireField(req.SessionID, "session_id"); err != nil {
			return nil, err
		}
		session, err := h.sessions.GetSession(ctx, req.SessionID)
		resp.Session = session
		return resp, err

	case ActionCreateSession:
		session, err := h.sessions.CreateSession(ctx, req.Title)
		resp.Session = session
		return resp, err

	case ActionListMessages:
		if err := requireField(req.SessionID, "session_id"); err != nil {
			return nil, err
		}
		messages, err := h.sessions.ListMessages(ctx, req.SessionID)
		resp.Messages = messages
		return resp, err

	case ActionCreateMessage:
		message, err := h.sessions.CreateMessage(ctx, sessionstore.NewMessage{
			SessionID: req.SessionID,
			Question:  req.Question,
			Answer:    req.Answer,
			Sources:   req.Sources,
		})
		resp.Message = message
		return resp, err

	case ActionHealth:
		resp.Health = h.health()
		return resp, nil

	default:
		return nil, logger.NewAppError(logger.ErrorTypeData, fmt.Sprintf("unknown action %q", req.Action), nil)
	}
}

func (h *Handler) health() *HealthStatus {
	if h.cfg == nil {
		return &HealthStatus{Status: "unhealthy", Detail: "configuration not loaded"}
	}
	if err := h.cfg.Validate(); err != nil {
		return &HealthStatus{Status: "unhealthy", Detail: err.Error()}
	}
	return &HealthStatus{Status: "healthy"}
}

func requireField(value, name string) error {
	if value == "" {
		return logger.NewAppError(logger.ErrorTypeData, name+" is required", nil)
	}
	return nil
}

// StatusCode maps an error type onto the HTTP status a gateway should return
func StatusCode(err error) int {
	var appErr *logger.AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Type {
	case logger.ErrorTypeNotFound:
		return http.StatusNotFound
	case logger.ErrorTypeData:
		return http.StatusBadRequest
	case logger.ErrorTypeAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) *ErrorBody {
	body := &ErrorBody{Type: logger.ErrorTypeInternal, Message: err.Error(), StatusCode: StatusCode(err)}
	var appErr *logger.AppError
	if errors.As(err, &appErr) {
		body.Type = appErr.Type
	}
	return body
}

func errorResponse(action string, err error) *Response {
	return &Response{Action: action, Error: errorBody(err)}
}

// buildHandler wires the engine and session store from cfg. The returned
// func releases every connection.
func buildHandler(ctx context.Context, cfg *config.Config) (*Handler, func(), error) {
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

	sessions, err := sessionstore.Open(cfg)
	if err != nil {
		releaseCache()
		index.Close(context.Background())
		return nil, nil, err
	}

	release := func() {
		releaseCache()
		if err := index.Close(context.Background()); err != nil {
			appLogger.Warn("Failed to close vector index", map[string]interface{}{"error": err.Error()})
		}
		if err := sessions.Close(); err != nil {
			appLogger.Warn("Failed to close session store", map[string]interface{}{"error": err.Error()})
		}
	}

	return &Handler{
		engine:   engine.New(embedder, index, llmClient, sessions, cfg.Retrieval, appLogger),
		sessions: sessions,
		cfg:      cfg,
	}, release, nil
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")
	action := flag.String("action", ActionAsk, "action to run (local mode)")
	question := flag.String("question", "", "question for query/ask")
	text := flag.String("text", "", "text for generate_title")
	sessionID := flag.String("session", "", "session id")
	title := flag.String("title", "", "title for create_session")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		appLogger.Error("Failed to load configuration", err)
		os.Exit(1)
	}

	handler, release, err := buildHandler(ctx, cfg)
	if err != nil {
		appLogger.Error("Failed to initialise assistant", err)
		os.Exit(1)
	}
	defer release()

	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		lambda.Start(handler.Handle)
		return
	}

	fmt.Println("Assistant Service - Local Development Mode")
	resp, _ := handler.Handle(ctx, Request{
		Action:    *action,
		Question:  *question,
		Text:      *text,
		SessionID: *sessionID,
		Title:     *title,
	})
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		appLogger.Error("Failed to encode response", err)
		release()
		os.Exit(1)
	}
	fmt.Println(string(out))
	if resp.Error != nil {
		release()
		os.Exit(1)
	}
}
