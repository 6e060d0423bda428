package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"claude-bridge/internal/config"
	"claude-bridge/internal/invoker"
	"claude-bridge/internal/models"
	"claude-bridge/internal/orchestrator"
	"claude-bridge/internal/translator"
)

const (
	maxBodyBytes        = 20 << 20 // 20 MiB, inline images included
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
	writeSlack          = 15 * time.Second

	sseDone = "[DONE]"
)

// Engine is the translation and invocation pipeline served over HTTP.
type Engine interface {
	Backends() []string
	Complete(ctx context.Context, req models.ChatRequest) (openai.ChatCompletionResponse, error)
	Stream(ctx context.Context, req models.ChatRequest, emit func(openai.ChatCompletionStreamResponse) error) error
	Embed(ctx context.Context, req models.EmbeddingRequest) openai.EmbeddingResponse
	Models() []openai.Model
}

type Server struct {
	cfg     config.Config
	engine  Engine
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, engine Engine) (*Server, error) {
	if engine == nil {
		return nil, errors.New("engine must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		engine:  engine,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler returns the instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.app, "claude-bridge")
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port, s.engine.Backends())
	slog.Info("starting server", "addr", s.address, "backends", s.engine.Backends())

	// a request may spend a full timeout on each of two attempts
	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: 2*s.cfg.Invocation.Timeout + writeSlack,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1/models", s.handleModels)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	s.app.POST("/v1/embeddings", s.handleEmbeddings)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"backends": s.engine.Backends(),
	})
}

type modelList struct {
	Object string         `json:"object"`
	Data   []openai.Model `json:"data"`
}

func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, modelList{Object: "list", Data: s.engine.Models()})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	unifiedReq := req.ToUnified()

	if req.Stream {
		return s.streamChat(c, unifiedReq)
	}

	resp, err := s.engine.Complete(ctx, unifiedReq)
	if err != nil {
		return toHTTPError(ctx, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) streamChat(c echo.Context, req models.ChatRequest) error {
	ctx := c.Request().Context()
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	// headers are committed with the first chunk so a failure before any
	// output can still be reported as a JSON error
	started := false
	emit := func(chunk openai.ChatCompletionStreamResponse) error {
		if !started {
			header := c.Response().Header()
			header.Set("Content-Type", "text/event-stream")
			header.Set("Cache-Control", "no-cache")
			header.Set("Connection", "keep-alive")
			c.Response().WriteHeader(http.StatusOK)
			started = true
		}
		if err := writeSSEData(c.Response(), chunk); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := s.engine.Stream(ctx, req, emit)
	switch {
	case err == nil:
		if _, werr := fmt.Fprintf(c.Response(), "data: %s\n\n", sseDone); werr != nil {
			slog.Warn("failed to write SSE terminator", "err", werr)
			return nil
		}
		flusher.Flush()
		return nil
	case !started:
		return toHTTPError(ctx, err)
	case ctx.Err() != nil:
		slog.Info("client disconnected mid-stream", "err", err)
		return nil
	default:
		slog.Error("stream failed after output", "err", err)
		reqErr := backendRequestError(err)
		var payload errorBody
		payload.Error.Message = reqErr.Message
		payload.Error.Type = reqErr.Type
		payload.Error.Code = reqErr.Code
		if werr := writeSSEData(c.Response(), payload); werr == nil {
			flusher.Flush()
		}
		return nil
	}
}

func (s *Server) handleEmbeddings(c echo.Context) error {
	var req translator.EmbeddingRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	resp := s.engine.Embed(c.Request().Context(), req.ToUnified())
	return c.JSON(http.StatusOK, resp)
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		if errors.Is(err, translator.ErrValidation) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: err.Error(),
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

// errClientGone signals that the caller went away; nothing is written.
var errClientGone = errors.New("client disconnected")

type errorBody struct {
	Error struct {
		Message string  `json:"message"`
		Type    string  `json:"type"`
		Param   *string `json:"param"`
		Code    string  `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	if errors.Is(err, errClientGone) {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

func toHTTPError(ctx context.Context, err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	if errors.Is(err, translator.ErrValidation) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	}

	if ctx.Err() != nil {
		return errClientGone
	}

	return backendRequestError(err)
}

func backendRequestError(err error) requestError {
	if invoker.IsTerminal(err) {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: invoker.Message(err),
			Type:    "upstream_error",
			Code:    "terminal_backend_error",
		}
	}
	if errors.Is(err, orchestrator.ErrNoInvoker) {
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: err.Error(),
			Type:    "server_error",
			Code:    "backend_unavailable",
		}
	}
	return requestError{
		Status:  http.StatusBadGateway,
		Message: invoker.Message(err),
		Type:    "upstream_error",
		Code:    "backend_unavailable",
	}
}

func writeSSEData(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

func printStartupBanner(port int, backends []string) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("claude-bridge ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Printf("Backends (primary first): %v\n", backends)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/embeddings")
	fmt.Printf("OpenAI-style example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"gpt-4\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}
