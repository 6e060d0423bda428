// Package engine wires translation, invocation and response rendering into
// the operations the HTTP layer and CLI commands call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"claude-bridge/internal/config"
	"claude-bridge/internal/embeddings"
	"claude-bridge/internal/invoker/factory"
	"claude-bridge/internal/mapping"
	"claude-bridge/internal/models"
	"claude-bridge/internal/orchestrator"
	"claude-bridge/internal/tokens"
	"claude-bridge/internal/translator"
)

const ownedBy = "anthropic"

// Options tunes request translation and response rendering.
type Options struct {
	WorkingDirectory string
	MaxTurns         int
	IncludeToolTrace bool
}

// Engine is safe for concurrent use; it keeps no per-request state.
type Engine struct {
	orch      *orchestrator.Orchestrator
	mapper    *mapping.Mapper
	estimator tokens.Estimator
	opts      Options
	now       func() time.Time
}

// New assembles an engine from its parts.
func New(orch *orchestrator.Orchestrator, mapper *mapping.Mapper, estimator tokens.Estimator, opts Options) (*Engine, error) {
	if orch == nil {
		return nil, errors.New("orchestrator must not be nil")
	}
	if mapper == nil {
		return nil, errors.New("model mapper must not be nil")
	}
	if estimator == nil {
		estimator = tokens.CharEstimator{}
	}
	return &Engine{
		orch:      orch,
		mapper:    mapper,
		estimator: estimator,
		opts:      opts,
		now:       time.Now,
	}, nil
}

// FromConfig builds the invokers, orchestrator, mapper and estimator named by
// configuration.
func FromConfig(cfg config.Config) (*Engine, error) {
	invokers, err := factory.Build(cfg)
	if err != nil {
		return nil, err
	}
	orch, err := orchestrator.New(invokers.Direct, invokers.Subprocess, cfg.Invocation.Timeout)
	if err != nil {
		return nil, fmt.Errorf("initialise orchestrator: %w", err)
	}
	mapper, err := mapping.New(cfg.Models.Default, cfg.Models.Aliases)
	if err != nil {
		return nil, fmt.Errorf("initialise model mapper: %w", err)
	}
	estimator, err := tokens.New(cfg.Tokens.Estimator)
	if err != nil {
		return nil, fmt.Errorf("initialise token estimator: %w", err)
	}
	return New(orch, mapper, estimator, Options{
		WorkingDirectory: cfg.CLI.WorkingDir,
		MaxTurns:         cfg.CLI.MaxTurns,
		IncludeToolTrace: cfg.Response.IncludeToolTrace,
	})
}

// Backends lists the configured invokers, primary first.
func (e *Engine) Backends() []string {
	return e.orch.Backends()
}

// Complete runs a non-streaming chat completion.
func (e *Engine) Complete(ctx context.Context, req models.ChatRequest) (openai.ChatCompletionResponse, error) {
	q, err := e.query(req)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}

	res, err := e.orch.Execute(ctx, q)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	res.ConversationID = q.ConversationID

	return translator.ToChatCompletion(res, e.responseOptions(req, q)), nil
}

// Stream runs a streaming chat completion, calling emit once per chunk. Each
// emit completes before the next backend event is read; an emit error
// cancels the invocation. No chunk is emitted when the invocation fails
// before producing output.
func (e *Engine) Stream(ctx context.Context, req models.ChatRequest, emit func(openai.ChatCompletionStreamResponse) error) error {
	q, err := e.query(req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := e.responseOptions(req, q)
	created := opts.Created.Unix()
	events := e.orch.Stream(ctx, q)
	drain := func() {
		cancel()
		for range events {
		}
	}

	emitted := false
	for ev := range events {
		switch {
		case ev.Err != nil:
			drain()
			return ev.Err
		case ev.Done():
			if !emitted {
				if err := emit(translator.DeltaChunk(q.ConversationID, req.Model, created, translator.NoResponsePlaceholder)); err != nil {
					drain()
					return err
				}
			}
			if e.opts.IncludeToolTrace {
				if trace := translator.ToolTrace(ev.Result); trace != "" {
					if err := emit(translator.DeltaChunk(q.ConversationID, req.Model, created, trace)); err != nil {
						drain()
						return err
					}
				}
			}
			err := emit(translator.FinalChunk(q.ConversationID, req.Model, created))
			drain()
			return err
		default:
			if err := emit(translator.DeltaChunk(q.ConversationID, req.Model, created, ev.Text)); err != nil {
				drain()
				return err
			}
			emitted = true
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("stream ended without a result")
}

// Embed returns deterministic placeholder vectors for every input.
func (e *Engine) Embed(_ context.Context, req models.EmbeddingRequest) openai.EmbeddingResponse {
	data := make([]openai.Embedding, 0, len(req.Input))
	promptTokens := 0
	for i, text := range req.Input {
		data = append(data, openai.Embedding{
			Object:    "embedding",
			Embedding: embeddings.Embed(text, req.Model),
			Index:     i,
		})
		promptTokens += e.estimator.Count(text)
	}

	return openai.EmbeddingResponse{
		Object: "list",
		Data:   data,
		Model:  openai.EmbeddingModel(req.Model),
		Usage: openai.Usage{
			PromptTokens: promptTokens,
			TotalTokens:  promptTokens,
		},
	}
}

// Models lists the OpenAI-facing model ids.
func (e *Engine) Models() []openai.Model {
	created := e.now().Unix()
	aliases := e.mapper.List()
	out := make([]openai.Model, 0, len(aliases))
	for _, alias := range aliases {
		out = append(out, openai.Model{
			ID:        alias.ID,
			Object:    "model",
			CreatedAt: created,
			OwnedBy:   ownedBy,
			Root:      alias.Backend,
		})
	}
	return out
}

func (e *Engine) query(req models.ChatRequest) (models.TranslatedQuery, error) {
	return translator.BuildQuery(req, translator.QueryOptions{
		MaxTurns:         e.opts.MaxTurns,
		WorkingDirectory: e.opts.WorkingDirectory,
		BackendModel:     e.mapper.ToBackend(req.Model),
	})
}

func (e *Engine) responseOptions(req models.ChatRequest, q models.TranslatedQuery) translator.ResponseOptions {
	prompt := q.Prompt
	if q.SystemPrompt != "" {
		prompt = q.SystemPrompt + "\n\n" + prompt
	}
	return translator.ResponseOptions{
		Model:            req.Model,
		Prompt:           prompt,
		Estimator:        e.estimator,
		IncludeToolTrace: e.opts.IncludeToolTrace,
		Created:          e.now(),
	}
}
