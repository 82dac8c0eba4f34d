package providers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomlabs/loom/internal/agent"
	"github.com/loomlabs/loom/internal/billing"
	"github.com/loomlabs/loom/internal/observability"
)

// Router dispatches completion requests to the provider family resolved from
// the request's model name. It is itself an agent.LLMProvider, so the rest of
// the runtime never knows which family served a request.
//
// The router is also the single place where usage accounting happens: each
// successful completion is reported to the billing recorder exactly once, at
// the Done chunk.
type Router struct {
	resolver *Resolver
	families map[Family]agent.LLMProvider
	recorder billing.Recorder
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// RouterConfig wires the router. At least one family must be present.
type RouterConfig struct {
	Resolver  *Resolver
	OpenAI    agent.LLMProvider
	Anthropic agent.LLMProvider
	Recorder  billing.Recorder
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// NewRouter builds a router over the configured provider families.
func NewRouter(config RouterConfig) (*Router, error) {
	if config.Resolver == nil {
		return nil, fmt.Errorf("router: resolver is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Recorder == nil {
		config.Recorder = billing.NewLogRecorder(config.Logger)
	}

	families := make(map[Family]agent.LLMProvider)
	if config.OpenAI != nil {
		families[FamilyOpenAI] = config.OpenAI
	}
	if config.Anthropic != nil {
		families[FamilyAnthropic] = config.Anthropic
	}
	if len(families) == 0 {
		return nil, fmt.Errorf("router: no provider families configured")
	}

	return &Router{
		resolver: config.Resolver,
		families: families,
		recorder: config.Recorder,
		metrics:  config.Metrics,
		logger:   config.Logger,
	}, nil
}

func (r *Router) Name() string { return "router" }

// Complete resolves the model, rewrites the request to the canonical model
// name, and forwards to the owning family. The returned stream is wrapped so
// usage is recorded when the completion finishes.
func (r *Router) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	canonical, family := r.resolver.Resolve(req.Model)
	provider, ok := r.families[family]
	if !ok {
		return nil, agent.Errf(agent.KindValidation, "router",
			"model %q requires the %s provider, which is not configured", req.Model, family)
	}

	routed := *req
	routed.Model = canonical

	started := time.Now()
	inner, err := provider.Complete(ctx, &routed)
	if err != nil {
		return nil, err
	}

	out := make(chan *agent.CompletionChunk, 16)
	go func() {
		defer close(out)
		for chunk := range inner {
			if chunk.Done {
				r.recordUsage(ctx, &routed, string(family), chunk, started)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// recordUsage reports one finished completion to metrics and billing. Runs at
// most once per stream because providers emit a single Done chunk.
func (r *Router) recordUsage(ctx context.Context, req *agent.CompletionRequest, family string, chunk *agent.CompletionChunk, started time.Time) {
	elapsed := time.Since(started)
	r.metrics.ObserveLLM(family, req.Model, elapsed.Seconds(), chunk.PromptTokens, chunk.CompletionTokens)

	if req.Billing == nil {
		return
	}
	usage := billing.Usage{
		UserID:           req.Billing.UserID,
		RunID:            req.Billing.RunID,
		StartedAt:        started,
		EndedAt:          started.Add(elapsed),
		Model:            req.Model,
		PromptTokens:     chunk.PromptTokens,
		CompletionTokens: chunk.CompletionTokens,
		Estimated:        chunk.UsageEstimated,
	}
	r.recorder.RecordUsage(ctx, usage)
}
