package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
	extractx "github.com/opentender-lab/tenderdesk/agent/extract"
	intentx "github.com/opentender-lab/tenderdesk/agent/intent"
	llmx "github.com/opentender-lab/tenderdesk/agent/llm"
	promptx "github.com/opentender-lab/tenderdesk/agent/prompt"
	statex "github.com/opentender-lab/tenderdesk/agent/state"
	supervisorx "github.com/opentender-lab/tenderdesk/agent/supervisor"
	telemetryx "github.com/opentender-lab/tenderdesk/agent/telemetry"
	toolsx "github.com/opentender-lab/tenderdesk/agent/tools"
	configx "github.com/opentender-lab/tenderdesk/pkg/config"
	_ "github.com/opentender-lab/tenderdesk/pkg/logger/autoload"
	tenderapix "github.com/opentender-lab/tenderdesk/pkg/tenderapi"
)

type AppConfig struct {
	ListenAddr        string `envconfig:"LISTEN_ADDR" split_words:"true" default:":8080"`
	PostgresDSN       string `envconfig:"POSTGRES_DSN" split_words:"true"`
	CheckpointBackend string `envconfig:"CHECKPOINT_BACKEND" split_words:"true" default:"memory"`
	TenderAPIURL      string `envconfig:"TENDER_API_URL" split_words:"true"`
	TenderAPIToken    string `envconfig:"TENDER_API_TOKEN" split_words:"true"`
}

func main() {
	ctx := context.Background()
	appCfg := configx.MustNew[AppConfig]("TENDERDESK")

	llmCfg := configx.MustNew[llmx.Config]("OPENROUTER")
	if err := llmCfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid llm configuration")
	}

	sink := buildSink(ctx, appCfg)
	collector := telemetryx.NewCollector(sink)
	checkpoints := buildCheckpoints(ctx, appCfg)

	var searcher contractx.TenderSearcher
	if appCfg.TenderAPIURL != "" {
		searcher = tenderapix.MustNew(tenderapix.Config{
			URL:   appCfg.TenderAPIURL,
			Token: appCfg.TenderAPIToken,
		})
	}

	catalog := toolsx.NewCatalog(
		searcher,
		toolsx.NewMemoryProfileStore(),
		toolsx.NewMemoryApplicationStore(),
		toolsx.NewMemoryDocumentRetriever(nil),
		toolsx.LogMailer{},
	)

	registry := supervisorx.NewRegistry(*llmCfg, promptx.LoadPromptSet(), catalog)
	sup := supervisorx.New(intentx.NewClassifier(collector), registry, checkpoints, collector)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", handleChat(sup))
	mux.HandleFunc("POST /api/chat/stream", handleChatStream(sup))
	mux.HandleFunc("GET /api/agents/{agent}/metrics", handleAgentMetrics(collector))

	server := &http.Server{
		Addr:              appCfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", appCfg.ListenAddr).Msg("tenderdesk listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func buildSink(ctx context.Context, cfg *AppConfig) contractx.Sink {
	if cfg.PostgresDSN == "" {
		log.Info().Msg("telemetry: no postgres dsn, using in-memory sink")
		return telemetryx.NewMemorySink()
	}
	sink, err := telemetryx.NewPostgresSink(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("telemetry: postgres sink init failed")
	}
	return sink
}

func buildCheckpoints(ctx context.Context, cfg *AppConfig) contractx.CheckpointStore {
	switch strings.ToLower(cfg.CheckpointBackend) {
	case "upstash":
		upstashCfg := configx.MustNew[statex.UpstashConfig]("UPSTASH_REDIS")
		store, err := statex.NewUpstashStore(*upstashCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("checkpoint: upstash store init failed")
		}
		return store
	case "redis":
		redisCfg := configx.MustNew[statex.RedisConfig]("REDIS")
		store, err := statex.NewRedisStore(ctx, *redisCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("checkpoint: redis store init failed")
		}
		return store
	default:
		log.Info().Msg("checkpoint: using in-memory store")
		return statex.NewMemoryStore()
	}
}

func handleChat(sup *supervisorx.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req contractx.TurnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		resp, err := sup.Turn(r.Context(), req, userIDFrom(r))
		if err != nil {
			writeTurnError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Warn().Err(err).Msg("write chat response failed")
		}
	}
}

func handleChatStream(sup *supervisorx.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req contractx.TurnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		err := sup.Stream(r.Context(), req, userIDFrom(r), func(ev contractx.StreamEvent) error {
			return extractx.WriteSSE(w, ev)
		})
		if err != nil {
			// The terminal error frame already went out; just log.
			log.Warn().Err(err).Msg("stream turn failed")
		}
	}
}

func handleAgentMetrics(collector *telemetryx.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics, err := collector.AgentMetrics(r.Context(), r.PathValue("agent"), 7)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(metrics); err != nil {
			log.Warn().Err(err).Msg("write metrics response failed")
		}
	}
}

func userIDFrom(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return "anonymous"
}

// writeTurnError reports a turn-level failure with a generic user-facing
// message and the machine-readable error kind. Internal detail stays in the
// logs and the telemetry error record.
func writeTurnError(w http.ResponseWriter, err error) {
	kind := contractx.ClassifyError(err)

	status := http.StatusInternalServerError
	message := "the request could not be completed"
	switch kind {
	case contractx.KindUserFixable:
		status = http.StatusUnprocessableEntity
		message = "more information is needed to complete the request"
	case contractx.KindLLMRecoverable:
		status = http.StatusUnprocessableEntity
		message = "the assistant could not complete the request, please retry"
	case contractx.KindTimeout:
		status = http.StatusGatewayTimeout
		message = "the request took too long to complete"
	}
	switch {
	case errors.Is(err, contractx.ErrValidation):
		status = http.StatusBadRequest
		message = "the request is invalid"
	case errors.Is(err, contractx.ErrUnknownIntent):
		status = http.StatusBadRequest
		message = "could not work out what you need, please rephrase the request"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"kind":  string(kind),
	})
}
