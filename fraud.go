// Package fraud wires the two-stage fraud decision engine and exposes its
// lifecycle for embedding:
//
//	app, err := fraud.New(
//	    fraud.WithVersion(version),
//	    fraud.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: fraud (root) imports
// internal/*, but internal/* never imports fraud (root).
package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/config"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/graph"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/ingest"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/journal"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/mcp"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/ml"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/ratelimit"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/reasoner"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/rules"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/search"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/server"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/service/arbiter"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/service/audit"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/service/embedding"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/service/stage1"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/service/stage2"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/storage"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/stream"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/telemetry"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/migrations"
)

// App is the engine lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	buf          *audit.Buffer
	streamer     *stream.Streamer
	outbox       *search.OutboxWorker
	qdrantIndex  *search.QdrantIndex // nil when pgvector serves the index
	journal      *journal.Journal    // nil when FRAUD_JOURNAL_DIR is empty
	arbiter      *arbiter.Arbiter
	ingest       *ingest.Worker // nil when REDIS_URL is empty
	broker       *server.Broker // nil when no notify connection
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the engine. It connects to the database, runs migrations,
// and wires all subsystems, but does NOT start any goroutines or accept HTTP
// connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("fraud engine starting", "version", version, "port", cfg.Port)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}

	// teardown unwinds everything built so far when a later step fails.
	var qdrantIndex *search.QdrantIndex
	teardown := func() {
		if qdrantIndex != nil {
			_ = qdrantIndex.Close()
		}
		db.Close(ctx)
		_ = otelShutdown(ctx)
	}

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		teardown()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Verify critical tables exist after migration. If the pgvector extension
	// failed to create, migrations fail silently on some managed Postgres
	// setups and the server starts with no tables. Catch this early.
	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'decisions')`,
	).Scan(&schemaOK); err != nil {
		teardown()
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		teardown()
		return nil, fmt.Errorf("critical table 'decisions' does not exist after migration — check that the pgvector extension is installed")
	}

	embedder := newEmbeddingProvider(cfg, logger)

	// Vector index: Qdrant when configured, pgvector otherwise. The outbox
	// worker runs either way so every stored embedding reaches the index.
	var index search.Index
	if cfg.QdrantURL != "" {
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
			Candidates: cfg.KNNCandidates,
		}, logger)
		if err != nil {
			teardown()
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			teardown()
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		index = qdrantIndex
		logger.Info("vector index: qdrant", "collection", cfg.QdrantCollection)
	} else {
		index = search.NewPGVectorIndex(db.Pool(), cfg.EmbeddingDimensions)
		logger.Info("vector index: pgvector (no QDRANT_URL)")
	}
	outboxWorker := search.NewOutboxWorker(db.Pool(), index, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)

	// Rules engine: built-in rules plus the optional operator CEL file.
	engine, err := rules.NewEngine(cfg.RuleWeights, logger)
	if err != nil {
		teardown()
		return nil, fmt.Errorf("rules: %w", err)
	}
	if cfg.RulesFile != "" {
		extra, err := rules.LoadCELRules(cfg.RulesFile)
		if err != nil {
			teardown()
			return nil, fmt.Errorf("rules file %s: %w", cfg.RulesFile, err)
		}
		if err := engine.Add(extra); err != nil {
			teardown()
			return nil, fmt.Errorf("rules file %s: %w", cfg.RulesFile, err)
		}
		logger.Info("operator rules loaded", "file", cfg.RulesFile, "count", len(extra))
	}

	// Audit buffer persists every streamed event; the streamer's sink feeds it.
	buf := audit.NewBuffer(db, logger, cfg.EventBufferSize, cfg.EventFlushTimeout)
	streamer := stream.New(cfg.ObsHistoryLimit, cfg.ThreadTTL, buf.Record, logger)

	s1 := stage1.New(db, engine, ml.NewScorer(), streamer, stage1.Config{
		Timeout:    cfg.Stage1Timeout,
		LowCutoff:  cfg.LowCutoff,
		HighCutoff: cfg.HighCutoff,
	}, logger)

	tools := reasoner.NewToolset(db, embedder.Embed, index)
	rsn, rsnName := newReasoner(cfg, logger)

	s2 := stage2.New(db, embedder, index, rsn, tools, streamer, stage2.Config{
		Timeout:         cfg.Stage2Timeout,
		ReasonerTimeout: cfg.ReasonerTimeout,
		ToolBudget:      cfg.Stage2ToolBudget,
		KNNK:            cfg.KNNK,
	}, logger)

	jn, err := journal.New(logger, journal.Config{
		Dir:      cfg.JournalDir,
		SyncMode: cfg.JournalSync,
	})
	if err != nil {
		teardown()
		return nil, fmt.Errorf("journal: %w", err)
	}
	if jn != nil {
		logger.Info("stage-2 journal", "enabled", true, "dir", cfg.JournalDir, "sync_mode", cfg.JournalSync)
	} else {
		logger.Warn("stage-2 journal", "enabled", false,
			"risk", "scheduled deep analyses will be lost on crash")
	}
	var jdep arbiter.Journal
	if jn != nil {
		jdep = jn
	}

	arb := arbiter.New(db, s1, s2, embedder, streamer, jdep, arbiter.Config{
		LowCutoff:     cfg.LowCutoff,
		HighCutoff:    cfg.HighCutoff,
		Stage2Timeout: cfg.Stage2Timeout,
		ThreadTTL:     cfg.ThreadTTL,
	}, logger)

	builder := graph.NewBuilder(db, graph.Limits{
		MaxDepth: cfg.NetworkMaxDepth,
		MaxNodes: cfg.NetworkMaxNodes,
	}, logger)

	mcpSrv := mcp.New(arb, db, engine, tools, logger)

	// Global decision feed needs the dedicated LISTEN/NOTIFY connection.
	var broker *server.Broker
	if db.NotifyConn() != nil {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("decision feed broker: disabled (no notify connection)")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Arbiter:             arb,
		Streamer:            streamer,
		Graph:               builder,
		Engine:              engine,
		Buffer:              buf,
		Logger:              logger,
		Broker:              broker,
		Index:               index,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		Reasoner:            rsnName,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
	})

	// Optional Redis stream ingest.
	var ingestWorker *ingest.Worker
	if cfg.RedisURL != "" {
		ingestWorker, err = ingest.New(ctx, arb, ingest.Config{
			URL:      cfg.RedisURL,
			Stream:   cfg.Stream,
			Group:    cfg.StreamGroup,
			Consumer: cfg.StreamConsumer,
			DLQ:      cfg.StreamDLQ,
		}, logger)
		if err != nil {
			teardown()
			return nil, fmt.Errorf("ingest: %w", err)
		}
		logger.Info("stream ingest: enabled", "stream", cfg.Stream, "group", cfg.StreamGroup)
	} else {
		logger.Info("stream ingest: disabled (no REDIS_URL)")
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		buf:          buf,
		streamer:     streamer,
		outbox:       outboxWorker,
		qdrantIndex:  qdrantIndex,
		journal:      jn,
		arbiter:      arb,
		ingest:       ingestWorker,
		broker:       broker,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.buf.Start(ctx)
	a.outbox.Start(ctx)
	a.arbiter.Start(ctx)
	if a.broker != nil {
		go a.broker.Start(ctx)
	}
	if a.ingest != nil {
		go a.ingest.Run(ctx)
	}

	// Resume analyses whose deep pass was scheduled but never finalized.
	go a.recoverStage2(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown performs a phased graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) wait for background stage-2 analyses,
// (3) flush the audit buffer to Postgres,
// (4) drain remaining outbox entries to the vector index.
// It then closes the ingest worker, journal, index, database, and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("fraud engine shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	arbCtx, arbCancel := context.WithTimeout(ctx, a.cfg.Stage2Timeout)
	a.arbiter.Drain(arbCtx)
	arbCancel()

	bufCtx, bufCancel := context.WithTimeout(ctx, 10*time.Second)
	a.buf.Drain(bufCtx)
	bufCancel()

	outboxCtx, outboxCancel := context.WithTimeout(ctx, 10*time.Second)
	a.outbox.Drain(outboxCtx)
	outboxCancel()

	if a.ingest != nil {
		if err := a.ingest.Close(); err != nil {
			a.logger.Warn("ingest close error", "error", err)
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("journal close error", "error", err)
		}
	}
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("fraud engine stopped")
	return nil
}

// recoverStage2 replays the journal and re-runs unfinished deep analyses,
// then cross-checks storage for provisional decisions the journal missed
// (journal disabled, or a sync mode that lost the tail).
func (a *App) recoverStage2(ctx context.Context) {
	recovered := make(map[uuid.UUID]bool)

	if a.journal != nil {
		jobs, err := a.journal.Recover()
		if err != nil {
			a.logger.Warn("journal recovery failed", "error", err)
		} else {
			for _, job := range jobs {
				if err := a.arbiter.ResumeStage2(ctx, job.ThreadID, job.Txn, job.Stage1); err != nil {
					a.logger.Warn("stage-2 resume failed", "thread_id", job.ThreadID, "error", err)
					continue
				}
				recovered[job.ThreadID] = true
			}
			if len(jobs) > 0 {
				a.logger.Info("journal recovery complete", "resumed", len(jobs))
			}
		}
	}

	pending, err := a.db.PendingDecisions(ctx)
	if err != nil {
		a.logger.Warn("pending decision scan failed", "error", err)
		return
	}
	for _, d := range pending {
		if recovered[d.ThreadID] || d.Stage1 == nil {
			continue
		}
		txn, err := a.db.GetTransaction(ctx, d.TxnID)
		if err != nil {
			a.logger.Warn("stage-2 resume: transaction lookup failed",
				"thread_id", d.ThreadID, "txn_id", d.TxnID, "error", err)
			continue
		}
		if err := a.arbiter.ResumeStage2(ctx, d.ThreadID, txn, *d.Stage1); err != nil {
			a.logger.Warn("stage-2 resume failed", "thread_id", d.ThreadID, "error", err)
		}
	}
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "hash", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else the
// deterministic hash provider. Ollama is preferred: embeddings stay
// on-premises with no external API costs.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when FRAUD_EMBEDDING_PROVIDER=openai")
			return embedding.NewHashProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "hash":
		logger.Info("embedding provider: hash (deterministic, offline)")
		return embedding.NewHashProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider reachable, using hash provider")
		return embedding.NewHashProvider(dims)
	}
}

// newReasoner creates the stage-2 reasoner and returns it with the name
// reported by the health endpoint. Selection: "openai", "ollama",
// "heuristic", or "auto" (default). Auto mode prefers OpenAI if a key is
// present (tool-calling quality), then Ollama if reachable, else the
// deterministic heuristic.
func newReasoner(cfg config.Config, logger *slog.Logger) (reasoner.Reasoner, string) {
	switch cfg.Reasoner {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when FRAUD_REASONER=openai, falling back to heuristic")
			return reasoner.NewHeuristicReasoner(), "heuristic"
		}
		logger.Info("reasoner: openai", "model", cfg.ReasonerModel)
		return reasoner.NewOpenAIReasoner(cfg.OpenAIAPIKey, cfg.ReasonerModel), "openai"

	case "ollama":
		logger.Info("reasoner: ollama", "url", cfg.OllamaURL, "model", cfg.ReasonerModel)
		return reasoner.NewOllamaReasoner(cfg.OllamaURL, cfg.ReasonerModel), "ollama"

	case "heuristic":
		logger.Info("reasoner: heuristic (no LLM)")
		return reasoner.NewHeuristicReasoner(), "heuristic"

	case "auto":
		fallthrough
	default:
		if cfg.OpenAIAPIKey != "" {
			logger.Info("reasoner: openai (auto-detected)", "model", cfg.ReasonerModel)
			return reasoner.NewOpenAIReasoner(cfg.OpenAIAPIKey, cfg.ReasonerModel), "openai"
		}
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("reasoner: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.ReasonerModel)
			return reasoner.NewOllamaReasoner(cfg.OllamaURL, cfg.ReasonerModel), "ollama"
		}
		logger.Warn("no LLM reasoner available, using heuristic")
		return reasoner.NewHeuristicReasoner(), "heuristic"
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
