package cli

import (
	"context"
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ytchat/pkg/adapter"
	"github.com/m-mizutani/ytchat/pkg/chunker"
	"github.com/m-mizutani/ytchat/pkg/embedding"
	"github.com/m-mizutani/ytchat/pkg/repository"
	"github.com/m-mizutani/ytchat/pkg/session"
	"github.com/m-mizutani/ytchat/pkg/usecase/lifecycle"
	"github.com/m-mizutani/ytchat/pkg/usecase/qa"
	"github.com/m-mizutani/ytchat/pkg/utils/logging"
	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"
)

// config holds configuration values
type config struct {
	// Server
	addr         string
	allowOrigins []string
	showSources  bool

	// Gemini
	generativeModel     string
	embeddingModel      string
	embeddingDimensions int64
	geminiBaseURL       string
	callTimeout         time.Duration
	maxTries            int64
	rateLimit           float64
	rateBurst           int64

	// Retrieval
	chunkSize        int64
	chunkOverlap     int64
	batchSize        int64
	topK             int64
	historyWindow    int64
	temperature      float64
	answerLanguage   string
	captionLanguages []string
	fetchTimeout     time.Duration

	// Session
	idleTTL          time.Duration
	maxSessions      int64
	sweepInterval    time.Duration
	retainCredential bool
	reuseIndex       int64

	// Persistence
	storageBucket string
	storagePrefix string
	storageDir    string
	repository    string
	project       string
	database      string
	redisAddr     string
	redisPassword string
	redisDB       int64
}

// logConfig is shared by all commands through the root command
type logConfig struct {
	level  string
	format string
}

// loggingFlags returns flags for log output with destination config
func loggingFlags(cfg *logConfig) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Aliases:     []string{"l"},
			Category:    "Logging",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("YTCHAT_LOG_LEVEL"),
			Destination: &cfg.level,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Category:    "Logging",
			Usage:       "Log format (console, json)",
			Value:       string(logging.FormatConsole),
			Sources:     cli.EnvVars("YTCHAT_LOG_FORMAT"),
			Destination: &cfg.format,
		},
	}
}

// setup installs the default logger and returns ctx carrying it
func (cfg *logConfig) setup(ctx context.Context) (context.Context, error) {
	format, err := logging.ParseFormat(cfg.format)
	if err != nil {
		return ctx, err
	}
	logger := logging.New(cfg.level, os.Stderr, logging.WithFormat(format))
	logging.SetDefault(logger)
	return logging.With(ctx, logger), nil
}

// serverFlags returns flags for the HTTP API with destination config
func serverFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Aliases:     []string{"a"},
			Category:    "Server",
			Usage:       "Listen address",
			Value:       "127.0.0.1:8000",
			Sources:     cli.EnvVars("YTCHAT_ADDR"),
			Destination: &cfg.addr,
		},
		&cli.StringSliceFlag{
			Name:        "allow-origin",
			Category:    "Server",
			Usage:       "Origin allowed by CORS (repeatable)",
			Value:       []string{"http://localhost:3000", "http://127.0.0.1:3000"},
			Sources:     cli.EnvVars("YTCHAT_ALLOW_ORIGINS"),
			Destination: &cfg.allowOrigins,
		},
	}
}

// sourcesFlag controls whether retrieved excerpts are shown with answers
func sourcesFlag(cfg *config) cli.Flag {
	return &cli.BoolFlag{
		Name:        "show-sources",
		Usage:       "Include the retrieved transcript excerpts with each answer",
		Sources:     cli.EnvVars("YTCHAT_SHOW_SOURCES"),
		Destination: &cfg.showSources,
	}
}

// llmFlags returns flags for Gemini with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-model",
			Category:    "Gemini",
			Usage:       "Generative model answering questions",
			Value:       "gemini-2.0-flash-lite",
			Sources:     cli.EnvVars("YTCHAT_GEMINI_MODEL"),
			Destination: &cfg.generativeModel,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Category:    "Gemini",
			Usage:       "Embedding model for transcript chunks and questions",
			Value:       "gemini-embedding-001",
			Sources:     cli.EnvVars("YTCHAT_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		&cli.IntFlag{
			Name:        "embedding-dimensions",
			Category:    "Gemini",
			Usage:       "Truncate embeddings to this many dimensions (0: model default)",
			Sources:     cli.EnvVars("YTCHAT_EMBEDDING_DIMENSIONS"),
			Destination: &cfg.embeddingDimensions,
		},
		&cli.StringFlag{
			Name:        "gemini-base-url",
			Category:    "Gemini",
			Usage:       "Override the Gemini API endpoint",
			Sources:     cli.EnvVars("YTCHAT_GEMINI_BASE_URL"),
			Destination: &cfg.geminiBaseURL,
		},
		&cli.DurationFlag{
			Name:        "call-timeout",
			Category:    "Gemini",
			Usage:       "Timeout of each Gemini request",
			Value:       60 * time.Second,
			Sources:     cli.EnvVars("YTCHAT_CALL_TIMEOUT"),
			Destination: &cfg.callTimeout,
		},
		&cli.IntFlag{
			Name:        "max-tries",
			Category:    "Gemini",
			Usage:       "Attempts per Gemini request on transient failures",
			Value:       3,
			Sources:     cli.EnvVars("YTCHAT_MAX_TRIES"),
			Destination: &cfg.maxTries,
		},
		&cli.FloatFlag{
			Name:        "rate-limit",
			Category:    "Gemini",
			Usage:       "Gemini requests per second across all sessions (0: unlimited)",
			Sources:     cli.EnvVars("YTCHAT_RATE_LIMIT"),
			Destination: &cfg.rateLimit,
		},
		&cli.IntFlag{
			Name:        "rate-burst",
			Category:    "Gemini",
			Usage:       "Burst size of the Gemini rate limit",
			Value:       5,
			Sources:     cli.EnvVars("YTCHAT_RATE_BURST"),
			Destination: &cfg.rateBurst,
		},
	}
}

// ragFlags returns flags for ingestion and retrieval with destination config
func ragFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "chunk-size",
			Category:    "Retrieval",
			Usage:       "Maximum chunk length in characters",
			Value:       1000,
			Sources:     cli.EnvVars("YTCHAT_CHUNK_SIZE"),
			Destination: &cfg.chunkSize,
		},
		&cli.IntFlag{
			Name:        "chunk-overlap",
			Category:    "Retrieval",
			Usage:       "Characters shared by consecutive chunks",
			Value:       200,
			Sources:     cli.EnvVars("YTCHAT_CHUNK_OVERLAP"),
			Destination: &cfg.chunkOverlap,
		},
		&cli.IntFlag{
			Name:        "embed-batch-size",
			Category:    "Retrieval",
			Usage:       "Chunks per embedding request",
			Value:       embedding.DefaultBatchSize,
			Sources:     cli.EnvVars("YTCHAT_EMBED_BATCH_SIZE"),
			Destination: &cfg.batchSize,
		},
		&cli.IntFlag{
			Name:        "top-k",
			Category:    "Retrieval",
			Usage:       "Chunks retrieved per question",
			Value:       4,
			Sources:     cli.EnvVars("YTCHAT_TOP_K"),
			Destination: &cfg.topK,
		},
		&cli.IntFlag{
			Name:        "history-window",
			Category:    "Retrieval",
			Usage:       "Most recent turns sent with each question",
			Value:       6,
			Sources:     cli.EnvVars("YTCHAT_HISTORY_WINDOW"),
			Destination: &cfg.historyWindow,
		},
		&cli.FloatFlag{
			Name:        "temperature",
			Category:    "Retrieval",
			Usage:       "Sampling temperature of answers",
			Value:       0.6,
			Sources:     cli.EnvVars("YTCHAT_TEMPERATURE"),
			Destination: &cfg.temperature,
		},
		&cli.StringFlag{
			Name:        "answer-language",
			Category:    "Retrieval",
			Usage:       "Language answers are written in",
			Value:       "English",
			Sources:     cli.EnvVars("YTCHAT_ANSWER_LANGUAGE"),
			Destination: &cfg.answerLanguage,
		},
		&cli.StringSliceFlag{
			Name:        "caption-language",
			Category:    "Retrieval",
			Usage:       "Preferred caption language (repeatable, in order of preference)",
			Value:       []string{"en"},
			Sources:     cli.EnvVars("YTCHAT_CAPTION_LANGUAGES"),
			Destination: &cfg.captionLanguages,
		},
		&cli.DurationFlag{
			Name:        "fetch-timeout",
			Category:    "Retrieval",
			Usage:       "Timeout of each YouTube request",
			Value:       30 * time.Second,
			Sources:     cli.EnvVars("YTCHAT_FETCH_TIMEOUT"),
			Destination: &cfg.fetchTimeout,
		},
	}
}

// sessionFlags returns flags for session retention with destination config
func sessionFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.DurationFlag{
			Name:        "idle-ttl",
			Category:    "Session",
			Usage:       "Expire sessions idle for this long (0: never)",
			Sources:     cli.EnvVars("YTCHAT_IDLE_TTL"),
			Destination: &cfg.idleTTL,
		},
		&cli.IntFlag{
			Name:        "max-sessions",
			Category:    "Session",
			Usage:       "Evict the least recently used session beyond this many (0: unbounded)",
			Sources:     cli.EnvVars("YTCHAT_MAX_SESSIONS"),
			Destination: &cfg.maxSessions,
		},
		&cli.DurationFlag{
			Name:        "sweep-interval",
			Category:    "Session",
			Usage:       "Interval of the idle session reaper",
			Value:       time.Minute,
			Sources:     cli.EnvVars("YTCHAT_SWEEP_INTERVAL"),
			Destination: &cfg.sweepInterval,
		},
		&cli.BoolFlag{
			Name:        "retain-credential",
			Category:    "Session",
			Usage:       "Keep the ingest API key in memory so chat requests may omit it",
			Value:       true,
			Sources:     cli.EnvVars("YTCHAT_RETAIN_CREDENTIAL"),
			Destination: &cfg.retainCredential,
		},
		&cli.IntFlag{
			Name:        "reuse-index",
			Category:    "Session",
			Usage:       "Share indices of recently ingested videos, keeping at most this many (0: always rebuild)",
			Sources:     cli.EnvVars("YTCHAT_REUSE_INDEX"),
			Destination: &cfg.reuseIndex,
		},
	}
}

// persistFlags returns flags for durable session storage with destination config
func persistFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "storage-bucket",
			Category:    "Persistence",
			Usage:       "Cloud Storage bucket for transcripts, indices and histories",
			Sources:     cli.EnvVars("YTCHAT_STORAGE_BUCKET"),
			Destination: &cfg.storageBucket,
		},
		&cli.StringFlag{
			Name:        "storage-prefix",
			Category:    "Persistence",
			Usage:       "Object name prefix in the storage bucket",
			Sources:     cli.EnvVars("YTCHAT_STORAGE_PREFIX"),
			Destination: &cfg.storagePrefix,
		},
		&cli.StringFlag{
			Name:        "storage-dir",
			Category:    "Persistence",
			Usage:       "Local directory for transcripts, indices and histories",
			Sources:     cli.EnvVars("YTCHAT_STORAGE_DIR"),
			Destination: &cfg.storageDir,
		},
		&cli.StringFlag{
			Name:        "repository",
			Category:    "Persistence",
			Usage:       "Session record store (memory, firestore, redis)",
			Value:       "memory",
			Sources:     cli.EnvVars("YTCHAT_REPOSITORY"),
			Destination: &cfg.repository,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Category:    "Persistence",
			Usage:       "Google Cloud project ID of Firestore",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Category:    "Persistence",
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "redis-addr",
			Category:    "Persistence",
			Usage:       "Redis address (host:port)",
			Sources:     cli.EnvVars("YTCHAT_REDIS_ADDR"),
			Destination: &cfg.redisAddr,
		},
		&cli.StringFlag{
			Name:        "redis-password",
			Category:    "Persistence",
			Usage:       "Redis password",
			Sources:     cli.EnvVars("YTCHAT_REDIS_PASSWORD"),
			Destination: &cfg.redisPassword,
		},
		&cli.IntFlag{
			Name:        "redis-db",
			Category:    "Persistence",
			Usage:       "Redis database number",
			Sources:     cli.EnvVars("YTCHAT_REDIS_DB"),
			Destination: &cfg.redisDB,
		},
	}
}

// newGemini creates a new Gemini adapter instance
func (cfg *config) newGemini() (*adapter.GeminiClient, error) {
	if cfg.generativeModel == "" {
		return nil, goerr.New("gemini-model is required")
	}
	if cfg.embeddingModel == "" {
		return nil, goerr.New("embedding-model is required")
	}
	if cfg.embeddingDimensions < 0 {
		return nil, goerr.New("embedding-dimensions must not be negative", goerr.V("value", cfg.embeddingDimensions))
	}

	policy := adapter.DefaultCallPolicy()
	policy.Timeout = cfg.callTimeout
	if cfg.maxTries > 0 {
		policy.MaxTries = uint(cfg.maxTries)
	}
	if cfg.rateLimit > 0 {
		policy.Limiter = rate.NewLimiter(rate.Limit(cfg.rateLimit), max(int(cfg.rateBurst), 1))
	}

	opts := []adapter.GeminiOption{
		adapter.WithGenerativeModel(cfg.generativeModel),
		adapter.WithEmbeddingModel(cfg.embeddingModel),
		adapter.WithEmbeddingDimensions(int(cfg.embeddingDimensions)),
		adapter.WithCallPolicy(policy),
	}
	if cfg.geminiBaseURL != "" {
		opts = append(opts, adapter.WithBaseURL(cfg.geminiBaseURL))
	}
	return adapter.NewGemini(opts...), nil
}

// newYouTube creates a new transcript fetcher
func (cfg *config) newYouTube() *adapter.YouTube {
	opts := []adapter.YouTubeOption{
		adapter.WithFetchTimeout(cfg.fetchTimeout),
	}
	if len(cfg.captionLanguages) > 0 {
		opts = append(opts, adapter.WithLanguages(cfg.captionLanguages...))
	}
	return adapter.NewYouTube(opts...)
}

func (cfg *config) newChunker() (*chunker.Chunker, error) {
	c, err := chunker.New(int(cfg.chunkSize), int(cfg.chunkOverlap))
	if err != nil {
		return nil, goerr.Wrap(err, "invalid chunk settings")
	}
	return c, nil
}

// newEngine creates the question answering engine
func (cfg *config) newEngine(gemini adapter.Gemini, embedder *embedding.Embedder) (*qa.Engine, error) {
	if cfg.topK <= 0 {
		return nil, goerr.New("top-k must be positive", goerr.V("value", cfg.topK))
	}
	if cfg.historyWindow < 0 {
		return nil, goerr.New("history-window must not be negative", goerr.V("value", cfg.historyWindow))
	}

	return qa.New(gemini, embedder,
		qa.WithTopK(int(cfg.topK)),
		qa.WithHistoryWindow(int(cfg.historyWindow)),
		qa.WithTemperature(float32(cfg.temperature)),
		qa.WithLanguage(cfg.answerLanguage),
	), nil
}

// newStorage creates a Storage adapter instance. It returns nil when no storage is configured.
func (cfg *config) newStorage(ctx context.Context) (adapter.Storage, error) {
	switch {
	case cfg.storageBucket != "" && cfg.storageDir != "":
		return nil, goerr.New("storage-bucket and storage-dir are exclusive")

	case cfg.storageBucket != "":
		storage, err := adapter.NewCloudStorage(ctx, cfg.storageBucket, cfg.storagePrefix)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create storage", goerr.V("bucket", cfg.storageBucket))
		}
		return storage, nil

	case cfg.storageDir != "":
		storage, err := adapter.NewFileStorage(cfg.storageDir)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create storage", goerr.V("dir", cfg.storageDir))
		}
		return storage, nil
	}

	return nil, nil
}

// newRepository creates a new repository instance. The returned function releases it.
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, func(), error) {
	switch cfg.repository {
	case "", "memory":
		return repository.NewMemory(), func() {}, nil

	case "firestore":
		if cfg.project == "" {
			return nil, nil, goerr.New("project is required for firestore repository")
		}
		if cfg.database == "" {
			return nil, nil, goerr.New("database is required for firestore repository")
		}
		repo, err := repository.NewFirestore(ctx, cfg.project, cfg.database)
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create repository")
		}
		return repo, closer(ctx, "firestore", repo.Close), nil

	case "redis":
		if cfg.redisAddr == "" {
			return nil, nil, goerr.New("redis-addr is required for redis repository")
		}
		repo, err := repository.NewRedis(ctx, cfg.redisAddr, cfg.redisPassword, int(cfg.redisDB))
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create repository")
		}
		return repo, closer(ctx, "redis", repo.Close), nil
	}

	return nil, nil, goerr.New("unknown repository", goerr.V("repository", cfg.repository))
}

func closer(ctx context.Context, name string, fn func() error) func() {
	return func() {
		if err := fn(); err != nil {
			logging.From(ctx).Warn("failed to close repository", "repository", name, "error", err)
		}
	}
}

// app is the assembled service
type app struct {
	manager *lifecycle.Manager
	store   *session.Store
	close   func()
}

// newApp wires every component of the service from cfg
func (cfg *config) newApp(ctx context.Context) (*app, error) {
	gemini, err := cfg.newGemini()
	if err != nil {
		return nil, err
	}
	chunks, err := cfg.newChunker()
	if err != nil {
		return nil, err
	}
	embedder := embedding.New(gemini, embedding.WithBatchSize(int(cfg.batchSize)))
	engine, err := cfg.newEngine(gemini, embedder)
	if err != nil {
		return nil, err
	}

	storage, err := cfg.newStorage(ctx)
	if err != nil {
		return nil, err
	}

	var manager *lifecycle.Manager
	store := session.NewStore(
		session.WithIdleTTL(cfg.idleTTL),
		session.WithMaxSessions(int(cfg.maxSessions)),
		session.WithSweepInterval(cfg.sweepInterval),
		session.WithEvictHook(func(s *session.Session) { manager.OnEvict(s) }),
	)

	opts := []lifecycle.Option{
		lifecycle.WithRetainCredential(cfg.retainCredential),
		lifecycle.WithIndexReuse(int(cfg.reuseIndex)),
	}

	release := func() {}
	if storage != nil {
		repo, closeRepo, err := cfg.newRepository(ctx)
		if err != nil {
			return nil, err
		}
		release = closeRepo
		opts = append(opts, lifecycle.WithPersistence(storage, repo))
	}

	manager = lifecycle.New(lifecycle.NewInput{
		Fetcher:  cfg.newYouTube(),
		Chunker:  chunks,
		Embedder: embedder,
		Engine:   engine,
		Store:    store,
	}, opts...)

	return &app{
		manager: manager,
		store:   store,
		close: func() {
			store.Close()
			manager.Close()
			release()
		},
	}, nil
}
