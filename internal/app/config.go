package app

import (
	"strings"
	"time"

	"github.com/alephauto/alephauto/internal/config"
	"github.com/alephauto/alephauto/internal/logger"
)

// Config is every environment-driven knob enumerated in spec.md §6. All
// fields have defaults; a present-but-zero value (e.g. MAX_CONCURRENT=0)
// is honored rather than silently replaced — see internal/config's doc
// comment for why that distinction matters here.
type Config struct {
	APIPort     int
	Environment string
	DBPath      string

	MaxConcurrent  int64
	QueueCapacity  int
	HandlerTimeout time.Duration

	PipelineCron string
	RunOnStartup bool

	RetryMaxAttempts int
	RetryBaseDelayMS int64

	ActivityCapacity int

	EnableGitWorkflow bool
	GitBaseBranch     string
	GitBranchPrefix   string
	GitDryRun         bool

	EventBusBuffer  int
	RedisAddr       string
	RedisChannel    string

	AllowedOrigins []string
	RouteTimeout   time.Duration

	RegistryOverridesPath string

	RunServer bool
	RunWorker bool
}

// LoadConfig reads every configuration key from the environment, logging
// fallbacks through log exactly the way the ambient config loader does
// elsewhere in this codebase.
func LoadConfig(log *logger.Logger) Config {
	origins := config.GetEnv("ALLOWED_ORIGINS", "http://localhost:3000", log)

	return Config{
		APIPort:     config.GetEnvAsInt("JOBS_API_PORT", 8080, log),
		Environment: config.GetEnv("NODE_ENV", "development", log),
		DBPath:      config.GetEnv("JOBS_DB_PATH", "alephauto.db", log),

		MaxConcurrent:  int64(config.GetEnvAsInt("MAX_CONCURRENT", 3, log)),
		QueueCapacity:  config.GetEnvAsInt("QUEUE_CAPACITY", 256, log),
		HandlerTimeout: config.GetEnvAsDuration("HANDLER_TIMEOUT", 0, log),

		PipelineCron: config.GetEnv("PIPELINE_CRON", "0 2 * * *", log),
		RunOnStartup: config.GetEnvAsBool("RUN_ON_STARTUP", false, log),

		RetryMaxAttempts: config.GetEnvAsInt("MAX_ATTEMPTS", 2, log),
		RetryBaseDelayMS: int64(config.GetEnvAsInt("BASE_DELAY_MS", 5000, log)),

		ActivityCapacity: config.GetEnvAsInt("ACTIVITY_CAPACITY", 50, log),

		EnableGitWorkflow: config.GetEnvAsBool("ENABLE_GIT_WORKFLOW", false, log),
		GitBaseBranch:     config.GetEnv("GIT_BASE_BRANCH", "main", log),
		GitBranchPrefix:   config.GetEnv("GIT_BRANCH_PREFIX", "alephauto", log),
		GitDryRun:         config.GetEnvAsBool("GIT_DRY_RUN", false, log),

		EventBusBuffer: config.GetEnvAsInt("EVENTBUS_BUFFER", 32, log),
		RedisAddr:      config.GetEnv("EVENTBUS_REDIS_ADDR", "", log),
		RedisChannel:   config.GetEnv("EVENTBUS_REDIS_CHANNEL", "alephauto:events", log),

		AllowedOrigins: splitCSV(origins),
		RouteTimeout:   config.GetEnvAsDuration("ROUTE_TIMEOUT", 30*time.Second, log),

		RegistryOverridesPath: config.GetEnv("REGISTRY_OVERRIDES_PATH", "", log),

		RunServer: config.GetEnvAsBool("RUN_SERVER", true, log),
		RunWorker: config.GetEnvAsBool("RUN_WORKER", true, log),
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
