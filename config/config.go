// Package config loads the service settings from the environment through
// viper. Every setting has a default suitable for local single-process use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"goa.design/runloop/workflow"
)

// Run modes.
const (
	ModeSingleProcess = "single_process"
	ModeDistributed   = "distributed"
)

// Config is the resolved service configuration.
type Config struct {
	// Mode selects the wiring: single_process (filesystem stores, in-process
	// bus) or distributed (Redis stores, pulse streams).
	Mode string
	// HTTPAddr is the listen address of the HTTP surface.
	HTTPAddr string
	// Environment gates environment-scoped tool permissions.
	Environment string
	// DataDir roots the filesystem stores in single_process mode.
	DataDir string
	// EventStoreURL is the Redis URL used in distributed mode.
	EventStoreURL string
	// ClearDataOnStartup wipes DataDir before serving.
	ClearDataOnStartup bool

	// GlobalConcurrency caps runs in flight across all tenants; zero
	// disables the cap. TenantConcurrency caps runs per tenant.
	GlobalConcurrency int
	TenantConcurrency int
	// RunModelBudgetUSD is the default per-run model budget.
	RunModelBudgetUSD float64

	// CacheRetrieval and CacheToolResults toggle the bounded result caches.
	CacheRetrieval   bool
	CacheToolResults bool
	// RetrievalTopK is the number of evidence chunks requested per query.
	RetrievalTopK int

	// EngineWorkers sizes the engine worker pool.
	EngineWorkers int
	// Policies are the per-step retry policies after env overrides.
	Policies workflow.Policies

	// GitHubToken enables the github.read tool when set.
	GitHubToken string
}

// Load resolves the configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("MODE", ModeSingleProcess)
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("EVENT_STORE_URL", "redis://localhost:6379/0")
	v.SetDefault("CLEAR_DATA_ON_STARTUP", false)
	v.SetDefault("GLOBAL_CONCURRENCY", 32)
	v.SetDefault("TENANT_CONCURRENCY", 4)
	v.SetDefault("RUN_MODEL_BUDGET", 1.0)
	v.SetDefault("CACHE_RETRIEVAL", true)
	v.SetDefault("CACHE_TOOL_RESULTS", true)
	v.SetDefault("RETRIEVAL_TOP_K", 5)
	v.SetDefault("ENGINE_WORKERS", 8)

	cfg := &Config{
		Mode:               v.GetString("MODE"),
		HTTPAddr:           v.GetString("HTTP_ADDR"),
		Environment:        v.GetString("ENVIRONMENT"),
		DataDir:            v.GetString("DATA_DIR"),
		EventStoreURL:      v.GetString("EVENT_STORE_URL"),
		ClearDataOnStartup: v.GetBool("CLEAR_DATA_ON_STARTUP"),
		GlobalConcurrency:  v.GetInt("GLOBAL_CONCURRENCY"),
		TenantConcurrency:  v.GetInt("TENANT_CONCURRENCY"),
		RunModelBudgetUSD:  v.GetFloat64("RUN_MODEL_BUDGET"),
		CacheRetrieval:     v.GetBool("CACHE_RETRIEVAL"),
		CacheToolResults:   v.GetBool("CACHE_TOOL_RESULTS"),
		RetrievalTopK:      v.GetInt("RETRIEVAL_TOP_K"),
		EngineWorkers:      v.GetInt("ENGINE_WORKERS"),
		GitHubToken:        v.GetString("GITHUB_TOKEN"),
	}
	switch cfg.Mode {
	case ModeSingleProcess, ModeDistributed:
	default:
		return nil, fmt.Errorf("unknown MODE %q", cfg.Mode)
	}

	pols, err := loadPolicies()
	if err != nil {
		return nil, err
	}
	cfg.Policies = pols
	return cfg, nil
}

// loadPolicies applies MAX_ATTEMPTS_<STEP> and BACKOFF_BASE_<STEP> overrides
// to the default retry table. Backoff bases are duration strings ("5s").
// The overrides are read straight from the environment: viper's AutomaticEnv
// does not surface unbound keys through IsSet.
func loadPolicies() (workflow.Policies, error) {
	pols := workflow.DefaultPolicies()
	for step, pol := range pols {
		key := strings.ToUpper(string(step))
		if raw, ok := os.LookupEnv("MAX_ATTEMPTS_" + key); ok {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("parse MAX_ATTEMPTS_%s: %w", key, err)
			}
			if n < 1 {
				return nil, fmt.Errorf("MAX_ATTEMPTS_%s must be at least 1", key)
			}
			pol.MaxAttempts = n
		}
		if raw, ok := os.LookupEnv("BACKOFF_BASE_" + key); ok {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("parse BACKOFF_BASE_%s: %w", key, err)
			}
			pol.Base = d
		}
		pols[step] = pol
	}
	return pols, nil
}
