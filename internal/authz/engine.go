package authz

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goodtune/ktime/internal/identity"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Actions evaluated by the policy.
const (
	ActionSessionsRead    = "sessions.read"
	ActionSessionsListAll = "sessions.list_all"
	ActionUpdateNotes     = "sessions.update_notes"
	ActionSettingsRead    = "settings.read"
	ActionSettingsUpdate  = "settings.update"
	ActionSummariesRead   = "summaries.read"
	ActionReportGenerate  = "reports.generate"
)

const allowQuery = "data.ktime.authz.allow"

//go:embed policies/*.rego
var defaultPolicies embed.FS

// Config holds engine configuration
type Config struct {
	// PolicyDir overrides the embedded policy when set
	PolicyDir          string
	ElevatedPermission string
}

// Engine evaluates authorization decisions with OPA
type Engine struct {
	config Config
	logger zerolog.Logger

	mu    sync.RWMutex
	query rego.PreparedEvalQuery
}

// NewEngine loads and compiles the policy
func NewEngine(cfg Config, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		config: cfg,
		logger: logger.With().Str("component", "authz").Logger(),
	}

	if err := e.prepare(); err != nil {
		return nil, err
	}

	source := "embedded"
	if cfg.PolicyDir != "" {
		source = cfg.PolicyDir
	}
	e.logger.Info().Str("policy_source", source).Msg("OPA engine initialized")

	return e, nil
}

func (e *Engine) loadModules() (map[string]*ast.Module, error) {
	modules := make(map[string]*ast.Module)

	if e.config.PolicyDir == "" {
		entries, err := defaultPolicies.ReadDir("policies")
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded policies: %w", err)
		}
		for _, entry := range entries {
			name := "policies/" + entry.Name()
			content, err := defaultPolicies.ReadFile(name)
			if err != nil {
				return nil, fmt.Errorf("failed to read embedded policy %s: %w", name, err)
			}
			module, err := ast.ParseModule(name, string(content))
			if err != nil {
				return nil, fmt.Errorf("failed to parse embedded policy %s: %w", name, err)
			}
			modules[name] = module
		}
		return modules, nil
	}

	files, err := filepath.Glob(filepath.Join(e.config.PolicyDir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", e.config.PolicyDir)
	}

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}

		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}

		modules[file] = module
		e.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}

	return modules, nil
}

// prepare compiles the allow query and swaps it in
func (e *Engine) prepare() error {
	modules, err := e.loadModules()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	opts := []func(*rego.Rego){rego.Query(allowQuery)}
	for name, module := range modules {
		opts = append(opts, rego.ParsedModule(module))
		e.logger.Debug().Str("module", name).Msg("Compiling policy module")
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to prepare authz query: %w", err)
	}

	e.mu.Lock()
	e.query = query
	e.mu.Unlock()

	return nil
}

// Allow reports whether subject may perform action on data owned by ownerID.
// An empty ownerID means the action is not scoped to a single user.
func (e *Engine) Allow(ctx context.Context, action string, subject identity.Subject, ownerID string) (bool, error) {
	startTime := time.Now()

	roles := subject.Roles
	if roles == nil {
		roles = []string{}
	}
	permissions := subject.Permissions
	if permissions == nil {
		permissions = []string{}
	}

	input := map[string]interface{}{
		"action": action,
		"subject": map[string]interface{}{
			"id":          subject.ID,
			"roles":       roles,
			"permissions": permissions,
		},
		"owner_id":            ownerID,
		"elevated_permission": e.config.ElevatedPermission,
	}

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("authz query evaluation failed: %w", err)
	}

	e.logger.Debug().
		Str("action", action).
		Str("subject", subject.ID).
		Str("owner", ownerID).
		Dur("duration", time.Since(startTime)).
		Msg("Authz query evaluated")

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}

	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("authz decision is not a boolean: %T", results[0].Expressions[0].Value)
	}

	return allowed, nil
}

// Reload recompiles the policy. On failure the previous policy stays active.
func (e *Engine) Reload() error {
	e.logger.Info().Msg("Reloading OPA policies")

	if err := e.prepare(); err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	e.logger.Info().Msg("OPA policies reloaded successfully")
	return nil
}
