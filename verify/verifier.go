// Package verify implements the row-level-security compliance probe.
//
// The probe runs once at process boot and then on a poll interval. It
// confirms, by read-only catalog introspection, that the deployed database
// actually enforces tenant isolation: the session-variable helper functions
// exist, every required table has row security enabled, and every protected
// table carries the isolation policy. A single unprotected tenant table is a
// full breach, so the probe fails closed: Unhealthy must keep the process
// from serving traffic.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-warden/warden/config"
	"github.com/go-warden/warden/dbschema/types"
)

// Status is the terminal state of one check cycle.
type Status int

const (
	// StatusHealthy: all required tables exist, have row security enabled and
	// carry the isolation policy.
	StatusHealthy Status = iota

	// StatusDegraded: one or more required tables do not exist yet. Expected
	// before first migration; startup may proceed but the condition must be
	// visible in logs and monitoring.
	StatusDegraded

	// StatusUnhealthy: helper functions missing, row security disabled on an
	// existing required table, or a policy missing on a protected table. The
	// process must not serve traffic.
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Result is the outcome of one check cycle.
type Result struct {
	Status  Status `json:"-"`
	Message string `json:"message"`

	MissingFunctions    []string `json:"missing_functions,omitempty"`
	MissingTables       []string `json:"missing_tables,omitempty"`
	TablesWithoutRLS    []string `json:"tables_without_rls,omitempty"`
	TablesWithoutPolicy []string `json:"tables_without_policy,omitempty"`
	ProtectedTables     []string `json:"protected_tables,omitempty"`

	CheckedAt time.Time `json:"checked_at"`
}

// CatalogReader reads the RLS snapshot the verifier evaluates.
type CatalogReader interface {
	ReadRLSState(ctx context.Context) (*types.RLSState, error)
}

// Verifier evaluates RLS compliance against a configured table set.
type Verifier struct {
	reader CatalogReader
	cfg    config.Verifier
	logger *slog.Logger

	mu   sync.RWMutex
	last *Result
}

// New creates a verifier.
func New(reader CatalogReader, cfg config.Verifier) *Verifier {
	return &Verifier{
		reader: reader,
		cfg:    cfg,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the verifier.
func (v *Verifier) WithLogger(l *slog.Logger) *Verifier {
	tmp := Verifier{
		reader: v.reader,
		cfg:    v.cfg,
		logger: l,
		last:   v.last,
	}
	return &tmp
}

// Check runs one verification cycle and records the result.
func (v *Verifier) Check(ctx context.Context) Result {
	result := v.evaluate(ctx)
	result.CheckedAt = time.Now().UTC()

	switch result.Status {
	case StatusUnhealthy:
		v.logger.Error("RLS compliance check failed", "status", result.Status.String(), "message", result.Message)
	case StatusDegraded:
		v.logger.Warn("RLS compliance check degraded", "status", result.Status.String(), "message", result.Message)
	default:
		v.logger.Info("RLS compliance check passed", "status", result.Status.String(), "message", result.Message)
	}

	v.mu.Lock()
	v.last = &result
	v.mu.Unlock()

	return result
}

// Last returns the most recent result without touching the database.
func (v *Verifier) Last() (Result, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.last == nil {
		return Result{}, false
	}
	return *v.last, true
}

// Watch re-checks on the configured poll interval until the context is
// cancelled. Run it in its own goroutine after the boot check has passed.
func (v *Verifier) Watch(ctx context.Context) {
	interval := v.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Check(ctx)
		}
	}
}

func (v *Verifier) evaluate(ctx context.Context) Result {
	state, err := v.reader.ReadRLSState(ctx)
	if err != nil {
		// Unknown posture is treated as a breach, not as a pass.
		return Result{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("RLS verification failed: %v", err),
		}
	}

	var missingFunctions []string
	for _, fn := range v.cfg.RequiredFunctions {
		if !hasFunction(state, fn) {
			missingFunctions = append(missingFunctions, fn)
		}
	}
	if len(missingFunctions) > 0 {
		return Result{
			Status: StatusUnhealthy,
			Message: fmt.Sprintf("required RLS functions missing: %s; tenant isolation is inert without them",
				strings.Join(missingFunctions, ", ")),
			MissingFunctions: missingFunctions,
		}
	}

	rowSecurity := state.TableRowSecurity()
	policyTables := state.PolicyTables(v.cfg.PolicyName)

	var missingTables, withoutRLS, withoutPolicy, protected []string

	for _, table := range v.cfg.RequiredTables {
		enabled, exists := rowSecurity[table]
		switch {
		case !exists:
			missingTables = append(missingTables, table)
		case !enabled:
			withoutRLS = append(withoutRLS, table)
		case !policyTables[table]:
			withoutPolicy = append(withoutPolicy, table)
		default:
			protected = append(protected, table)
		}
	}

	// Optional tables never fail the probe by being absent or unflagged, but
	// row security enabled with no policy is a misconfiguration wherever it
	// appears: depending on server defaults it denies everything or allows
	// everything, and neither is the intent.
	for _, table := range v.cfg.OptionalTables {
		if enabled, exists := rowSecurity[table]; exists && enabled {
			if !policyTables[table] {
				withoutPolicy = append(withoutPolicy, table)
			} else {
				protected = append(protected, table)
			}
		}
	}

	sort.Strings(protected)

	switch {
	case len(withoutRLS) > 0:
		return Result{
			Status: StatusUnhealthy,
			Message: fmt.Sprintf("row-level security NOT enabled on tables: %s; tenant data is exposed",
				strings.Join(withoutRLS, ", ")),
			TablesWithoutRLS:    withoutRLS,
			TablesWithoutPolicy: withoutPolicy,
			MissingTables:       missingTables,
			ProtectedTables:     protected,
		}
	case len(withoutPolicy) > 0:
		return Result{
			Status: StatusUnhealthy,
			Message: fmt.Sprintf("RLS enabled but policy %q missing on tables: %s",
				v.cfg.PolicyName, strings.Join(withoutPolicy, ", ")),
			TablesWithoutPolicy: withoutPolicy,
			MissingTables:       missingTables,
			ProtectedTables:     protected,
		}
	case len(missingTables) > 0:
		return Result{
			Status: StatusDegraded,
			Message: fmt.Sprintf("tables not yet created: %s; RLS will be verified after migrations run",
				strings.Join(missingTables, ", ")),
			MissingTables:   missingTables,
			ProtectedTables: protected,
		}
	default:
		return Result{
			Status: StatusHealthy,
			Message: fmt.Sprintf("row-level security enabled and configured on %d tables: %s",
				len(protected), strings.Join(protected, ", ")),
			ProtectedTables: protected,
		}
	}
}

func hasFunction(state *types.RLSState, name string) bool {
	for _, fn := range state.Functions {
		if strings.EqualFold(fn.Name, name) {
			return true
		}
	}
	return false
}
