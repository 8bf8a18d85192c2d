// Package serve implements the long-running warden service command.
package serve

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-extras/cobraflags"
	"github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/go-warden/warden/config"
	"github.com/go-warden/warden/core/filter"
	"github.com/go-warden/warden/dbschema"
	"github.com/go-warden/warden/gate"
	"github.com/go-warden/warden/session"
	"github.com/go-warden/warden/verify"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tenant isolation service",
	Long: `Run the warden service: verify RLS compliance at boot, keep re-verifying on
the configured poll interval, and serve the readiness endpoint plus the
gate-protected admin routes.

The process refuses to start when the boot check is unhealthy. A degraded
check (required tables not yet migrated) starts with a warning.`,
	RunE: serveCommand,
}

const (
	configFlag = "config"
	listenFlag = "listen"
)

var serveFlags = map[string]cobraflags.Flag{
	configFlag: &cobraflags.StringFlag{
		Name:  configFlag,
		Value: "",
		Usage: "Path to the config file. Empty means defaults plus WARDEN_* environment variables",
	},
	listenFlag: &cobraflags.StringFlag{
		Name:  listenFlag,
		Value: "",
		Usage: "Listen address, overrides the configured listen_addr",
	},
}

func NewServeCommand() *cobra.Command {
	cobraflags.RegisterMap(serveCmd, serveFlags)
	return serveCmd
}

func serveCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(serveFlags[configFlag].GetString())
	if err != nil {
		return err
	}
	if listen := serveFlags[listenFlag].GetString(); listen != "" {
		cfg.ListenAddr = listen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := dbschema.ConnectToDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close()

	verifier := verify.New(conn.Reader(), cfg.Verifier)

	boot := verifier.Check(ctx)
	switch boot.Status {
	case verify.StatusUnhealthy:
		return fmt.Errorf("refusing to start: %s", boot.Message)
	case verify.StatusDegraded:
		slog.Warn("starting in degraded state", "message", boot.Message)
	}

	go verifier.Watch(ctx)

	guard := session.NewGuard(conn.DB())

	// The gate uses gate.DefaultIdentity: the auth layer in front of this
	// service must store the verified subject and roles on the gin context
	// before the gate runs. Without one, no caller carries the admin role and
	// the admin endpoints stay closed.
	adminGate := gate.New(cfg.AdminGate, nil)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), adminGate.Middleware())

	router.GET("/healthz", verify.Handler(verifier))

	admin := router.Group(cfg.AdminGate.RoutePrefix)
	admin.GET("/rls-status", rlsStatusHandler(verifier, cfg.AdminGate.Enabled))
	admin.GET("/tenants/:tenant_id/row-counts", rowCountsHandler(guard, cfg.Verifier.RequiredTables, cfg.AdminGate.Enabled))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	slog.Info("warden serving", "addr", cfg.ListenAddr, "admin_prefix", cfg.AdminGate.RoutePrefix)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	slog.Info("warden stopped")
	return nil
}

// rlsStatusHandler serves the full last verification result to gate-admitted
// admins. Unlike /healthz this includes the per-table breakdown.
func rlsStatusHandler(v *verify.Verifier, gated bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if gated && !gate.Allowed(c) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		result, ok := v.Last()
		if !ok {
			result = v.Check(c.Request.Context())
		}

		c.JSON(http.StatusOK, struct {
			Status string `json:"status"`
			verify.Result
		}{Status: result.Status.String(), Result: result})
	}
}

// rowCountsHandler counts the target tenant's rows in every required table.
// It runs through the audited admin read path; the count queries pin the
// count to the stamped tenant id so the admin flag does not widen them.
func rowCountsHandler(guard *session.Guard, tables []string, gated bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if gated && !gate.Allowed(c) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		tenantID := c.Param("tenant_id")
		reason := c.Query("reason")
		if reason == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "reason query parameter is required"})
			return
		}

		counts := make(map[string]int64, len(tables))
		err := guard.AsAdmin(c.Request.Context(), tenantID, reason, func(ctx context.Context, conn *sql.Conn) error {
			for _, table := range tables {
				var n int64
				if err := conn.QueryRowContext(ctx, countQuery(table)).Scan(&n); err != nil {
					return fmt.Errorf("failed to count rows in %s: %w", table, err)
				}
				counts[table] = n
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, session.ErrInvalidTenantContext) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "tenant id is required"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read tenant data"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "row_counts": counts})
	}
}

func countQuery(table string) string {
	t := pq.QuoteIdentifier(table)
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s.%s = current_setting('%s', true)",
		t, t, pq.QuoteIdentifier(filter.TenantColumn), filter.TenantSettingKey)
}
