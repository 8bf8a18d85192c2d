// Package gate implements the admin bypass gate: the single controlled path
// through which a privileged operator may carry the admin flag into the
// tenant session guard and read across tenants.
//
// The gate sits in front of a designated admin route prefix. A request passes
// only when the caller's verified role claim grants the admin role AND its
// source address is on the configured allowlist. Ordinary tenant traffic and
// requests without the admin role are not the gate's business: they fall
// through untouched and unlogged, so the hot path pays nothing.
//
// Every allow and every deny is written to the audit log with caller
// identity, address and path. The client only ever sees a generic 403; which
// check failed is not disclosed.
package gate

import (
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/go-warden/warden/config"
)

const bypassCtxKey = "warden.admin_bypass"

// Identity is the verified caller identity produced by the surrounding
// authentication layer. Token validation is not the gate's concern.
type Identity struct {
	Subject string
	Roles   []string
}

// IdentityFunc extracts the verified identity from a request context.
type IdentityFunc func(c *gin.Context) Identity

// DefaultIdentity reads the identity the auth middleware stored on the gin
// context under "subject" and "roles".
func DefaultIdentity(c *gin.Context) Identity {
	return Identity{
		Subject: c.GetString("subject"),
		Roles:   c.GetStringSlice("roles"),
	}
}

// Gate checks admin requests against a role claim and an IP allowlist.
type Gate struct {
	enabled  bool
	prefix   string
	role     string
	allowed  map[netip.Addr]struct{}
	identity IdentityFunc
	logger   *slog.Logger
}

// New builds a gate from configuration. Loopback addresses are always
// included in the allowlist for local development. Unparseable allowlist
// entries are logged and skipped; they never silently become a wildcard.
func New(cfg config.AdminGate, identity IdentityFunc) *Gate {
	if identity == nil {
		identity = DefaultIdentity
	}

	g := &Gate{
		enabled:  cfg.Enabled,
		prefix:   cfg.RoutePrefix,
		role:     cfg.Role,
		allowed:  make(map[netip.Addr]struct{}),
		identity: identity,
		logger:   slog.Default(),
	}

	for _, raw := range cfg.AllowedIPs {
		addr, err := netip.ParseAddr(strings.TrimSpace(raw))
		if err != nil {
			g.logger.Warn("invalid IP address in admin allowlist, entry skipped", "entry", raw, "error", err)
			continue
		}
		g.allowed[addr.Unmap()] = struct{}{}
	}

	g.allowed[netip.MustParseAddr("127.0.0.1")] = struct{}{}
	g.allowed[netip.MustParseAddr("::1")] = struct{}{}

	return g
}

// WithLogger sets the audit logger for the gate.
func (g *Gate) WithLogger(l *slog.Logger) *Gate {
	tmp := *g
	tmp.logger = l
	return &tmp
}

// Middleware returns the gin middleware enforcing the gate.
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.enabled || !strings.HasPrefix(c.Request.URL.Path, g.prefix) {
			c.Next()
			return
		}

		id := g.identity(c)
		if !hasRole(id.Roles, g.role) {
			// Not an admin caller; ordinary authorization applies downstream.
			c.Next()
			return
		}

		auditID := uuid.NewString()

		addr, ok := remoteAddr(c)
		if !ok {
			g.deny(c, auditID, id, "source address could not be determined")
			return
		}

		if _, allowed := g.allowed[addr]; !allowed {
			g.deny(c, auditID, id, "source address not in allowlist")
			return
		}

		g.logger.Info("admin access allowed",
			"audit_id", auditID,
			"subject", id.Subject,
			"ip", addr.String(),
			"path", c.Request.URL.Path)

		c.Set(bypassCtxKey, true)
		c.Next()
	}
}

// Allowed reports whether the gate admitted this request for admin bypass.
// The session guard reads it to decide whether is_admin may be stamped.
func Allowed(c *gin.Context) bool {
	return c.GetBool(bypassCtxKey)
}

func (g *Gate) deny(c *gin.Context, auditID string, id Identity, reason string) {
	g.logger.Warn("admin access denied",
		"audit_id", auditID,
		"subject", id.Subject,
		"ip", c.RemoteIP(),
		"path", c.Request.URL.Path,
		"reason", reason)

	// Generic body only: the reason stays in the audit log, not the response.
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
}

// remoteAddr parses the caller's source address. IPv4-mapped IPv6 addresses
// are unmapped so ::ffff:203.0.113.7 matches an allowlisted 203.0.113.7.
func remoteAddr(c *gin.Context) (netip.Addr, bool) {
	raw := c.RemoteIP()
	if raw == "" {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if strings.EqualFold(r, want) {
			return true
		}
	}
	return false
}
