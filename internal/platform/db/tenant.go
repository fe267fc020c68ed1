package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
	DBTxKey     contextKey = "db_tx"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidTenantID reports whether id is safe to splice into a schema name.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// SchemaName returns the Postgres schema holding a tenant's resources.
func SchemaName(tenantID string) string {
	return "tenant_" + tenantID
}

// TenantMiddleware resolves the tenant for the request. With a pool it also
// pins a connection whose search_path points at the tenant schema; without
// one (in-memory store) only the tenant id is recorded.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)

			if !ValidTenantID(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx := WithTenant(c.Request().Context(), tenantID)
			c.Set("tenant_id", tenantID)

			if pool != nil {
				conn, err := pool.Acquire(ctx)
				if err != nil {
					return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
				}
				defer conn.Release()

				_, err = conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaName(tenantID)))
				if err != nil {
					return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed")
				}
				ctx = context.WithValue(ctx, DBConnKey, conn)
			}

			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func extractTenantID(c echo.Context, defaultTenant string) string {
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return tid
	}

	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}

	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid
	}

	return defaultTenant
}

// WithTenant records the tenant id in ctx.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// CreateTenantSchema creates the tenant schema and applies every migration
// from the migrator to it.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrator *Migrator) error {
	if !ValidTenantID(tenantID) {
		return fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}

	schema := SchemaName(tenantID)

	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrator != nil {
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}

	return nil
}
