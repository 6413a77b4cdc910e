package postgres

import (
	"context"
	"fmt"

	"github.com/fleetcrawl/fleetcrawl/internal/core"
)

// ProxyStore persists egress endpoint registrations and health snapshots.
// The in-memory pool is authoritative at runtime; these rows are the
// configured inventory loaded at startup and flushed on shutdown.
type ProxyStore struct {
	db DB
}

// NewProxyStore constructs a ProxyStore.
func NewProxyStore(db DB) *ProxyStore {
	return &ProxyStore{db: db}
}

// Save upserts one endpoint's registration and health state.
func (s *ProxyStore) Save(ctx context.Context, e core.ProxyEndpoint) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO proxy_endpoints (endpoint_id, address, username, password, country_code, proxy_type,
	health_score, consecutive_failures, suspended_until, last_used_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (endpoint_id) DO UPDATE SET
	health_score = excluded.health_score,
	consecutive_failures = excluded.consecutive_failures,
	suspended_until = excluded.suspended_until,
	last_used_at = excluded.last_used_at`,
		e.ID, e.Address, e.Username, e.Password, e.CountryCode, e.Type,
		e.HealthScore, e.ConsecutiveFailures, e.SuspendedUntil, e.LastUsedAt)
	if err != nil {
		return fmt.Errorf("save endpoint: %w", err)
	}
	return nil
}

// LoadAll returns every configured endpoint.
func (s *ProxyStore) LoadAll(ctx context.Context) ([]core.ProxyEndpoint, error) {
	rows, err := s.db.Query(ctx, `
SELECT endpoint_id, address, username, password, country_code, proxy_type,
	health_score, consecutive_failures, suspended_until, last_used_at
FROM proxy_endpoints
ORDER BY endpoint_id`)
	if err != nil {
		return nil, fmt.Errorf("select endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []core.ProxyEndpoint
	for rows.Next() {
		var e core.ProxyEndpoint
		if err := rows.Scan(
			&e.ID, &e.Address, &e.Username, &e.Password, &e.CountryCode, &e.Type,
			&e.HealthScore, &e.ConsecutiveFailures, &e.SuspendedUntil, &e.LastUsedAt,
		); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		endpoints = append(endpoints, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate endpoints: %w", err)
	}
	return endpoints, nil
}
