package wireguard

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"vpn-service/internal/dbtx"
)

// AllocationHandle represents a held Postgres session-level advisory lock
// plus the transaction it was acquired under. The lock is released only
// when Commit or Rollback is called, which must happen after the caller's
// insert_subscription (or equivalent) either lands or fails — see spec
// §4.1 and §5 point 1. Nested Store calls made during the same logical
// transition should pass Querier() through so they reuse this exact
// connection, preserving the lock's semantics.
type AllocationHandle struct {
	conn   *pgxpool.Conn
	tx     pgx.Tx
	ip     string
	lockID int64
	done   bool
}

func (h *AllocationHandle) Querier() dbtx.Querier { return h.tx }
func (h *AllocationHandle) IP() string             { return h.ip }

func (h *AllocationHandle) Commit(ctx context.Context) error {
	if h.done {
		return nil
	}
	h.done = true
	if err := h.tx.Commit(ctx); err != nil {
		h.unlockAndRelease(context.Background())
		return fmt.Errorf("commit ip allocation tx: %w", err)
	}
	h.unlockAndRelease(ctx)
	return nil
}

func (h *AllocationHandle) Rollback(ctx context.Context) error {
	if h.done {
		return nil
	}
	h.done = true
	err := h.tx.Rollback(ctx)
	h.unlockAndRelease(context.Background())
	if err != nil {
		return fmt.Errorf("rollback ip allocation tx: %w", err)
	}
	return nil
}

func (h *AllocationHandle) unlockAndRelease(ctx context.Context) {
	_, _ = h.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", h.lockID)
	h.conn.Release()
}

// AllocateClientIP scans the configured /CIDR in ascending order, skipping
// the server address and any IP already claimed by an active, non-expired
// subscription, under a cross-process Postgres advisory lock keyed on
// cfg.AdvisoryLockID. The lock — and the underlying pooled connection — is
// held until the returned handle is committed or rolled back by the caller,
// so the insert that claims the IP happens on the very same connection.
func (m *PeerManager) AllocateClientIP(ctx context.Context) (*AllocationHandle, error) {
	prefix, err := netip.ParsePrefix(m.cfg.ClientNetworkCIDR)
	if err != nil {
		return nil, fmt.Errorf("parse client network cidr: %w", err)
	}
	start, err := netip.ParseAddr(m.cfg.ClientIPStart)
	if err != nil {
		return nil, fmt.Errorf("parse client ip start: %w", err)
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for ip allocation: %w", err)
	}

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", m.cfg.AdvisoryLockID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		_, _ = conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", m.cfg.AdvisoryLockID)
		conn.Release()
		return nil, fmt.Errorf("begin ip allocation tx: %w", err)
	}

	taken := make(map[string]struct{})
	rows, err := tx.Query(ctx, `SELECT vpn_ip FROM subscriptions WHERE active AND expires_at > now()`)
	if err != nil {
		tx.Rollback(ctx)
		_, _ = conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", m.cfg.AdvisoryLockID)
		conn.Release()
		return nil, fmt.Errorf("query claimed ips: %w", err)
	}
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			rows.Close()
			tx.Rollback(ctx)
			_, _ = conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", m.cfg.AdvisoryLockID)
			conn.Release()
			return nil, fmt.Errorf("scan claimed ip: %w", err)
		}
		taken[ip] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		tx.Rollback(ctx)
		_, _ = conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", m.cfg.AdvisoryLockID)
		conn.Release()
		return nil, fmt.Errorf("iterate claimed ips: %w", err)
	}

	ip := start
	for prefix.Contains(ip) {
		if _, claimed := taken[ip.String()]; !claimed {
			return &AllocationHandle{conn: conn, tx: tx, ip: ip.String(), lockID: m.cfg.AdvisoryLockID}, nil
		}
		ip = ip.Next()
	}

	tx.Rollback(ctx)
	_, _ = conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", m.cfg.AdvisoryLockID)
	conn.Release()
	return nil, ErrNoFreeAddresses
}
