package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brevmail/brev/consts"
)

// Domain is a tenant boundary. Each domain owns its UIDVALIDITY sequence and
// is created on first reference, never merged or renamed.
type Domain struct {
	ID             int64
	Name           string
	CatchAllUserID *int64
	CreatedAt      time.Time
}

// ensureDomain returns the id of the named domain, creating it and seeding
// its UIDVALIDITY sequence from the clock when it does not exist yet.
func (s *Store) ensureDomain(ctx context.Context, tx *sql.Tx, name string, now time.Time) (int64, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return 0, fmt.Errorf("empty domain name")
	}

	var id int64
	err := tx.QueryRowContext(ctx, s.q(`
		INSERT INTO domains (name, created_at) VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING
		RETURNING id
	`), name, now).Scan(&id)
	switch {
	case err == nil:
		// Newly created: seed the allocator so UIDVALIDITY values from a
		// recreated domain still move forward.
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO uidvalidity_seq (domain_id, next) VALUES ($1, $2)
		`), id, now.Unix())
		if err != nil {
			return 0, fmt.Errorf("seed uidvalidity sequence: %w", mapDBError(err))
		}
		return id, nil
	case errors.Is(err, sql.ErrNoRows):
		err = tx.QueryRowContext(ctx, s.q(`SELECT id FROM domains WHERE name = $1`), name).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("lookup domain %s: %w", name, mapDBError(err))
		}
		return id, nil
	default:
		return 0, fmt.Errorf("create domain %s: %w", name, mapDBError(err))
	}
}

// GetDomainByName looks up a domain.
func (s *Store) GetDomainByName(ctx context.Context, name string) (*Domain, error) {
	done := track("domain_get")
	var (
		d        Domain
		catchAll sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, name, catchall_user_id, created_at FROM domains WHERE name = $1
	`), strings.ToLower(name)).Scan(&d.ID, &d.Name, &catchAll, &d.CreatedAt)
	if err != nil {
		err = mapDBError(err)
		done(err)
		if errors.Is(err, ErrNotFound) {
			return nil, consts.ErrDomainNotFound
		}
		return nil, fmt.Errorf("get domain %s: %w", name, err)
	}
	if catchAll.Valid {
		d.CatchAllUserID = &catchAll.Int64
	}
	done(nil)
	return &d, nil
}

// ListDomains returns all domains ordered by name.
func (s *Store) ListDomains(ctx context.Context) ([]Domain, error) {
	done := track("domain_list")
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, catchall_user_id, created_at FROM domains ORDER BY name`)
	if err != nil {
		done(err)
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	var out []Domain
	for rows.Next() {
		var (
			d        Domain
			catchAll sql.NullInt64
		)
		if err := rows.Scan(&d.ID, &d.Name, &catchAll, &d.CreatedAt); err != nil {
			done(err)
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		if catchAll.Valid {
			d.CatchAllUserID = &catchAll.Int64
		}
		out = append(out, d)
	}
	done(rows.Err())
	return out, rows.Err()
}

// SetCatchAllUser designates the user receiving mail for unknown local parts
// of the domain, or clears the designation when address is empty.
func (s *Store) SetCatchAllUser(ctx context.Context, domainName, address string) error {
	done := track("domain_set_catchall")
	var err error
	defer func() { done(err) }()

	if address == "" {
		var res sql.Result
		res, err = s.db.ExecContext(ctx, s.q(`
			UPDATE domains SET catchall_user_id = NULL WHERE name = $1
		`), strings.ToLower(domainName))
		if err != nil {
			return fmt.Errorf("clear catch-all for %s: %w", domainName, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			err = consts.ErrDomainNotFound
			return err
		}
		return nil
	}

	user, lookupErr := s.GetUserByAddress(ctx, address)
	if lookupErr != nil {
		err = lookupErr
		return err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var domainID int64
		if scanErr := tx.QueryRowContext(ctx, s.q(`SELECT id FROM domains WHERE name = $1`),
			strings.ToLower(domainName)).Scan(&domainID); scanErr != nil {
			if errors.Is(mapDBError(scanErr), ErrNotFound) {
				return consts.ErrDomainNotFound
			}
			return scanErr
		}
		if user.DomainID != domainID {
			return fmt.Errorf("user %s does not belong to domain %s: %w", address, domainName, consts.ErrNotPermitted)
		}
		_, execErr := tx.ExecContext(ctx, s.q(`
			UPDATE domains SET catchall_user_id = $1 WHERE id = $2
		`), user.ID, domainID)
		return execErr
	})
	return err
}

// GetCatchAllUser returns the catch-all user for a domain, or ErrNotFound
// when none is configured.
func (s *Store) GetCatchAllUser(ctx context.Context, domainName string) (*User, error) {
	done := track("domain_get_catchall")
	var u User
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT u.id, u.domain_id, u.username, u.password_hash, u.created_at, d.name
		FROM domains d
		JOIN users u ON u.id = d.catchall_user_id
		WHERE d.name = $1
	`), strings.ToLower(domainName)).Scan(&u.ID, &u.DomainID, &u.Username, &u.PasswordHash, &u.CreatedAt, &u.Domain)
	if err != nil {
		err = mapDBError(err)
		done(err)
		return nil, err
	}
	done(nil)
	return &u, nil
}
