package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/brevmail/brev/consts"
)

// SieveScript is one stored filter script. At most one per user is active.
type SieveScript struct {
	ID        int64
	UserID    int64
	Name      string
	Script    string
	Active    bool
	UpdatedAt time.Time
}

const sieveColumns = `id, user_id, name, script, active, updated_at`

// ListSieveScripts returns the user's scripts ordered by name.
func (s *Store) ListSieveScripts(ctx context.Context, userID int64) ([]SieveScript, error) {
	done := track("sieve_list")

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+sieveColumns+` FROM sieve_scripts WHERE user_id = $1 ORDER BY name
	`), userID)
	if err != nil {
		done(err)
		return nil, fmt.Errorf("list sieve scripts: %w", err)
	}
	defer rows.Close()

	var out []SieveScript
	for rows.Next() {
		var sc SieveScript
		if err := rows.Scan(&sc.ID, &sc.UserID, &sc.Name, &sc.Script, &sc.Active, &sc.UpdatedAt); err != nil {
			done(err)
			return nil, err
		}
		out = append(out, sc)
	}
	done(rows.Err())
	return out, rows.Err()
}

// GetActiveSieveScript returns the active script, or ErrNotFound when the
// user has none.
func (s *Store) GetActiveSieveScript(ctx context.Context, userID int64) (*SieveScript, error) {
	done := track("sieve_get_active")
	var err error
	defer func() { done(err) }()

	var sc SieveScript
	err = s.db.QueryRowContext(ctx, s.q(`
		SELECT `+sieveColumns+` FROM sieve_scripts WHERE user_id = $1 AND active
	`), userID).Scan(&sc.ID, &sc.UserID, &sc.Name, &sc.Script, &sc.Active, &sc.UpdatedAt)
	if err != nil {
		err = mapDBError(err)
		return nil, err
	}
	return &sc, nil
}

// PutSieveScript creates or replaces a script by name.
func (s *Store) PutSieveScript(ctx context.Context, userID int64, name, script string) (*SieveScript, error) {
	done := track("sieve_put")
	var err error
	defer func() { done(err) }()

	if name == "" {
		err = fmt.Errorf("empty script name")
		return nil, err
	}
	now := time.Now().UTC()
	sc := &SieveScript{UserID: userID, Name: name, Script: script, UpdatedAt: now}
	err = s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO sieve_scripts (user_id, name, script, active, updated_at)
		VALUES ($1, $2, $3, FALSE, $4)
		ON CONFLICT (user_id, name)
		DO UPDATE SET script = excluded.script, updated_at = excluded.updated_at
		RETURNING id, active
	`), userID, name, script, now).Scan(&sc.ID, &sc.Active)
	if err != nil {
		return nil, fmt.Errorf("store sieve script %s: %w", name, mapDBError(err))
	}
	return sc, nil
}

// SetActiveSieveScript makes the named script the single active one, or
// deactivates all scripts when name is empty.
func (s *Store) SetActiveSieveScript(ctx context.Context, userID int64, name string) error {
	done := track("sieve_activate")
	var err error
	defer func() { done(err) }()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, txErr := tx.ExecContext(ctx, s.q(`
			UPDATE sieve_scripts SET active = FALSE WHERE user_id = $1 AND active
		`), userID); txErr != nil {
			return txErr
		}
		if name == "" {
			return nil
		}
		res, txErr := tx.ExecContext(ctx, s.q(`
			UPDATE sieve_scripts SET active = TRUE WHERE user_id = $1 AND name = $2
		`), userID, name)
		if txErr != nil {
			return txErr
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return consts.ErrSieveScriptNotFound
		}
		return nil
	})
	return err
}

// DeleteSieveScript removes a script. The active script cannot be deleted.
func (s *Store) DeleteSieveScript(ctx context.Context, userID int64, name string) error {
	done := track("sieve_delete")
	var err error
	defer func() { done(err) }()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var active bool
		txErr := tx.QueryRowContext(ctx, s.q(`
			SELECT active FROM sieve_scripts WHERE user_id = $1 AND name = $2`+s.forUpdate(),
		), userID, name).Scan(&active)
		if txErr != nil {
			if errors.Is(mapDBError(txErr), ErrNotFound) {
				return consts.ErrSieveScriptNotFound
			}
			return txErr
		}
		if active {
			return consts.ErrNotPermitted
		}
		_, txErr = tx.ExecContext(ctx, s.q(`
			DELETE FROM sieve_scripts WHERE user_id = $1 AND name = $2
		`), userID, name)
		return txErr
	})
	return err
}
