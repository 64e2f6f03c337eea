package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/brevmail/brev/consts"
)

// User is a mailbox account, addressed as username@domain.
type User struct {
	ID           int64
	DomainID     int64
	Username     string
	Domain       string
	PasswordHash string
	CreatedAt    time.Time
}

// Address returns the full login address of the user.
func (u *User) Address() string {
	return u.Username + "@" + u.Domain
}

// splitAddress breaks a lowercased login address into local part and domain.
func splitAddress(address string) (string, string, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	local, domain, found := strings.Cut(address, "@")
	if !found || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", "", fmt.Errorf("malformed address %q", address)
	}
	return local, domain, nil
}

// CreateUser provisions an account with its default folder set. The domain is
// created on first reference. Every default folder draws a fresh UIDVALIDITY
// from the domain sequence inside the same transaction.
func (s *Store) CreateUser(ctx context.Context, address, password string) (*User, error) {
	done := track("user_create")
	var err error
	defer func() { done(err) }()

	local, domain, err := splitAddress(address)
	if err != nil {
		return nil, err
	}
	if password == "" {
		err = fmt.Errorf("empty password for %s", address)
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	user := &User{Username: local, Domain: domain, PasswordHash: string(hash), CreatedAt: now}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		domainID, txErr := s.ensureDomain(ctx, tx, domain, now)
		if txErr != nil {
			return txErr
		}
		user.DomainID = domainID

		txErr = tx.QueryRowContext(ctx, s.q(`
			INSERT INTO users (domain_id, username, password_hash, created_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`), domainID, local, string(hash), now).Scan(&user.ID)
		if txErr != nil {
			if errors.Is(mapDBError(txErr), ErrUniqueViolation) {
				return consts.ErrUserExists
			}
			return fmt.Errorf("insert user %s: %w", address, txErr)
		}

		for _, def := range consts.DefaultFolders {
			if _, txErr = s.createFolderTx(ctx, tx, user.ID, domainID, def.Name, def.SystemType, now); txErr != nil {
				return txErr
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserByAddress looks up an account by its full address.
func (s *Store) GetUserByAddress(ctx context.Context, address string) (*User, error) {
	done := track("user_get")
	var err error
	defer func() { done(err) }()

	local, domain, err := splitAddress(address)
	if err != nil {
		return nil, err
	}

	var u User
	err = s.db.QueryRowContext(ctx, s.q(`
		SELECT u.id, u.domain_id, u.username, u.password_hash, u.created_at, d.name
		FROM users u
		JOIN domains d ON d.id = u.domain_id
		WHERE d.name = $1 AND u.username = $2
	`), domain, local).Scan(&u.ID, &u.DomainID, &u.Username, &u.PasswordHash, &u.CreatedAt, &u.Domain)
	if err != nil {
		if errors.Is(mapDBError(err), ErrNotFound) {
			err = consts.ErrUserNotFound
			return nil, err
		}
		return nil, fmt.Errorf("get user %s: %w", address, err)
	}
	return &u, nil
}

// SetPassword replaces the stored credential for an account.
func (s *Store) SetPassword(ctx context.Context, address, password string) error {
	done := track("user_set_password")
	var err error
	defer func() { done(err) }()

	user, err := s.GetUserByAddress(ctx, address)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`UPDATE users SET password_hash = $1 WHERE id = $2`), string(hash), user.ID)
	return err
}

// DeleteUser removes an account. Folder, message reference and flag rows go
// with it; shared message bodies stay behind for the cleaner to collect once
// unreferenced.
func (s *Store) DeleteUser(ctx context.Context, address string) error {
	done := track("user_delete")
	var err error
	defer func() { done(err) }()

	user, err := s.GetUserByAddress(ctx, address)
	if err != nil {
		return err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		// Clear a catch-all designation pointing at this user first.
		if _, txErr := tx.ExecContext(ctx, s.q(`
			UPDATE domains SET catchall_user_id = NULL WHERE catchall_user_id = $1
		`), user.ID); txErr != nil {
			return txErr
		}
		res, txErr := tx.ExecContext(ctx, s.q(`DELETE FROM users WHERE id = $1`), user.ID)
		if txErr != nil {
			return txErr
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return consts.ErrUserNotFound
		}
		return nil
	})
	return err
}

// ListUsers returns the accounts of one domain, or of all domains when the
// domain filter is empty, ordered by address.
func (s *Store) ListUsers(ctx context.Context, domain string) ([]User, error) {
	done := track("user_list")

	var (
		rows *sql.Rows
		err  error
	)
	if domain == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT u.id, u.domain_id, u.username, u.password_hash, u.created_at, d.name
			FROM users u
			JOIN domains d ON d.id = u.domain_id
			ORDER BY d.name, u.username`)
	} else {
		rows, err = s.db.QueryContext(ctx, s.q(`
			SELECT u.id, u.domain_id, u.username, u.password_hash, u.created_at, d.name
			FROM users u
			JOIN domains d ON d.id = u.domain_id
			WHERE d.name = $1
			ORDER BY u.username`), strings.ToLower(domain))
	}
	if err != nil {
		done(err)
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.DomainID, &u.Username, &u.PasswordHash, &u.CreatedAt, &u.Domain); err != nil {
			done(err)
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	done(rows.Err())
	return out, rows.Err()
}
