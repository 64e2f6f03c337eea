package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/brevmail/brev/consts"
)

// Folder is one mailbox folder of one user. Names are flat strings with '/'
// as the reported hierarchy delimiter; the tree is implied, not stored.
type Folder struct {
	ID          int64
	UserID      int64
	Name        string
	SystemType  string
	UIDValidity uint32
	HighestUID  imap.UID
	Subscribed  bool
	CreatedAt   time.Time
}

// IsInbox reports whether the folder is the protected INBOX.
func (f *Folder) IsInbox() bool {
	return f.SystemType == consts.SystemInbox
}

// FolderStatus carries the counters SELECT and STATUS report.
type FolderStatus struct {
	Messages    uint32
	Unseen      uint32
	Recent      uint32
	UIDNext     imap.UID
	UIDValidity uint32
}

// NormalizeFolderName maps the case-insensitive spellings of INBOX onto the
// canonical one and leaves every other name untouched.
func NormalizeFolderName(name string) string {
	if strings.EqualFold(name, consts.FolderInbox) {
		return consts.FolderInbox
	}
	return name
}

func validateFolderName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("empty folder name: %w", consts.ErrNotPermitted)
	}
	if len(name) > 255 {
		return "", fmt.Errorf("folder name too long: %w", consts.ErrNotPermitted)
	}
	delim := string(consts.FolderDelimiter)
	if strings.HasPrefix(name, delim) || strings.HasSuffix(name, delim) || strings.Contains(name, delim+delim) {
		return "", fmt.Errorf("malformed folder name %q: %w", name, consts.ErrNotPermitted)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || r == '*' || r == '%' {
			return "", fmt.Errorf("forbidden character in folder name %q: %w", name, consts.ErrNotPermitted)
		}
	}
	return NormalizeFolderName(name), nil
}

// createFolderTx inserts a folder, drawing its UIDVALIDITY from the domain
// sequence inside the caller's transaction.
func (s *Store) createFolderTx(ctx context.Context, tx *sql.Tx, userID, domainID int64, name, systemType string, now time.Time) (*Folder, error) {
	name, err := validateFolderName(name)
	if err != nil {
		return nil, err
	}

	validity, err := s.nextUIDValidity(ctx, tx, domainID)
	if err != nil {
		return nil, err
	}

	f := &Folder{
		UserID:      userID,
		Name:        name,
		SystemType:  systemType,
		UIDValidity: validity,
		Subscribed:  true,
		CreatedAt:   now,
	}
	var sysType sql.NullString
	if systemType != "" {
		sysType = sql.NullString{String: systemType, Valid: true}
	}
	err = tx.QueryRowContext(ctx, s.q(`
		INSERT INTO folders (user_id, name, system_type, uid_validity, highest_uid, subscribed, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
		RETURNING id
	`), userID, name, sysType, validity, f.Subscribed, now).Scan(&f.ID)
	if err != nil {
		if errors.Is(mapDBError(err), ErrUniqueViolation) {
			return nil, consts.ErrFolderExists
		}
		return nil, fmt.Errorf("insert folder %s: %w", name, err)
	}
	return f, nil
}

// CreateFolder creates a plain folder for the user. Parents are not created
// implicitly; the hierarchy is whatever names exist.
func (s *Store) CreateFolder(ctx context.Context, userID int64, name string) (*Folder, error) {
	done := track("folder_create")
	var (
		folder *Folder
		err    error
	)
	defer func() { done(err) }()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var domainID int64
		if txErr := tx.QueryRowContext(ctx, s.q(`SELECT domain_id FROM users WHERE id = $1`), userID).Scan(&domainID); txErr != nil {
			if errors.Is(mapDBError(txErr), ErrNotFound) {
				return consts.ErrUserNotFound
			}
			return txErr
		}
		var txErr error
		folder, txErr = s.createFolderTx(ctx, tx, userID, domainID, name, "", time.Now().UTC())
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return folder, nil
}

func scanFolder(row interface{ Scan(...any) error }) (*Folder, error) {
	var (
		f       Folder
		sysType sql.NullString
		uid     uint32
	)
	err := row.Scan(&f.ID, &f.UserID, &f.Name, &sysType, &f.UIDValidity, &uid, &f.Subscribed, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	f.SystemType = sysType.String
	f.HighestUID = imap.UID(uid)
	return &f, nil
}

const folderColumns = `id, user_id, name, system_type, uid_validity, highest_uid, subscribed, created_at`

// GetFolderByName resolves a folder name for a user. INBOX matches case
// insensitively, every other name is exact.
func (s *Store) GetFolderByName(ctx context.Context, userID int64, name string) (*Folder, error) {
	done := track("folder_get")
	var err error
	defer func() { done(err) }()

	name = NormalizeFolderName(strings.TrimSpace(name))
	f, err := scanFolder(s.db.QueryRowContext(ctx, s.q(`
		SELECT `+folderColumns+` FROM folders WHERE user_id = $1 AND name = $2
	`), userID, name))
	if err != nil {
		if errors.Is(mapDBError(err), ErrNotFound) {
			err = consts.ErrFolderNotFound
			return nil, err
		}
		return nil, fmt.Errorf("get folder %s: %w", name, err)
	}
	return f, nil
}

// ListFolders returns the user's folders ordered by name. With
// subscribedOnly set it is the LSUB view.
func (s *Store) ListFolders(ctx context.Context, userID int64, subscribedOnly bool) ([]Folder, error) {
	done := track("folder_list")

	query := `SELECT ` + folderColumns + ` FROM folders WHERE user_id = $1`
	if subscribedOnly {
		query += ` AND subscribed`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, s.q(query), userID)
	if err != nil {
		done(err)
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	var out []Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			done(err)
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		out = append(out, *f)
	}
	done(rows.Err())
	return out, rows.Err()
}

// RenameFolder renames a folder and carries its children along. The folder
// keeps its id, UIDVALIDITY and UIDs: a rename is not a recreation. INBOX
// cannot be renamed.
func (s *Store) RenameFolder(ctx context.Context, userID int64, oldName, newName string) error {
	done := track("folder_rename")
	var err error
	defer func() { done(err) }()

	newName, err = validateFolderName(newName)
	if err != nil {
		return err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		oldName = NormalizeFolderName(strings.TrimSpace(oldName))
		f, txErr := scanFolder(tx.QueryRowContext(ctx, s.q(`
			SELECT `+folderColumns+` FROM folders WHERE user_id = $1 AND name = $2`+s.forUpdate(),
		), userID, oldName))
		if txErr != nil {
			if errors.Is(mapDBError(txErr), ErrNotFound) {
				return consts.ErrFolderNotFound
			}
			return txErr
		}
		if f.IsInbox() {
			return consts.ErrFolderProtected
		}

		rename := func(folderID int64, name string) error {
			_, execErr := tx.ExecContext(ctx, s.q(`
				UPDATE folders SET name = $1 WHERE id = $2
			`), name, folderID)
			if execErr != nil && errors.Is(mapDBError(execErr), ErrUniqueViolation) {
				return consts.ErrFolderExists
			}
			return execErr
		}
		if txErr = rename(f.ID, newName); txErr != nil {
			return txErr
		}

		// Children follow the renamed prefix.
		prefix := oldName + string(consts.FolderDelimiter)
		rows, txErr := tx.QueryContext(ctx, s.q(`
			SELECT id, name FROM folders WHERE user_id = $1`+s.forUpdate(),
		), userID)
		if txErr != nil {
			return txErr
		}
		type child struct {
			id   int64
			name string
		}
		var children []child
		for rows.Next() {
			var c child
			if scanErr := rows.Scan(&c.id, &c.name); scanErr != nil {
				rows.Close()
				return scanErr
			}
			if strings.HasPrefix(c.name, prefix) {
				children = append(children, c)
			}
		}
		rows.Close()
		if txErr = rows.Err(); txErr != nil {
			return txErr
		}
		for _, c := range children {
			if txErr = rename(c.id, newName+strings.TrimPrefix(c.name, oldName)); txErr != nil {
				return txErr
			}
		}
		return nil
	})
	return err
}

// DeleteFolder removes a folder with its message references, and drops flag
// rows that no remaining reference needs. Message bodies are left for the
// cleaner. INBOX cannot be deleted. A later folder with the same name is a
// new folder and draws a fresh, higher UIDVALIDITY.
func (s *Store) DeleteFolder(ctx context.Context, userID int64, name string) error {
	done := track("folder_delete")
	var err error
	defer func() { done(err) }()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		name = NormalizeFolderName(strings.TrimSpace(name))
		f, txErr := scanFolder(tx.QueryRowContext(ctx, s.q(`
			SELECT `+folderColumns+` FROM folders WHERE user_id = $1 AND name = $2`+s.forUpdate(),
		), userID, name))
		if txErr != nil {
			if errors.Is(mapDBError(txErr), ErrNotFound) {
				return consts.ErrFolderNotFound
			}
			return txErr
		}
		if f.IsInbox() {
			return consts.ErrFolderProtected
		}

		// Flag rows whose only remaining reference lives in this folder.
		if _, txErr = tx.ExecContext(ctx, s.q(`
			DELETE FROM message_flags
			WHERE user_id = $1
			  AND message_id IN (SELECT message_id FROM user_messages WHERE folder_id = $2)
			  AND NOT EXISTS (
				SELECT 1 FROM user_messages um
				WHERE um.user_id = $3 AND um.message_id = message_flags.message_id AND um.folder_id <> $4
			  )
		`), userID, f.ID, userID, f.ID); txErr != nil {
			return txErr
		}
		_, txErr = tx.ExecContext(ctx, s.q(`DELETE FROM folders WHERE id = $1`), f.ID)
		return txErr
	})
	return err
}

// SetFolderSubscribed flips the subscription flag.
func (s *Store) SetFolderSubscribed(ctx context.Context, userID int64, name string, subscribed bool) error {
	done := track("folder_subscribe")
	var err error
	defer func() { done(err) }()

	name = NormalizeFolderName(strings.TrimSpace(name))
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE folders SET subscribed = $1 WHERE user_id = $2 AND name = $3
	`), subscribed, userID, name)
	if err != nil {
		return fmt.Errorf("subscribe folder %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = consts.ErrFolderNotFound
		return err
	}
	return nil
}

// GetFolderStatus computes the counters a SELECT or STATUS response reports.
func (s *Store) GetFolderStatus(ctx context.Context, folder *Folder) (*FolderStatus, error) {
	done := track("folder_status")
	var err error
	defer func() { done(err) }()

	st := &FolderStatus{UIDValidity: folder.UIDValidity}
	err = s.db.QueryRowContext(ctx, s.q(fmt.Sprintf(`
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE (COALESCE(mf.flags, 0) & %d) = 0),
		       COUNT(*) FILTER (WHERE (COALESCE(mf.flags, 0) & %d) <> 0),
		       (SELECT highest_uid FROM folders WHERE id = $1)
		FROM user_messages um
		LEFT JOIN message_flags mf ON mf.message_id = um.message_id AND mf.user_id = um.user_id
		WHERE um.folder_id = $2
	`, FlagSeen, FlagRecent)), folder.ID, folder.ID).Scan(&st.Messages, &st.Unseen, &st.Recent, &st.UIDNext)
	if err != nil {
		return nil, fmt.Errorf("folder status %s: %w", folder.Name, mapDBError(err))
	}
	st.UIDNext++
	return st, nil
}
