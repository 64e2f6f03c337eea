package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/emersion/go-imap/v2"

	"github.com/brevmail/brev/pkg/metrics"
)

// allocateUID advances the folder watermark and returns the new UID. The
// watermark update and the allocation are one statement, so a crash can at
// worst leave a gap, never a reused UID. The inner subquery folds any rows
// written past a stale watermark back in before advancing.
func (s *Store) allocateUID(ctx context.Context, tx *sql.Tx, folderID int64) (imap.UID, error) {
	var uid uint32
	err := tx.QueryRowContext(ctx, s.q(fmt.Sprintf(`
		UPDATE folders
		SET highest_uid = %s(highest_uid, (SELECT COALESCE(MAX(uid), 0) FROM user_messages WHERE folder_id = $1)) + 1
		WHERE id = $2
		RETURNING highest_uid
	`, s.greatest())), folderID, folderID).Scan(&uid)
	if err != nil {
		return 0, fmt.Errorf("allocate uid for folder %d: %w", folderID, mapDBError(err))
	}
	metrics.UIDsAllocated.Inc()
	return imap.UID(uid), nil
}

// nextUIDValidity draws the next value from the domain sequence. Values only
// move forward, so a deleted and recreated folder always reports a higher
// UIDVALIDITY than any of its predecessors in the same domain.
func (s *Store) nextUIDValidity(ctx context.Context, tx *sql.Tx, domainID int64) (uint32, error) {
	var v int64
	err := tx.QueryRowContext(ctx, s.q(`
		UPDATE uidvalidity_seq SET next = next + 1 WHERE domain_id = $1 RETURNING next
	`), domainID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("advance uidvalidity sequence for domain %d: %w", domainID, mapDBError(err))
	}
	return uint32(v), nil
}
