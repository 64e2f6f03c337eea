package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/emersion/go-imap/v2"
)

// DeletedUIDs returns the UIDs in a folder carrying \Deleted, in UID order.
// This is the set EXPUNGE and the POP3 update phase operate on.
func (s *Store) DeletedUIDs(ctx context.Context, userID, folderID int64) ([]imap.UID, error) {
	done := track("deleted_uids")

	rows, err := s.db.QueryContext(ctx, s.q(fmt.Sprintf(`
		SELECT um.uid FROM user_messages um
		JOIN message_flags mf ON mf.message_id = um.message_id AND mf.user_id = um.user_id
		WHERE um.user_id = $1 AND um.folder_id = $2 AND (mf.flags & %d) <> 0
		ORDER BY um.uid
	`, FlagDeleted)), userID, folderID)
	if err != nil {
		done(err)
		return nil, fmt.Errorf("list deleted uids: %w", err)
	}
	defer rows.Close()

	var uids []imap.UID
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			done(err)
			return nil, err
		}
		uids = append(uids, imap.UID(uid))
	}
	done(rows.Err())
	return uids, rows.Err()
}

// ExpungeMessages removes the given UIDs from a folder in one transaction
// and returns the UIDs that were actually removed, in UID order. Flag rows
// are dropped once the user holds no other reference to the message; shared
// body records stay for the cleaner. A failure removes nothing.
func (s *Store) ExpungeMessages(ctx context.Context, userID, folderID int64, uids []imap.UID) ([]imap.UID, error) {
	done := track("expunge")
	var err error
	defer func() { done(err) }()

	if len(uids) == 0 {
		return nil, nil
	}

	var removed []imap.UID
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		args := make([]any, 0, len(uids)+2)
		args = append(args, userID, folderID)
		for _, uid := range uids {
			args = append(args, uint32(uid))
		}
		in := inPlaceholders(3, len(uids))

		rows, txErr := tx.QueryContext(ctx, s.q(`
			SELECT uid, message_id FROM user_messages
			WHERE user_id = $1 AND folder_id = $2 AND uid IN (`+in+`)
			ORDER BY uid`), args...)
		if txErr != nil {
			return txErr
		}
		var messageIDs []int64
		for rows.Next() {
			var (
				uid       uint32
				messageID int64
			)
			if scanErr := rows.Scan(&uid, &messageID); scanErr != nil {
				rows.Close()
				return scanErr
			}
			removed = append(removed, imap.UID(uid))
			messageIDs = append(messageIDs, messageID)
		}
		rows.Close()
		if txErr = rows.Err(); txErr != nil {
			return txErr
		}
		if len(removed) == 0 {
			return nil
		}

		if _, txErr = tx.ExecContext(ctx, s.q(`
			DELETE FROM user_messages
			WHERE user_id = $1 AND folder_id = $2 AND uid IN (`+in+`)`), args...); txErr != nil {
			return fmt.Errorf("delete folder rows: %w", txErr)
		}

		// Flag rows whose last reference for this user just went away.
		flagArgs := make([]any, 0, len(messageIDs)+2)
		flagArgs = append(flagArgs, userID)
		for _, id := range messageIDs {
			flagArgs = append(flagArgs, id)
		}
		flagArgs = append(flagArgs, userID)
		if _, txErr = tx.ExecContext(ctx, s.q(fmt.Sprintf(`
			DELETE FROM message_flags
			WHERE user_id = $1
			  AND message_id IN (%s)
			  AND NOT EXISTS (
				SELECT 1 FROM user_messages um
				WHERE um.user_id = $%d AND um.message_id = message_flags.message_id
			  )`, inPlaceholders(2, len(messageIDs)), len(messageIDs)+2)), flagArgs...); txErr != nil {
			return fmt.Errorf("drop orphaned flags: %w", txErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}
