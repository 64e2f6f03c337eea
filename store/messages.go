package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/brevmail/brev/consts"
	"github.com/brevmail/brev/helpers"
)

// Message is the shared, immutable body record. It is stored once per
// content hash; per-user state lives on UserMessage and the flag rows.
type Message struct {
	ID              int64
	ContentHash     string
	Size            int64
	MessageIDHeader string
	Subject         string
	Sender          string
	Recipients      []helpers.Recipient
	SentDate        time.Time
	BodyStructure   imap.BodyStructure
	TextBody        string
	Uploaded        bool
	CreatedAt       time.Time
}

// UserMessage is one message as it appears in one folder of one user: the
// row UIDs hang off.
type UserMessage struct {
	ID           int64
	UserID       int64
	MessageID    int64
	FolderID     int64
	UID          imap.UID
	InternalDate time.Time
	ContentHash  string
	Size         int64
	BitwiseFlags int
	CustomFlags  []string
}

// Flags returns the combined standard and custom flags of the row.
func (m *UserMessage) Flags() []imap.Flag {
	return combineFlags(m.BitwiseFlags, m.CustomFlags)
}

// DeliveryTarget names one folder of one user a message is delivered into.
// Flags are applied on top of the request flags for this user, so a filter
// script can mark one recipient's copy without touching the others.
type DeliveryTarget struct {
	UserID   int64
	FolderID int64
	Flags    []imap.Flag
}

// DeliveryRequest is a parsed message plus everything needed to file it.
type DeliveryRequest struct {
	Parsed       *helpers.ParsedMessage
	InternalDate time.Time
	Flags        []imap.Flag
	Recent       bool
	Targets      []DeliveryTarget
}

// DeliveredMessage reports the UID a delivery target received.
type DeliveredMessage struct {
	UserID   int64
	FolderID int64
	UID      imap.UID
}

// Delivery is the outcome of one Deliver call.
type Delivery struct {
	MessageID int64
	Results   []DeliveredMessage
}

// inPlaceholders renders "$start, $start+1, ..." for n values.
func inPlaceholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

// upsertMessage stores the body record, reusing an existing row when the
// same content was seen before.
func (s *Store) upsertMessage(ctx context.Context, tx *sql.Tx, p *helpers.ParsedMessage, now time.Time) (int64, error) {
	bodyStructure, err := helpers.SerializeBodyStructure(p.BodyStructure)
	if err != nil {
		return 0, err
	}
	recipients, err := json.Marshal(p.Recipients)
	if err != nil {
		return 0, fmt.Errorf("encode recipients: %w", err)
	}

	// Re-delivered content reuses the row and restarts its cleaner grace
	// clock, so an orphan that comes back to life is not collected.
	var id int64
	err = tx.QueryRowContext(ctx, s.q(`
		INSERT INTO messages (content_hash, size, message_id, subject, sender, recipients_json,
			sent_date, body_structure, text_body, uploaded, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10)
		ON CONFLICT (content_hash) DO UPDATE SET created_at = excluded.created_at
		RETURNING id
	`), p.ContentHash, p.Size, p.MessageID, helpers.SanitizeUTF8(p.Subject), p.Sender,
		string(recipients), p.SentDate, bodyStructure, helpers.SanitizeUTF8(p.PlaintextBody), now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", mapDBError(err))
	}
	return id, nil
}

func (s *Store) mergeCustomFlagsTx(ctx context.Context, tx *sql.Tx, userID, messageID int64, add []string, now time.Time) error {
	var raw string
	err := tx.QueryRowContext(ctx, s.q(`
		SELECT custom_flags FROM message_flags WHERE message_id = $1 AND user_id = $2`+s.forUpdate(),
	), messageID, userID).Scan(&raw)
	if err != nil {
		return mapDBError(err)
	}
	existing, err := unmarshalCustomFlags(raw)
	if err != nil {
		return err
	}
	merged := append(existing, add...)
	slices.Sort(merged)
	merged = slices.Compact(merged)
	out, err := marshalCustomFlags(merged)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.q(`
		UPDATE message_flags SET custom_flags = $1, updated_at = $2 WHERE message_id = $3 AND user_id = $4
	`), out, now, messageID, userID)
	return err
}

// Deliver files one message into every target folder in a single
// transaction. Each target draws its own UID; duplicate deliveries of the
// same content into the same folder reuse the existing row. Either every
// target gets the message or none does.
func (s *Store) Deliver(ctx context.Context, req *DeliveryRequest) (*Delivery, error) {
	done := track("deliver")
	var err error
	defer func() { done(err) }()

	if req.Parsed == nil {
		err = fmt.Errorf("deliver: nil message")
		return nil, err
	}
	if len(req.Targets) == 0 {
		err = fmt.Errorf("deliver: no targets")
		return nil, err
	}
	internalDate := req.InternalDate
	if internalDate.IsZero() {
		internalDate = time.Now().UTC()
	}

	bits, custom := SplitFlags(req.Flags)
	bits &^= FlagRecent
	if req.Recent {
		bits |= FlagRecent
	}

	delivery := &Delivery{}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		messageID, txErr := s.upsertMessage(ctx, tx, req.Parsed, now)
		if txErr != nil {
			return txErr
		}
		delivery.MessageID = messageID

		for _, target := range req.Targets {
			targetBits, targetCustom := SplitFlags(target.Flags)
			targetBits &^= FlagRecent
			rowBits := bits | targetBits
			rowCustom := custom
			if len(targetCustom) > 0 {
				rowCustom = append(append([]string(nil), custom...), targetCustom...)
				slices.Sort(rowCustom)
				rowCustom = slices.Compact(rowCustom)
			}
			customRaw, txErr := marshalCustomFlags(rowCustom)
			if txErr != nil {
				return txErr
			}
			var uid uint32
			txErr = tx.QueryRowContext(ctx, s.q(`
				SELECT uid FROM user_messages WHERE user_id = $1 AND message_id = $2 AND folder_id = $3
			`), target.UserID, messageID, target.FolderID).Scan(&uid)
			switch {
			case txErr == nil:
				// Same content already filed here.
				delivery.Results = append(delivery.Results, DeliveredMessage{
					UserID: target.UserID, FolderID: target.FolderID, UID: imap.UID(uid),
				})
				continue
			case errors.Is(txErr, sql.ErrNoRows):
			default:
				return fmt.Errorf("check existing delivery: %w", txErr)
			}

			allocated, txErr := s.allocateUID(ctx, tx, target.FolderID)
			if txErr != nil {
				return txErr
			}
			if _, txErr = tx.ExecContext(ctx, s.q(`
				INSERT INTO user_messages (user_id, message_id, folder_id, uid, internal_date, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`), target.UserID, messageID, target.FolderID, uint32(allocated), internalDate, now); txErr != nil {
				return fmt.Errorf("insert user message: %w", mapDBError(txErr))
			}

			if _, txErr = tx.ExecContext(ctx, s.q(`
				INSERT INTO message_flags (message_id, user_id, flags, custom_flags, updated_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (message_id, user_id)
				DO UPDATE SET flags = message_flags.flags | excluded.flags, updated_at = excluded.updated_at
			`), messageID, target.UserID, rowBits, customRaw, now); txErr != nil {
				return fmt.Errorf("upsert flags: %w", mapDBError(txErr))
			}
			if len(rowCustom) > 0 {
				if txErr = s.mergeCustomFlagsTx(ctx, tx, target.UserID, messageID, rowCustom, now); txErr != nil {
					return txErr
				}
			}

			delivery.Results = append(delivery.Results, DeliveredMessage{
				UserID: target.UserID, FolderID: target.FolderID, UID: allocated,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return delivery, nil
}

const userMessageColumns = `
	um.id, um.user_id, um.message_id, um.folder_id, um.uid, um.internal_date,
	m.content_hash, m.size, COALESCE(mf.flags, 0), COALESCE(mf.custom_flags, '[]')`

const userMessageJoins = `
	FROM user_messages um
	JOIN messages m ON m.id = um.message_id
	LEFT JOIN message_flags mf ON mf.message_id = um.message_id AND mf.user_id = um.user_id`

func scanUserMessage(rows *sql.Rows) (*UserMessage, error) {
	var (
		m         UserMessage
		uid       uint32
		customRaw string
	)
	err := rows.Scan(&m.ID, &m.UserID, &m.MessageID, &m.FolderID, &uid, &m.InternalDate,
		&m.ContentHash, &m.Size, &m.BitwiseFlags, &customRaw)
	if err != nil {
		return nil, err
	}
	m.UID = imap.UID(uid)
	m.CustomFlags, err = unmarshalCustomFlags(customRaw)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns a folder's messages ordered by UID. This ordering is
// what sequence numbers are assigned from.
func (s *Store) ListMessages(ctx context.Context, folderID int64) ([]UserMessage, error) {
	done := track("message_list")

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+userMessageColumns+userMessageJoins+`
		WHERE um.folder_id = $1
		ORDER BY um.uid
	`), folderID)
	if err != nil {
		done(err)
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []UserMessage
	for rows.Next() {
		m, err := scanUserMessage(rows)
		if err != nil {
			done(err)
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	done(rows.Err())
	return out, rows.Err()
}

// GetMessageByUID fetches one folder row by UID.
func (s *Store) GetMessageByUID(ctx context.Context, folderID int64, uid imap.UID) (*UserMessage, error) {
	done := track("message_get")
	var err error
	defer func() { done(err) }()

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+userMessageColumns+userMessageJoins+`
		WHERE um.folder_id = $1 AND um.uid = $2
	`), folderID, uint32(uid))
	if err != nil {
		return nil, fmt.Errorf("get message by uid: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err = rows.Err(); err != nil {
			return nil, err
		}
		err = consts.ErrMessageNotFound
		return nil, err
	}
	m, err := scanUserMessage(rows)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func scanMessageRecord(rows *sql.Rows) (*Message, error) {
	var (
		m             Message
		recipientsRaw string
		bodyStructure []byte
	)
	err := rows.Scan(&m.ID, &m.ContentHash, &m.Size, &m.MessageIDHeader, &m.Subject, &m.Sender,
		&recipientsRaw, &m.SentDate, &bodyStructure, &m.TextBody, &m.Uploaded, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if recipientsRaw != "" && recipientsRaw != "[]" {
		if err := json.Unmarshal([]byte(recipientsRaw), &m.Recipients); err != nil {
			return nil, fmt.Errorf("decode recipients: %w", err)
		}
	}
	if len(bodyStructure) > 0 {
		m.BodyStructure, err = helpers.DeserializeBodyStructure(bodyStructure)
		if err != nil {
			return nil, err
		}
	}
	return &m, nil
}

const messageColumns = `id, content_hash, size, message_id, subject, sender, recipients_json,
	sent_date, body_structure, text_body, uploaded, created_at`

// GetMessageRecords fetches shared body records by id.
func (s *Store) GetMessageRecords(ctx context.Context, ids []int64) (map[int64]*Message, error) {
	done := track("message_records")
	var err error
	defer func() { done(err) }()

	if len(ids) == 0 {
		return map[int64]*Message{}, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+messageColumns+` FROM messages WHERE id IN (`+inPlaceholders(1, len(ids))+`)`), args...)
	if err != nil {
		return nil, fmt.Errorf("get message records: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]*Message, len(ids))
	for rows.Next() {
		m, err := scanMessageRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message record: %w", err)
		}
		out[m.ID] = m
	}
	err = rows.Err()
	return out, err
}

// GetMessageRecord fetches one shared body record.
func (s *Store) GetMessageRecord(ctx context.Context, id int64) (*Message, error) {
	records, err := s.GetMessageRecords(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	m, ok := records[id]
	if !ok {
		return nil, consts.ErrMessageNotFound
	}
	return m, nil
}

// CopyResult pairs a source UID with the UID the copy received.
type CopyResult struct {
	SourceUID imap.UID
	DestUID   imap.UID
}

// CopyMessages copies folder rows into another folder of the same user in
// one transaction. Internal dates carry over; flags are shared per user and
// message, so they follow automatically.
func (s *Store) CopyMessages(ctx context.Context, userID, srcFolderID, destFolderID int64, uids []imap.UID) ([]CopyResult, error) {
	done := track("message_copy")
	var err error
	defer func() { done(err) }()

	if len(uids) == 0 {
		return nil, nil
	}

	var results []CopyResult
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		args := make([]any, 0, len(uids)+2)
		args = append(args, userID, srcFolderID)
		for _, uid := range uids {
			args = append(args, uint32(uid))
		}
		rows, txErr := tx.QueryContext(ctx, s.q(`
			SELECT uid, message_id, internal_date FROM user_messages
			WHERE user_id = $1 AND folder_id = $2 AND uid IN (`+inPlaceholders(3, len(uids))+`)
			ORDER BY uid`), args...)
		if txErr != nil {
			return txErr
		}
		type srcRow struct {
			uid          uint32
			messageID    int64
			internalDate time.Time
		}
		var src []srcRow
		for rows.Next() {
			var r srcRow
			if scanErr := rows.Scan(&r.uid, &r.messageID, &r.internalDate); scanErr != nil {
				rows.Close()
				return scanErr
			}
			src = append(src, r)
		}
		rows.Close()
		if txErr = rows.Err(); txErr != nil {
			return txErr
		}

		now := time.Now().UTC()
		for _, r := range src {
			var existing uint32
			txErr = tx.QueryRowContext(ctx, s.q(`
				SELECT uid FROM user_messages WHERE user_id = $1 AND message_id = $2 AND folder_id = $3
			`), userID, r.messageID, destFolderID).Scan(&existing)
			switch {
			case txErr == nil:
				results = append(results, CopyResult{SourceUID: imap.UID(r.uid), DestUID: imap.UID(existing)})
				continue
			case errors.Is(txErr, sql.ErrNoRows):
			default:
				return txErr
			}

			allocated, allocErr := s.allocateUID(ctx, tx, destFolderID)
			if allocErr != nil {
				return allocErr
			}
			if _, txErr = tx.ExecContext(ctx, s.q(`
				INSERT INTO user_messages (user_id, message_id, folder_id, uid, internal_date, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`), userID, r.messageID, destFolderID, uint32(allocated), r.internalDate, now); txErr != nil {
				return fmt.Errorf("insert copy: %w", mapDBError(txErr))
			}
			results = append(results, CopyResult{SourceUID: imap.UID(r.uid), DestUID: allocated})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// PendingUpload is a body record still waiting for its blob upload.
type PendingUpload struct {
	ID          int64
	ContentHash string
	Size        int64
}

// ListPendingUploads returns body records not yet uploaded, oldest first.
func (s *Store) ListPendingUploads(ctx context.Context, limit int) ([]PendingUpload, error) {
	done := track("uploads_list")

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, content_hash, size FROM messages WHERE NOT uploaded ORDER BY id LIMIT $1
	`), limit)
	if err != nil {
		done(err)
		return nil, fmt.Errorf("list pending uploads: %w", err)
	}
	defer rows.Close()

	var out []PendingUpload
	for rows.Next() {
		var p PendingUpload
		if err := rows.Scan(&p.ID, &p.ContentHash, &p.Size); err != nil {
			done(err)
			return nil, err
		}
		out = append(out, p)
	}
	done(rows.Err())
	return out, rows.Err()
}

// MarkMessageUploaded records a completed blob upload.
func (s *Store) MarkMessageUploaded(ctx context.Context, id int64) error {
	done := track("uploads_mark")
	var err error
	defer func() { done(err) }()

	_, err = s.db.ExecContext(ctx, s.q(`UPDATE messages SET uploaded = TRUE WHERE id = $1`), id)
	return err
}

// MarkMessageNotUploaded puts a body back on the upload queue. The cleaner
// uses it when a body it was removing got re-referenced mid-pass.
func (s *Store) MarkMessageNotUploaded(ctx context.Context, id int64) error {
	done := track("uploads_requeue")
	var err error
	defer func() { done(err) }()

	_, err = s.db.ExecContext(ctx, s.q(`UPDATE messages SET uploaded = FALSE WHERE id = $1`), id)
	return err
}

// CountPendingUploads reports the upload backlog size.
func (s *Store) CountPendingUploads(ctx context.Context) (int64, error) {
	done := track("uploads_count")
	var err error
	defer func() { done(err) }()

	var n int64
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE NOT uploaded`).Scan(&n)
	return n, err
}

// UnuploadedHashes reports which of the given content hashes belong to
// bodies whose blob upload is still pending. The cache uses this to pin
// entries it must not evict.
func (s *Store) UnuploadedHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	done := track("uploads_pinned")
	var err error
	defer func() { done(err) }()

	out := make(map[string]bool)
	if len(hashes) == 0 {
		return out, nil
	}
	args := make([]any, len(hashes))
	for i, h := range hashes {
		args[i] = h
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT content_hash FROM messages
		WHERE NOT uploaded AND content_hash IN (`+inPlaceholders(1, len(hashes))+`)`), args...)
	if err != nil {
		return nil, fmt.Errorf("list unuploaded hashes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		if err = rows.Scan(&hash); err != nil {
			return nil, err
		}
		out[hash] = true
	}
	err = rows.Err()
	return out, err
}

// OrphanMessage is a body record no folder references anymore.
type OrphanMessage struct {
	ID          int64
	ContentHash string
	Uploaded    bool
}

// ListUnreferencedMessages finds body records with no remaining folder rows,
// past the grace period.
func (s *Store) ListUnreferencedMessages(ctx context.Context, olderThan time.Time, limit int) ([]OrphanMessage, error) {
	done := track("orphans_list")

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT m.id, m.content_hash, m.uploaded FROM messages m
		WHERE m.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM user_messages um WHERE um.message_id = m.id)
		ORDER BY m.id
		LIMIT $2
	`), olderThan, limit)
	if err != nil {
		done(err)
		return nil, fmt.Errorf("list unreferenced messages: %w", err)
	}
	defer rows.Close()

	var out []OrphanMessage
	for rows.Next() {
		var o OrphanMessage
		if err := rows.Scan(&o.ID, &o.ContentHash, &o.Uploaded); err != nil {
			done(err)
			return nil, err
		}
		out = append(out, o)
	}
	done(rows.Err())
	return out, rows.Err()
}

// DeleteMessageIfUnreferenced removes a body record unless a folder row
// appeared since it was listed. Reports whether the row went away.
func (s *Store) DeleteMessageIfUnreferenced(ctx context.Context, id int64) (bool, error) {
	done := track("orphans_delete")
	var err error
	defer func() { done(err) }()

	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM messages
		WHERE id = $1
		  AND NOT EXISTS (SELECT 1 FROM user_messages um WHERE um.message_id = messages.id)
	`), id)
	if err != nil {
		return false, fmt.Errorf("delete message %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
