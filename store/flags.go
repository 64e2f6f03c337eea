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
)

// Standard flags live in a bitmask column; custom keywords in a JSON array
// next to it. The two sets never mix: a keyword spelled like a standard flag
// is the standard flag.
const (
	FlagSeen = 1 << iota
	FlagAnswered
	FlagFlagged
	FlagDeleted
	FlagDraft
	FlagRecent
)

const maxCustomFlagLength = 100

// FlagToBitwise maps a standard IMAP flag onto its bit, or 0 for keywords.
func FlagToBitwise(flag imap.Flag) int {
	switch strings.ToLower(string(flag)) {
	case strings.ToLower(string(imap.FlagSeen)):
		return FlagSeen
	case strings.ToLower(string(imap.FlagAnswered)):
		return FlagAnswered
	case strings.ToLower(string(imap.FlagFlagged)):
		return FlagFlagged
	case strings.ToLower(string(imap.FlagDeleted)):
		return FlagDeleted
	case strings.ToLower(string(imap.FlagDraft)):
		return FlagDraft
	case "\\recent":
		return FlagRecent
	}
	return 0
}

// BitwiseToFlags expands a bitmask into the standard flags it carries.
func BitwiseToFlags(bits int) []imap.Flag {
	var flags []imap.Flag
	if bits&FlagSeen != 0 {
		flags = append(flags, imap.FlagSeen)
	}
	if bits&FlagAnswered != 0 {
		flags = append(flags, imap.FlagAnswered)
	}
	if bits&FlagFlagged != 0 {
		flags = append(flags, imap.FlagFlagged)
	}
	if bits&FlagDeleted != 0 {
		flags = append(flags, imap.FlagDeleted)
	}
	if bits&FlagDraft != 0 {
		flags = append(flags, imap.FlagDraft)
	}
	if bits&FlagRecent != 0 {
		flags = append(flags, imap.Flag("\\Recent"))
	}
	return flags
}

// SplitFlags separates a flag list into the standard bitmask and the custom
// keyword set. Keywords are lowercased, deduplicated and sorted; overlong
// ones are dropped.
func SplitFlags(flags []imap.Flag) (int, []string) {
	bits := 0
	var custom []string
	for _, f := range flags {
		if b := FlagToBitwise(f); b != 0 {
			bits |= b
			continue
		}
		kw := strings.ToLower(strings.TrimSpace(string(f)))
		if kw == "" || len(kw) > maxCustomFlagLength || strings.HasPrefix(kw, "\\") {
			continue
		}
		custom = append(custom, kw)
	}
	slices.Sort(custom)
	custom = slices.Compact(custom)
	return bits, custom
}

func combineFlags(bits int, custom []string) []imap.Flag {
	flags := BitwiseToFlags(bits)
	for _, kw := range custom {
		flags = append(flags, imap.Flag(kw))
	}
	return flags
}

func marshalCustomFlags(custom []string) (string, error) {
	if len(custom) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(custom)
	if err != nil {
		return "", fmt.Errorf("encode custom flags: %w", err)
	}
	return string(raw), nil
}

func unmarshalCustomFlags(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var custom []string
	if err := json.Unmarshal([]byte(raw), &custom); err != nil {
		return nil, fmt.Errorf("decode custom flags: %w", err)
	}
	return custom, nil
}

// flagUpdate applies a read-modify-write on one user's flag row for one
// message and returns the resulting flag list.
func (s *Store) flagUpdate(ctx context.Context, op string, userID, messageID int64, apply func(bits int, custom []string) (int, []string)) ([]imap.Flag, error) {
	done := track(op)
	var (
		result []imap.Flag
		err    error
	)
	defer func() { done(err) }()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		txErr := tx.QueryRowContext(ctx, s.q(`
			SELECT 1 FROM user_messages WHERE user_id = $1 AND message_id = $2 LIMIT 1
		`), userID, messageID).Scan(&exists)
		if txErr != nil {
			if errors.Is(mapDBError(txErr), ErrNotFound) {
				return consts.ErrMessageNotFound
			}
			return txErr
		}

		bits := 0
		var customRaw string
		txErr = tx.QueryRowContext(ctx, s.q(`
			SELECT flags, custom_flags FROM message_flags WHERE message_id = $1 AND user_id = $2`+s.forUpdate(),
		), messageID, userID).Scan(&bits, &customRaw)
		if txErr != nil && !errors.Is(mapDBError(txErr), ErrNotFound) {
			return txErr
		}
		custom, txErr := unmarshalCustomFlags(customRaw)
		if txErr != nil {
			return txErr
		}

		bits, custom = apply(bits, custom)
		raw, txErr := marshalCustomFlags(custom)
		if txErr != nil {
			return txErr
		}
		_, txErr = tx.ExecContext(ctx, s.q(`
			INSERT INTO message_flags (message_id, user_id, flags, custom_flags, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (message_id, user_id)
			DO UPDATE SET flags = excluded.flags, custom_flags = excluded.custom_flags, updated_at = excluded.updated_at
		`), messageID, userID, bits, raw, time.Now().UTC())
		if txErr != nil {
			return txErr
		}
		result = combineFlags(bits, custom)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetMessageFlags replaces the user's flags on a message. The Recent bit is
// owned by the server and survives a replace.
func (s *Store) SetMessageFlags(ctx context.Context, userID, messageID int64, flags []imap.Flag) ([]imap.Flag, error) {
	newBits, newCustom := SplitFlags(flags)
	newBits &^= FlagRecent
	return s.flagUpdate(ctx, "flags_set", userID, messageID, func(bits int, _ []string) (int, []string) {
		return newBits | (bits & FlagRecent), newCustom
	})
}

// AddMessageFlags adds flags to the user's set on a message.
func (s *Store) AddMessageFlags(ctx context.Context, userID, messageID int64, flags []imap.Flag) ([]imap.Flag, error) {
	addBits, addCustom := SplitFlags(flags)
	addBits &^= FlagRecent
	return s.flagUpdate(ctx, "flags_add", userID, messageID, func(bits int, custom []string) (int, []string) {
		merged := append(custom, addCustom...)
		slices.Sort(merged)
		return bits | addBits, slices.Compact(merged)
	})
}

// RemoveMessageFlags removes flags from the user's set on a message.
func (s *Store) RemoveMessageFlags(ctx context.Context, userID, messageID int64, flags []imap.Flag) ([]imap.Flag, error) {
	removeBits, removeCustom := SplitFlags(flags)
	removeBits &^= FlagRecent
	return s.flagUpdate(ctx, "flags_remove", userID, messageID, func(bits int, custom []string) (int, []string) {
		kept := custom[:0]
		for _, kw := range custom {
			if !slices.Contains(removeCustom, kw) {
				kept = append(kept, kw)
			}
		}
		return bits &^ removeBits, kept
	})
}

// GetMessageFlags returns the user's flags on a message. A missing row is an
// empty set.
func (s *Store) GetMessageFlags(ctx context.Context, userID, messageID int64) ([]imap.Flag, error) {
	done := track("flags_get")
	var err error
	defer func() { done(err) }()

	bits := 0
	var customRaw string
	err = s.db.QueryRowContext(ctx, s.q(`
		SELECT flags, custom_flags FROM message_flags WHERE message_id = $1 AND user_id = $2
	`), messageID, userID).Scan(&bits, &customRaw)
	if err != nil {
		if errors.Is(mapDBError(err), ErrNotFound) {
			err = nil
			return nil, nil
		}
		return nil, fmt.Errorf("get flags: %w", err)
	}
	custom, err := unmarshalCustomFlags(customRaw)
	if err != nil {
		return nil, err
	}
	return combineFlags(bits, custom), nil
}

// ClearRecentFlags drops the Recent bit across a folder. Called once the
// first session has seen the recent count.
func (s *Store) ClearRecentFlags(ctx context.Context, userID, folderID int64) error {
	done := track("flags_clear_recent")
	var err error
	defer func() { done(err) }()

	_, err = s.db.ExecContext(ctx, s.q(fmt.Sprintf(`
		UPDATE message_flags SET flags = flags & ~%d
		WHERE user_id = $1
		  AND (flags & %d) <> 0
		  AND message_id IN (SELECT message_id FROM user_messages WHERE folder_id = $2)
	`, FlagRecent, FlagRecent)), userID, folderID)
	return err
}
