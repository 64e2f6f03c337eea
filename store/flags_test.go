package store

import (
	"context"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brevmail/brev/consts"
)

func TestSplitFlags(t *testing.T) {
	bits, custom := SplitFlags([]imap.Flag{
		imap.FlagSeen, imap.FlagDeleted, "$Label1", "$label1", "Work", "",
	})
	assert.Equal(t, FlagSeen|FlagDeleted, bits)
	assert.Equal(t, []string{"$label1", "work"}, custom)

	bits, custom = SplitFlags(nil)
	assert.Zero(t, bits)
	assert.Empty(t, custom)
}

func TestBitwiseRoundTrip(t *testing.T) {
	flags := []imap.Flag{imap.FlagSeen, imap.FlagAnswered, imap.FlagFlagged, imap.FlagDeleted, imap.FlagDraft}
	bits := 0
	for _, f := range flags {
		b := FlagToBitwise(f)
		assert.NotZero(t, b, "flag %s has no bit", f)
		bits |= b
	}
	assert.ElementsMatch(t, flags, BitwiseToFlags(bits))
	assert.Zero(t, FlagToBitwise("custom"))
}

func flagTestFixture(t *testing.T) (*Store, *User, int64) {
	t.Helper()
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "flags@example.com", "pw")
	require.NoError(t, err)
	inbox, err := s.GetFolderByName(ctx, user.ID, consts.FolderInbox)
	require.NoError(t, err)
	deliverOne(t, s, user, inbox, testMessage(t, "s@e.org", "flag-target", "x"), true)
	messages, err := s.ListMessages(ctx, inbox.ID)
	require.NoError(t, err)
	return s, user, messages[0].MessageID
}

func TestFlagOperations(t *testing.T) {
	s, user, messageID := flagTestFixture(t)
	ctx := context.Background()

	flags, err := s.AddMessageFlags(ctx, user.ID, messageID, []imap.Flag{imap.FlagSeen, "urgent"})
	require.NoError(t, err)
	assert.Contains(t, flags, imap.FlagSeen)
	assert.Contains(t, flags, imap.Flag("urgent"))
	assert.Contains(t, flags, imap.Flag("\\Recent"), "delivery set recent")

	flags, err = s.RemoveMessageFlags(ctx, user.ID, messageID, []imap.Flag{imap.FlagSeen})
	require.NoError(t, err)
	assert.NotContains(t, flags, imap.FlagSeen)
	assert.Contains(t, flags, imap.Flag("urgent"))

	flags, err = s.SetMessageFlags(ctx, user.ID, messageID, []imap.Flag{imap.FlagAnswered})
	require.NoError(t, err)
	assert.Contains(t, flags, imap.FlagAnswered)
	assert.NotContains(t, flags, imap.Flag("urgent"), "set replaces custom flags")
	assert.Contains(t, flags, imap.Flag("\\Recent"), "set must not drop recent")

	stored, err := s.GetMessageFlags(ctx, user.ID, messageID)
	require.NoError(t, err)
	assert.ElementsMatch(t, flags, stored)
}

func TestFlagsRejectClientRecent(t *testing.T) {
	s, user, messageID := flagTestFixture(t)
	ctx := context.Background()

	flags, err := s.RemoveMessageFlags(ctx, user.ID, messageID, []imap.Flag{imap.Flag("\\Recent")})
	require.NoError(t, err)
	assert.Contains(t, flags, imap.Flag("\\Recent"), "clients cannot clear recent")

	flags, err = s.SetMessageFlags(ctx, user.ID, messageID, nil)
	require.NoError(t, err)
	assert.Equal(t, []imap.Flag{imap.Flag("\\Recent")}, flags)
}

func TestFlagsUnknownMessage(t *testing.T) {
	s, user, _ := flagTestFixture(t)
	ctx := context.Background()

	_, err := s.AddMessageFlags(ctx, user.ID, 99999, []imap.Flag{imap.FlagSeen})
	assert.ErrorIs(t, err, consts.ErrMessageNotFound)
}

func TestSieveScriptLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "sieve@example.com", "pw")
	require.NoError(t, err)

	_, err = s.GetActiveSieveScript(ctx, user.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	script := `require ["fileinto"];
if header :contains "subject" "spam" { fileinto "Junk"; }`
	_, err = s.PutSieveScript(ctx, user.ID, "main", script)
	require.NoError(t, err)
	_, err = s.PutSieveScript(ctx, user.ID, "alt", `keep;`)
	require.NoError(t, err)

	scripts, err := s.ListSieveScripts(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, scripts, 2)

	require.NoError(t, s.SetActiveSieveScript(ctx, user.ID, "main"))
	active, err := s.GetActiveSieveScript(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "main", active.Name)
	assert.Equal(t, script, active.Script)

	// Activating another script swaps, never stacks.
	require.NoError(t, s.SetActiveSieveScript(ctx, user.ID, "alt"))
	active, err = s.GetActiveSieveScript(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alt", active.Name)

	// Replacing a script keeps its activation.
	_, err = s.PutSieveScript(ctx, user.ID, "alt", `discard;`)
	require.NoError(t, err)
	active, err = s.GetActiveSieveScript(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "discard;", active.Script)

	assert.ErrorIs(t, s.DeleteSieveScript(ctx, user.ID, "alt"), consts.ErrNotPermitted)
	require.NoError(t, s.DeleteSieveScript(ctx, user.ID, "main"))
	assert.ErrorIs(t, s.SetActiveSieveScript(ctx, user.ID, "missing"), consts.ErrSieveScriptNotFound)

	require.NoError(t, s.SetActiveSieveScript(ctx, user.ID, ""))
	_, err = s.GetActiveSieveScript(ctx, user.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
