package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brevmail/brev/config"
	"github.com/brevmail/brev/consts"
	"github.com/brevmail/brev/helpers"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "brev.db"),
	}
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testMessage(t *testing.T, from, subject, body string) *helpers.ParsedMessage {
	t.Helper()

	raw := fmt.Sprintf("From: %s\r\nTo: rcpt@example.com\r\nSubject: %s\r\nDate: Mon, 02 Jun 2025 10:00:00 +0000\r\nMessage-ID: <%s@example.com>\r\n\r\n%s\r\n",
		from, subject, subject, body)
	parsed, err := helpers.ParseMessage([]byte(raw))
	require.NoError(t, err)
	return parsed
}

func deliverOne(t *testing.T, s *Store, user *User, folder *Folder, parsed *helpers.ParsedMessage, recent bool) imap.UID {
	t.Helper()

	delivery, err := s.Deliver(context.Background(), &DeliveryRequest{
		Parsed:  parsed,
		Recent:  recent,
		Targets: []DeliveryTarget{{UserID: user.ID, FolderID: folder.ID}},
	})
	require.NoError(t, err)
	require.Len(t, delivery.Results, 1)
	return delivery.Results[0].UID
}

func TestCreateUserDefaultFolders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "alice@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, "example.com", user.Domain)
	assert.Equal(t, "alice@example.com", user.Address())

	folders, err := s.ListFolders(ctx, user.ID, false)
	require.NoError(t, err)
	require.Len(t, folders, len(consts.DefaultFolders))

	seen := map[uint32]bool{}
	for _, f := range folders {
		assert.NotZero(t, f.UIDValidity, "folder %s has zero uidvalidity", f.Name)
		assert.False(t, seen[f.UIDValidity], "uidvalidity reused within account")
		seen[f.UIDValidity] = true
	}

	inbox, err := s.GetFolderByName(ctx, user.ID, "inbox")
	require.NoError(t, err)
	assert.Equal(t, consts.FolderInbox, inbox.Name)
	assert.True(t, inbox.IsInbox())

	_, err = s.CreateUser(ctx, "alice@example.com", "other")
	assert.ErrorIs(t, err, consts.ErrUserExists)
}

func TestAuthenticate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "bob@example.com", "hunter2")
	require.NoError(t, err)

	user, err := s.Authenticate(ctx, "bob@example.com", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "bob", user.Username)

	_, err = s.Authenticate(ctx, "bob@example.com", "wrong")
	assert.ErrorIs(t, err, consts.ErrAuthFailed)

	_, err = s.Authenticate(ctx, "nobody@example.com", "hunter2")
	assert.ErrorIs(t, err, consts.ErrAuthFailed)

	require.NoError(t, s.SetPassword(ctx, "bob@example.com", "newpass"))
	_, err = s.Authenticate(ctx, "bob@example.com", "hunter2")
	assert.ErrorIs(t, err, consts.ErrAuthFailed)
	_, err = s.Authenticate(ctx, "bob@example.com", "newpass")
	assert.NoError(t, err)
}

func TestUIDAllocationMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "carol@example.com", "pw")
	require.NoError(t, err)
	inbox, err := s.GetFolderByName(ctx, user.ID, consts.FolderInbox)
	require.NoError(t, err)

	const n = 20
	uids := make([]imap.UID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			parsed := testMessage(t, "sender@example.org", fmt.Sprintf("msg-%d", i), "body")
			delivery, err := s.Deliver(ctx, &DeliveryRequest{
				Parsed:  parsed,
				Targets: []DeliveryTarget{{UserID: user.ID, FolderID: inbox.ID}},
			})
			if err == nil && len(delivery.Results) == 1 {
				uids[i] = delivery.Results[0].UID
			}
		}(i)
	}
	wg.Wait()

	seen := map[imap.UID]bool{}
	for i, uid := range uids {
		require.NotZero(t, uid, "delivery %d got no uid", i)
		require.False(t, seen[uid], "uid %d allocated twice", uid)
		seen[uid] = true
	}
	for uid := imap.UID(1); uid <= n; uid++ {
		assert.True(t, seen[uid], "uid sequence has a gap at %d", uid)
	}

	messages, err := s.ListMessages(ctx, inbox.ID)
	require.NoError(t, err)
	require.Len(t, messages, n)
	for i := 1; i < len(messages); i++ {
		assert.Greater(t, messages[i].UID, messages[i-1].UID)
	}
}

func TestUIDsNeverReusedAfterExpunge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "dave@example.com", "pw")
	require.NoError(t, err)
	inbox, err := s.GetFolderByName(ctx, user.ID, consts.FolderInbox)
	require.NoError(t, err)

	var last imap.UID
	for i := 0; i < 3; i++ {
		last = deliverOne(t, s, user, inbox, testMessage(t, "s@e.org", fmt.Sprintf("a-%d", i), "x"), false)
	}
	require.Equal(t, imap.UID(3), last)

	removed, err := s.ExpungeMessages(ctx, user.ID, inbox.ID, []imap.UID{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, removed, 3)

	// The folder is empty again, yet allocation continues past the
	// watermark instead of starting over.
	uid := deliverOne(t, s, user, inbox, testMessage(t, "s@e.org", "after-expunge", "x"), false)
	assert.Equal(t, imap.UID(4), uid)
}

func TestCatchAllUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "postmaster@example.com", "pw")
	require.NoError(t, err)

	_, err = s.GetCatchAllUser(ctx, "example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetCatchAllUser(ctx, "example.com", "postmaster@example.com"))
	catchAll, err := s.GetCatchAllUser(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "postmaster", catchAll.Username)

	require.NoError(t, s.SetCatchAllUser(ctx, "example.com", ""))
	_, err = s.GetCatchAllUser(ctx, "example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.SetCatchAllUser(ctx, "other.org", "postmaster@example.com")
	assert.Error(t, err)
}

func TestDeleteUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "gone@example.com", "pw")
	require.NoError(t, err)
	inbox, err := s.GetFolderByName(ctx, user.ID, consts.FolderInbox)
	require.NoError(t, err)
	deliverOne(t, s, user, inbox, testMessage(t, "s@e.org", "bye", "x"), false)

	require.NoError(t, s.DeleteUser(ctx, "gone@example.com"))

	_, err = s.GetUserByAddress(ctx, "gone@example.com")
	assert.ErrorIs(t, err, consts.ErrUserNotFound)
	folders, err := s.ListFolders(ctx, user.ID, false)
	require.NoError(t, err)
	assert.Empty(t, folders)

	// The body record survives for the cleaner to collect.
	orphans, err := s.ListUnreferencedMessages(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, orphans, 1)

	assert.ErrorIs(t, s.DeleteUser(ctx, "gone@example.com"), consts.ErrUserNotFound)
}

func TestMigrationVersion(t *testing.T) {
	s := newTestStore(t)

	version, dirty, err := s.MigrationVersion(context.Background())
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.NotZero(t, version)
}
