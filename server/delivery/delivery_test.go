package delivery

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brevmail/brev/cache"
	"github.com/brevmail/brev/config"
	"github.com/brevmail/brev/server/events"
	"github.com/brevmail/brev/store"
)

// recordingSink collects every notification for assertions.
type recordingSink struct {
	mu      sync.Mutex
	changes []string
}

func (r *recordingSink) FolderChanged(_ context.Context, _ int64, folder string, change events.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, folder+":"+string(change))
}

func (r *recordingSink) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.changes...)
}

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store, *cache.Cache, *recordingSink) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(dir, "brev.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx))

	c, err := cache.New(config.CacheConfig{
		Path:     filepath.Join(dir, "cache"),
		Capacity: 10 << 20,
	}, st)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	sink := &recordingSink{}
	return New(st, c, sink), st, c, sink
}

const sampleMessage = "From: sender@example.com\r\n" +
	"To: dest@example.com\r\n" +
	"Subject: invoice for July\r\n" +
	"Message-ID: <inv-1@example.com>\r\n" +
	"\r\n" +
	"Please find the invoice attached.\r\n"

func TestDeliverToInbox(t *testing.T) {
	ctx := context.Background()
	p, st, c, sink := newTestPipeline(t)

	user, err := st.CreateUser(ctx, "dest@example.com", "secret")
	require.NoError(t, err)

	results, err := p.Deliver(ctx, &Request{
		Raw:        []byte(sampleMessage),
		Source:     "smtp",
		Sender:     "sender@example.com",
		Recipients: []*store.User{user},
		Recent:     true,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "INBOX", results[0].Folder.Name)
	assert.Equal(t, imap.UID(1), results[0].UID)

	// Content spooled to the cache under its hash.
	inbox, err := st.GetFolderByName(ctx, user.ID, "INBOX")
	require.NoError(t, err)
	msgs, err := st.ListMessages(ctx, inbox.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	raw, err := c.Get(ctx, msgs[0].ContentHash)
	require.NoError(t, err)
	assert.Equal(t, sampleMessage, string(raw))
	assert.Contains(t, msgs[0].Flags(), imap.Flag("\\Recent"))

	assert.Equal(t, []string{"INBOX:delivered"}, sink.all())
}

func TestDeliverFileInto(t *testing.T) {
	ctx := context.Background()
	p, st, _, _ := newTestPipeline(t)

	user, err := st.CreateUser(ctx, "dest@example.com", "secret")
	require.NoError(t, err)
	_, err = st.CreateFolder(ctx, user.ID, "Receipts")
	require.NoError(t, err)

	script := `require "fileinto";
if header :contains "Subject" "invoice" { fileinto "Receipts"; }`
	_, err = st.PutSieveScript(ctx, user.ID, "filing", script)
	require.NoError(t, err)
	require.NoError(t, st.SetActiveSieveScript(ctx, user.ID, "filing"))

	results, err := p.Deliver(ctx, &Request{
		Raw:        []byte(sampleMessage),
		Source:     "smtp",
		Sender:     "sender@example.com",
		Recipients: []*store.User{user},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Receipts", results[0].Folder.Name)

	inbox, err := st.GetFolderByName(ctx, user.ID, "INBOX")
	require.NoError(t, err)
	msgs, err := st.ListMessages(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs, "fileinto should bypass INBOX")
}

func TestDeliverFileIntoCreatesFolder(t *testing.T) {
	ctx := context.Background()
	p, st, _, _ := newTestPipeline(t)

	user, err := st.CreateUser(ctx, "dest@example.com", "secret")
	require.NoError(t, err)

	script := `require ["fileinto", "mailbox"];
fileinto :create "Auto";`
	_, err = st.PutSieveScript(ctx, user.ID, "filing", script)
	require.NoError(t, err)
	require.NoError(t, st.SetActiveSieveScript(ctx, user.ID, "filing"))

	results, err := p.Deliver(ctx, &Request{
		Raw:        []byte(sampleMessage),
		Source:     "smtp",
		Sender:     "sender@example.com",
		Recipients: []*store.User{user},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Auto", results[0].Folder.Name)

	folder, err := st.GetFolderByName(ctx, user.ID, "Auto")
	require.NoError(t, err)
	assert.NotZero(t, folder.UIDValidity)
}

func TestDeliverMissingFilterTargetKeepsToInbox(t *testing.T) {
	ctx := context.Background()
	p, st, _, _ := newTestPipeline(t)

	user, err := st.CreateUser(ctx, "dest@example.com", "secret")
	require.NoError(t, err)

	script := `require "fileinto";
fileinto "NoSuchFolder";`
	_, err = st.PutSieveScript(ctx, user.ID, "filing", script)
	require.NoError(t, err)
	require.NoError(t, st.SetActiveSieveScript(ctx, user.ID, "filing"))

	results, err := p.Deliver(ctx, &Request{
		Raw:        []byte(sampleMessage),
		Source:     "smtp",
		Sender:     "sender@example.com",
		Recipients: []*store.User{user},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "INBOX", results[0].Folder.Name)
}

func TestDeliverDiscard(t *testing.T) {
	ctx := context.Background()
	p, st, _, sink := newTestPipeline(t)

	user, err := st.CreateUser(ctx, "dest@example.com", "secret")
	require.NoError(t, err)

	_, err = st.PutSieveScript(ctx, user.ID, "drop", `discard;`)
	require.NoError(t, err)
	require.NoError(t, st.SetActiveSieveScript(ctx, user.ID, "drop"))

	results, err := p.Deliver(ctx, &Request{
		Raw:        []byte(sampleMessage),
		Source:     "smtp",
		Sender:     "sender@example.com",
		Recipients: []*store.User{user},
	})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, sink.all())

	inbox, err := st.GetFolderByName(ctx, user.ID, "INBOX")
	require.NoError(t, err)
	msgs, err := st.ListMessages(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeliverExplicitFolderSkipsFilters(t *testing.T) {
	ctx := context.Background()
	p, st, _, _ := newTestPipeline(t)

	user, err := st.CreateUser(ctx, "dest@example.com", "secret")
	require.NoError(t, err)

	// An active discard script must not affect an APPEND.
	_, err = st.PutSieveScript(ctx, user.ID, "drop", `discard;`)
	require.NoError(t, err)
	require.NoError(t, st.SetActiveSieveScript(ctx, user.ID, "drop"))

	results, err := p.Deliver(ctx, &Request{
		Raw:        []byte(sampleMessage),
		Source:     "imap",
		Recipients: []*store.User{user},
		Folder:     "Drafts",
		Flags:      []imap.Flag{imap.FlagDraft},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Drafts", results[0].Folder.Name)

	msg, err := st.GetMessageByUID(ctx, results[0].Folder.ID, results[0].UID)
	require.NoError(t, err)
	assert.Contains(t, msg.Flags(), imap.FlagDraft)
}

func TestDeliverMultiRecipientSingleMessage(t *testing.T) {
	ctx := context.Background()
	p, st, _, sink := newTestPipeline(t)

	alice, err := st.CreateUser(ctx, "alice@example.com", "secret")
	require.NoError(t, err)
	bob, err := st.CreateUser(ctx, "bob@example.com", "secret")
	require.NoError(t, err)

	// Bob files invoices away; Alice has no script.
	_, err = st.CreateFolder(ctx, bob.ID, "Receipts")
	require.NoError(t, err)
	script := `require "fileinto";
if header :contains "Subject" "invoice" { fileinto "Receipts"; }`
	_, err = st.PutSieveScript(ctx, bob.ID, "filing", script)
	require.NoError(t, err)
	require.NoError(t, st.SetActiveSieveScript(ctx, bob.ID, "filing"))

	results, err := p.Deliver(ctx, &Request{
		Raw:        []byte(sampleMessage),
		Source:     "smtp",
		Sender:     "sender@example.com",
		Recipients: []*store.User{alice, bob},
		Recent:     true,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "INBOX", results[0].Folder.Name)
	assert.Equal(t, "Receipts", results[1].Folder.Name)

	// One body row shared across recipients.
	aliceInbox, err := st.GetFolderByName(ctx, alice.ID, "INBOX")
	require.NoError(t, err)
	aliceMsgs, err := st.ListMessages(ctx, aliceInbox.ID)
	require.NoError(t, err)
	bobFolder, err := st.GetFolderByName(ctx, bob.ID, "Receipts")
	require.NoError(t, err)
	bobMsgs, err := st.ListMessages(ctx, bobFolder.ID)
	require.NoError(t, err)
	require.Len(t, aliceMsgs, 1)
	require.Len(t, bobMsgs, 1)
	assert.Equal(t, aliceMsgs[0].MessageID, bobMsgs[0].MessageID)

	assert.Len(t, sink.all(), 2)
}

func TestDeliverScriptFlags(t *testing.T) {
	ctx := context.Background()
	p, st, _, _ := newTestPipeline(t)

	user, err := st.CreateUser(ctx, "dest@example.com", "secret")
	require.NoError(t, err)

	script := `require "imap4flags";
setflag ["\\Seen"];`
	_, err = st.PutSieveScript(ctx, user.ID, "markread", script)
	require.NoError(t, err)
	require.NoError(t, st.SetActiveSieveScript(ctx, user.ID, "markread"))

	results, err := p.Deliver(ctx, &Request{
		Raw:        []byte(sampleMessage),
		Source:     "smtp",
		Sender:     "sender@example.com",
		Recipients: []*store.User{user},
		Recent:     true,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	msg, err := st.GetMessageByUID(ctx, results[0].Folder.ID, results[0].UID)
	require.NoError(t, err)
	assert.Contains(t, msg.Flags(), imap.FlagSeen)
	assert.Contains(t, msg.Flags(), imap.Flag("\\Recent"))
}
