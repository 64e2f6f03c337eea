package uploader

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brevmail/brev/blob"
	"github.com/brevmail/brev/cache"
	"github.com/brevmail/brev/config"
	"github.com/brevmail/brev/helpers"
	"github.com/brevmail/brev/store"
)

func newTestWorker(t *testing.T, cfg config.UploaderConfig) (*Worker, *store.Store, *cache.Cache, *blob.Memory) {
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

	blobs := blob.NewMemory()
	w, err := New(st, blobs, c, cfg)
	require.NoError(t, err)
	return w, st, c, blobs
}

// spoolMessage files one message for the user and puts its content in the
// cache, the state delivery leaves behind.
func spoolMessage(t *testing.T, st *store.Store, c *cache.Cache, body string) string {
	t.Helper()
	ctx := context.Background()

	raw := "From: a@example.com\r\nSubject: spool\r\n\r\n" + body + "\r\n"
	parsed, err := helpers.ParseMessage([]byte(raw))
	require.NoError(t, err)

	user, err := st.GetUserByAddress(ctx, "dest@example.com")
	if err != nil {
		user, err = st.CreateUser(ctx, "dest@example.com", "secret")
		require.NoError(t, err)
	}
	inbox, err := st.GetFolderByName(ctx, user.ID, "INBOX")
	require.NoError(t, err)

	_, err = st.Deliver(ctx, &store.DeliveryRequest{
		Parsed:  parsed,
		Targets: []store.DeliveryTarget{{UserID: user.ID, FolderID: inbox.ID}},
	})
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, parsed.ContentHash, []byte(raw)))
	return parsed.ContentHash
}

func TestUploaderDrainsSpool(t *testing.T) {
	ctx := context.Background()
	w, st, c, blobs := newTestWorker(t, config.UploaderConfig{})

	hash := spoolMessage(t, st, c, "first body")

	require.NoError(t, w.ProcessOnce(ctx))

	exists, err := blobs.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, exists, "content should reach the blob store")

	pending, err := st.ListPendingUploads(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The cache keeps its copy for reads; it is merely unpinned now.
	_, err = c.Get(ctx, hash)
	assert.NoError(t, err)
}

func TestUploaderRecoversAlreadyUploadedBlob(t *testing.T) {
	ctx := context.Background()
	w, st, c, blobs := newTestWorker(t, config.UploaderConfig{})

	hash := spoolMessage(t, st, c, "second body")

	// Simulate a crash after the blob write: content is in the blob store,
	// the spool copy is gone, the store row still says pending.
	data, err := c.Get(ctx, hash)
	require.NoError(t, err)
	require.NoError(t, blobs.Put(ctx, hash, bytes.NewReader(data), int64(len(data))))
	require.NoError(t, c.Delete(ctx, hash))

	require.NoError(t, w.ProcessOnce(ctx))

	pending, err := st.ListPendingUploads(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "bookkeeping should catch up with the existing blob")
}

func TestUploaderGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	w, st, c, _ := newTestWorker(t, config.UploaderConfig{MaxAttempts: 2})

	hash := spoolMessage(t, st, c, "third body")
	// Lose the content entirely.
	require.NoError(t, c.Delete(ctx, hash))

	for i := 0; i < 4; i++ {
		require.NoError(t, w.ProcessOnce(ctx))
	}

	// Never marked uploaded, and the worker stopped retrying.
	pending, err := st.ListPendingUploads(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, w.attemptsExhausted(hash))
}

func TestContentReaderRewarmsCache(t *testing.T) {
	ctx := context.Background()
	_, _, c, blobs := newTestWorker(t, config.UploaderConfig{})

	body := []byte("only in the blob store")
	hash := helpers.HashContent(body)
	require.NoError(t, blobs.Put(ctx, hash, bytes.NewReader(body), int64(len(body))))

	reader := NewContentReader(c, blobs)
	got, err := reader.Read(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	// Second read must come straight from the cache.
	cached, err := c.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, body, cached)
}

func TestContentReaderPrefersCache(t *testing.T) {
	ctx := context.Background()
	_, _, c, blobs := newTestWorker(t, config.UploaderConfig{})

	body := []byte("cache copy")
	hash := helpers.HashContent(body)
	require.NoError(t, c.Put(ctx, hash, body))
	// A diverging blob copy would reveal which source was read.
	require.NoError(t, blobs.Put(ctx, hash, bytes.NewReader([]byte("blob copy")), 9))

	reader := NewContentReader(c, blobs)
	got, err := reader.Read(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestContentReaderMissingEverywhere(t *testing.T) {
	ctx := context.Background()
	_, _, c, blobs := newTestWorker(t, config.UploaderConfig{})

	reader := NewContentReader(c, blobs)
	_, err := reader.Read(ctx, helpers.HashContent([]byte("never stored")))
	assert.Error(t, err)
}
