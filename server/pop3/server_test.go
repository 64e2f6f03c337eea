package pop3

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brevmail/brev/blob"
	"github.com/brevmail/brev/cache"
	"github.com/brevmail/brev/config"
	"github.com/brevmail/brev/consts"
	"github.com/brevmail/brev/server/delivery"
	"github.com/brevmail/brev/server/events"
	"github.com/brevmail/brev/server/uploader"
	"github.com/brevmail/brev/store"
)

const testPassword = "opensesame"

type popEnv struct {
	store *store.Store
	pipe  *delivery.Pipeline
	addr  string
}

// startPOP3 brings up a server on a loopback listener backed by a fresh
// sqlite store and an in-memory blob store. The client-error delay is
// zeroed so misbehaving-client tests run fast.
func startPOP3(t *testing.T, cfg config.POP3ServerConfig) *popEnv {
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

	pipe := delivery.New(st, c, events.NopSink{})
	content := uploader.NewContentReader(c, blob.NewMemory())

	srv, err := New("mail.test.local", st, content, events.NopSink{}, cfg)
	require.NoError(t, err)
	srv.errorDelay = 0

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ctx, ln)
	t.Cleanup(func() { srv.Close() })

	return &popEnv{store: st, pipe: pipe, addr: ln.Addr().String()}
}

func newTestServer(t *testing.T) *popEnv {
	t.Helper()
	return startPOP3(t, config.POP3ServerConfig{MaxConnections: 20})
}

func (e *popEnv) user(t *testing.T, address string) *store.User {
	t.Helper()
	u, err := e.store.CreateUser(context.Background(), address, testPassword)
	require.NoError(t, err)
	return u
}

// deliver pushes raw content through the pipeline the way the SMTP frontend
// would and returns the exact bytes stored.
func (e *popEnv) deliver(t *testing.T, u *store.User, subject, body string) []byte {
	t.Helper()
	raw := fmt.Sprintf("From: sender@example.com\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Date: Thu, 17 Jul 2025 09:00:00 +0000\r\n"+
		"Message-ID: <%d.%s@example.com>\r\n"+
		"\r\n"+
		"%s\r\n", u.Address(), subject, time.Now().UnixNano(), u.Username, body)
	results, err := e.pipe.Deliver(context.Background(), &delivery.Request{
		Raw:        []byte(raw),
		Source:     "smtp",
		Sender:     "sender@example.com",
		Recipients: []*store.User{u},
		Recent:     true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	return []byte(raw)
}

type popClient struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func dialPOP3(t *testing.T, addr string) *popClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	c := &popClient{t: t, conn: conn, br: bufio.NewReader(conn)}
	greeting := c.readLine()
	require.True(t, strings.HasPrefix(greeting, "+OK"), "greeting %q", greeting)
	return c
}

func (c *popClient) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.br.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
}

func (c *popClient) writeLine(s string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, err := c.conn.Write([]byte(s + "\r\n"))
	require.NoError(c.t, err)
}

// cmd sends one command and returns the single status line.
func (c *popClient) cmd(line string) string {
	c.t.Helper()
	c.writeLine(line)
	return c.readLine()
}

func (c *popClient) mustOK(line string) string {
	c.t.Helper()
	resp := c.cmd(line)
	require.True(c.t, strings.HasPrefix(resp, "+OK"), "command %q: %q", line, resp)
	return resp
}

func (c *popClient) mustErr(line string) string {
	c.t.Helper()
	resp := c.cmd(line)
	require.True(c.t, strings.HasPrefix(resp, "-ERR"), "command %q: %q", line, resp)
	return resp
}

// multiline sends a command expecting a multi-line response and returns the
// status line plus the payload lines with byte-stuffing undone.
func (c *popClient) multiline(line string) (string, []string) {
	c.t.Helper()
	status := c.mustOK(line)
	var lines []string
	for {
		l := c.readLine()
		if l == "." {
			return status, lines
		}
		lines = append(lines, strings.TrimPrefix(l, "."))
	}
}

// retrRaw reconstructs the exact transmitted octets of a RETR response.
func (c *popClient) retrRaw(n int) []byte {
	c.t.Helper()
	_, lines := c.multiline(fmt.Sprintf("RETR %d", n))
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteString("\r\n")
	}
	return []byte(sb.String())
}

func (c *popClient) login(address string) {
	c.t.Helper()
	c.mustOK("USER " + address)
	c.mustOK("PASS " + testPassword)
}

func TestLoginAndStat(t *testing.T) {
	env := newTestServer(t)
	u := env.user(t, "mia@example.com")
	env.deliver(t, u, "one", "first body")
	env.deliver(t, u, "two", "second body")

	c := dialPOP3(t, env.addr)
	c.login("mia@example.com")

	resp := c.mustOK("STAT")
	fields := strings.Fields(resp)
	require.Len(t, fields, 3)
	assert.Equal(t, "2", fields[1])
}

func TestAuthenticationFailure(t *testing.T) {
	env := newTestServer(t)
	env.user(t, "mia@example.com")

	c := dialPOP3(t, env.addr)
	c.mustOK("USER mia@example.com")
	c.mustErr("PASS wrongpassword")

	// Authorization state persists; a correct retry succeeds.
	c.mustOK("USER mia@example.com")
	c.mustOK("PASS " + testPassword)
}

func TestPassBeforeUser(t *testing.T) {
	env := newTestServer(t)

	c := dialPOP3(t, env.addr)
	c.mustErr("PASS " + testPassword)
}

func TestDetailAddressResolvesBaseAccount(t *testing.T) {
	env := newTestServer(t)
	u := env.user(t, "mia@example.com")
	env.deliver(t, u, "hello", "body")

	c := dialPOP3(t, env.addr)
	c.mustOK("USER mia+anything@example.com")
	c.mustOK("PASS " + testPassword)
	resp := c.mustOK("STAT")
	assert.Equal(t, "1", strings.Fields(resp)[1])
}

func TestCapa(t *testing.T) {
	env := newTestServer(t)

	c := dialPOP3(t, env.addr)
	_, lines := c.multiline("CAPA")
	assert.Contains(t, lines, "UIDL")
	assert.Contains(t, lines, "TOP")
	assert.Contains(t, lines, "PIPELINING")
}

// TestSnapshotUpdateTransaction walks the full maildrop life cycle: the
// session works on the login snapshot, a concurrent delivery stays
// invisible, QUIT removes exactly the marked messages, and the next session
// sees the survivors plus the new arrival.
func TestSnapshotUpdateTransaction(t *testing.T) {
	env := newTestServer(t)
	u := env.user(t, "mia@example.com")
	env.deliver(t, u, "one", "first body")
	env.deliver(t, u, "two", "second body")

	c := dialPOP3(t, env.addr)
	c.login("mia@example.com")

	resp := c.mustOK("STAT")
	assert.Equal(t, "2", strings.Fields(resp)[1])

	c.mustOK("DELE 1")

	// Delivered mid-session: invisible until the next login.
	env.deliver(t, u, "three", "third body")

	resp = c.mustOK("STAT")
	assert.Equal(t, "1", strings.Fields(resp)[1])

	_, listing := c.multiline("LIST")
	require.Len(t, listing, 1)
	assert.True(t, strings.HasPrefix(listing[0], "2 "), "listing %q", listing[0])

	resp = c.mustOK("QUIT")
	assert.Contains(t, resp, "1 messages removed")

	// The next session sees message two and the mid-session arrival.
	c2 := dialPOP3(t, env.addr)
	c2.login("mia@example.com")
	resp = c2.mustOK("STAT")
	assert.Equal(t, "2", strings.Fields(resp)[1])

	folder, err := env.store.GetFolderByName(context.Background(), u.ID, consts.FolderInbox)
	require.NoError(t, err)
	msgs, err := env.store.ListMessages(context.Background(), folder.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.EqualValues(t, 2, msgs[0].UID)
	assert.EqualValues(t, 3, msgs[1].UID)
}

func TestRetrRoundTrip(t *testing.T) {
	env := newTestServer(t)
	u := env.user(t, "mia@example.com")
	// Lines starting with a dot must survive the stuffing round trip.
	raw := env.deliver(t, u, "dots", "first line\r\n.hidden dot line\r\n..double\r\nlast line")

	c := dialPOP3(t, env.addr)
	c.login("mia@example.com")

	got := c.retrRaw(1)
	assert.Equal(t, string(raw), string(got))
}

func TestTopReturnsHeadersAndBodyPrefix(t *testing.T) {
	env := newTestServer(t)
	u := env.user(t, "mia@example.com")
	env.deliver(t, u, "peek", "line one\r\nline two\r\nline three")

	c := dialPOP3(t, env.addr)
	c.login("mia@example.com")

	_, lines := c.multiline("TOP 1 2")
	var blank int
	for i, l := range lines {
		if l == "" {
			blank = i
			break
		}
	}
	require.Greater(t, blank, 0, "response %q has no header separator", lines)
	header := strings.Join(lines[:blank], "\n")
	assert.Contains(t, header, "Subject: peek")
	body := lines[blank+1:]
	require.Len(t, body, 2)
	assert.Equal(t, "line one", body[0])
	assert.Equal(t, "line two", body[1])

	// TOP 1 0 sends the headers only.
	_, lines = c.multiline("TOP 1 0")
	for _, l := range lines {
		assert.NotEqual(t, "line one", l)
	}
}

func TestUidlUsesFolderGeneration(t *testing.T) {
	env := newTestServer(t)
	u := env.user(t, "mia@example.com")
	env.deliver(t, u, "one", "body one")
	env.deliver(t, u, "two", "body two")

	folder, err := env.store.GetFolderByName(context.Background(), u.ID, consts.FolderInbox)
	require.NoError(t, err)

	c := dialPOP3(t, env.addr)
	c.login("mia@example.com")

	_, lines := c.multiline("UIDL")
	require.Len(t, lines, 2)
	assert.Equal(t, fmt.Sprintf("1 %d.1", folder.UIDValidity), lines[0])
	assert.Equal(t, fmt.Sprintf("2 %d.2", folder.UIDValidity), lines[1])

	resp := c.mustOK("UIDL 2")
	assert.Equal(t, fmt.Sprintf("+OK 2 %d.2", folder.UIDValidity), resp)
}

func TestDeleRsetLifecycle(t *testing.T) {
	env := newTestServer(t)
	u := env.user(t, "mia@example.com")
	env.deliver(t, u, "one", "body one")
	env.deliver(t, u, "two", "body two")

	c := dialPOP3(t, env.addr)
	c.login("mia@example.com")

	c.mustOK("DELE 1")
	c.mustErr("DELE 1")
	c.mustErr("RETR 1")
	c.mustErr("LIST 1")

	// RSET withdraws every mark.
	c.mustOK("RSET")
	c.mustOK("RETR 1")
	for {
		if c.readLine() == "." {
			break
		}
	}

	resp := c.mustOK("QUIT")
	assert.NotContains(t, resp, "removed")

	c2 := dialPOP3(t, env.addr)
	c2.login("mia@example.com")
	resp = c2.mustOK("STAT")
	assert.Equal(t, "2", strings.Fields(resp)[1])
}

func TestQuitFromAuthorizationChangesNothing(t *testing.T) {
	env := newTestServer(t)
	u := env.user(t, "mia@example.com")
	env.deliver(t, u, "one", "body one")

	c := dialPOP3(t, env.addr)
	c.mustOK("QUIT")

	c2 := dialPOP3(t, env.addr)
	c2.login("mia@example.com")
	resp := c2.mustOK("STAT")
	assert.Equal(t, "1", strings.Fields(resp)[1])
}

func TestCommandsRejectedOutsideTheirState(t *testing.T) {
	env := newTestServer(t)
	env.user(t, "mia@example.com")

	c := dialPOP3(t, env.addr)
	c.mustErr("STAT")
	c.mustErr("RETR 1")

	c2 := dialPOP3(t, env.addr)
	c2.login("mia@example.com")
	c2.mustErr("USER mia@example.com")
}

func TestClientErrorLimitDisconnects(t *testing.T) {
	env := newTestServer(t)

	c := dialPOP3(t, env.addr)
	c.mustErr("BOGUS")
	c.mustErr("ALSOBOGUS")
	c.mustErr("STILLWRONG")

	c.writeLine("ONEMORE")
	resp := c.readLine()
	assert.Contains(t, resp, "too many errors")
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.br.ReadString('\n')
	assert.Error(t, err, "connection should be closed after the error limit")
}

func TestIdleTimeoutDisconnects(t *testing.T) {
	env := startPOP3(t, config.POP3ServerConfig{
		MaxConnections: 20,
		CommandTimeout: "200ms",
	})

	c := dialPOP3(t, env.addr)
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.br.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "idle timeout")
	_, err = c.br.ReadString('\n')
	assert.Error(t, err)
}

func TestNoopAndEmptyMaildrop(t *testing.T) {
	env := newTestServer(t)
	env.user(t, "mia@example.com")

	c := dialPOP3(t, env.addr)
	c.login("mia@example.com")
	c.mustOK("NOOP")

	resp := c.mustOK("STAT")
	assert.Equal(t, "0", strings.Fields(resp)[1])

	_, lines := c.multiline("LIST")
	assert.Empty(t, lines)
	_, lines = c.multiline("UIDL")
	assert.Empty(t, lines)
	c.mustErr("RETR 1")
}
