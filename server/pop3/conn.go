package pop3

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/brevmail/brev/consts"
	"github.com/brevmail/brev/pkg/metrics"
	serverPkg "github.com/brevmail/brev/server"
	"github.com/brevmail/brev/server/events"
	"github.com/brevmail/brev/server/idgen"
	"github.com/brevmail/brev/store"
)

type connState byte

const (
	// stateAuthorization accepts USER/PASS; nothing is mutated here.
	stateAuthorization connState = iota
	// stateTransaction works on the snapshot taken at login.
	stateTransaction
	// stateUpdate commits the deletion marks; entered by QUIT, terminal.
	stateUpdate
)

func stateCommands(cmds ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(cmds))
	for _, cmd := range cmds {
		m[cmd] = struct{}{}
	}
	return m
}

var (
	commandsAny           = stateCommands("capa", "noop", "quit")
	commandsAuthorization = stateCommands("user", "pass")
	commandsTransaction   = stateCommands("stat", "list", "uidl", "retr", "top", "dele", "rset")
)

// Handlers get the raw argument remainder; PASS needs it verbatim, the rest
// tokenize it themselves.
var commands = map[string]func(*conn, context.Context, string) error{
	"capa": (*conn).cmdCapa,
	"noop": (*conn).cmdNoop,
	"quit": (*conn).cmdQuit,

	"user": (*conn).cmdUser,
	"pass": (*conn).cmdPass,

	"stat": (*conn).cmdStat,
	"list": (*conn).cmdList,
	"uidl": (*conn).cmdUidl,
	"retr": (*conn).cmdRetr,
	"top":  (*conn).cmdTop,
	"dele": (*conn).cmdDele,
	"rset": (*conn).cmdRset,
}

// errResp is a command outcome the loop turns into an -ERR line. The
// session continues; penalize marks client mistakes that count toward the
// disconnect limit.
type errResp struct {
	text     string
	penalize bool
}

func (e *errResp) Error() string { return e.text }

// errf reports a client mistake: counted and delayed.
func errf(format string, args ...any) error {
	return &errResp{text: fmt.Sprintf(format, args...), penalize: true}
}

// errServer reports an internal failure: answered but never penalized.
func errServer(format string, args ...any) error {
	return &errResp{text: fmt.Sprintf(format, args...)}
}

type conn struct {
	server  *Server
	raw     net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer
	session *serverPkg.Session

	state       connState
	pendingUser string
	user        *store.User
	folder      *store.Folder
	snapshot    []store.UserMessage
	deleted     map[int]bool
	closing     bool
	errorCount  int
}

func newConn(s *Server, netConn net.Conn) *conn {
	return &conn{
		server:  s,
		raw:     netConn,
		br:      bufio.NewReader(netConn),
		bw:      bufio.NewWriter(netConn),
		deleted: make(map[int]bool),
		session: &serverPkg.Session{
			ID:       idgen.New(),
			Protocol: "pop3",
			RemoteIP: remoteIP(netConn),
			HostName: s.hostname,
		},
	}
}

func remoteIP(netConn net.Conn) string {
	host, _, err := net.SplitHostPort(netConn.RemoteAddr().String())
	if err != nil {
		return netConn.RemoteAddr().String()
	}
	return host
}

// shutdown is called from Server.Close; the read loop fails and unwinds.
func (c *conn) shutdown() {
	c.raw.Close()
}

func (c *conn) serve(ctx context.Context) {
	defer c.raw.Close()
	c.session.Log("connected")
	defer c.session.Log("disconnected")
	start := time.Now()
	defer func() {
		metrics.ConnectionDuration.WithLabelValues("pop3").Observe(time.Since(start).Seconds())
	}()

	if err := c.writeFlush("+OK %s POP3 server ready", c.server.hostname); err != nil {
		return
	}

	for !c.closing {
		if err := c.serveCommand(ctx); err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, context.Canceled) {
				c.session.DebugLog("session ended: %v", err)
			}
			return
		}
	}
}

// serveCommand reads and runs one command. A non-nil return closes the
// connection; protocol-level errors are answered in-band.
func (c *conn) serveCommand(ctx context.Context) error {
	if err := c.raw.SetReadDeadline(time.Now().Add(c.server.idleTimeout)); err != nil {
		return err
	}

	line, err := c.readLine()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.writeFlush("-ERR idle timeout, closing connection")
		}
		return err
	}
	if line == "" {
		return c.writeFlush("-ERR empty command")
	}

	verb, args, _ := strings.Cut(line, " ")
	name := strings.ToLower(verb)

	start := time.Now()
	err = c.dispatch(ctx, name, args)
	status := "ok"
	var resp *errResp
	if errors.As(err, &resp) {
		status = "err"
		err = c.respondErr(resp)
	} else if err != nil {
		status = "error"
	}
	metrics.CommandsTotal.WithLabelValues("pop3", name, status).Inc()
	metrics.CommandDuration.WithLabelValues("pop3", name).Observe(time.Since(start).Seconds())
	return err
}

func (c *conn) dispatch(ctx context.Context, name, args string) error {
	fn, known := commands[name]
	if !known {
		return errf("unknown command %q", strings.ToUpper(name))
	}
	if !c.commandAllowed(name) {
		return errf("%s not valid in this state", strings.ToUpper(name))
	}
	return fn(c, ctx, args)
}

func (c *conn) commandAllowed(name string) bool {
	if _, ok := commandsAny[name]; ok {
		return true
	}
	if _, ok := commandsAuthorization[name]; ok {
		return c.state == stateAuthorization
	}
	if _, ok := commandsTransaction[name]; ok {
		return c.state == stateTransaction
	}
	return false
}

// respondErr answers a failed command. Client mistakes are counted and
// increasingly delayed; past the limit the connection closes.
func (c *conn) respondErr(e *errResp) error {
	if e.penalize {
		c.errorCount++
		if c.errorCount > maxClientErrors {
			c.writeFlush("-ERR too many errors, closing connection")
			return fmt.Errorf("client exceeded error limit")
		}
		time.Sleep(time.Duration(c.errorCount) * c.server.errorDelay)
	}
	return c.writeFlush("-ERR %s", e.text)
}

// readLine reads one CRLF-terminated line without the terminator.
func (c *conn) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := c.br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			return strings.TrimSuffix(sb.String(), "\r"), nil
		}
		sb.WriteByte(b)
		if sb.Len() > consts.MaxPOP3LineLength {
			c.writeFlush("-ERR line too long")
			return "", errors.New("line exceeds maximum length")
		}
	}
}

func (c *conn) writeLine(format string, args ...any) error {
	_, err := fmt.Fprintf(c.bw, format+"\r\n", args...)
	return err
}

func (c *conn) writeFlush(format string, args ...any) error {
	if err := c.writeLine(format, args...); err != nil {
		return err
	}
	return c.bw.Flush()
}

// writeMultiline sends an +OK status, the payload lines with byte-stuffing,
// and the termination octet.
func (c *conn) writeMultiline(status string, lines []string) error {
	if err := c.writeLine("+OK %s", status); err != nil {
		return err
	}
	for _, line := range lines {
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		if err := c.writeLine("%s", line); err != nil {
			return err
		}
	}
	if err := c.writeLine("."); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *conn) cmdCapa(ctx context.Context, args string) error {
	return c.writeMultiline("capability list follows", []string{
		"USER",
		"TOP",
		"UIDL",
		"PIPELINING",
		"RESP-CODES",
		"IMPLEMENTATION brev",
	})
}

func (c *conn) cmdNoop(ctx context.Context, args string) error {
	return c.writeFlush("+OK")
}

func (c *conn) cmdUser(ctx context.Context, args string) error {
	name := strings.TrimSpace(args)
	if name == "" {
		return errf("USER requires a mailbox address")
	}
	addr, err := serverPkg.NewAddress(name)
	if err != nil {
		return errf("invalid mailbox address")
	}
	c.pendingUser = addr.BaseAddress()
	return c.writeFlush("+OK send PASS")
}

func (c *conn) cmdPass(ctx context.Context, args string) error {
	if c.pendingUser == "" {
		return errf("send USER first")
	}
	if args == "" {
		return errf("PASS requires a password")
	}

	user, err := c.server.store.Authenticate(ctx, c.pendingUser, args)
	if err != nil {
		metrics.AuthenticationAttempts.WithLabelValues("pop3", "failure").Inc()
		if errors.Is(err, consts.ErrAuthFailed) {
			c.session.Log("login failed for %q", c.pendingUser)
			return errf("authentication failed")
		}
		return errServer("server error, try again later")
	}

	folder, err := c.server.store.GetFolderByName(ctx, user.ID, consts.FolderInbox)
	if err != nil {
		metrics.AuthenticationAttempts.WithLabelValues("pop3", "failure").Inc()
		return errServer("mailbox unavailable")
	}

	// The maildrop is snapshotted here. Message numbers stay fixed for the
	// whole transaction; concurrent deliveries surface only to later
	// sessions.
	snapshot, err := c.server.store.ListMessages(ctx, folder.ID)
	if err != nil {
		metrics.AuthenticationAttempts.WithLabelValues("pop3", "failure").Inc()
		return errServer("mailbox unavailable")
	}

	metrics.AuthenticationAttempts.WithLabelValues("pop3", "success").Inc()
	c.user = user
	c.session.User = user
	c.folder = folder
	c.snapshot = snapshot
	c.state = stateTransaction
	c.session.Log("authenticated, %d messages in maildrop", len(snapshot))

	count, size := c.maildropStat()
	return c.writeFlush("+OK maildrop has %d messages (%d octets)", count, size)
}

// cmdQuit ends the session. From the transaction state it first enters the
// update state and commits every deletion mark in one store transaction;
// all marked messages are removed or, on failure, none are.
func (c *conn) cmdQuit(ctx context.Context, args string) error {
	c.closing = true
	if c.state != stateTransaction {
		return c.writeFlush("+OK %s signing off", c.server.hostname)
	}
	c.state = stateUpdate

	var uids []imap.UID
	for i, m := range c.snapshot {
		if c.deleted[i] {
			uids = append(uids, m.UID)
		}
	}
	if len(uids) == 0 {
		return c.writeFlush("+OK %s signing off", c.server.hostname)
	}

	removed, err := c.server.store.ExpungeMessages(ctx, c.user.ID, c.folder.ID, uids)
	if err != nil {
		c.session.WarnLog("update failed, no messages removed: %v", err)
		return c.writeFlush("-ERR some deleted messages not removed")
	}
	metrics.MessagesExpunged.WithLabelValues("pop3").Add(float64(len(removed)))
	c.server.sink.FolderChanged(ctx, c.user.ID, c.folder.Name, events.ChangeExpunged)
	c.session.Log("update removed %d messages", len(removed))
	return c.writeFlush("+OK %s signing off (%d messages removed)", c.server.hostname, len(removed))
}
