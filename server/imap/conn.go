package imap

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/brevmail/brev/consts"
	"github.com/brevmail/brev/pkg/metrics"
	serverPkg "github.com/brevmail/brev/server"
	"github.com/brevmail/brev/server/idgen"
	"github.com/brevmail/brev/store"
)

type connState byte

const (
	stateNotAuthenticated connState = iota
	stateAuthenticated
	stateSelected
	stateLoggedOut
)

func stateCommands(cmds ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(cmds))
	for _, cmd := range cmds {
		m[cmd] = struct{}{}
	}
	return m
}

var (
	commandsAny      = stateCommands("capability", "noop", "logout", "id")
	commandsNotAuth  = stateCommands("starttls", "login", "authenticate")
	commandsAuth     = stateCommands("list", "lsub", "create", "delete", "rename", "subscribe", "unsubscribe", "status", "append", "select", "examine")
	commandsSelected = stateCommands("check", "close", "unselect", "expunge", "search", "fetch", "store", "copy", "uid expunge", "uid search", "uid fetch", "uid store", "uid copy")
)

var commands = map[string]func(*conn, context.Context, string, *parser) error{
	"capability": (*conn).cmdCapability,
	"noop":       (*conn).cmdNoop,
	"logout":     (*conn).cmdLogout,
	"id":         (*conn).cmdID,

	"starttls":     (*conn).cmdStartTLS,
	"login":        (*conn).cmdLogin,
	"authenticate": (*conn).cmdAuthenticate,

	"list":        (*conn).cmdList,
	"lsub":        (*conn).cmdLsub,
	"create":      (*conn).cmdCreate,
	"delete":      (*conn).cmdDelete,
	"rename":      (*conn).cmdRename,
	"subscribe":   (*conn).cmdSubscribe,
	"unsubscribe": (*conn).cmdUnsubscribe,
	"status":      (*conn).cmdStatus,
	"append":      (*conn).cmdAppend,
	"select":      (*conn).cmdSelect,
	"examine":     (*conn).cmdExamine,

	"check":       (*conn).cmdCheck,
	"close":       (*conn).cmdClose,
	"unselect":    (*conn).cmdUnselect,
	"expunge":     (*conn).cmdExpunge,
	"search":      (*conn).cmdSearch,
	"fetch":       (*conn).cmdFetch,
	"store":       (*conn).cmdStore,
	"copy":        (*conn).cmdCopy,
	"uid expunge": (*conn).cmdUIDExpunge,
	"uid search":  (*conn).cmdUIDSearch,
	"uid fetch":   (*conn).cmdUIDFetch,
	"uid store":   (*conn).cmdUIDStore,
	"uid copy":    (*conn).cmdUIDCopy,
}

// respondError is a command outcome the loop turns into a tagged NO or BAD.
// The session continues afterwards.
type respondError struct {
	status string // NO or BAD
	code   string // optional response code, e.g. TRYCREATE
	text   string
}

func (e *respondError) Error() string { return e.text }

func bad(format string, args ...any) error {
	return &respondError{status: "BAD", text: fmt.Sprintf(format, args...)}
}

func no(format string, args ...any) error {
	return &respondError{status: "NO", text: fmt.Sprintf(format, args...)}
}

func noCode(code, format string, args ...any) error {
	return &respondError{status: "NO", code: code, text: fmt.Sprintf(format, args...)}
}

// maxLineLength caps one logical command line; beyond this the stream
// cannot be resynchronized and the connection closes.
const maxLineLength = 64 * 1024

type conn struct {
	server  *Server
	raw     net.Conn // as accepted; shutdown closes this one
	netConn net.Conn // current transport, swapped by STARTTLS
	br      *bufio.Reader
	bw      *bufio.Writer
	session *serverPkg.Session

	state    connState
	user     *store.User
	selected *mailboxView
	tls      bool
}

func newConn(s *Server, netConn net.Conn) *conn {
	c := &conn{
		server:  s,
		raw:     netConn,
		netConn: netConn,
		br:      bufio.NewReader(netConn),
		bw:      bufio.NewWriter(netConn),
		session: &serverPkg.Session{
			ID:       idgen.New(),
			Protocol: "imap",
			RemoteIP: remoteIP(netConn),
			HostName: s.hostname,
		},
	}
	if _, ok := netConn.(*tls.Conn); ok {
		c.tls = true
	}
	return c
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
		metrics.ConnectionDuration.WithLabelValues("imap").Observe(time.Since(start).Seconds())
	}()

	if err := c.writeLine("* OK [CAPABILITY %s] %s IMAP4rev1 ready", c.capabilities(), c.server.hostname); err != nil {
		return
	}

	for c.state != stateLoggedOut {
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
	if err := c.netConn.SetReadDeadline(time.Now().Add(c.server.idleTimeout)); err != nil {
		return err
	}

	line, err := c.readLine()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			// The line protocol has no way to warn first on other
			// protocols; IMAP does.
			c.writeLine("* BYE idle timeout")
			c.flush()
		}
		return err
	}

	tag, rest, _ := strings.Cut(line, " ")
	if tag == "" || !validTag(tag) {
		c.writeLine("* BAD invalid tag")
		return c.flush()
	}

	p := newParser(c, rest)
	name, err := p.command()
	if err != nil {
		return c.respond(tag, &respondError{status: "BAD", text: "expected command"})
	}

	start := time.Now()
	err = c.dispatch(ctx, tag, name, p)
	status := "ok"
	var rerr *respondError
	if errors.As(err, &rerr) {
		status = strings.ToLower(rerr.status)
		err = c.respond(tag, rerr)
	} else if err != nil {
		status = "error"
	}
	metrics.CommandsTotal.WithLabelValues("imap", name, status).Inc()
	metrics.CommandDuration.WithLabelValues("imap", name).Observe(time.Since(start).Seconds())
	return err
}

func (c *conn) dispatch(ctx context.Context, tag, name string, p *parser) error {
	fn, known := commands[name]
	if !known {
		return bad("unknown command %q", name)
	}

	if !c.commandAllowed(name) {
		return no("%s not allowed in current state", strings.ToUpper(name))
	}
	return fn(c, ctx, tag, p)
}

func (c *conn) commandAllowed(name string) bool {
	if _, ok := commandsAny[name]; ok {
		return true
	}
	if _, ok := commandsNotAuth[name]; ok {
		return c.state == stateNotAuthenticated
	}
	if _, ok := commandsAuth[name]; ok {
		return c.state == stateAuthenticated || c.state == stateSelected
	}
	if _, ok := commandsSelected[name]; ok {
		return c.state == stateSelected
	}
	return false
}

// respond writes the tagged NO/BAD for a failed command.
func (c *conn) respond(tag string, e *respondError) error {
	if e.code != "" {
		return c.writeFlush("%s %s [%s] %s", tag, e.status, e.code, e.text)
	}
	return c.writeFlush("%s %s %s", tag, e.status, e.text)
}

func (c *conn) ok(tag, text string) error {
	return c.writeFlush("%s OK %s", tag, text)
}

func (c *conn) okCode(tag, code, text string) error {
	return c.writeFlush("%s OK [%s] %s", tag, code, text)
}

func validTag(tag string) bool {
	for _, r := range tag {
		if r <= ' ' || r > '~' || r == '(' || r == ')' || r == '{' || r == '%' || r == '*' || r == '"' || r == '\\' || r == '+' {
			return false
		}
	}
	return len(tag) > 0
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
			line := sb.String()
			return strings.TrimSuffix(line, "\r"), nil
		}
		sb.WriteByte(b)
		if sb.Len() > maxLineLength {
			c.writeFlush("* BAD line too long")
			return "", errors.New("line exceeds maximum length")
		}
	}
}

// readLiteral answers the continuation request for a synchronizing literal
// and reads exactly size octets.
func (c *conn) readLiteral(size int64, sync bool) (string, error) {
	if size > c.server.appendLimit {
		return "", fmt.Errorf("literal of %d bytes too large", size)
	}
	if sync {
		if err := c.writeFlush("+ OK"); err != nil {
			return "", err
		}
	}
	buf := make([]byte, size)
	if err := c.netConn.SetReadDeadline(time.Now().Add(c.server.idleTimeout)); err != nil {
		return "", err
	}
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (c *conn) writeLine(format string, args ...any) error {
	_, err := fmt.Fprintf(c.bw, format+"\r\n", args...)
	return err
}

func (c *conn) writeFlush(format string, args ...any) error {
	if err := c.writeLine(format, args...); err != nil {
		return err
	}
	return c.flush()
}

func (c *conn) flush() error {
	return c.bw.Flush()
}

func (c *conn) capabilities() string {
	caps := []string{"IMAP4rev1", "UIDPLUS", "LITERAL+", "UNSELECT", "ID"}
	if c.state == stateNotAuthenticated {
		if c.server.startTLS && !c.tls {
			caps = append(caps, "STARTTLS")
		}
		caps = append(caps, "AUTH=PLAIN")
	}
	return strings.Join(caps, " ")
}

func (c *conn) cmdCapability(ctx context.Context, tag string, p *parser) error {
	if err := p.end(); err != nil {
		return bad("capability takes no arguments")
	}
	if err := c.writeLine("* CAPABILITY %s", c.capabilities()); err != nil {
		return err
	}
	return c.ok(tag, "CAPABILITY completed")
}

func (c *conn) cmdNoop(ctx context.Context, tag string, p *parser) error {
	if err := p.end(); err != nil {
		return bad("noop takes no arguments")
	}
	if c.state == stateSelected {
		if err := c.pollSelected(ctx); err != nil {
			return err
		}
	}
	return c.ok(tag, "NOOP completed")
}

func (c *conn) cmdLogout(ctx context.Context, tag string, p *parser) error {
	if err := p.end(); err != nil {
		return bad("logout takes no arguments")
	}
	c.state = stateLoggedOut
	c.selected = nil
	if err := c.writeLine("* BYE %s logging out", c.server.hostname); err != nil {
		return err
	}
	return c.ok(tag, "LOGOUT completed")
}

func (c *conn) cmdID(ctx context.Context, tag string, p *parser) error {
	// The client parameter list is read and discarded.
	if !p.empty() {
		if err := p.space(); err != nil {
			return bad("id: %v", err)
		}
		if _, err := p.idParams(); err != nil {
			return bad("id: %v", err)
		}
	}
	if err := c.writeLine(`* ID ("name" "brev" "host" %s)`, renderString(c.server.hostname)); err != nil {
		return err
	}
	return c.ok(tag, "ID completed")
}

func (c *conn) cmdCheck(ctx context.Context, tag string, p *parser) error {
	if err := p.end(); err != nil {
		return bad("check takes no arguments")
	}
	if err := c.pollSelected(ctx); err != nil {
		return err
	}
	return c.ok(tag, "CHECK completed")
}

// mapStoreError converts store sentinels into protocol responses.
func mapStoreError(err error) error {
	switch {
	case errors.Is(err, consts.ErrFolderNotFound):
		return no("no such folder")
	case errors.Is(err, consts.ErrFolderExists):
		return no("folder already exists")
	case errors.Is(err, consts.ErrFolderProtected):
		return no("INBOX cannot be removed or renamed")
	case errors.Is(err, consts.ErrNotPermitted):
		return no("%v", err)
	case errors.Is(err, consts.ErrMessageNotFound):
		return no("no such message")
	case errors.Is(err, consts.ErrAuthFailed):
		return no("authentication failed")
	default:
		return no("server error, try again later")
	}
}
