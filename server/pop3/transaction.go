package pop3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/brevmail/brev/consts"
	"github.com/brevmail/brev/store"
)

// maildropStat returns the visible message count and total octets, skipping
// messages marked deleted in this session.
func (c *conn) maildropStat() (int, int64) {
	var count int
	var size int64
	for i, m := range c.snapshot {
		if c.deleted[i] {
			continue
		}
		count++
		size += m.Size
	}
	return count, size
}

// snapshotMessage resolves a 1-based message number argument against the
// login snapshot.
func (c *conn) snapshotMessage(arg string) (int, *store.UserMessage, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return 0, nil, errf("invalid message number %q", arg)
	}
	if n > len(c.snapshot) {
		return 0, nil, errf("no such message")
	}
	idx := n - 1
	if c.deleted[idx] {
		return 0, nil, errf("message %d already deleted", n)
	}
	return idx, &c.snapshot[idx], nil
}

func (c *conn) cmdStat(ctx context.Context, args string) error {
	count, size := c.maildropStat()
	return c.writeFlush("+OK %d %d", count, size)
}

func (c *conn) cmdList(ctx context.Context, args string) error {
	if arg := strings.TrimSpace(args); arg != "" {
		idx, m, err := c.snapshotMessage(arg)
		if err != nil {
			return err
		}
		return c.writeFlush("+OK %d %d", idx+1, m.Size)
	}

	count, size := c.maildropStat()
	lines := make([]string, 0, count)
	for i, m := range c.snapshot {
		if c.deleted[i] {
			continue
		}
		lines = append(lines, fmt.Sprintf("%d %d", i+1, m.Size))
	}
	return c.writeMultiline(fmt.Sprintf("%d messages (%d octets)", count, size), lines)
}

// uidlID builds the unique-id for a message. Folder deletion and recreation
// changes the uidvalidity half, so ids never repeat across maildrop
// generations.
func (c *conn) uidlID(m *store.UserMessage) string {
	return fmt.Sprintf("%d.%d", c.folder.UIDValidity, m.UID)
}

func (c *conn) cmdUidl(ctx context.Context, args string) error {
	if arg := strings.TrimSpace(args); arg != "" {
		idx, m, err := c.snapshotMessage(arg)
		if err != nil {
			return err
		}
		return c.writeFlush("+OK %d %s", idx+1, c.uidlID(m))
	}

	var lines []string
	for i := range c.snapshot {
		if c.deleted[i] {
			continue
		}
		lines = append(lines, fmt.Sprintf("%d %s", i+1, c.uidlID(&c.snapshot[i])))
	}
	return c.writeMultiline("unique-id listing follows", lines)
}

func (c *conn) cmdDele(ctx context.Context, args string) error {
	arg := strings.TrimSpace(args)
	if arg == "" {
		return errf("DELE requires a message number")
	}
	idx, _, err := c.snapshotMessage(arg)
	if err != nil {
		return err
	}
	c.deleted[idx] = true
	return c.writeFlush("+OK message %d deleted", idx+1)
}

func (c *conn) cmdRset(ctx context.Context, args string) error {
	c.deleted = make(map[int]bool)
	count, size := c.maildropStat()
	return c.writeFlush("+OK maildrop has %d messages (%d octets)", count, size)
}

func (c *conn) cmdRetr(ctx context.Context, args string) error {
	arg := strings.TrimSpace(args)
	if arg == "" {
		return errf("RETR requires a message number")
	}
	_, m, err := c.snapshotMessage(arg)
	if err != nil {
		return err
	}

	body, err := c.content(ctx, m)
	if err != nil {
		return err
	}

	if err := c.writeLine("+OK %d octets", len(body)); err != nil {
		return err
	}
	return c.writeStuffed(body)
}

func (c *conn) cmdTop(ctx context.Context, args string) error {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return errf("TOP requires a message number and a line count")
	}
	bodyLines, err := strconv.Atoi(fields[1])
	if err != nil || bodyLines < 0 {
		return errf("invalid line count %q", fields[1])
	}
	_, m, rerr := c.snapshotMessage(fields[0])
	if rerr != nil {
		return rerr
	}

	body, err := c.content(ctx, m)
	if err != nil {
		return err
	}

	header, rest := splitHeader(body)
	lines := topLines(rest, bodyLines)

	if err := c.writeLine("+OK top of message follows"); err != nil {
		return err
	}
	if err := c.writeStuffedNoTerm(header); err != nil {
		return err
	}
	if err := c.writeLine(""); err != nil {
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

// content fetches the raw message, translating retrieval failures into
// session responses.
func (c *conn) content(ctx context.Context, m *store.UserMessage) ([]byte, error) {
	body, err := c.server.content.Read(ctx, m.ContentHash)
	if err != nil {
		if errors.Is(err, consts.ErrContentMissing) {
			return nil, errServer("message content not available, try again later")
		}
		c.session.WarnLog("content read failed for uid %d: %v", m.UID, err)
		return nil, errServer("server error, try again later")
	}
	return body, nil
}

// writeStuffed sends raw message bytes with byte-stuffing and the
// termination octet. The payload is transmitted as stored; a final CRLF is
// added only when the content does not already end with one, so retrieval
// returns the delivered bytes unchanged.
func (c *conn) writeStuffed(data []byte) error {
	if err := c.writeStuffedNoTerm(data); err != nil {
		return err
	}
	if !bytes.HasSuffix(data, []byte("\r\n")) {
		if _, err := c.bw.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if err := c.writeLine("."); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *conn) writeStuffedNoTerm(data []byte) error {
	_, err := c.bw.Write(dotStuff(data))
	return err
}

// dotStuff prepends a dot to every line that starts with one, per the POP3
// transmission rules.
func dotStuff(data []byte) []byte {
	if !bytes.Contains(data, []byte(".")) {
		return data
	}
	var out bytes.Buffer
	out.Grow(len(data) + 16)
	atLineStart := true
	for _, b := range data {
		if atLineStart && b == '.' {
			out.WriteByte('.')
		}
		out.WriteByte(b)
		atLineStart = b == '\n'
	}
	return out.Bytes()
}

// splitHeader divides a raw message at the first empty line. When no empty
// line exists the whole content is treated as header.
func splitHeader(data []byte) (header, body []byte) {
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return data[:i+2], data[i+4:]
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return data[:i+1], data[i+2:]
	}
	return data, nil
}

// topLines returns up to n lines of the body, without terminators.
func topLines(body []byte, n int) []string {
	if n == 0 || len(body) == 0 {
		return nil
	}
	all := strings.Split(string(body), "\n")
	// A trailing newline produces an empty final element; it is the line
	// terminator, not a line.
	if len(all) > 0 && all[len(all)-1] == "" {
		all = all[:len(all)-1]
	}
	if n < len(all) {
		all = all[:n]
	}
	out := make([]string, len(all))
	for i, line := range all {
		out[i] = strings.TrimSuffix(line, "\r")
	}
	return out
}
