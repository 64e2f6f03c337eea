package imap

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
)

// parser consumes one command line. Literals continue the command on the
// wire, so the parser holds the connection and reads continuation lines
// itself. Syntax problems come back as tagged BAD; read failures come back
// as plain errors and end the session.
type parser struct {
	conn *conn
	line string
}

func newParser(c *conn, line string) *parser {
	return &parser{conn: c, line: line}
}

func (p *parser) empty() bool {
	return p.line == ""
}

func (p *parser) end() error {
	if p.line != "" {
		return bad("unexpected trailing data %q", p.line)
	}
	return nil
}

func (p *parser) space() error {
	if !strings.HasPrefix(p.line, " ") {
		return bad("expected space near %q", p.line)
	}
	p.line = p.line[1:]
	return nil
}

// take consumes a case-insensitive keyword.
func (p *parser) take(s string) bool {
	if len(p.line) < len(s) || !strings.EqualFold(p.line[:len(s)], s) {
		return false
	}
	p.line = p.line[len(s):]
	return true
}

func isAtomChar(b byte) bool {
	switch b {
	case '(', ')', '{', ' ', '%', '*', '"', '\\', ']':
		return false
	}
	return b > ' ' && b < 0x7f
}

// atom reads a run of atom characters.
func (p *parser) atom() (string, error) {
	n := 0
	for n < len(p.line) && isAtomChar(p.line[n]) {
		n++
	}
	if n == 0 {
		return "", bad("expected atom near %q", p.line)
	}
	s := p.line[:n]
	p.line = p.line[n:]
	return s, nil
}

// command reads the command name, lowercased. A leading "uid" merges with
// the following name into one two-word command.
func (p *parser) command() (string, error) {
	a, err := p.atom()
	if err != nil {
		return "", err
	}
	name := strings.ToLower(a)
	if name != "uid" {
		return name, nil
	}
	if err := p.space(); err != nil {
		return "", err
	}
	sub, err := p.atom()
	if err != nil {
		return "", err
	}
	return "uid " + strings.ToLower(sub), nil
}

// quoted reads a double-quoted string with backslash escapes.
func (p *parser) quoted() (string, error) {
	if !strings.HasPrefix(p.line, `"`) {
		return "", bad("expected quoted string near %q", p.line)
	}
	var sb strings.Builder
	i := 1
	for {
		if i >= len(p.line) {
			return "", bad("unterminated quoted string")
		}
		b := p.line[i]
		switch b {
		case '"':
			p.line = p.line[i+1:]
			return sb.String(), nil
		case '\\':
			i++
			if i >= len(p.line) {
				return "", bad("unterminated quoted string")
			}
			b = p.line[i]
			if b != '"' && b != '\\' {
				return "", bad("bad escape in quoted string")
			}
		}
		sb.WriteByte(b)
		i++
	}
}

// literal reads {n} or {n+}, the continuation octets, and the rest of the
// command line that follows them.
func (p *parser) literal() (string, error) {
	inner, ok := strings.CutPrefix(p.line, "{")
	if !ok {
		return "", bad("expected literal near %q", p.line)
	}
	digits, rest, ok := strings.Cut(inner, "}")
	if !ok || rest != "" {
		return "", bad("literal must end the line")
	}
	sync := true
	if d, found := strings.CutSuffix(digits, "+"); found {
		digits = d
		sync = false
	}
	size, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || size < 0 {
		return "", bad("bad literal size %q", digits)
	}
	if size > p.conn.server.appendLimit {
		if sync {
			// The octets were never sent; the session can continue.
			return "", no("literal of %d bytes exceeds limit", size)
		}
		// The client is already sending this many octets; there is no way
		// to resynchronize without reading them all.
		return "", fmt.Errorf("non-sync literal of %d bytes exceeds limit", size)
	}
	s, err := p.conn.readLiteral(size, sync)
	if err != nil {
		return "", err
	}
	line, err := p.conn.readLine()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	p.line = line
	return s, nil
}

// astring is an atom, quoted string or literal.
func (p *parser) astring() (string, error) {
	switch {
	case strings.HasPrefix(p.line, `"`):
		return p.quoted()
	case strings.HasPrefix(p.line, "{"):
		return p.literal()
	default:
		return p.atom()
	}
}

// mailboxName reads an astring naming a mailbox.
func (p *parser) mailboxName() (string, error) {
	return p.astring()
}

// listMailbox is an astring that additionally permits the wildcards % and *
// unquoted.
func (p *parser) listMailbox() (string, error) {
	if strings.HasPrefix(p.line, `"`) || strings.HasPrefix(p.line, "{") {
		return p.astring()
	}
	n := 0
	for n < len(p.line) && (isAtomChar(p.line[n]) || p.line[n] == '%' || p.line[n] == '*' || p.line[n] == ']') {
		n++
	}
	// The empty reference argument arrives as "" and is handled by the
	// quoted branch; a bare empty pattern is invalid.
	if n == 0 {
		return "", bad("expected list pattern near %q", p.line)
	}
	s := p.line[:n]
	p.line = p.line[n:]
	return s, nil
}

func (p *parser) number() (uint32, error) {
	n := 0
	for n < len(p.line) && p.line[n] >= '0' && p.line[n] <= '9' {
		n++
	}
	if n == 0 {
		return 0, bad("expected number near %q", p.line)
	}
	v, err := strconv.ParseUint(p.line[:n], 10, 32)
	if err != nil {
		return 0, bad("number %q out of range", p.line[:n])
	}
	p.line = p.line[n:]
	return uint32(v), nil
}

func (p *parser) number64() (int64, error) {
	n := 0
	for n < len(p.line) && p.line[n] >= '0' && p.line[n] <= '9' {
		n++
	}
	if n == 0 {
		return 0, bad("expected number near %q", p.line)
	}
	v, err := strconv.ParseInt(p.line[:n], 10, 64)
	if err != nil {
		return 0, bad("number %q out of range", p.line[:n])
	}
	p.line = p.line[n:]
	return v, nil
}

func (p *parser) flag() (imap.Flag, error) {
	system := strings.HasPrefix(p.line, `\`)
	if system {
		p.line = p.line[1:]
	}
	a, err := p.atom()
	if err != nil {
		return "", err
	}
	if system {
		return imap.Flag(`\` + a), nil
	}
	return imap.Flag(a), nil
}

// flagList reads a parenthesized, possibly empty flag list.
func (p *parser) flagList() ([]imap.Flag, error) {
	if !p.take("(") {
		return nil, bad("expected ( near %q", p.line)
	}
	var flags []imap.Flag
	for !p.take(")") {
		if len(flags) > 0 {
			if err := p.space(); err != nil {
				return nil, err
			}
		}
		f, err := p.flag()
		if err != nil {
			return nil, err
		}
		flags = append(flags, f)
	}
	return flags, nil
}

// flags reads flags for STORE, which accepts both the parenthesized form
// and a bare space-separated list.
func (p *parser) flags() ([]imap.Flag, error) {
	if strings.HasPrefix(p.line, "(") {
		return p.flagList()
	}
	var flags []imap.Flag
	for {
		f, err := p.flag()
		if err != nil {
			return nil, err
		}
		flags = append(flags, f)
		if !p.take(" ") {
			return flags, nil
		}
	}
}

// seqNumber is one side of a sequence range; 0 stands for * and resolves to
// the highest number in the selected mailbox.
func (p *parser) seqNumber() (uint32, error) {
	if p.take("*") {
		return 0, nil
	}
	n, err := p.number()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, bad("sequence numbers start at 1")
	}
	return n, nil
}

// seqSet reads a sequence set. Star keeps its 0 encoding; the selected view
// resolves it when the set is applied.
func (p *parser) seqSet() (imap.SeqSet, error) {
	var set imap.SeqSet
	for {
		first, err := p.seqNumber()
		if err != nil {
			return nil, err
		}
		last := first
		if p.take(":") {
			if last, err = p.seqNumber(); err != nil {
				return nil, err
			}
		}
		set = append(set, imap.SeqRange{Start: first, Stop: last})
		if !p.take(",") {
			return set, nil
		}
	}
}

// uidSet reads a UID set with the same star encoding as seqSet.
func (p *parser) uidSet() (imap.UIDSet, error) {
	set, err := p.seqSet()
	if err != nil {
		return nil, err
	}
	out := make(imap.UIDSet, len(set))
	for i, r := range set {
		out[i] = imap.UIDRange{Start: imap.UID(r.Start), Stop: imap.UID(r.Stop)}
	}
	return out, nil
}

const dateTimeLayout = "_2-Jan-2006 15:04:05 -0700"

// dateTime reads the quoted INTERNALDATE form "dd-Mon-yyyy hh:mm:ss +zzzz".
func (p *parser) dateTime() (time.Time, error) {
	s, err := p.quoted()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(dateTimeLayout, s)
	if err != nil {
		return time.Time{}, bad("bad date-time %q", s)
	}
	return t, nil
}

// date reads a search date, quoted or bare, without a time component.
func (p *parser) date() (time.Time, error) {
	var s string
	var err error
	if strings.HasPrefix(p.line, `"`) {
		s, err = p.quoted()
	} else {
		s, err = p.atom()
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse("_2-Jan-2006", s)
	if err != nil {
		return time.Time{}, bad("bad date %q", s)
	}
	return t, nil
}

// statusItems reads the parenthesized item list of a STATUS command.
func (p *parser) statusItems() ([]string, error) {
	if !p.take("(") {
		return nil, bad("expected ( near %q", p.line)
	}
	var items []string
	for !p.take(")") {
		if len(items) > 0 {
			if err := p.space(); err != nil {
				return nil, err
			}
		}
		a, err := p.atom()
		if err != nil {
			return nil, err
		}
		item := strings.ToUpper(a)
		switch item {
		case "MESSAGES", "RECENT", "UIDNEXT", "UIDVALIDITY", "UNSEEN":
			items = append(items, item)
		default:
			return nil, bad("unknown status item %q", a)
		}
	}
	if len(items) == 0 {
		return nil, bad("empty status item list")
	}
	return items, nil
}

// idParams reads the parameter list of an ID command: NIL or a
// parenthesized list of key/value pairs. The values are discarded.
func (p *parser) idParams() (map[string]string, error) {
	if p.take("NIL") {
		return nil, nil
	}
	if !p.take("(") {
		return nil, bad("expected ( or NIL near %q", p.line)
	}
	params := map[string]string{}
	for !p.take(")") {
		if len(params) > 0 {
			if err := p.space(); err != nil {
				return nil, err
			}
		}
		key, err := p.astring()
		if err != nil {
			return nil, err
		}
		if err := p.space(); err != nil {
			return nil, err
		}
		var value string
		if p.take("NIL") {
			value = ""
		} else if value, err = p.astring(); err != nil {
			return nil, err
		}
		params[strings.ToLower(key)] = value
	}
	return params, nil
}
