package imap

import (
	"context"
	"regexp"
	"strings"

	"github.com/brevmail/brev/consts"
)

// patternRegexp compiles a LIST pattern: % matches within one hierarchy
// level, * matches across levels.
func patternRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("\\A")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString("[^/]*")
		case '*':
			sb.WriteString(".*")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("\\z")
	return regexp.Compile(sb.String())
}

func (c *conn) cmdList(ctx context.Context, tag string, p *parser) error {
	return c.listFolders(ctx, tag, p, false)
}

func (c *conn) cmdLsub(ctx context.Context, tag string, p *parser) error {
	return c.listFolders(ctx, tag, p, true)
}

func (c *conn) listFolders(ctx context.Context, tag string, p *parser, subscribedOnly bool) error {
	if err := p.space(); err != nil {
		return err
	}
	ref, err := p.mailboxName()
	if err != nil {
		return err
	}
	if err := p.space(); err != nil {
		return err
	}
	pattern, err := p.listMailbox()
	if err != nil {
		return err
	}
	if err := p.end(); err != nil {
		return err
	}

	verb := "LIST"
	if subscribedOnly {
		verb = "LSUB"
	}

	// An empty pattern asks for the hierarchy delimiter and the reference
	// root, not for any mailbox.
	if pattern == "" {
		if err := c.writeLine(`* %s (\Noselect) "%c" ""`, verb, consts.FolderDelimiter); err != nil {
			return err
		}
		return c.ok(tag, verb+" completed")
	}

	full := ref + pattern
	rx, err := patternRegexp(full)
	if err != nil {
		return bad("bad list pattern")
	}
	// INBOX matches regardless of case.
	rxInbox, err := patternRegexp(strings.ToUpper(full))
	if err != nil {
		return bad("bad list pattern")
	}

	folders, err := c.server.store.ListFolders(ctx, c.user.ID, subscribedOnly)
	if err != nil {
		return mapStoreError(err)
	}
	for i := range folders {
		name := folders[i].Name
		matched := rx.MatchString(name)
		if !matched && name == consts.FolderInbox {
			matched = rxInbox.MatchString(name)
		}
		if !matched {
			continue
		}
		if err := c.writeLine(`* %s () "%c" %s`, verb, consts.FolderDelimiter, renderString(name)); err != nil {
			return err
		}
	}
	return c.ok(tag, verb+" completed")
}
