package imap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/brevmail/brev/consts"
	"github.com/brevmail/brev/server/delivery"
	"github.com/brevmail/brev/store"
)

func (c *conn) cmdAppend(ctx context.Context, tag string, p *parser) error {
	if err := p.space(); err != nil {
		return err
	}
	name, err := p.mailboxName()
	if err != nil {
		return err
	}
	if err := p.space(); err != nil {
		return err
	}

	var flags []imap.Flag
	if strings.HasPrefix(p.line, "(") {
		if flags, err = p.flagList(); err != nil {
			return err
		}
		if err := p.space(); err != nil {
			return err
		}
	}
	var internalDate time.Time
	if strings.HasPrefix(p.line, `"`) {
		if internalDate, err = p.dateTime(); err != nil {
			return err
		}
		if err := p.space(); err != nil {
			return err
		}
	}
	raw, err := p.literal()
	if err != nil {
		return err
	}
	if err := p.end(); err != nil {
		return err
	}
	if len(raw) == 0 {
		return bad("append without content")
	}

	folder, err := c.server.store.GetFolderByName(ctx, c.user.ID, name)
	if err != nil {
		if errors.Is(err, consts.ErrFolderNotFound) {
			return noCode("TRYCREATE", "no such folder")
		}
		return mapStoreError(err)
	}

	// Recent is the server's; a client cannot append it.
	kept := flags[:0]
	for _, f := range flags {
		if !strings.EqualFold(string(f), string(imap.Flag("\\Recent"))) {
			kept = append(kept, f)
		}
	}

	results, err := c.server.pipeline.Deliver(ctx, &delivery.Request{
		Raw:          []byte(raw),
		Source:       "imap",
		Sender:       c.user.Address(),
		Recipients:   []*store.User{c.user},
		Folder:       folder.Name,
		Flags:        kept,
		InternalDate: internalDate,
		Recent:       true,
	})
	if err != nil {
		if errors.Is(err, consts.ErrMalformedMessage) {
			return no("message could not be parsed")
		}
		return mapStoreError(err)
	}
	if len(results) == 0 {
		return no("append stored no copy")
	}

	// The appended message shows up as untagged EXISTS when it landed in
	// the selected folder.
	if c.selected != nil && c.selected.folder.ID == folder.ID {
		if err := c.pollSelected(ctx); err != nil {
			return err
		}
	}
	return c.okCode(tag, fmt.Sprintf("APPENDUID %d %d", folder.UIDValidity, uint32(results[0].UID)), "APPEND completed")
}
