package imap

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-imap/v2"

	"github.com/brevmail/brev/consts"
	"github.com/brevmail/brev/server/events"
)

func (c *conn) cmdCopy(ctx context.Context, tag string, p *parser) error {
	return c.copyMessages(ctx, tag, p, false)
}

func (c *conn) cmdUIDCopy(ctx context.Context, tag string, p *parser) error {
	return c.copyMessages(ctx, tag, p, true)
}

func (c *conn) copyMessages(ctx context.Context, tag string, p *parser, byUID bool) error {
	if err := p.space(); err != nil {
		return err
	}
	set, err := p.seqSet()
	if err != nil {
		return err
	}
	if err := p.space(); err != nil {
		return err
	}
	name, err := p.mailboxName()
	if err != nil {
		return err
	}
	if err := p.end(); err != nil {
		return err
	}

	v := c.selected
	dest, err := c.server.store.GetFolderByName(ctx, c.user.ID, name)
	if err != nil {
		if errors.Is(err, consts.ErrFolderNotFound) {
			return noCode("TRYCREATE", "no such folder")
		}
		return mapStoreError(err)
	}

	var indices []int
	if byUID {
		indices = v.matchUID(seqToUIDSet(set))
	} else {
		indices = v.matchSeq(set)
	}
	if len(indices) == 0 {
		return c.ok(tag, "COPY completed")
	}
	uids := make([]imap.UID, 0, len(indices))
	for _, i := range indices {
		uids = append(uids, v.msgs[i].uid)
	}

	results, err := c.server.store.CopyMessages(ctx, c.user.ID, v.folder.ID, dest.ID, uids)
	if err != nil {
		return mapStoreError(err)
	}
	if len(results) == 0 {
		return c.ok(tag, "COPY completed")
	}
	c.server.sink.FolderChanged(ctx, c.user.ID, dest.Name, events.ChangeDelivered)

	// Copies into the selected folder show up before the completion.
	if dest.ID == v.folder.ID {
		if err := c.pollSelected(ctx); err != nil {
			return err
		}
	}

	src := make([]imap.UID, len(results))
	dst := make([]imap.UID, len(results))
	for i, r := range results {
		src[i] = r.SourceUID
		dst[i] = r.DestUID
	}
	code := fmt.Sprintf("COPYUID %d %s %s", dest.UIDValidity, renderUIDs(src), renderUIDs(dst))
	return c.okCode(tag, code, "COPY completed")
}
