package imap

import (
	"context"

	"github.com/emersion/go-imap/v2"

	"github.com/brevmail/brev/server/events"
)

// emitExpunges reports removed UIDs as untagged EXPUNGE responses.
// Each carries the sequence number current at the moment it is reported;
// the view renumbers as it shrinks.
func (c *conn) emitExpunges(removed []imap.UID) error {
	v := c.selected
	for _, uid := range removed {
		idx := v.indexOfUID(uid)
		if idx < 0 {
			// Never announced to this session; nothing to report.
			continue
		}
		if err := c.writeLine("* %d EXPUNGE", idx+1); err != nil {
			return err
		}
		v.msgs = append(v.msgs[:idx], v.msgs[idx+1:]...)
		delete(v.recent, uid)
	}
	return nil
}

func (c *conn) cmdExpunge(ctx context.Context, tag string, p *parser) error {
	if err := p.end(); err != nil {
		return bad("expunge takes no arguments")
	}
	v := c.selected
	if v.readOnly {
		return no("mailbox is read-only")
	}

	deleted, err := c.server.store.DeletedUIDs(ctx, c.user.ID, v.folder.ID)
	if err != nil {
		return mapStoreError(err)
	}
	removed, err := c.server.store.ExpungeMessages(ctx, c.user.ID, v.folder.ID, deleted)
	if err != nil {
		return mapStoreError(err)
	}
	if err := c.emitExpunges(removed); err != nil {
		return err
	}
	if len(removed) > 0 {
		c.server.sink.FolderChanged(ctx, c.user.ID, v.folder.Name, events.ChangeExpunged)
	}
	return c.ok(tag, "EXPUNGE completed")
}

// cmdUIDExpunge removes only the \Deleted messages within the given UID
// set, leaving other marked messages alone.
func (c *conn) cmdUIDExpunge(ctx context.Context, tag string, p *parser) error {
	if err := p.space(); err != nil {
		return err
	}
	set, err := p.uidSet()
	if err != nil {
		return err
	}
	if err := p.end(); err != nil {
		return err
	}
	v := c.selected
	if v.readOnly {
		return no("mailbox is read-only")
	}

	deleted, err := c.server.store.DeletedUIDs(ctx, c.user.ID, v.folder.ID)
	if err != nil {
		return mapStoreError(err)
	}
	max := uint32(v.maxUID())
	var targets []imap.UID
	for _, uid := range deleted {
		for _, r := range set {
			if rangeContains(uint32(r.Start), uint32(r.Stop), uint32(uid), max) {
				targets = append(targets, uid)
				break
			}
		}
	}
	removed, err := c.server.store.ExpungeMessages(ctx, c.user.ID, v.folder.ID, targets)
	if err != nil {
		return mapStoreError(err)
	}
	if err := c.emitExpunges(removed); err != nil {
		return err
	}
	if len(removed) > 0 {
		c.server.sink.FolderChanged(ctx, c.user.ID, v.folder.Name, events.ChangeExpunged)
	}
	return c.ok(tag, "EXPUNGE completed")
}
