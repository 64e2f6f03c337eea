package imap

import (
	"context"
	"strings"

	"github.com/brevmail/brev/consts"
	"github.com/brevmail/brev/server/events"
)

func (c *conn) cmdCreate(ctx context.Context, tag string, p *parser) error {
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
	// A trailing delimiter declares intent to create children; the name
	// itself is without it.
	name = strings.TrimSuffix(name, string(consts.FolderDelimiter))

	if _, err := c.server.store.CreateFolder(ctx, c.user.ID, name); err != nil {
		return mapStoreError(err)
	}
	c.server.sink.FolderChanged(ctx, c.user.ID, name, events.ChangeCreated)
	return c.ok(tag, "CREATE completed")
}

func (c *conn) cmdDelete(ctx context.Context, tag string, p *parser) error {
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

	if err := c.server.store.DeleteFolder(ctx, c.user.ID, name); err != nil {
		return mapStoreError(err)
	}
	c.server.sink.FolderChanged(ctx, c.user.ID, name, events.ChangeDeleted)
	return c.ok(tag, "DELETE completed")
}

func (c *conn) cmdRename(ctx context.Context, tag string, p *parser) error {
	if err := p.space(); err != nil {
		return err
	}
	oldName, err := p.mailboxName()
	if err != nil {
		return err
	}
	if err := p.space(); err != nil {
		return err
	}
	newName, err := p.mailboxName()
	if err != nil {
		return err
	}
	if err := p.end(); err != nil {
		return err
	}

	if err := c.server.store.RenameFolder(ctx, c.user.ID, oldName, newName); err != nil {
		return mapStoreError(err)
	}
	c.server.sink.FolderChanged(ctx, c.user.ID, newName, events.ChangeRenamed)
	return c.ok(tag, "RENAME completed")
}

func (c *conn) cmdSubscribe(ctx context.Context, tag string, p *parser) error {
	return c.subscribe(ctx, tag, p, true)
}

func (c *conn) cmdUnsubscribe(ctx context.Context, tag string, p *parser) error {
	return c.subscribe(ctx, tag, p, false)
}

func (c *conn) subscribe(ctx context.Context, tag string, p *parser, subscribed bool) error {
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

	if err := c.server.store.SetFolderSubscribed(ctx, c.user.ID, name, subscribed); err != nil {
		return mapStoreError(err)
	}
	if subscribed {
		return c.ok(tag, "SUBSCRIBE completed")
	}
	return c.ok(tag, "UNSUBSCRIBE completed")
}

func (c *conn) cmdStatus(ctx context.Context, tag string, p *parser) error {
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
	items, err := p.statusItems()
	if err != nil {
		return err
	}
	if err := p.end(); err != nil {
		return err
	}

	folder, err := c.server.store.GetFolderByName(ctx, c.user.ID, name)
	if err != nil {
		return mapStoreError(err)
	}
	status, err := c.server.store.GetFolderStatus(ctx, folder)
	if err != nil {
		return mapStoreError(err)
	}

	parts := make([]string, 0, len(items))
	for _, item := range items {
		switch item {
		case "MESSAGES":
			parts = append(parts, "MESSAGES", itoa32(status.Messages))
		case "RECENT":
			parts = append(parts, "RECENT", itoa32(status.Recent))
		case "UIDNEXT":
			parts = append(parts, "UIDNEXT", itoa32(uint32(status.UIDNext)))
		case "UIDVALIDITY":
			parts = append(parts, "UIDVALIDITY", itoa32(status.UIDValidity))
		case "UNSEEN":
			parts = append(parts, "UNSEEN", itoa32(status.Unseen))
		}
	}
	if err := c.writeLine("* STATUS %s (%s)", renderString(folder.Name), strings.Join(parts, " ")); err != nil {
		return err
	}
	return c.ok(tag, "STATUS completed")
}
