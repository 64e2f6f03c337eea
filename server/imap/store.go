package imap

import (
	"context"
	"errors"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/brevmail/brev/consts"
	"github.com/brevmail/brev/server/events"
)

func (c *conn) cmdStore(ctx context.Context, tag string, p *parser) error {
	return c.storeFlags(ctx, tag, p, false)
}

func (c *conn) cmdUIDStore(ctx context.Context, tag string, p *parser) error {
	return c.storeFlags(ctx, tag, p, true)
}

func (c *conn) storeFlags(ctx context.Context, tag string, p *parser, byUID bool) error {
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
	opAtom, err := p.atom()
	if err != nil {
		return err
	}
	op := strings.ToUpper(opAtom)
	silent := strings.HasSuffix(op, ".SILENT")
	op = strings.TrimSuffix(op, ".SILENT")
	if op != "FLAGS" && op != "+FLAGS" && op != "-FLAGS" {
		return bad("unknown store operation %q", opAtom)
	}
	if err := p.space(); err != nil {
		return err
	}
	flags, err := p.flags()
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

	// Recent is session state, not client-settable.
	kept := flags[:0]
	for _, f := range flags {
		if !strings.EqualFold(string(f), string(imap.Flag("\\Recent"))) {
			kept = append(kept, f)
		}
	}
	flags = kept

	var indices []int
	if byUID {
		indices = v.matchUID(seqToUIDSet(set))
	} else {
		indices = v.matchSeq(set)
	}

	changed := false
	for _, i := range indices {
		m := v.msgs[i]
		var (
			result []imap.Flag
			opErr  error
		)
		switch op {
		case "FLAGS":
			result, opErr = c.server.store.SetMessageFlags(ctx, c.user.ID, m.messageID, flags)
		case "+FLAGS":
			result, opErr = c.server.store.AddMessageFlags(ctx, c.user.ID, m.messageID, flags)
		case "-FLAGS":
			result, opErr = c.server.store.RemoveMessageFlags(ctx, c.user.ID, m.messageID, flags)
		}
		if opErr != nil {
			if errors.Is(opErr, consts.ErrMessageNotFound) {
				// Expunged by another session; the next poll reports it.
				continue
			}
			return mapStoreError(opErr)
		}
		changed = true
		if silent {
			continue
		}
		result = v.sessionFlags(m.uid, result)
		if byUID {
			err = c.writeLine("* %d FETCH (FLAGS %s UID %d)", i+1, renderFlags(result), uint32(m.uid))
		} else {
			err = c.writeLine("* %d FETCH (FLAGS %s)", i+1, renderFlags(result))
		}
		if err != nil {
			return err
		}
	}
	if changed {
		c.server.sink.FolderChanged(ctx, c.user.ID, v.folder.Name, events.ChangeFlags)
	}
	return c.ok(tag, "STORE completed")
}
