package imap

import (
	"context"

	"github.com/emersion/go-imap/v2"

	"github.com/brevmail/brev/server/events"
	"github.com/brevmail/brev/store"
)

// viewMessage is one message pinned in the session's view. Flags are read
// from the store on demand; only the identity is pinned.
type viewMessage struct {
	uid       imap.UID
	messageID int64
}

// mailboxView is the selected state of a session: the UID-ordered message
// list sequence numbers are assigned from, and the session's Recent set.
// SELECT clears the stored Recent bits, so the set lives here.
type mailboxView struct {
	folder   *store.Folder
	readOnly bool
	msgs     []viewMessage
	recent   map[imap.UID]bool
}

func (v *mailboxView) maxSeq() uint32 {
	return uint32(len(v.msgs))
}

func (v *mailboxView) maxUID() imap.UID {
	if len(v.msgs) == 0 {
		return 0
	}
	return v.msgs[len(v.msgs)-1].uid
}

func (v *mailboxView) recentCount() uint32 {
	n := uint32(0)
	for _, m := range v.msgs {
		if v.recent[m.uid] {
			n++
		}
	}
	return n
}

// sessionFlags replaces any stored Recent flag with this session's own:
// Recent belongs to whichever session claimed it at SELECT.
func (v *mailboxView) sessionFlags(uid imap.UID, stored []imap.Flag) []imap.Flag {
	flags := make([]imap.Flag, 0, len(stored)+1)
	for _, f := range stored {
		if f != imap.Flag("\\Recent") {
			flags = append(flags, f)
		}
	}
	if v.recent[uid] {
		flags = append(flags, imap.Flag("\\Recent"))
	}
	return flags
}

// indexOfUID finds the view index of a UID, or -1. The list ascends, so a
// binary search suffices.
func (v *mailboxView) indexOfUID(uid imap.UID) int {
	lo, hi := 0, len(v.msgs)
	for lo < hi {
		mid := (lo + hi) / 2
		if v.msgs[mid].uid < uid {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(v.msgs) && v.msgs[lo].uid == uid {
		return lo
	}
	return -1
}

func rangeContains(start, stop, n, max uint32) bool {
	if max == 0 {
		return false
	}
	if start == 0 {
		start = max
	}
	if stop == 0 {
		stop = max
	}
	if start > stop {
		start, stop = stop, start
	}
	return n >= start && n <= stop
}

// matchSeq returns the view indices selected by a sequence set, ascending.
// Numbers beyond the view are ignored.
func (v *mailboxView) matchSeq(set imap.SeqSet) []int {
	max := v.maxSeq()
	var out []int
	for i := range v.msgs {
		seq := uint32(i + 1)
		for _, r := range set {
			if rangeContains(r.Start, r.Stop, seq, max) {
				out = append(out, i)
				break
			}
		}
	}
	return out
}

// matchUID returns the view indices selected by a UID set, ascending.
// UIDs not in the view are silently ignored.
func (v *mailboxView) matchUID(set imap.UIDSet) []int {
	max := uint32(v.maxUID())
	var out []int
	for i := range v.msgs {
		uid := uint32(v.msgs[i].uid)
		for _, r := range set {
			if rangeContains(uint32(r.Start), uint32(r.Stop), uid, max) {
				out = append(out, i)
				break
			}
		}
	}
	return out
}

func (c *conn) cmdSelect(ctx context.Context, tag string, p *parser) error {
	return c.selectFolder(ctx, tag, p, false)
}

func (c *conn) cmdExamine(ctx context.Context, tag string, p *parser) error {
	return c.selectFolder(ctx, tag, p, true)
}

func (c *conn) selectFolder(ctx context.Context, tag string, p *parser, readOnly bool) error {
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

	// A failed SELECT leaves no mailbox selected.
	c.selected = nil
	c.state = stateAuthenticated

	folder, err := c.server.store.GetFolderByName(ctx, c.user.ID, name)
	if err != nil {
		return mapStoreError(err)
	}
	msgs, err := c.server.store.ListMessages(ctx, folder.ID)
	if err != nil {
		return mapStoreError(err)
	}

	v := &mailboxView{
		folder:   folder,
		readOnly: readOnly,
		msgs:     make([]viewMessage, 0, len(msgs)),
		recent:   make(map[imap.UID]bool),
	}
	unseenSeq := uint32(0)
	for i := range msgs {
		m := &msgs[i]
		v.msgs = append(v.msgs, viewMessage{uid: m.UID, messageID: m.MessageID})
		if m.BitwiseFlags&store.FlagRecent != 0 {
			v.recent[m.UID] = true
		}
		if unseenSeq == 0 && m.BitwiseFlags&store.FlagSeen == 0 {
			unseenSeq = uint32(i + 1)
		}
	}
	if !readOnly && len(v.recent) > 0 {
		// This session takes the Recent set; later sessions see it clear.
		if err := c.server.store.ClearRecentFlags(ctx, c.user.ID, folder.ID); err != nil {
			return mapStoreError(err)
		}
	}

	c.selected = v
	c.state = stateSelected

	c.writeLine(`* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`)
	c.writeLine("* %d EXISTS", len(v.msgs))
	c.writeLine("* %d RECENT", v.recentCount())
	if unseenSeq > 0 {
		c.writeLine("* OK [UNSEEN %d] first unseen", unseenSeq)
	}
	if readOnly {
		c.writeLine(`* OK [PERMANENTFLAGS ()] read-only`)
	} else {
		c.writeLine(`* OK [PERMANENTFLAGS (\Answered \Flagged \Deleted \Seen \Draft \*)] flags allowed`)
	}
	c.writeLine("* OK [UIDVALIDITY %d] UIDs valid", folder.UIDValidity)
	c.writeLine("* OK [UIDNEXT %d] next UID", uint32(folder.HighestUID)+1)
	if readOnly {
		return c.okCode(tag, "READ-ONLY", "EXAMINE completed")
	}
	return c.okCode(tag, "READ-WRITE", "SELECT completed")
}

// pollSelected refreshes the view against the store: expunged messages are
// reported with their stale sequence numbers, then arrivals as new EXISTS
// and RECENT counts.
func (c *conn) pollSelected(ctx context.Context) error {
	v := c.selected
	fresh, err := c.server.store.ListMessages(ctx, v.folder.ID)
	if err != nil {
		return mapStoreError(err)
	}

	freshSet := make(map[imap.UID]bool, len(fresh))
	for i := range fresh {
		freshSet[fresh[i].UID] = true
	}

	kept := v.msgs[:0]
	for _, m := range v.msgs {
		if freshSet[m.uid] {
			kept = append(kept, m)
			continue
		}
		if err := c.writeLine("* %d EXPUNGE", len(kept)+1); err != nil {
			return err
		}
		delete(v.recent, m.uid)
	}

	known := make(map[imap.UID]bool, len(kept))
	for _, m := range kept {
		known[m.uid] = true
	}
	arrivals := 0
	rebuilt := make([]viewMessage, 0, len(fresh))
	for i := range fresh {
		m := &fresh[i]
		rebuilt = append(rebuilt, viewMessage{uid: m.UID, messageID: m.MessageID})
		if known[m.UID] {
			continue
		}
		arrivals++
		if m.BitwiseFlags&store.FlagRecent != 0 {
			v.recent[m.UID] = true
		}
	}
	v.msgs = rebuilt

	if arrivals > 0 {
		if err := c.writeLine("* %d EXISTS", len(v.msgs)); err != nil {
			return err
		}
		if err := c.writeLine("* %d RECENT", v.recentCount()); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) cmdClose(ctx context.Context, tag string, p *parser) error {
	if err := p.end(); err != nil {
		return bad("close takes no arguments")
	}
	v := c.selected
	if !v.readOnly {
		deleted, err := c.server.store.DeletedUIDs(ctx, c.user.ID, v.folder.ID)
		if err != nil {
			return mapStoreError(err)
		}
		if len(deleted) > 0 {
			// CLOSE expunges without untagged responses.
			if _, err := c.server.store.ExpungeMessages(ctx, c.user.ID, v.folder.ID, deleted); err != nil {
				return mapStoreError(err)
			}
			c.server.sink.FolderChanged(ctx, c.user.ID, v.folder.Name, events.ChangeExpunged)
		}
	}
	c.selected = nil
	c.state = stateAuthenticated
	return c.ok(tag, "CLOSE completed")
}

func (c *conn) cmdUnselect(ctx context.Context, tag string, p *parser) error {
	if err := p.end(); err != nil {
		return bad("unselect takes no arguments")
	}
	c.selected = nil
	c.state = stateAuthenticated
	return c.ok(tag, "UNSELECT completed")
}
