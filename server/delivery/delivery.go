// Package delivery is the single write path for new messages. SMTP and IMAP
// APPEND both commit through here: parse the raw octets, spool the content to
// the local cache, run each recipient's filter script, file every copy in one
// store transaction, then notify. The uploader moves spooled content to the
// blob store afterwards.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/brevmail/brev/cache"
	"github.com/brevmail/brev/consts"
	"github.com/brevmail/brev/helpers"
	"github.com/brevmail/brev/logger"
	"github.com/brevmail/brev/pkg/metrics"
	"github.com/brevmail/brev/server/events"
	"github.com/brevmail/brev/server/sieveengine"
	"github.com/brevmail/brev/store"
)

// Pipeline owns the commit path. Safe for concurrent use.
type Pipeline struct {
	store *store.Store
	cache *cache.Cache
	sink  events.Sink
}

func New(st *store.Store, c *cache.Cache, sink events.Sink) *Pipeline {
	return &Pipeline{store: st, cache: c, sink: sink}
}

// Request is one raw message headed for one or more local recipients.
type Request struct {
	Raw        []byte
	Source     string // smtp, imap or admin; used as a metric label
	Sender     string // envelope sender, visible to filter scripts
	Recipients []*store.User

	// Folder targets an explicit folder and skips filter scripts; APPEND
	// sets it. Empty means run the recipient's filters and default to
	// INBOX.
	Folder       string
	Flags        []imap.Flag
	InternalDate time.Time // zero means now
	Recent       bool
}

// Delivered reports where one copy of the message landed.
type Delivered struct {
	User   *store.User
	Folder *store.Folder
	UID    imap.UID
}

// Deliver commits the message for every recipient, or for none when the
// store transaction fails. A recipient whose filter discards the message is
// accepted without a stored copy.
func (p *Pipeline) Deliver(ctx context.Context, req *Request) ([]Delivered, error) {
	if len(req.Raw) == 0 {
		return nil, fmt.Errorf("deliver: empty message")
	}
	if len(req.Recipients) == 0 {
		return nil, fmt.Errorf("deliver: no recipients")
	}

	parsed, err := helpers.ParseMessage(req.Raw)
	if err != nil {
		metrics.MessagesDelivered.WithLabelValues(req.Source, "unparseable").Inc()
		return nil, fmt.Errorf("deliver: %w", err)
	}

	// Spool before the store commit; the cache copy is the only durable
	// content until the uploader runs.
	if err := p.cache.Put(ctx, parsed.ContentHash, req.Raw); err != nil {
		metrics.MessagesDelivered.WithLabelValues(req.Source, "spool_error").Inc()
		return nil, fmt.Errorf("spool message: %w", err)
	}

	type placement struct {
		user   *store.User
		folder *store.Folder
		flags  []imap.Flag
	}
	var placements []placement

	for _, user := range req.Recipients {
		if req.Folder != "" {
			folder, err := p.store.GetFolderByName(ctx, user.ID, req.Folder)
			if err != nil {
				return nil, err
			}
			placements = append(placements, placement{user: user, folder: folder})
			continue
		}

		folders, flags, err := p.resolveFiltered(ctx, user, req.Sender, parsed)
		if err != nil {
			return nil, err
		}
		for _, folder := range folders {
			placements = append(placements, placement{user: user, folder: folder, flags: flags})
		}
	}

	if len(placements) == 0 {
		// Every recipient's filter discarded the message.
		metrics.MessagesDelivered.WithLabelValues(req.Source, "discarded").Inc()
		return nil, nil
	}

	targets := make([]store.DeliveryTarget, 0, len(placements))
	for _, pl := range placements {
		targets = append(targets, store.DeliveryTarget{
			UserID:   pl.user.ID,
			FolderID: pl.folder.ID,
			Flags:    pl.flags,
		})
	}

	delivery, err := p.store.Deliver(ctx, &store.DeliveryRequest{
		Parsed:       parsed,
		InternalDate: req.InternalDate,
		Flags:        req.Flags,
		Recent:       req.Recent,
		Targets:      targets,
	})
	if err != nil {
		metrics.MessagesDelivered.WithLabelValues(req.Source, "store_error").Inc()
		return nil, err
	}

	results := make([]Delivered, 0, len(delivery.Results))
	for i, res := range delivery.Results {
		pl := placements[i]
		results = append(results, Delivered{User: pl.user, Folder: pl.folder, UID: res.UID})
		p.sink.FolderChanged(ctx, pl.user.ID, pl.folder.Name, events.ChangeDelivered)
	}

	metrics.MessagesDelivered.WithLabelValues(req.Source, "success").Inc()
	metrics.BytesDelivered.Add(float64(len(req.Raw)))
	return results, nil
}

// resolveFiltered runs the user's active filter script and returns the
// folders this user's copy goes to, plus any flags the script set. A broken
// or failing script never loses mail; the message keeps to INBOX.
func (p *Pipeline) resolveFiltered(ctx context.Context, user *store.User, sender string, parsed *helpers.ParsedMessage) ([]*store.Folder, []imap.Flag, error) {
	inbox := func() ([]*store.Folder, []imap.Flag, error) {
		folder, err := p.store.GetFolderByName(ctx, user.ID, consts.FolderInbox)
		if err != nil {
			return nil, nil, err
		}
		return []*store.Folder{folder}, nil, nil
	}

	script, err := p.store.GetActiveSieveScript(ctx, user.ID)
	if errors.Is(err, store.ErrNotFound) {
		return inbox()
	}
	if err != nil {
		return nil, nil, err
	}

	executor, err := sieveengine.NewExecutor(script.Script)
	if err != nil {
		logger.Warn("filter script does not compile, keeping to INBOX",
			"user", user.Address(), "script", script.Name, "error", err)
		return inbox()
	}

	result, err := executor.Evaluate(ctx, sieveengine.Context{
		EnvelopeFrom: sender,
		EnvelopeTo:   user.Address(),
		Header:       parsed.Headers,
		Body:         parsed.PlaintextBody,
	})
	if err != nil {
		logger.Warn("filter script failed, keeping to INBOX",
			"user", user.Address(), "script", script.Name, "error", err)
		return inbox()
	}

	var flags []imap.Flag
	for _, name := range result.Flags {
		flags = append(flags, imap.Flag(name))
	}

	switch result.Action {
	case sieveengine.ActionDiscard:
		logger.Debug("filter discarded message", "user", user.Address(), "script", script.Name)
		return nil, nil, nil

	case sieveengine.ActionFileInto:
		folder, err := p.store.GetFolderByName(ctx, user.ID, result.Mailbox)
		if errors.Is(err, consts.ErrFolderNotFound) && result.CreateMailbox {
			folder, err = p.store.CreateFolder(ctx, user.ID, result.Mailbox)
		}
		if errors.Is(err, consts.ErrFolderNotFound) {
			logger.Warn("filter target folder missing, keeping to INBOX",
				"user", user.Address(), "folder", result.Mailbox)
			folders, _, ferr := inbox()
			return folders, flags, ferr
		}
		if err != nil {
			return nil, nil, err
		}
		folders := []*store.Folder{folder}
		if result.Copy {
			inboxFolder, err := p.store.GetFolderByName(ctx, user.ID, consts.FolderInbox)
			if err != nil {
				return nil, nil, err
			}
			if inboxFolder.ID != folder.ID {
				folders = append(folders, inboxFolder)
			}
		}
		return folders, flags, nil

	default:
		folders, _, err := inbox()
		return folders, flags, err
	}
}
