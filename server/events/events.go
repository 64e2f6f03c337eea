// Package events is the boundary between folder mutations and whatever
// wants to hear about them. Protocol sessions and the delivery path emit
// after the store commit succeeds; the sink must never be able to fail a
// commit that already happened.
package events

import (
	"context"

	"github.com/brevmail/brev/logger"
	"github.com/brevmail/brev/pkg/metrics"
)

// Change classifies what happened to a folder.
type Change string

const (
	ChangeDelivered Change = "delivered"
	ChangeExpunged  Change = "expunged"
	ChangeFlags     Change = "flags"
	ChangeCreated   Change = "created"
	ChangeDeleted   Change = "deleted"
	ChangeRenamed   Change = "renamed"
)

// Sink receives change notifications. Implementations must be safe for
// concurrent use and must not block on slow consumers.
type Sink interface {
	FolderChanged(ctx context.Context, userID int64, folder string, change Change)
}

// LogSink records changes to the structured log and the folder event
// counter. It is the in-process default; a push transport would wrap or
// replace it.
type LogSink struct{}

func NewLogSink() *LogSink {
	return &LogSink{}
}

func (s *LogSink) FolderChanged(ctx context.Context, userID int64, folder string, change Change) {
	metrics.FolderEvents.WithLabelValues(string(change)).Inc()
	logger.Debug("folder changed",
		"user_id", userID,
		"folder", folder,
		"change", string(change))
}

// NopSink drops everything. Used where notifications are irrelevant,
// such as admin tooling.
type NopSink struct{}

func (NopSink) FolderChanged(context.Context, int64, string, Change) {}
