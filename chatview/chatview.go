// Package chatview builds the sender-grouped conversation view that is pushed
// to clients on connect and after every accepted message.
//
// The view is always rebuilt from a full read of the log; there is no cached
// incremental structure. Keeping the builder pure keeps concurrent sends safe:
// a rebuild can only ever be stale, never corrupted.
package chatview

import (
	"log/slog"
	"time"

	"github.com/onnwee/chat-relay/db"
)

// ChatMessage is one line within a conversation entry.
type ChatMessage struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Entry groups every message from one sender. Entries are ordered by the
// recency of the sender's latest message (most recently active sender first);
// messages within an entry are oldest-first.
type Entry struct {
	From     db.UserProfile `json:"from"`
	Messages []ChatMessage  `json:"messages"`
}

// Resolver maps a sender id to its profile. ok=false means the directory has
// no entry for the sender and the record is dropped from the view.
type Resolver func(id string) (profile db.UserProfile, ok bool)

// Build transforms the log (ascending insertion order, as storage returns it)
// into the grouped view.
//
// Records are walked newest-first. A sender's first appearance during the
// backward walk is their most recent message, so prepending a fresh entry at
// the front yields recency ordering across entries for free; prepending each
// further message inside an existing entry restores oldest-first order within
// it. Unresolvable senders are skipped, not fatal: the directory and the log
// are allowed to diverge.
func Build(records []db.MessageRecord, resolve Resolver) []Entry {
	view := make([]Entry, 0, 8)
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		from, ok := resolve(rec.SenderID)
		if !ok {
			slog.Warn("dropping message from unknown sender",
				slog.String("message_id", rec.ID),
				slog.String("sender_id", rec.SenderID),
				slog.String("component", "chatview"))
			continue
		}
		msg := ChatMessage{Message: rec.Text, Timestamp: rec.Timestamp}
		if pos := indexOfSender(view, from.ID); pos >= 0 {
			view[pos].Messages = append([]ChatMessage{msg}, view[pos].Messages...)
			continue
		}
		view = append([]Entry{{From: from, Messages: []ChatMessage{msg}}}, view...)
	}
	return view
}

func indexOfSender(view []Entry, senderID string) int {
	for i := range view {
		if view[i].From.ID == senderID {
			return i
		}
	}
	return -1
}
