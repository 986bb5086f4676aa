// Package reconcile merges optimistically-created local events with the
// server-confirmed canonical copies that later arrive for the same
// content. A canonical event always supersedes its provisional twin; the
// only question is whether the provisional copy carried payload fragments
// (tool blocks) worth donating to the survivor.
package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"sort"

	"github.com/tmaher/mirrorlog/internal/event"
	"github.com/tmaher/mirrorlog/internal/store"
)

// Engine runs duplicate detection and resolution against the store.
type Engine struct {
	store *store.Store
	log   *slog.Logger
}

// New creates an engine. A nil logger discards all log output.
func New(s *store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{store: s, log: logger}
}

// candidate is one message event annotated for matching.
type candidate struct {
	ev        event.Event
	signature string
	rich      bool
}

// annotate computes signature and richness for message events; other
// types return ok=false and never participate in matching.
func annotate(e event.Event) (candidate, bool) {
	if !e.Type.IsMessage() {
		return candidate{}, false
	}
	sig := e.Signature()
	if sig == "" {
		return candidate{}, false
	}
	return candidate{
		ev:        e,
		signature: sig,
		rich:      event.HasToolBlocks(e.Payload),
	}, true
}

// Reconcile resolves a batch of incoming canonical events against the
// session's locally-stored provisional events. Every provisional event
// whose content signature matches an incoming canonical event is deleted
// in one transaction — the canonical copy supersedes it regardless of
// richness. When the provisional copy was richer (had tool blocks the
// canonical copy lacks), its payload is returned keyed by the canonical
// event's id. The engine never rewrites payloads itself: what merging
// means is a payload-shape decision belonging to the type-specific
// handler, so callers must treat the returned map as a mandatory
// follow-up write.
func (r *Engine) Reconcile(
	ctx context.Context, sessionID string, incoming []event.Event,
) (map[string]json.RawMessage, error) {
	merge := map[string]json.RawMessage{}
	if len(incoming) == 0 {
		return merge, nil
	}

	stored, err := r.store.EventsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Signature → canonical copy from the incoming batch. On signature
	// collisions within the batch, a rich copy wins the slot so a
	// provisional duplicate is compared against the fullest canonical
	// form.
	canonical := map[string]candidate{}
	for _, e := range incoming {
		if !event.IsCanonicalID(e.ID) {
			continue
		}
		c, ok := annotate(e)
		if !ok {
			continue
		}
		if prev, dup := canonical[c.signature]; !dup || (!prev.rich && c.rich) {
			canonical[c.signature] = c
		}
	}
	if len(canonical) == 0 {
		return merge, nil
	}

	var doomed []string
	for _, e := range stored {
		if !e.IsProvisional() {
			continue
		}
		c, ok := annotate(e)
		if !ok {
			continue
		}
		match, found := canonical[c.signature]
		if !found {
			continue
		}
		doomed = append(doomed, c.ev.ID)
		if c.rich && !match.rich {
			merge[match.ev.ID] = c.ev.Payload
		}
	}
	if len(doomed) == 0 {
		return merge, nil
	}

	if err := r.deleteAndConfirm(sessionID, doomed); err != nil {
		return nil, err
	}

	r.log.Debug("reconciled provisional events",
		slog.String("session_id", sessionID),
		slog.Int("removed", len(doomed)),
		slog.Int("merges", len(merge)))
	return merge, nil
}

// Deduplicate repairs a session without an incoming batch: events are
// grouped by content signature and, within each group, losers are chosen
// by the tie-break richness > canonical-origin > earliest-sequence.
// Returns the number of events removed. A session with zero events is a
// no-op, not an error.
func (r *Engine) Deduplicate(
	ctx context.Context, sessionID string,
) (int, error) {
	stored, err := r.store.EventsBySession(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	groups := map[string][]candidate{}
	var order []string
	for _, e := range stored {
		c, ok := annotate(e)
		if !ok {
			continue
		}
		if _, seen := groups[c.signature]; !seen {
			order = append(order, c.signature)
		}
		groups[c.signature] = append(groups[c.signature], c)
	}

	var doomed []string
	for _, sig := range order {
		doomed = append(doomed, losers(groups[sig])...)
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	if err := r.deleteAndConfirm(sessionID, doomed); err != nil {
		return 0, err
	}

	r.log.Info("deduplicated session",
		slog.String("session_id", sessionID),
		slog.Int("removed", len(doomed)))
	return len(doomed), nil
}

// losers picks the ids to delete from one signature group.
//
// Richness first: if any member has tool blocks, every member without
// them loses. Among the survivors of that filter, canonical ids beat
// provisional ones: if any canonical copy remains, all provisional
// copies lose. If the remaining tie is all-provisional (or all-canonical
// with none to prefer), exactly one survives — first by sequence.
func losers(group []candidate) []string {
	if len(group) < 2 {
		return nil
	}

	var out []string
	survivors := group

	anyRich := false
	for _, c := range survivors {
		if c.rich {
			anyRich = true
			break
		}
	}
	if anyRich {
		kept := survivors[:0:0]
		for _, c := range survivors {
			if c.rich {
				kept = append(kept, c)
			} else {
				out = append(out, c.ev.ID)
			}
		}
		survivors = kept
	}

	anyCanonical := false
	for _, c := range survivors {
		if !c.ev.IsProvisional() {
			anyCanonical = true
			break
		}
	}
	if anyCanonical {
		kept := survivors[:0:0]
		for _, c := range survivors {
			if c.ev.IsProvisional() {
				out = append(out, c.ev.ID)
			} else {
				kept = append(kept, c)
			}
		}
		survivors = kept
		// Multiple canonical copies are left alone: the server owns
		// their identity and re-sending is its prerogative.
		return out
	}

	if len(survivors) > 1 {
		sort.Slice(survivors, func(i, j int) bool {
			return survivors[i].ev.Sequence < survivors[j].ev.Sequence
		})
		for _, c := range survivors[1:] {
			out = append(out, c.ev.ID)
		}
	}
	return out
}

// deleteAndConfirm removes the doomed events and drops them from the
// session scope's pending set in one transaction, so a failed delete
// leaves the store in its pre-reconciliation state and the operation is
// safely retryable.
func (r *Engine) deleteAndConfirm(sessionID string, ids []string) error {
	return r.store.Update(func(tx *sql.Tx) error {
		if _, err := store.DeleteEventsTx(tx, ids); err != nil {
			return err
		}
		return store.RemovePendingTx(tx, store.SessionScope(sessionID), ids)
	})
}
