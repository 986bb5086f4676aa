package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tmaher/mirrorlog/internal/event"
	"github.com/tmaher/mirrorlog/internal/reconcile"
	"github.com/tmaher/mirrorlog/internal/store"
)

const (
	// defaultPageLimit is the history page size requested per pull.
	defaultPageLimit = 200
	// maxRefreshWorkers bounds concurrent per-session refreshes.
	maxRefreshWorkers = 4
)

// Puller orchestrates pulls from the transport into the store: initial
// full-history loads, incremental refreshes, and the server-side
// ancestor fallback. Every successful pull advances the scope's sync
// cursor; a failed attempt leaves it untouched so the next attempt
// retries from the same position.
type Puller struct {
	store      *store.Store
	transport  Transport
	reconciler *reconcile.Engine
	origin     *string // server origin stamped on refreshed sessions
	log        *slog.Logger
	pageLimit  int
}

// NewPuller creates a puller for one server origin. A nil logger
// discards all log output.
func NewPuller(
	s *store.Store, t Transport, origin *string, logger *slog.Logger,
) *Puller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Puller{
		store:      s,
		transport:  t,
		reconciler: reconcile.New(s, logger),
		origin:     origin,
		log:        logger,
		pageLimit:  defaultPageLimit,
	}
}

// SetPageLimit overrides the history page size requested per pull.
// Values below one are ignored.
func (p *Puller) SetPageLimit(n int) {
	if n > 0 {
		p.pageLimit = n
	}
}

// LoadHistory pulls a session's complete history: pages the transport
// reverse-chronologically until exhausted, reverses to chronological
// order, persists with insert-or-ignore (re-delivery is expected),
// reconciles away superseded provisional events, applies the resulting
// payload merges, refreshes the session aggregate, and advances the
// cursor. Returns how many events were actually new.
func (p *Puller) LoadHistory(ctx context.Context, sessionID string) (int, error) {
	var all []event.Event
	cursor := ""
	for {
		page, err := p.transport.GetHistory(ctx, HistoryRequest{
			SessionID:     sessionID,
			Limit:         p.pageLimit,
			BeforeEventID: cursor,
		})
		if err != nil {
			return 0, fmt.Errorf("pulling history for %s: %w", sessionID, err)
		}
		all = append(all, page.Events...)
		if !page.HasMore {
			break
		}
		cursor = page.OldestEventID
	}

	// Pages arrive newest-first; persist oldest-first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}

	inserted, err := p.ingest(ctx, sessionID, all)
	if err != nil {
		return 0, err
	}
	p.log.Info("session history loaded",
		slog.String("session_id", sessionID),
		slog.Int("events", len(all)),
		slog.Int("new", inserted))
	return inserted, nil
}

// Refresh incrementally updates the given sessions from their sync
// cursors, fanning out across a bounded worker group. Each session's
// failure is independent; the first error is returned after the group
// drains, and failed sessions keep their old cursor.
func (p *Puller) Refresh(ctx context.Context, sessionIDs []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxRefreshWorkers)
	for _, id := range sessionIDs {
		id := id
		g.Go(func() error {
			return p.refreshOne(ctx, id)
		})
	}
	return g.Wait()
}

func (p *Puller) refreshOne(ctx context.Context, sessionID string) error {
	scope := store.SessionScope(sessionID)
	st, err := p.store.SyncStateFor(ctx, scope)
	if err != nil {
		return err
	}

	req := SinceRequest{SessionID: sessionID, Limit: p.pageLimit}
	if st != nil {
		if st.LastSyncedEventID != nil {
			req.AfterEventID = *st.LastSyncedEventID
		}
		if st.LastSyncTimestamp != nil {
			req.AfterTimestamp = *st.LastSyncTimestamp
		}
	}

	incoming, err := p.transport.GetSince(ctx, req)
	if err != nil {
		return fmt.Errorf("refreshing %s: %w", sessionID, err)
	}
	if len(incoming) == 0 {
		return nil
	}

	_, err = p.ingest(ctx, sessionID, incoming)
	return err
}

// ingest persists a chronological batch of canonical events and runs the
// post-insert pipeline: reconcile, merge, aggregate refresh, cursor
// advance. The cursor only moves after everything else succeeded.
func (p *Puller) ingest(
	ctx context.Context, sessionID string, incoming []event.Event,
) (int, error) {
	if len(incoming) == 0 {
		return 0, nil
	}

	inserted, err := p.store.InsertNewEvents(incoming)
	if err != nil {
		return 0, err
	}

	merge, err := p.reconciler.Reconcile(ctx, sessionID, incoming)
	if err != nil {
		return 0, err
	}
	if err := p.applyMerges(ctx, merge); err != nil {
		return 0, err
	}

	if _, err := p.store.RefreshAggregate(ctx, sessionID, p.origin); err != nil {
		return 0, err
	}

	last := incoming[len(incoming)-1]
	if err := p.store.SetSyncState(&store.SyncState{
		Key:               store.SessionScope(sessionID),
		LastSyncedEventID: &last.ID,
		LastSyncTimestamp: &last.Timestamp,
		PendingEventIDs:   p.pendingAfter(ctx, sessionID),
	}); err != nil {
		return 0, err
	}
	return inserted, nil
}

// pendingAfter re-reads the scope's pending set after reconciliation so
// the cursor write does not resurrect ids reconciliation just confirmed.
func (p *Puller) pendingAfter(ctx context.Context, sessionID string) []string {
	st, err := p.store.SyncStateFor(ctx, store.SessionScope(sessionID))
	if err != nil || st == nil {
		return nil
	}
	return st.PendingEventIDs
}

// applyMerges performs the mandatory follow-up write for Reconcile's
// merge map: for each surviving canonical event, the provisional copy's
// content blocks replace the canonical content while every other
// canonical payload key is kept. This is the message-type merge rule;
// the reconcile engine itself never rewrites payloads.
func (p *Puller) applyMerges(ctx context.Context, merge map[string]json.RawMessage) error {
	for canonicalID, donor := range merge {
		e, err := p.store.GetEvent(ctx, canonicalID)
		if err != nil {
			return err
		}
		if e == nil {
			continue
		}
		merged, err := mergeMessagePayload(e.Payload, donor)
		if err != nil {
			p.log.Warn("skipping payload merge",
				slog.String("event_id", canonicalID),
				slog.String("error", err.Error()))
			continue
		}
		if err := p.store.UpdateEventPayload(canonicalID, merged); err != nil {
			return err
		}
	}
	return nil
}

// mergeMessagePayload grafts the donor's content field onto the base
// payload, preserving all other base keys.
func mergeMessagePayload(base, donor json.RawMessage) (json.RawMessage, error) {
	var baseDoc map[string]json.RawMessage
	if err := json.Unmarshal(base, &baseDoc); err != nil {
		return nil, fmt.Errorf("decoding canonical payload: %w", err)
	}
	var donorDoc map[string]json.RawMessage
	if err := json.Unmarshal(donor, &donorDoc); err != nil {
		return nil, fmt.Errorf("decoding provisional payload: %w", err)
	}
	content, ok := donorDoc["content"]
	if !ok {
		return nil, fmt.Errorf("provisional payload has no content field")
	}
	baseDoc["content"] = content
	return json.Marshal(baseDoc)
}

// ResolveAncestors walks an event's ancestor chain locally and, when the
// walk terminates early because the referenced event lives in a session
// not yet synced, falls back to the server-side resolver, persists what
// it returns, and re-walks. A still-short chain after the fallback is
// returned as-is: the caller renders truncated history, not an error.
func (p *Puller) ResolveAncestors(
	ctx context.Context, eventID string,
) ([]event.Event, error) {
	chain, err := p.store.Ancestors(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if complete(chain) {
		return chain, nil
	}

	p.log.Debug("local ancestor chain incomplete, asking server",
		slog.String("event_id", eventID))
	remote, err := p.transport.GetAncestors(ctx, eventID)
	if err != nil {
		// The partial local chain is still renderable.
		p.log.Warn("server ancestor resolution failed",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()))
		return chain, nil
	}
	if _, err := p.store.InsertNewEvents(remote); err != nil {
		return nil, err
	}

	return p.store.Ancestors(ctx, eventID)
}

// complete reports whether an ancestor chain reached a true root.
func complete(chain []event.Event) bool {
	return len(chain) > 0 && chain[0].ParentID == nil
}
