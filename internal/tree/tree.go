// Package tree turns a session's linear event list into a renderable
// tree. It is a pure transform: no store access, deterministic output
// for identical input, which UI diffing and tests both rely on.
package tree

import (
	"strings"

	"github.com/tmaher/mirrorlog/internal/event"
)

// summaryLength caps node summaries for list rendering.
const summaryLength = 120

// Node is one renderable entry in the depth-first flattening of a
// session's event tree.
type Node struct {
	ID            string     `json:"id"`
	ParentID      *string    `json:"parent_id"`
	Type          event.Type `json:"type"`
	Timestamp     string     `json:"timestamp"`
	Summary       string     `json:"summary"`
	HasChildren   bool       `json:"has_children"`
	ChildCount    int        `json:"child_count"`
	Depth         int        `json:"depth"`
	IsBranchPoint bool       `json:"is_branch_point"`
	IsHead        bool       `json:"is_head"`
}

// Build flattens events into depth-first order with depth, branch-point,
// and head markers. events must be in sequence order; child ordering
// follows it, which keeps the output stable. Normally a session has one
// root, but disconnected roots (events whose parent is outside the input
// set) are tolerated and each started at depth zero.
func Build(events []event.Event, headEventID *string) []Node {
	if len(events) == 0 {
		return nil
	}

	inSet := make(map[string]bool, len(events))
	for i := range events {
		inSet[events[i].ID] = true
	}

	// Adjacency by parent id; events with no locally-present parent are
	// roots, keyed under "".
	children := make(map[string][]*event.Event)
	for i := range events {
		e := &events[i]
		key := ""
		if e.ParentID != nil && inSet[*e.ParentID] {
			key = *e.ParentID
		}
		children[key] = append(children[key], e)
	}

	head := ""
	if headEventID != nil {
		head = *headEventID
	}

	nodes := make([]Node, 0, len(events))
	var walk func(e *event.Event, depth int)
	walk = func(e *event.Event, depth int) {
		kids := children[e.ID]
		nodes = append(nodes, Node{
			ID:            e.ID,
			ParentID:      e.ParentID,
			Type:          e.Type,
			Timestamp:     e.Timestamp,
			Summary:       summarize(e),
			HasChildren:   len(kids) > 0,
			ChildCount:    len(kids),
			Depth:         depth,
			IsBranchPoint: len(kids) > 1,
			IsHead:        e.ID == head,
		})
		for _, kid := range kids {
			walk(kid, depth+1)
		}
	}
	for _, root := range children[""] {
		walk(root, 0)
	}
	return nodes
}

// summarize produces a one-line preview of an event for list rendering.
func summarize(e *event.Event) string {
	text := event.ExtractText(e.Payload)
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		text = string(e.Type)
	}
	runes := []rune(text)
	if len(runes) > summaryLength {
		return string(runes[:summaryLength-1]) + "…"
	}
	return text
}
