package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/tmaher/mirrorlog/internal/config"
	"github.com/tmaher/mirrorlog/internal/reconcile"
	"github.com/tmaher/mirrorlog/internal/store"
	"github.com/tmaher/mirrorlog/internal/tree"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "sessions":
			runSessions(os.Args[2:])
			return
		case "tree":
			runTree(os.Args[2:])
			return
		case "dedup":
			runDedup(os.Args[2:])
			return
		case "stats":
			runStats(os.Args[2:])
			return
		case "version", "--version", "-v":
			fmt.Printf("mirrorlog %s (commit %s)\n", version, commit)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}
	printUsage()
	os.Exit(2)
}

func printUsage() {
	fmt.Println(`mirrorlog - local replica of a server-authoritative session event log

Usage:
  mirrorlog sessions [flags]               list sessions
  mirrorlog tree     [flags] -session id   print a session's event tree
  mirrorlog dedup    [flags] -session id   remove duplicate events
  mirrorlog stats    [flags]               print store statistics
  mirrorlog version                        print version

Common flags:
  -db path        database path
  -origin host    server origin
  -verbose        debug logging`)
}

// loadConfig parses args into fs and layers the config on top.
func loadConfig(fs *flag.FlagSet, args []string) config.Config {
	config.RegisterCommonFlags(fs)
	fs.Parse(args)
	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr,
		&slog.HandlerOptions{Level: level}))
}

func openStore(cfg config.Config, verbose bool) *store.Store {
	s, err := store.Open(cfg.DBPath, newLogger(verbose))
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening store: %v\n", err)
		os.Exit(1)
	}
	return s
}

// originFilter maps the configured origin to the listing filter: an
// empty origin means no filtering.
func originFilter(cfg config.Config) *string {
	if cfg.ServerOrigin == "" {
		return nil
	}
	return &cfg.ServerOrigin
}

func runSessions(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "debug logging")
	cfg := loadConfig(fs, args)

	s := openStore(cfg, *verbose)
	defer s.Close()

	sessions, err := s.SessionsByOrigin(context.Background(), originFilter(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "listing sessions: %v\n", err)
		os.Exit(1)
	}

	for _, sess := range sessions {
		title := "(untitled)"
		if sess.Title != nil {
			title = *sess.Title
		}
		marker := " "
		if sess.IsFork {
			marker = "⑂"
		}
		archived := ""
		if sess.ArchivedAt != nil {
			archived = " [archived]"
		}
		fmt.Printf("%s %-38s %4d events %4d msgs  %s%s\n",
			marker, sess.ID, sess.EventCount, sess.MessageCount,
			title, archived)
	}
}

func runTree(args []string) {
	fs := flag.NewFlagSet("tree", flag.ExitOnError)
	sessionID := fs.String("session", "", "session id (required)")
	verbose := fs.Bool("verbose", false, "debug logging")
	cfg := loadConfig(fs, args)

	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "tree: -session is required")
		os.Exit(2)
	}

	s := openStore(cfg, *verbose)
	defer s.Close()

	ctx := context.Background()
	sess, err := s.GetSession(ctx, *sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "getting session: %v\n", err)
		os.Exit(1)
	}
	if sess == nil {
		fmt.Fprintf(os.Stderr, "session %s not found\n", *sessionID)
		os.Exit(1)
	}

	events, err := s.EventsBySession(ctx, *sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading events: %v\n", err)
		os.Exit(1)
	}

	for _, n := range tree.Build(events, sess.HeadEventID) {
		head := ""
		if n.IsHead {
			head = " ← head"
		}
		branch := ""
		if n.IsBranchPoint {
			branch = fmt.Sprintf(" (%d branches)", n.ChildCount)
		}
		fmt.Printf("%s%-20s %s%s%s\n",
			strings.Repeat("  ", n.Depth), n.Type, n.Summary, branch, head)
	}
}

func runDedup(args []string) {
	fs := flag.NewFlagSet("dedup", flag.ExitOnError)
	sessionID := fs.String("session", "", "session id (required)")
	verbose := fs.Bool("verbose", false, "debug logging")
	cfg := loadConfig(fs, args)

	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "dedup: -session is required")
		os.Exit(2)
	}

	s := openStore(cfg, *verbose)
	defer s.Close()

	ctx := context.Background()
	engine := reconcile.New(s, newLogger(*verbose))
	removed, err := engine.Deduplicate(ctx, *sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dedup: %v\n", err)
		os.Exit(1)
	}
	if removed > 0 {
		if _, err := s.RefreshAggregate(ctx, *sessionID, originFilter(cfg)); err != nil {
			fmt.Fprintf(os.Stderr, "refreshing aggregate: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("removed %d duplicate event(s)\n", removed)
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "debug logging")
	cfg := loadConfig(fs, args)

	s := openStore(cfg, *verbose)
	defer s.Close()

	ctx := context.Background()
	sessions, err := s.AllSessions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listing sessions: %v\n", err)
		os.Exit(1)
	}

	var events, messages, pending int64
	for _, sess := range sessions {
		events += sess.EventCount
		messages += sess.MessageCount
		st, err := s.SyncStateFor(ctx, store.SessionScope(sess.ID))
		if err == nil && st != nil {
			pending += int64(len(st.PendingEventIDs))
		}
	}

	fmt.Printf("sessions:        %d\n", len(sessions))
	fmt.Printf("events:          %d\n", events)
	fmt.Printf("messages:        %d\n", messages)
	fmt.Printf("pending (local): %d\n", pending)
}
