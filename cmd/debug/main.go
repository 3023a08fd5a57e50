package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/astromechza/sectionsync/pkg/store"
	"github.com/astromechza/sectionsync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	dbVar := flag.String("db", "sectionsync.sqlite3", "the sqlite database written by the relay")
	flag.Parse()
	if flag.NArg() != 2 {
		return fmt.Errorf("expected two position arguments: the document and the section")
	}
	documentID, sectionID := flag.Arg(0), flag.Arg(1)

	st, err := store.Open(*dbVar)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := context.Background()

	sections, err := st.LoadSections(ctx)
	if err != nil {
		return err
	}
	for _, sec := range sections {
		if sec.DocumentID == documentID && sec.SectionID == sectionID {
			slog.Info("loaded snapshot", "revision", sec.Revision, "content", sec.Content)
		}
	}

	history, err := st.History(ctx, documentID, sectionID)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	slog.Info("revisions:")
	for i, rev := range history {
		slog.Info("revision", "i", fmt.Sprintf("%4d", i), "revision", rev.Number, "author", rev.Author, "op", rev.Operation.String())
	}
	if err := store.Contiguous(history); err != nil {
		slog.Warn("the log is incomplete", "err", err)
	}
	// the log only replays when it starts from the seed
	if len(history) > 0 && history[0].Number == 0 {
		if text, err := store.Replay(history); err != nil {
			slog.Warn("cannot replay", "err", err)
		} else {
			slog.Info("replayed", "text", text)
		}
	}

	fmt.Println(`digraph "log" {`)
	for i, rev := range history {
		fmt.Printf("    \"%d\" [label=%q]\n", rev.Number, viz.Label(rev))
		if i > 0 {
			fmt.Printf("    \"%d\" -> \"%d\"\n", history[i-1].Number, rev.Number)
		}
	}
	fmt.Println("}")
	return nil
}
