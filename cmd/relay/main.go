package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/astromechza/sectionsync/pkg/relay"
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
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	dbVar := flag.String("db", "sectionsync.sqlite3", "the sqlite database to persist sections in")
	backupVar := flag.Duration("backup-interval", 5*time.Second, "how often to snapshot sections to the database")
	renderVar := flag.Bool("render", false, "render the history of every section to svg on shutdown")
	historyVar := flag.Int("history", relay.DefaultSettings().HistoryLimit, "the number of revisions kept in memory per section")
	logWaitVar := flag.Duration("log-wait", time.Second, "how long an applied revision may wait for the database writer before it is left out of the log")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("Opening database", "path", *dbVar)
	st, err := store.Open(*dbVar)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		return err
	}

	// revisions are written by a single goroutine so the hub rarely waits on the database
	revisions := store.NewRevisionLog(st, 1024, *logWaitVar)
	settings := relay.DefaultSettings()
	settings.HistoryLimit = *historyVar
	hub := relay.NewHub(settings, func(documentID, sectionID string, rev relay.Revision) {
		if err := revisions.Record(documentID, sectionID, rev); err != nil {
			slog.Error("revision log now has a gap", "err", err)
		}
	})

	sections, err := st.LoadSections(ctx)
	if err != nil {
		return err
	}
	for _, sec := range sections {
		hub.Restore(sec.DocumentID, sec.SectionID, sec.Revision, sec.Content)
	}
	slog.Info("Restored sections", "count", len(sections))

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	hub.Routes(r)
	r.Methods(http.MethodGet).Path("/documents/{document}/sections/{section}/history.svg").HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		vars := mux.Vars(request)
		history, err := st.History(request.Context(), vars["document"], vars["section"])
		if err != nil {
			slog.Error("failed to load history", "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		} else if len(history) == 0 {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		if err := store.Contiguous(history); err != nil {
			slog.Warn("rendering incomplete history", "err", err)
			writer.Header().Add("X-History-Incomplete", "true")
		}
		writer.Header().Add("Content-Type", "image/svg+xml")
		if err := viz.RenderHistory(history, writer); err != nil {
			slog.Error("failed to render", "err", err)
		}
	})

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		revisions.Run(ctx)
	}()

	backup := func(ctx context.Context) {
		snapshots := make([]store.Section, 0)
		hub.ForEachSection(func(documentID, sectionID string, revision int, text string) {
			snapshots = append(snapshots, store.Section{DocumentID: documentID, SectionID: sectionID, Revision: revision, Content: text})
		})
		for _, sec := range snapshots {
			if changed, err := st.SaveSection(ctx, sec); err != nil {
				slog.Error("failed to backup section in database", "err", err)
			} else if changed {
				slog.Info("backed up", "document", sec.DocumentID, "section", sec.SectionID, "revision", sec.Revision)
			}
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(*backupVar)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				backup(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{Addr: *addrVar, Handler: r}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()

	wg.Wait()

	// the main context is already cancelled
	flushCtx := context.Background()
	revisions.Flush(flushCtx)
	backup(flushCtx)

	if *renderVar {
		type key struct{ documentID, sectionID string }
		keys := make([]key, 0)
		hub.ForEachSection(func(documentID, sectionID string, _ int, _ string) {
			keys = append(keys, key{documentID, sectionID})
		})
		for _, k := range keys {
			history, _ := hub.History(k.documentID, k.sectionID)
			if len(history) == 0 {
				continue
			}
			if svgPath, err := viz.RenderToTemp(history); err != nil {
				slog.Error("failed to render", "document", k.documentID, "section", k.sectionID, "err", err)
			} else {
				slog.Info("rendered", "document", k.documentID, "section", k.sectionID, "path", "file://"+svgPath)
			}
		}
	}
	return nil
}
