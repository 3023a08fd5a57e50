package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/sectionsync/pkg/ot"
	"github.com/astromechza/sectionsync/pkg/session"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the address of the relay")
	documentVar := flag.String("document", "default", "the document to join")
	sectionVar := flag.String("section", "intro", "the section to type into")
	usernameVar := flag.String("username", fmt.Sprintf("bot-%d", os.Getpid()), "the name shown to other collaborators")
	intervalVar := flag.Duration("interval", time.Second, "the base delay between edits")
	flag.Parse()

	baseUrl, err := url.Parse("http://" + *addrVar)
	if err != nil {
		return err
	}
	text, err := fetchLatest(baseUrl.JoinPath("documents", *documentVar, "sections", *sectionVar, "latest").String())
	if err != nil {
		return err
	}
	slog.Info("established base text", "text", text)

	settings := session.DefaultSettings()
	wsUrl := *baseUrl
	wsUrl.Scheme = "ws"
	settings.URL = wsUrl.String()
	settings.Username = *usernameVar

	h := &host{texts: map[string]string{*sectionVar: text}}
	s := session.New(settings, nil, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Enable(ctx, *documentVar); err != nil {
		return err
	}
	defer s.Disable()
	if err := s.JoinSection(*sectionVar, text); err != nil {
		return err
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		typeRandomlyContinuously(ctx, s, *sectionVar, *intervalVar)
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)

	revision, final, state, _ := s.SectionState(*sectionVar)
	slog.Info("final", "revision", revision, "state", state, "text", final)
	cancel()
	wg.Wait()
	return nil
}

func fetchLatest(u string) (string, error) {
	resp, err := http.DefaultClient.Get(u)
	if err != nil {
		return "", fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("failed to read body from get: %w", err)
		}
		return string(raw), nil
	case http.StatusNotFound:
		return "", nil
	default:
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}

// host stands in for an editor: it only mirrors what the session pushes to it.
type host struct {
	mu    sync.Mutex
	texts map[string]string
}

func (h *host) SectionText(sectionID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.texts[sectionID]
}

func (h *host) ApplyRemote(sectionID string, op *ot.Operation, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.texts[sectionID] = text
	slog.Info("text changed", "section", sectionID, "op", op.String(), "text", text)
}

func (h *host) OnStatus(status session.Status, err error) {
	if err != nil {
		slog.Warn("status", "status", status, "err", err)
		return
	}
	slog.Info("status", "status", status)
}

func (h *host) OnPresence() {}

var words = []string{"lorem", "ipsum", "dolor", "sit", "amet", "ünïcode", "🙂"}

func randomChange(text string) []ot.Change {
	n := ot.Len(text)
	if n > 0 && rand.Intn(3) == 0 {
		from := rand.Intn(n)
		to := from + 1 + rand.Intn(min(5, n-from))
		return []ot.Change{{From: from, To: to}}
	}
	pos := rand.Intn(n + 1)
	return []ot.Change{{From: pos, To: pos, Text: words[rand.Intn(len(words))] + " "}}
}

func typeRandomlyContinuously(ctx context.Context, s *session.Session, sectionID string, interval time.Duration) {
	for {
		t := time.NewTimer(interval + interval*time.Duration(rand.Intn(3)))
		select {
		case <-t.C:
			if err := s.EditWith(sectionID, randomChange); err != nil {
				slog.Error("failed to edit", "err", err)
			}
			if err := s.MoveCursor(sectionID, 0, 1, 0); err != nil {
				slog.Debug("failed to send cursor", "err", err)
			}
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled edits")
			return
		}
	}
}
