package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/astromechza/sectionsync/pkg/relay"
)

var (
	ErrLogBackedUp       = errors.New("revision log is backed up")
	ErrIncompleteHistory = errors.New("revision history has gaps")
)

type queuedRevision struct {
	documentID string
	sectionID  string
	revision   relay.Revision
}

// RevisionLog appends applied revisions to the store from a single goroutine. Record waits up to
// timeout for room in the queue before giving up.
type RevisionLog struct {
	store   *Store
	queue   chan queuedRevision
	timeout time.Duration
}

func NewRevisionLog(store *Store, size int, timeout time.Duration) *RevisionLog {
	return &RevisionLog{store: store, queue: make(chan queuedRevision, size), timeout: timeout}
}

// Record queues a revision. It fails with ErrLogBackedUp when the writer cannot keep up; the
// stored history of that section then has a gap.
func (l *RevisionLog) Record(documentID, sectionID string, rev relay.Revision) error {
	qr := queuedRevision{documentID, sectionID, rev}
	select {
	case l.queue <- qr:
		return nil
	default:
	}
	t := time.NewTimer(l.timeout)
	defer t.Stop()
	select {
	case l.queue <- qr:
		return nil
	case <-t.C:
		return fmt.Errorf("%w: dropped revision %d of %s/%s", ErrLogBackedUp, rev.Number, documentID, sectionID)
	}
}

// Run writes queued revisions until ctx is done.
func (l *RevisionLog) Run(ctx context.Context) {
	for {
		select {
		case qr := <-l.queue:
			l.write(ctx, qr)
		case <-ctx.Done():
			return
		}
	}
}

// Flush writes whatever is still queued. Call it after Run has returned.
func (l *RevisionLog) Flush(ctx context.Context) {
	for {
		select {
		case qr := <-l.queue:
			l.write(ctx, qr)
		default:
			return
		}
	}
}

func (l *RevisionLog) write(ctx context.Context, qr queuedRevision) {
	if err := l.store.AppendRevision(ctx, qr.documentID, qr.sectionID, qr.revision); err != nil {
		slog.Error("failed to record revision", "err", err)
	}
}

// Replay rebuilds section text from a history that starts at the seed revision 0. Missing
// revisions fail with ErrIncompleteHistory.
func Replay(history []relay.Revision) (string, error) {
	text := ""
	for i, rev := range history {
		if rev.Number != i {
			return "", fmt.Errorf("%w: expected revision %d, found %d", ErrIncompleteHistory, i, rev.Number)
		}
		var err error
		if text, err = rev.Operation.Apply(text); err != nil {
			return "", fmt.Errorf("failed to replay revision %d: %w", rev.Number, err)
		}
	}
	return text, nil
}

// Contiguous reports whether history has no missing revisions between its first and last entry.
func Contiguous(history []relay.Revision) error {
	for i := 1; i < len(history); i++ {
		if history[i].Number != history[i-1].Number+1 {
			return fmt.Errorf("%w: revision %d follows %d", ErrIncompleteHistory, history[i].Number, history[i-1].Number)
		}
	}
	return nil
}
