// Package session keeps one document connected to the relay. It owns the connection state
// machine, reconnects with exponential backoff, sends heartbeats, and routes inbound messages to
// per-section clients and the presence tracker. All mutable state is touched only from the
// session's event loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sanity-io/litter"

	"github.com/astromechza/sectionsync/pkg/ot"
	"github.com/astromechza/sectionsync/pkg/presence"
	"github.com/astromechza/sectionsync/pkg/protocol"
	"github.com/astromechza/sectionsync/pkg/section"
)

var (
	ErrTransport            = errors.New("transport error")
	ErrMaxReconnectExceeded = errors.New("maximum reconnect attempts exceeded")
	ErrNotEnabled           = errors.New("collaboration is not enabled")
	ErrAlreadyEnabled       = errors.New("collaboration is already enabled")
	ErrSectionLocked        = errors.New("section is locked by another collaborator")
	ErrUnknownSection       = errors.New("section has not been joined")
	// ErrStaleEdit means the section changed after the host read the text it edited. The host
	// should read the text again and redo the edit.
	ErrStaleEdit            = errors.New("edit was made against outdated section text")
)

type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusClosed
	// StatusUnavailable means reconnecting gave up. Disable and Enable again to retry.
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusClosed:
		return "closed"
	case StatusUnavailable:
		return "unavailable"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Host is the editor side of a session. Its methods are called from the session loop and must
// not call back into the session synchronously.
type Host interface {
	// SectionText returns the visible text of a section the session has not seen yet.
	SectionText(sectionID string) string
	// ApplyRemote replaces the visible text after op; text is the result.
	ApplyRemote(sectionID string, op *ot.Operation, text string)
	OnStatus(status Status, err error)
	OnPresence()
}

// dumper renders operations and states in error logs. Operations keep their steps unexported.
var dumper = litter.Options{Compact: true, HidePrivateFields: false, StripPackageNames: true}

// pendingJoin holds local edits on a section made before its snapshot arrived.
type pendingJoin struct {
	base string
	text string
	op   *ot.Operation
}

type Session struct {
	settings *Settings
	dialer   Dialer
	host     Host
	presence *presence.Tracker
	after    func(d time.Duration, f func()) (stop func() bool)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	events chan func()

	status  atomic.Int32
	attempt atomic.Int32

	// owned by the loop once enabled
	logger     *slog.Logger
	post       func(func()) bool
	documentID string
	target     string
	link       *link
	reconnect  *reconnectPolicy
	stopTimer  func() bool
	sections   map[string]*section.Client
	joining    map[string]*pendingJoin
}

func New(settings *Settings, dialer Dialer, host Host) *Session {
	if settings == nil {
		settings = DefaultSettings()
	}
	if dialer == nil {
		dialer = &WebsocketDialer{WriteTimeout: settings.WriteTimeout}
	}
	s := &Session{
		settings: settings,
		dialer:   dialer,
		host:     host,
		presence: presence.NewTracker(),
		after: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		logger: slog.Default(),
	}
	s.status.Store(int32(StatusDisconnected))
	return s
}

// Presence is safe to read from any goroutine.
func (s *Session) Presence() *presence.Tracker {
	return s.presence
}

func (s *Session) Status() Status {
	return Status(s.status.Load())
}

// Attempt is the number of reconnect attempts since the last successful connection.
func (s *Session) Attempt() int {
	return int(s.attempt.Load())
}

// Enable starts collaborating on a document. The first connection attempt happens in the
// background; progress is reported through Host.OnStatus.
func (s *Session) Enable(ctx context.Context, documentID string) error {
	base, err := url.Parse(s.settings.URL)
	if err != nil {
		return fmt.Errorf("invalid relay url: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("%w: document %s", ErrAlreadyEnabled, s.documentID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	events := make(chan func(), 64)
	done := make(chan struct{})
	s.cancel, s.events, s.done = cancel, events, done

	s.documentID = documentID
	s.target = base.JoinPath("documents", documentID, "ws").String()
	s.logger = slog.Default().With("document", documentID)
	s.post = func(fn func()) bool {
		select {
		case events <- fn:
			return true
		case <-runCtx.Done():
			return false
		}
	}
	s.link = nil
	s.stopTimer = nil
	s.reconnect = newReconnectPolicy(s.settings.ReconnectBaseDelay, s.settings.MaxReconnectAttempts)
	s.attempt.Store(0)
	s.sections = make(map[string]*section.Client)
	s.joining = make(map[string]*pendingJoin)
	s.presence.Reset()

	go s.run(runCtx, events, done)
	return nil
}

// Disable closes the connection and discards all section state. It is safe to call at any time
// and more than once.
func (s *Session) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done, s.events = nil, nil, nil
}

func (s *Session) run(ctx context.Context, events <-chan func(), done chan<- struct{}) {
	defer close(done)
	defer s.teardown()
	s.connect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-events:
			fn()
		}
	}
}

// do runs fn on the loop and waits for its result.
func (s *Session) do(fn func() error) error {
	s.mu.Lock()
	events, done := s.events, s.done
	s.mu.Unlock()
	if events == nil {
		return ErrNotEnabled
	}
	result := make(chan error, 1)
	select {
	case events <- func() { result <- fn() }:
	case <-done:
		return ErrNotEnabled
	}
	select {
	case err := <-result:
		return err
	case <-done:
		return ErrNotEnabled
	}
}

func (s *Session) teardown() {
	if s.stopTimer != nil {
		s.stopTimer()
		s.stopTimer = nil
	}
	if s.link != nil {
		s.link.close()
		s.link = nil
	}
	s.sections = make(map[string]*section.Client)
	s.joining = make(map[string]*pendingJoin)
	s.presence.Reset()
	s.setStatus(StatusClosed, nil)
	s.logger.Info("collaboration disabled")
}

func (s *Session) setStatus(status Status, err error) {
	s.status.Store(int32(status))
	if s.host != nil {
		s.host.OnStatus(status, err)
	}
}

func (s *Session) connect(ctx context.Context) {
	s.stopTimer = nil
	s.setStatus(StatusConnecting, nil)
	post, target, dialer := s.post, s.target, s.dialer
	timeout := s.settings.HandshakeTimeout
	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		conn, err := dialer.Dial(dialCtx, target)
		if !post(func() { s.onDial(ctx, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (s *Session) onDial(ctx context.Context, conn Conn, err error) {
	if err != nil {
		if !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %w", ErrTransport, err)
		}
		s.logger.Warn("failed to connect", "err", err)
		s.scheduleReconnect(ctx, err)
		return
	}
	s.link = s.startLink(ctx, conn)
	s.reconnect.Reset()
	s.attempt.Store(0)
	s.setStatus(StatusConnected, nil)
	s.logger.Info("connected", "url", s.target)

	s.sendOrWarn(&protocol.Join{DocumentID: s.documentID, Username: s.settings.Username})
	for id, c := range s.sections {
		s.sendOrWarn(&protocol.SectionJoin{SectionID: id, Version: c.Revision(), Text: c.Text()})
	}
	for id, p := range s.joining {
		s.sendOrWarn(&protocol.SectionJoin{SectionID: id, Version: -1, Text: p.base})
	}
}

func (s *Session) onLinkClosed(ctx context.Context, l *link, err error) {
	if l != s.link {
		return
	}
	s.link = nil
	err = fmt.Errorf("%w: %w", ErrTransport, err)
	s.logger.Warn("connection lost", "err", err)
	s.scheduleReconnect(ctx, err)
}

func (s *Session) scheduleReconnect(ctx context.Context, cause error) {
	delay, err := s.reconnect.Next()
	s.attempt.Store(int32(s.reconnect.Attempt()))
	if err != nil {
		s.logger.Error("collaboration unavailable", "err", err, "cause", cause)
		s.setStatus(StatusUnavailable, err)
		return
	}
	s.setStatus(StatusDisconnected, cause)
	s.logger.Info("scheduling reconnect", "delay", delay, "attempt", s.reconnect.Attempt())
	post := s.post
	s.stopTimer = s.after(delay, func() {
		post(func() {
			if ctx.Err() == nil && s.Status() == StatusDisconnected {
				s.connect(ctx)
			}
		})
	})
}

func (s *Session) send(msg protocol.Message) error {
	l := s.link
	if l == nil {
		return fmt.Errorf("%w: not connected", ErrTransport)
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case l.send <- data:
		return nil
	default:
		// the reader notices the close and triggers a reconnect
		l.close()
		return fmt.Errorf("%w: send queue full", ErrTransport)
	}
}

func (s *Session) sendOrWarn(msg protocol.Message) {
	if err := s.send(msg); err != nil {
		s.logger.Warn("failed to send", "type", msg.Type(), "err", err)
	}
}

// sectionSender adapts the session to section.Sender.
type sectionSender struct {
	s *Session
}

func (ss sectionSender) SendOperation(sectionID string, revision int, op *ot.Operation) error {
	return ss.s.send(&protocol.TextChange{SectionID: sectionID, Operation: op, Version: revision})
}

func (s *Session) applyRemote(sectionID string, op *ot.Operation, text string) {
	s.presence.ShiftCursors(sectionID, op)
	if s.host != nil {
		s.host.ApplyRemote(sectionID, op, text)
	}
}

func (s *Session) newSection(id string, revision int, text string) *section.Client {
	c := section.NewClient(id, revision, text, sectionSender{s}, s.applyRemote)
	s.sections[id] = c
	return c
}

func (s *Session) logAlgebraError(msg string, sectionID string, err error, values ...any) {
	s.logger.Error(msg, "section", sectionID, "err", err, "detail", dumper.Sdump(values...))
}

// Edit records a change the user already made to a section. before is the section text the
// changes were made against; if a remote operation has changed the section since, the edit is
// refused with ErrStaleEdit. Edits to a section locked by someone else are refused.
func (s *Session) Edit(sectionID string, before string, changes ...ot.Change) error {
	if s.presence.LockedByOther(sectionID) {
		return fmt.Errorf("%w: %s", ErrSectionLocked, sectionID)
	}
	op, err := ot.FromChanges(before, changes...)
	if err != nil {
		return err
	}
	if op.IsNoop() {
		return nil
	}
	return s.do(func() error {
		return s.localEdit(sectionID, before, op)
	})
}

// EditWith computes changes against the session's own copy of a joined section and applies them
// as a local edit. The host sees the result through ApplyRemote, so it suits hosts that do not
// keep their own copy of the text.
func (s *Session) EditWith(sectionID string, fn func(text string) []ot.Change) error {
	if s.presence.LockedByOther(sectionID) {
		return fmt.Errorf("%w: %s", ErrSectionLocked, sectionID)
	}
	return s.do(func() error {
		var before string
		if c, ok := s.sections[sectionID]; ok {
			before = c.Text()
		} else if p, ok := s.joining[sectionID]; ok {
			before = p.text
		} else {
			return fmt.Errorf("%w: %s", ErrUnknownSection, sectionID)
		}
		op, err := ot.FromChanges(before, fn(before)...)
		if err != nil {
			return err
		}
		if op.IsNoop() {
			return nil
		}
		if err := s.localEdit(sectionID, before, op); err != nil {
			return err
		}
		if s.host != nil {
			text, _ := op.Apply(before)
			s.host.ApplyRemote(sectionID, op, text)
		}
		return nil
	})
}

func (s *Session) localEdit(sectionID string, before string, op *ot.Operation) error {
	if c, ok := s.sections[sectionID]; ok {
		if c.Text() != before {
			return fmt.Errorf("%w: section %s at revision %d", ErrStaleEdit, sectionID, c.Revision())
		}
		if err := c.ApplyLocal(op); err != nil {
			if errors.Is(err, ErrTransport) {
				s.logger.Warn("edit not sent, it is resent after reconnecting if the relay still matches", "section", sectionID, "err", err)
				return nil
			}
			s.logAlgebraError("rejected local edit", sectionID, err, c.State(), op)
			return err
		}
		return nil
	}

	if p, ok := s.joining[sectionID]; ok {
		if p.text != before {
			return fmt.Errorf("%w: section %s is still joining", ErrStaleEdit, sectionID)
		}
		text, err := op.Apply(p.text)
		if err != nil {
			s.logAlgebraError("rejected local edit", sectionID, err, p, op)
			return err
		}
		composed, err := ot.Compose(p.op, op)
		if err != nil {
			s.logAlgebraError("rejected local edit", sectionID, err, p, op)
			return err
		}
		p.op, p.text = composed, text
		return nil
	}

	text, err := op.Apply(before)
	if err != nil {
		return err
	}
	s.joining[sectionID] = &pendingJoin{base: before, text: text, op: op}
	s.sendOrWarn(&protocol.SectionJoin{SectionID: sectionID, Version: -1, Text: before})
	return nil
}

// JoinSection asks the relay for a section's state before any edit is made. text is what the
// editor currently shows.
func (s *Session) JoinSection(sectionID string, text string) error {
	return s.do(func() error {
		if _, ok := s.sections[sectionID]; ok {
			return nil
		}
		if _, ok := s.joining[sectionID]; ok {
			return nil
		}
		s.joining[sectionID] = &pendingJoin{base: text, text: text, op: ot.Identity(ot.Len(text))}
		s.sendOrWarn(&protocol.SectionJoin{SectionID: sectionID, Version: -1, Text: text})
		return nil
	})
}

// LeaveSection destroys the section's client, discarding anything unacknowledged.
func (s *Session) LeaveSection(sectionID string) error {
	return s.do(func() error {
		if c, ok := s.sections[sectionID]; ok {
			if _, synced := c.State().(section.Synchronized); !synced {
				s.logger.Warn("leaving section with unacknowledged edits", "section", sectionID, "state", c.State().String())
			}
		}
		delete(s.sections, sectionID)
		delete(s.joining, sectionID)
		s.presence.ForgetSection(sectionID)
		return nil
	})
}

func (s *Session) MoveCursor(sectionID string, position, line, column int) error {
	return s.do(func() error {
		return s.send(&protocol.CursorPosition{Section: sectionID, Position: position, LineNumber: line, Column: column})
	})
}

// LockSection requests an advisory lock. The lock is held once the relay broadcasts it.
func (s *Session) LockSection(sectionID string) error {
	if s.presence.LockedByOther(sectionID) {
		return fmt.Errorf("%w: %s", ErrSectionLocked, sectionID)
	}
	return s.do(func() error {
		return s.send(&protocol.SectionLock{Section: sectionID})
	})
}

func (s *Session) UnlockSection(sectionID string) error {
	return s.do(func() error {
		return s.send(&protocol.SectionUnlock{Section: sectionID})
	})
}

// SectionState reports the revision, mirrored text and state of a section client.
func (s *Session) SectionState(sectionID string) (revision int, text string, state section.State, ok bool) {
	_ = s.do(func() error {
		c, found := s.sections[sectionID]
		if found {
			revision, text, state, ok = c.Revision(), c.Text(), c.State(), true
		}
		return nil
	})
	return
}
