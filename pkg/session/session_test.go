package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/sectionsync/pkg/ot"
	"github.com/astromechza/sectionsync/pkg/protocol"
	"github.com/astromechza/sectionsync/pkg/section"
)

const waitFor = 2 * time.Second

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	case c.out <- data:
		return nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type dialResult struct {
	conn Conn
	err  error
}

type fakeDialer struct {
	results chan dialResult
	urls    chan string
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.urls <- url
	select {
	case r := <-d.results:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type statusEvent struct {
	status Status
	err    error
}

type fakeHost struct {
	mu       sync.Mutex
	texts    map[string]string
	applied  int
	statuses chan statusEvent
}

func (h *fakeHost) SectionText(sectionID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.texts[sectionID]
}

func (h *fakeHost) ApplyRemote(sectionID string, op *ot.Operation, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.texts[sectionID] = text
	h.applied++
}

func (h *fakeHost) OnStatus(status Status, err error) {
	h.statuses <- statusEvent{status, err}
}

func (h *fakeHost) OnPresence() {}

func (h *fakeHost) text(sectionID string) (string, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.texts[sectionID], h.applied
}

// fakeClock holds scheduled reconnects until the test fires them.
type fakeClock struct {
	mu        sync.Mutex
	pending   []func()
	scheduled chan time.Duration
}

func (c *fakeClock) after(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	c.pending = append(c.pending, f)
	c.mu.Unlock()
	c.scheduled <- d
	return func() bool { return true }
}

func (c *fakeClock) fire() {
	c.mu.Lock()
	f := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()
	f()
}

type harness struct {
	s      *Session
	dialer *fakeDialer
	host   *fakeHost
	clock  *fakeClock
}

func newHarness(t *testing.T) *harness {
	settings := DefaultSettings()
	settings.URL = "ws://relay.test"
	settings.Username = "ada"
	settings.HeartbeatInterval = time.Hour
	settings.ReconnectBaseDelay = 100 * time.Millisecond
	settings.MaxReconnectAttempts = 3

	h := &harness{
		dialer: &fakeDialer{results: make(chan dialResult, 8), urls: make(chan string, 16)},
		host:   &fakeHost{texts: map[string]string{}, statuses: make(chan statusEvent, 64)},
		clock:  &fakeClock{scheduled: make(chan time.Duration, 16)},
	}
	h.s = New(settings, h.dialer, h.host)
	h.s.after = h.clock.after
	t.Cleanup(h.s.Disable)
	return h
}

func (h *harness) connect(t *testing.T) *fakeConn {
	c := newFakeConn()
	h.dialer.results <- dialResult{conn: c}
	require.NoError(t, h.s.Enable(context.Background(), "doc1"))
	h.waitStatus(t, StatusConnected)
	assert.Equal(t, &protocol.Join{DocumentID: "doc1", Username: "ada"}, expectMessage(t, c))
	return c
}

func (h *harness) waitStatus(t *testing.T, want Status) statusEvent {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-h.host.statuses:
			if ev.status == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

func (h *harness) nextDelay(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-h.clock.scheduled:
		return d
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a reconnect to be scheduled")
	}
	return 0
}

func expectMessage(t *testing.T, c *fakeConn) protocol.Message {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case data := <-c.out:
			msg, err := protocol.Decode(data)
			require.NoError(t, err)
			if _, ok := msg.(*protocol.Ping); ok {
				continue
			}
			return msg
		case <-deadline:
			t.Fatal("timed out waiting for an outbound message")
		}
	}
}

func push(t *testing.T, c *fakeConn, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	c.in <- data
}

// joinSection shares a fresh section and completes the join with a snapshot.
func (h *harness) joinSection(t *testing.T, c *fakeConn, id string, text string, revision int) {
	require.NoError(t, h.s.JoinSection(id, text))
	assert.Equal(t, &protocol.SectionJoin{SectionID: id, Version: -1, Text: text}, expectMessage(t, c))
	push(t, c, &protocol.SectionSnapshot{SectionID: id, Version: revision, Text: text})
	assert.Eventually(t, func() bool {
		_, _, _, ok := h.s.SectionState(id)
		return ok
	}, waitFor, time.Millisecond)
}

func TestDialsDocumentURL(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	assert.Equal(t, "ws://relay.test/documents/doc1/ws", <-h.dialer.urls)
	assert.Equal(t, StatusConnected, h.s.Status())
	assert.ErrorIs(t, h.s.Enable(context.Background(), "doc2"), ErrAlreadyEnabled)
}

func TestReconnectUsesBaseDelayAndResetsAttempts(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect(t)

	_ = c1.Close()
	ev := h.waitStatus(t, StatusDisconnected)
	assert.ErrorIs(t, ev.err, ErrTransport)
	assert.Equal(t, 100*time.Millisecond, h.nextDelay(t))
	assert.Equal(t, 1, h.s.Attempt())

	c2 := newFakeConn()
	h.dialer.results <- dialResult{conn: c2}
	h.clock.fire()
	h.waitStatus(t, StatusConnecting)
	h.waitStatus(t, StatusConnected)
	assert.Equal(t, 0, h.s.Attempt())
	assert.IsType(t, &protocol.Join{}, expectMessage(t, c2))
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect(t)
	for i := 0; i < 3; i++ {
		h.dialer.results <- dialResult{err: errors.New("connection refused")}
	}

	_ = c1.Close()
	for i := 0; i < 3; i++ {
		assert.Equal(t, (100*time.Millisecond)<<i, h.nextDelay(t))
		h.clock.fire()
	}
	ev := h.waitStatus(t, StatusUnavailable)
	assert.ErrorIs(t, ev.err, ErrMaxReconnectExceeded)
	assert.Equal(t, StatusUnavailable, h.s.Status())
	assert.Equal(t, 3, h.s.Attempt())
}

func TestDisableIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.s.Disable()
	assert.ErrorIs(t, h.s.Edit("intro", "a", ot.Change{From: 1, To: 1, Text: "b"}), ErrNotEnabled)
	assert.Equal(t, StatusDisconnected, h.s.Status())

	h.connect(t)
	h.s.Disable()
	h.s.Disable()
	assert.Equal(t, StatusClosed, h.s.Status())
	assert.Empty(t, h.clock.scheduled)
	assert.ErrorIs(t, h.s.MoveCursor("intro", 0, 1, 0), ErrNotEnabled)
}

func TestEditJoinsSectionThenSends(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)

	require.NoError(t, h.s.Edit("intro", "hello", ot.Change{From: 5, To: 5, Text: " world"}))
	assert.Equal(t, &protocol.SectionJoin{SectionID: "intro", Version: -1, Text: "hello"}, expectMessage(t, c))

	push(t, c, &protocol.SectionSnapshot{SectionID: "intro", Version: 3, Text: "hello"})
	tc, ok := expectMessage(t, c).(*protocol.TextChange)
	require.True(t, ok)
	assert.Equal(t, 3, tc.Version)
	assert.True(t, ot.NewBuilder().Retain(5).Insert(" world").Build().Equal(tc.Operation), tc.Operation.String())

	rev, text, state, ok := h.s.SectionState("intro")
	require.True(t, ok)
	assert.Equal(t, 3, rev)
	assert.Equal(t, "hello world", text)
	assert.IsType(t, section.AwaitingConfirm{}, state)

	push(t, c, &protocol.OperationAck{SectionID: "intro"})
	assert.Eventually(t, func() bool {
		rev, _, state, _ := h.s.SectionState("intro")
		return rev == 4 && state == section.State(section.Synchronized{})
	}, waitFor, time.Millisecond)

	push(t, c, &protocol.TextChange{
		SectionID: "intro",
		Operation: ot.NewBuilder().Insert(">> ").Retain(11).Build(),
		Version:   4,
		UserID:    2,
	})
	assert.Eventually(t, func() bool {
		text, _ := h.host.text("intro")
		return text == ">> hello world"
	}, waitFor, time.Millisecond)
	rev, _, _, _ = h.s.SectionState("intro")
	assert.Equal(t, 5, rev)
}

func TestSnapshotOverridesDivergentEdits(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)

	require.NoError(t, h.s.Edit("intro", "draft", ot.Change{From: 0, To: 5, Text: "mine"}))
	assert.IsType(t, &protocol.SectionJoin{}, expectMessage(t, c))
	push(t, c, &protocol.SectionSnapshot{SectionID: "intro", Version: 9, Text: "theirs"})

	assert.Eventually(t, func() bool {
		text, _ := h.host.text("intro")
		return text == "theirs"
	}, waitFor, time.Millisecond)
	rev, text, state, ok := h.s.SectionState("intro")
	require.True(t, ok)
	assert.Equal(t, 9, rev)
	assert.Equal(t, "theirs", text)
	assert.Equal(t, section.State(section.Synchronized{}), state)
}

func TestSectionLockedOnlyTouchesLocks(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	h.joinSection(t, c, "intro", "abc", 2)
	_, appliedBefore := h.host.text("intro")

	push(t, c, &protocol.SectionLocked{Section: "intro", UserID: 9, Username: "bob"})
	assert.Eventually(t, func() bool {
		_, ok := h.s.Presence().LockHolder("intro")
		return ok
	}, waitFor, time.Millisecond)

	rev, text, state, _ := h.s.SectionState("intro")
	assert.Equal(t, 2, rev)
	assert.Equal(t, "abc", text)
	assert.Equal(t, section.State(section.Synchronized{}), state)
	_, appliedAfter := h.host.text("intro")
	assert.Equal(t, appliedBefore, appliedAfter)

	assert.ErrorIs(t, h.s.Edit("intro", "abc", ot.Change{From: 0, To: 1}), ErrSectionLocked)
	assert.ErrorIs(t, h.s.LockSection("intro"), ErrSectionLocked)

	push(t, c, &protocol.SectionUnlocked{Section: "intro"})
	assert.Eventually(t, func() bool {
		return !h.s.Presence().LockedByOther("intro")
	}, waitFor, time.Millisecond)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)

	c.in <- []byte("garbage")
	c.in <- []byte(`{"type":"teleport"}`)
	push(t, c, &protocol.UserJoined{UserID: 4, Username: "dee"})

	assert.Eventually(t, func() bool {
		return h.s.Presence().ActiveCount() == 1
	}, waitFor, time.Millisecond)
	assert.Equal(t, StatusConnected, h.s.Status())
}

func TestReconnectRejoinsKnownSections(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect(t)
	h.joinSection(t, c1, "intro", "abc", 2)

	require.NoError(t, h.s.Edit("intro", "abc", ot.Change{From: 3, To: 3, Text: "d"}))
	assert.IsType(t, &protocol.TextChange{}, expectMessage(t, c1))

	_ = c1.Close()
	h.nextDelay(t)
	c2 := newFakeConn()
	h.dialer.results <- dialResult{conn: c2}
	h.clock.fire()
	assert.IsType(t, &protocol.Join{}, expectMessage(t, c2))
	assert.Equal(t, &protocol.SectionJoin{SectionID: "intro", Version: 2, Text: "abcd"}, expectMessage(t, c2))

	// the relay never saw the edit, so it is sent again
	push(t, c2, &protocol.SectionSnapshot{SectionID: "intro", Version: 2, Text: "abc"})
	tc, ok := expectMessage(t, c2).(*protocol.TextChange)
	require.True(t, ok)
	assert.Equal(t, 2, tc.Version)
	assert.True(t, ot.NewBuilder().Retain(3).Insert("d").Build().Equal(tc.Operation), tc.Operation.String())

	rev, text, state, _ := h.s.SectionState("intro")
	assert.Equal(t, 2, rev)
	assert.Equal(t, "abcd", text)
	assert.IsType(t, section.AwaitingConfirm{}, state)

	push(t, c2, &protocol.OperationAck{SectionID: "intro"})
	assert.Eventually(t, func() bool {
		rev, text, state, _ := h.s.SectionState("intro")
		return rev == 3 && text == "abcd" && state == section.State(section.Synchronized{})
	}, waitFor, time.Millisecond)
}

func TestReconnectAdoptsSnapshotWhenRelayMovedOn(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect(t)
	h.joinSection(t, c1, "intro", "abc", 2)

	require.NoError(t, h.s.Edit("intro", "abc", ot.Change{From: 3, To: 3, Text: "d"}))
	assert.IsType(t, &protocol.TextChange{}, expectMessage(t, c1))

	_ = c1.Close()
	h.nextDelay(t)
	c2 := newFakeConn()
	h.dialer.results <- dialResult{conn: c2}
	h.clock.fire()
	assert.IsType(t, &protocol.Join{}, expectMessage(t, c2))
	assert.IsType(t, &protocol.SectionJoin{}, expectMessage(t, c2))

	// the relay applied the edit before the connection dropped, and someone else edited since
	push(t, c2, &protocol.SectionSnapshot{SectionID: "intro", Version: 4, Text: "abcd!"})
	assert.Eventually(t, func() bool {
		rev, text, state, _ := h.s.SectionState("intro")
		return rev == 4 && text == "abcd!" && state == section.State(section.Synchronized{})
	}, waitFor, time.Millisecond)
	assert.Eventually(t, func() bool {
		text, _ := h.host.text("intro")
		return text == "abcd!"
	}, waitFor, time.Millisecond)
}

func TestOfflineEditIsResentAfterReconnect(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect(t)
	h.joinSection(t, c1, "intro", "abc", 2)

	_ = c1.Close()
	h.waitStatus(t, StatusDisconnected)
	h.nextDelay(t)
	require.NoError(t, h.s.Edit("intro", "abc", ot.Change{From: 0, To: 0, Text: ">"}))
	require.NoError(t, h.s.Edit("intro", ">abc", ot.Change{From: 4, To: 4, Text: "<"}))

	c2 := newFakeConn()
	h.dialer.results <- dialResult{conn: c2}
	h.clock.fire()
	assert.IsType(t, &protocol.Join{}, expectMessage(t, c2))
	assert.Equal(t, &protocol.SectionJoin{SectionID: "intro", Version: 2, Text: ">abc<"}, expectMessage(t, c2))

	push(t, c2, &protocol.SectionSnapshot{SectionID: "intro", Version: 2, Text: "abc"})
	tc, ok := expectMessage(t, c2).(*protocol.TextChange)
	require.True(t, ok)
	assert.Equal(t, 2, tc.Version)
	assert.True(t, ot.NewBuilder().Insert(">").Retain(3).Build().Equal(tc.Operation), tc.Operation.String())

	push(t, c2, &protocol.OperationAck{SectionID: "intro"})
	tc, ok = expectMessage(t, c2).(*protocol.TextChange)
	require.True(t, ok)
	assert.Equal(t, 3, tc.Version)
	assert.True(t, ot.NewBuilder().Retain(4).Insert("<").Build().Equal(tc.Operation), tc.Operation.String())
}

func TestEditAgainstStaleTextIsRefused(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	h.joinSection(t, c, "intro", "hello", 1)

	push(t, c, &protocol.TextChange{SectionID: "intro", Operation: ot.NewBuilder().Delete(5).Insert("abcde").Build(), Version: 1, UserID: 2})
	assert.Eventually(t, func() bool {
		text, _ := h.host.text("intro")
		return text == "abcde"
	}, waitFor, time.Millisecond)

	assert.ErrorIs(t, h.s.Edit("intro", "hello", ot.Change{From: 0, To: 1, Text: "J"}), ErrStaleEdit)
	rev, text, state, _ := h.s.SectionState("intro")
	assert.Equal(t, 2, rev)
	assert.Equal(t, "abcde", text)
	assert.Equal(t, section.State(section.Synchronized{}), state)

	require.NoError(t, h.s.Edit("intro", "abcde", ot.Change{From: 0, To: 1, Text: "J"}))
	tc, ok := expectMessage(t, c).(*protocol.TextChange)
	require.True(t, ok)
	assert.Equal(t, 2, tc.Version)
	_, text, _, _ = h.s.SectionState("intro")
	assert.Equal(t, "Jbcde", text)
}

func TestMalformedOperationIsDroppedAndSessionContinues(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	h.joinSection(t, c, "intro", "hello", 0)

	c.in <- []byte(`{"type":"text_change","section_id":"intro","operation":[9223372036854775807,"x",9223372036854775807,7],"version":0,"user_id":2}`)
	c.in <- []byte(`{"type":"text_change","section_id":"intro","operation":[9223372036854775807,9223372036854775807,7],"version":0,"user_id":2}`)
	push(t, c, &protocol.TextChange{SectionID: "intro", Operation: ot.NewBuilder().Retain(5).Insert("!").Build(), Version: 0, UserID: 2})

	assert.Eventually(t, func() bool {
		text, _ := h.host.text("intro")
		return text == "hello!"
	}, waitFor, time.Millisecond)
	rev, _, _, _ := h.s.SectionState("intro")
	assert.Equal(t, 1, rev)
	assert.Equal(t, StatusConnected, h.s.Status())
}

func TestOwnBroadcastIsIgnored(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	push(t, c, &protocol.Welcome{UserID: 3, Username: "ada"})
	h.joinSection(t, c, "intro", "abc", 0)

	push(t, c, &protocol.TextChange{SectionID: "intro", Operation: ot.NewBuilder().Retain(3).Insert("x").Build(), Version: 0, UserID: 3})
	push(t, c, &protocol.TextChange{SectionID: "intro", Operation: ot.NewBuilder().Insert("y").Retain(3).Build(), Version: 0, UserID: 5})
	assert.Eventually(t, func() bool {
		_, text, _, _ := h.s.SectionState("intro")
		return text == "yabc"
	}, waitFor, time.Millisecond)
}
