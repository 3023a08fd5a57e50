package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/sectionsync/pkg/ot"
	"github.com/astromechza/sectionsync/pkg/protocol"
)

var ErrSectionLocked = errors.New("section is locked by another collaborator")

type Settings struct {
	// PingTimeout closes connections that send nothing, not even a ping, for this long.
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	HistoryLimit   int
	SendBufferSize int
}

func DefaultSettings() *Settings {
	return &Settings{
		PingTimeout:    45 * time.Second,
		WriteTimeout:   5 * time.Second,
		HistoryLimit:   1000,
		SendBufferSize: 256,
	}
}

// RevisionFunc observes every operation the hub applies.
type RevisionFunc func(documentID, sectionID string, rev Revision)

// Hub sequences operations for every document it has seen and fans out presence.
type Hub struct {
	settings   *Settings
	onRevision RevisionFunc
	nextUser   atomic.Int64

	mu    sync.Mutex
	rooms map[string]*room
}

func NewHub(settings *Settings, onRevision RevisionFunc) *Hub {
	if settings == nil {
		settings = DefaultSettings()
	}
	return &Hub{settings: settings, onRevision: onRevision, rooms: make(map[string]*room)}
}

type room struct {
	id       string
	mu       sync.Mutex
	sections map[string]*Section
	members  map[uuid.UUID]*member
	locks    map[string]*member
}

type member struct {
	connID   uuid.UUID
	userID   int64
	username string
	joined   bool
	locks    mapset.Set[string]
	send     chan []byte
	closed   chan struct{}
	once     sync.Once
	logger   *slog.Logger
}

func (m *member) close() {
	m.once.Do(func() { close(m.closed) })
}

func (h *Hub) room(documentID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[documentID]
	if !ok {
		r = &room{
			id:       documentID,
			sections: make(map[string]*Section),
			members:  make(map[uuid.UUID]*member),
			locks:    make(map[string]*member),
		}
		h.rooms[documentID] = r
	}
	return r
}

func (h *Hub) lookup(documentID string) (*room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[documentID]
	return r, ok
}

// Restore installs a section loaded from storage. It replaces any existing state for it.
func (h *Hub) Restore(documentID, sectionID string, revision int, text string) {
	r := h.room(documentID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sections[sectionID] = NewSection(sectionID, revision, text, h.settings.HistoryLimit)
}

func (h *Hub) Snapshot(documentID, sectionID string) (revision int, text string, ok bool) {
	r, found := h.lookup(documentID)
	if !found {
		return 0, "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sections[sectionID]
	if !ok {
		return 0, "", false
	}
	return s.Revision(), s.Text(), true
}

func (h *Hub) History(documentID, sectionID string) ([]Revision, bool) {
	r, found := h.lookup(documentID)
	if !found {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sections[sectionID]
	if !ok {
		return nil, false
	}
	return s.History(), true
}

// ForEachSection calls fn for every section of every document, ordered by document then section.
func (h *Hub) ForEachSection(fn func(documentID, sectionID string, revision int, text string)) {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].id < rooms[j].id
	})

	for _, r := range rooms {
		r.mu.Lock()
		ids := make([]string, 0, len(r.sections))
		for id := range r.sections {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			s := r.sections[id]
			fn(r.id, id, s.Revision(), s.Text())
		}
		r.mu.Unlock()
	}
}

// Routes registers the websocket endpoint and read-only section endpoints.
func (h *Hub) Routes(r *mux.Router) {
	r.Methods(http.MethodGet).Path("/documents/{document}/ws").HandlerFunc(h.serveDocument)
	r.Methods(http.MethodGet).Path("/documents/{document}/sections/{section}/latest").HandlerFunc(h.getSection)
}

func (h *Hub) getSection(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	revision, text, ok := h.Snapshot(vars["document"], vars["section"])
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writer.Header().Add("Content-Type", "text/plain; charset=utf-8")
	writer.Header().Add("X-Revision", fmt.Sprint(revision))
	if _, err := writer.Write([]byte(text)); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (h *Hub) serveDocument(writer http.ResponseWriter, request *http.Request) {
	documentID := mux.Vars(request)["document"]
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()
	h.serve(documentID, conn)
}

func (h *Hub) serve(documentID string, conn *websocket.Conn) {
	r := h.room(documentID)
	m := &member{
		connID: uuid.New(),
		userID: h.nextUser.Add(1),
		locks:  mapset.NewThreadUnsafeSet[string](),
		send:   make(chan []byte, h.settings.SendBufferSize),
		closed: make(chan struct{}),
	}
	m.logger = slog.With("document", documentID, "conn", m.connID, "user", m.userID)
	m.logger.Info("connected")

	r.mu.Lock()
	r.members[m.connID] = m
	r.mu.Unlock()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		for {
			select {
			case data := <-m.send:
				_ = conn.SetWriteDeadline(time.Now().Add(h.settings.WriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					m.logger.Warn("failed to write message", "err", err)
					m.close()
					return
				}
			case <-m.closed:
				return
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(h.settings.PingTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.logger.Info("disconnected", "err", err)
			break
		}
		h.receive(r, m, data)
	}

	r.mu.Lock()
	r.leave(m)
	r.mu.Unlock()
	m.close()
	wg.Wait()
}

// receive decodes and handles one frame under the room lock. Malformed frames are answered with
// an error and otherwise ignored.
func (h *Hub) receive(r *room, m *member, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, err := protocol.Decode(data)
	if err != nil {
		m.logger.Warn("dropping message", "err", err)
		r.sendTo(m, &protocol.Error{Message: err.Error()})
		return
	}
	h.handle(r, m, msg)
}

// sendTo queues msg for m. A member that cannot keep up is disconnected.
func (r *room) sendTo(m *member, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		m.logger.Error("failed to encode", "type", msg.Type(), "err", err)
		return
	}
	select {
	case m.send <- data:
	case <-m.closed:
	default:
		m.logger.Warn("send queue full, disconnecting")
		m.close()
	}
}

// broadcast sends msg to every joined member except skip, which may be nil.
func (r *room) broadcast(skip *member, msg protocol.Message) {
	for _, other := range r.members {
		if other != skip && other.joined {
			r.sendTo(other, msg)
		}
	}
}

func (r *room) collaborators() []protocol.Collaborator {
	out := make([]protocol.Collaborator, 0, len(r.members))
	for _, m := range r.members {
		if m.joined {
			out = append(out, protocol.Collaborator{UserID: m.userID, Username: m.username, IsActive: true})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (r *room) leave(m *member) {
	delete(r.members, m.connID)
	for _, section := range m.locks.ToSlice() {
		delete(r.locks, section)
		r.broadcast(nil, &protocol.SectionUnlocked{Section: section})
	}
	m.locks.Clear()
	if m.joined {
		r.broadcast(nil, &protocol.UserLeft{UserID: m.userID, Username: m.username})
	}
}

func (h *Hub) handle(r *room, m *member, msg protocol.Message) {
	if _, ok := msg.(*protocol.Ping); ok {
		return
	}
	if join, ok := msg.(*protocol.Join); ok {
		h.onJoin(r, m, join)
		return
	}
	if !m.joined {
		r.sendTo(m, &protocol.Error{Message: "join the document first"})
		return
	}

	switch msg := msg.(type) {
	case *protocol.SectionJoin:
		s, ok := r.sections[msg.SectionID]
		if !ok {
			s = NewSection(msg.SectionID, 0, msg.Text, h.settings.HistoryLimit)
			r.sections[msg.SectionID] = s
			m.logger.Info("created section", "section", msg.SectionID)
			if h.onRevision != nil {
				// revision 0 records the seed text so the log replays from empty
				h.onRevision(r.id, msg.SectionID, Revision{Number: 0, Author: m.userID, Operation: ot.NewBuilder().Insert(msg.Text).Build()})
			}
		}
		r.sendTo(m, &protocol.SectionSnapshot{SectionID: s.ID(), Version: s.Revision(), Text: s.Text()})
	case *protocol.TextChange:
		h.onTextChange(r, m, msg)
	case *protocol.CursorPosition:
		out := *msg
		out.UserID, out.Username = m.userID, m.username
		r.broadcast(m, &out)
	case *protocol.SectionLock:
		if holder, ok := r.locks[msg.Section]; ok && holder != m {
			r.sendTo(m, &protocol.Error{Message: fmt.Sprintf("%s: %s held by %s", ErrSectionLocked, msg.Section, holder.username)})
			return
		}
		r.locks[msg.Section] = m
		m.locks.Add(msg.Section)
		r.broadcast(nil, &protocol.SectionLocked{Section: msg.Section, UserID: m.userID, Username: m.username})
	case *protocol.SectionUnlock:
		if holder, ok := r.locks[msg.Section]; !ok || holder != m {
			r.sendTo(m, &protocol.Error{Message: fmt.Sprintf("section %s is not locked by you", msg.Section)})
			return
		}
		delete(r.locks, msg.Section)
		m.locks.Remove(msg.Section)
		r.broadcast(nil, &protocol.SectionUnlocked{Section: msg.Section})
	default:
		r.sendTo(m, &protocol.Error{Message: fmt.Sprintf("unexpected message type %s", msg.Type())})
	}
}

func (h *Hub) onJoin(r *room, m *member, join *protocol.Join) {
	if join.DocumentID != "" && join.DocumentID != r.id {
		r.sendTo(m, &protocol.Error{Message: fmt.Sprintf("connected to document %s, not %s", r.id, join.DocumentID)})
		return
	}
	first := !m.joined
	m.username, m.joined = join.Username, true
	r.sendTo(m, &protocol.Welcome{UserID: m.userID, Username: m.username})
	r.sendTo(m, &protocol.CollaboratorsList{Collaborators: r.collaborators()})
	for section, holder := range r.locks {
		r.sendTo(m, &protocol.SectionLocked{Section: section, UserID: holder.userID, Username: holder.username})
	}
	if first {
		r.broadcast(m, &protocol.UserJoined{UserID: m.userID, Username: m.username})
	}
	m.logger.Info("joined", "username", m.username)
}

func (h *Hub) onTextChange(r *room, m *member, msg *protocol.TextChange) {
	s, ok := r.sections[msg.SectionID]
	if !ok {
		r.sendTo(m, &protocol.Error{Message: fmt.Sprintf("unknown section %s", msg.SectionID)})
		return
	}
	reject := func(err error) {
		m.logger.Warn("rejected operation", "section", msg.SectionID, "version", msg.Version, "err", err)
		r.sendTo(m, &protocol.Error{Message: err.Error()})
		r.sendTo(m, &protocol.SectionSnapshot{SectionID: s.ID(), Version: s.Revision(), Text: s.Text()})
	}
	if holder, ok := r.locks[msg.SectionID]; ok && holder != m {
		reject(fmt.Errorf("%w: %s held by %s", ErrSectionLocked, msg.SectionID, holder.username))
		return
	}
	applied, base, err := s.Receive(m.userID, msg.Version, msg.Operation)
	if err != nil {
		reject(err)
		return
	}
	r.sendTo(m, &protocol.OperationAck{SectionID: msg.SectionID})
	r.broadcast(m, &protocol.TextChange{SectionID: msg.SectionID, Operation: applied, Version: base, UserID: m.userID})
	if h.onRevision != nil {
		h.onRevision(r.id, msg.SectionID, Revision{Number: base + 1, Author: m.userID, Operation: applied})
	}
}
