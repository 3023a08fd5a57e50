// Package presence keeps track of who else is editing a document, where their cursors are, and
// which sections they hold advisory locks on. None of it affects document text.
package presence

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/astromechza/sectionsync/pkg/ot"
)

// Palette is cycled through as collaborators join; colours repeat once it is exhausted.
var Palette = []string{
	"#e6194b",
	"#3cb44b",
	"#4363d8",
	"#f58231",
	"#911eb4",
	"#42d4f4",
	"#f032e6",
	"#9a6324",
}

type Collaborator struct {
	UserID   int64
	Username string
	Color    string
	IsActive bool
}

type Cursor struct {
	UserID     int64
	Section    string
	Position   int
	LineNumber int
	Column     int
	Color      string
}

type Lock struct {
	UserID   int64
	Username string
}

type cursorKey struct {
	userID  int64
	section string
}

// Tracker is written by the session loop and may be read from any goroutine.
type Tracker struct {
	mu            sync.RWMutex
	self          int64
	nextColor     int
	collaborators map[int64]*Collaborator
	active        mapset.Set[int64]
	cursors       map[cursorKey]Cursor
	locks         map[string]Lock
}

func NewTracker() *Tracker {
	t := &Tracker{}
	t.reset()
	return t
}

func (t *Tracker) reset() {
	t.self = 0
	t.nextColor = 0
	t.collaborators = make(map[int64]*Collaborator)
	t.active = mapset.NewThreadUnsafeSet[int64]()
	t.cursors = make(map[cursorKey]Cursor)
	t.locks = make(map[string]Lock)
}

// Reset forgets everything, including the local user id.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

// SetSelf records the local user's id so its own locks are not treated as foreign.
func (t *Tracker) SetSelf(userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.self = userID
}

func (t *Tracker) Self() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.self
}

func (t *Tracker) join(userID int64, username string, active bool) *Collaborator {
	c, ok := t.collaborators[userID]
	if !ok {
		c = &Collaborator{UserID: userID, Color: Palette[t.nextColor%len(Palette)]}
		t.nextColor++
		t.collaborators[userID] = c
	}
	if username != "" {
		c.Username = username
	}
	c.IsActive = active
	if active {
		t.active.Add(userID)
	} else {
		t.active.Remove(userID)
	}
	return c
}

// Join adds or refreshes a collaborator. A known collaborator keeps its colour.
func (t *Tracker) Join(userID int64, username string) Collaborator {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.join(userID, username, true)
}

// Leave removes a collaborator and its cursors. Locks stay until the relay releases them.
func (t *Tracker) Leave(userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.collaborators, userID)
	t.active.Remove(userID)
	for k := range t.cursors {
		if k.userID == userID {
			delete(t.cursors, k)
		}
	}
}

// Replace installs a full roster. Collaborators missing from it are dropped; those already
// known keep their colours.
func (t *Tracker) Replace(roster []Collaborator) {
	t.mu.Lock()
	defer t.mu.Unlock()
	keep := mapset.NewThreadUnsafeSet[int64]()
	for _, c := range roster {
		t.join(c.UserID, c.Username, c.IsActive)
		keep.Add(c.UserID)
	}
	for id := range t.collaborators {
		if !keep.Contains(id) {
			delete(t.collaborators, id)
			t.active.Remove(id)
		}
	}
	for k := range t.cursors {
		if !keep.Contains(k.userID) {
			delete(t.cursors, k)
		}
	}
}

// MoveCursor replaces the last known cursor of a collaborator in a section.
func (t *Tracker) MoveCursor(userID int64, username string, section string, position, line, column int) Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.collaborators[userID]
	if !ok {
		c = t.join(userID, username, true)
	}
	cur := Cursor{
		UserID:     userID,
		Section:    section,
		Position:   position,
		LineNumber: line,
		Column:     column,
		Color:      c.Color,
	}
	t.cursors[cursorKey{userID, section}] = cur
	return cur
}

// ShiftCursors moves every remote cursor in section through op so positions stay meaningful
// until the next cursor message replaces them. Line and column are left as last reported.
func (t *Tracker) ShiftCursors(section string, op *ot.Operation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, c := range t.cursors {
		if k.section == section {
			c.Position = ot.TransformCursor(c.Position, op)
			t.cursors[k] = c
		}
	}
}

// ForgetSection drops cursors held for a section the local user left.
func (t *Tracker) ForgetSection(section string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.cursors {
		if k.section == section {
			delete(t.cursors, k)
		}
	}
}

func (t *Tracker) SetLock(section string, userID int64, username string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locks[section] = Lock{UserID: userID, Username: username}
}

func (t *Tracker) ClearLock(section string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, section)
}

func (t *Tracker) LockHolder(section string) (Lock, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.locks[section]
	return l, ok
}

// LockedByOther reports whether someone other than the local user holds section.
func (t *Tracker) LockedByOther(section string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.locks[section]
	return ok && l.UserID != t.self
}

func (t *Tracker) Locks() map[string]Lock {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Lock, len(t.locks))
	for k, v := range t.locks {
		out[k] = v
	}
	return out
}

// Collaborators returns everyone known, ordered by user id.
func (t *Tracker) Collaborators() []Collaborator {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Collaborator, 0, len(t.collaborators))
	for _, c := range t.collaborators {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active.Cardinality()
}

// Cursors returns the cursors in section, ordered by user id.
func (t *Tracker) Cursors(section string) []Cursor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Cursor, 0)
	for k, c := range t.cursors {
		if k.section == section {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserID < out[j].UserID
	})
	return out
}
