package relay

import (
	"errors"
	"fmt"

	"github.com/astromechza/sectionsync/pkg/ot"
)

var (
	ErrFutureRevision = errors.New("operation revision is ahead of the section")
	ErrStaleRevision  = errors.New("operation revision is older than the retained history")
)

// Revision is one applied operation. Number is the revision it produced; the operation was
// applied to revision Number-1.
type Revision struct {
	Number    int
	Author    int64
	Operation *ot.Operation
}

// Section sequences operations for one section: every incoming operation is transformed forward
// through the history it missed, applied, and appended.
type Section struct {
	id       string
	text     string
	revision int
	history  []Revision
	limit    int
}

// NewSection creates a section at revision with text. limit bounds the retained history; zero
// means unbounded.
func NewSection(id string, revision int, text string, limit int) *Section {
	return &Section{id: id, text: text, revision: revision, limit: limit}
}

func (s *Section) ID() string {
	return s.id
}

func (s *Section) Text() string {
	return s.text
}

func (s *Section) Revision() int {
	return s.revision
}

// History returns the retained revisions, oldest first.
func (s *Section) History() []Revision {
	out := make([]Revision, len(s.history))
	copy(out, s.history)
	return out
}

// Receive applies op, computed by author against version, and returns the operation as applied
// to the head along with the revision it was applied to.
func (s *Section) Receive(author int64, version int, op *ot.Operation) (*ot.Operation, int, error) {
	if version > s.revision {
		return nil, 0, fmt.Errorf("%w: section %s is at %d, got %d", ErrFutureRevision, s.id, s.revision, version)
	}
	missed := s.revision - version
	if missed > len(s.history) {
		return nil, 0, fmt.Errorf("%w: section %s keeps %d revisions, client is %d behind", ErrStaleRevision, s.id, len(s.history), missed)
	}
	for _, past := range s.history[len(s.history)-missed:] {
		var err error
		if _, op, err = ot.Transform(past.Operation, op); err != nil {
			return nil, 0, fmt.Errorf("section %s revision %d: %w", s.id, past.Number, err)
		}
	}
	text, err := op.Apply(s.text)
	if err != nil {
		return nil, 0, fmt.Errorf("section %s: %w", s.id, err)
	}
	base := s.revision
	s.text = text
	s.revision++
	s.history = append(s.history, Revision{Number: s.revision, Author: author, Operation: op})
	if s.limit > 0 && len(s.history) > s.limit {
		s.history = append([]Revision(nil), s.history[len(s.history)-s.limit:]...)
	}
	return op, base, nil
}
