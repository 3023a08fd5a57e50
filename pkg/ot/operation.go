// Package ot implements plain-text operational transformation.
//
// An Operation is an ordered list of retain, insert and delete steps that walks the whole of the
// text it applies to. Offsets and lengths are counted in runes.
package ot

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

var (
	ErrLengthMismatch         = errors.New("operation length mismatch")
	ErrIncompatibleOperations = errors.New("incompatible operations")
	ErrInvalidOperation       = errors.New("invalid operation")
)

type Kind uint8

const (
	KindRetain Kind = iota + 1
	KindInsert
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindRetain:
		return "retain"
	case KindInsert:
		return "insert"
	case KindDelete:
		return "delete"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Step is one primitive of an Operation. N is the rune count for every kind; Text is only set for
// inserts.
type Step struct {
	Kind Kind
	N    int
	Text string
}

func Retain(n int) Step {
	return Step{Kind: KindRetain, N: n}
}

func Insert(s string) Step {
	return Step{Kind: KindInsert, N: utf8.RuneCountInString(s), Text: s}
}

func Delete(n int) Step {
	return Step{Kind: KindDelete, N: n}
}

func (s Step) String() string {
	switch s.Kind {
	case KindInsert:
		return fmt.Sprintf("insert(%q)", s.Text)
	default:
		return fmt.Sprintf("%s(%d)", s.Kind, s.N)
	}
}

// Operation is immutable once built. The zero value is not usable; construct with a Builder or
// one of the helpers.
type Operation struct {
	steps     []Step
	baseLen   int
	targetLen int
}

// Identity returns the operation that retains n runes and changes nothing.
func Identity(n int) *Operation {
	return NewBuilder().Retain(n).Build()
}

// New builds an operation from steps, merging and reordering them into canonical form.
func New(steps ...Step) (*Operation, error) {
	b := NewBuilder()
	for _, s := range steps {
		if s.N < 0 {
			return nil, fmt.Errorf("%w: negative %s count %d", ErrInvalidOperation, s.Kind, s.N)
		}
		switch s.Kind {
		case KindRetain:
			b.Retain(s.N)
		case KindInsert:
			b.Insert(s.Text)
		case KindDelete:
			b.Delete(s.N)
		default:
			return nil, fmt.Errorf("%w: unknown step kind %d", ErrInvalidOperation, s.Kind)
		}
	}
	if err := b.Err(); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

func (o *Operation) BaseLen() int {
	return o.baseLen
}

func (o *Operation) TargetLen() int {
	return o.targetLen
}

// Steps returns a copy of the step list.
func (o *Operation) Steps() []Step {
	out := make([]Step, len(o.steps))
	copy(out, o.steps)
	return out
}

// IsNoop reports whether the operation is a single retain over the whole base.
func (o *Operation) IsNoop() bool {
	return len(o.steps) == 1 && o.steps[0].Kind == KindRetain
}

func (o *Operation) Equal(other *Operation) bool {
	if o == nil || other == nil {
		return o == other
	}
	if o.baseLen != other.baseLen || o.targetLen != other.targetLen || len(o.steps) != len(other.steps) {
		return false
	}
	for i := range o.steps {
		if o.steps[i] != other.steps[i] {
			return false
		}
	}
	return true
}

func (o *Operation) String() string {
	parts := make([]string, len(o.steps))
	for i, s := range o.steps {
		parts[i] = s.String()
	}
	return fmt.Sprintf("[%s] %d->%d", strings.Join(parts, " "), o.baseLen, o.targetLen)
}

// Builder accumulates steps in canonical form: adjacent steps of the same kind are merged, an
// insert directly following a delete is moved in front of it, and zero-length steps are dropped.
type Builder struct {
	steps     []Step
	baseLen   int
	targetLen int
	err       error
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) last() *Step {
	if len(b.steps) == 0 {
		return nil
	}
	return &b.steps[len(b.steps)-1]
}

// fits reports whether base and target lengths can grow by the given amounts. Once a step
// overflows, the builder ignores every later step and Err reports it.
func (b *Builder) fits(base, target int) bool {
	if b.err != nil {
		return false
	}
	if base > math.MaxInt-b.baseLen || target > math.MaxInt-b.targetLen {
		b.err = fmt.Errorf("%w: step %d overflows the operation length", ErrInvalidOperation, len(b.steps))
		return false
	}
	return true
}

// Err reports a step that could not be added.
func (b *Builder) Err() error {
	return b.err
}

func (b *Builder) Retain(n int) *Builder {
	if n <= 0 || !b.fits(n, n) {
		return b
	}
	b.baseLen += n
	b.targetLen += n
	if l := b.last(); l != nil && l.Kind == KindRetain {
		l.N += n
		return b
	}
	b.steps = append(b.steps, Retain(n))
	return b
}

func (b *Builder) Insert(s string) *Builder {
	if s == "" {
		return b
	}
	step := Insert(s)
	if !b.fits(0, step.N) {
		return b
	}
	b.targetLen += step.N
	l := b.last()
	switch {
	case l != nil && l.Kind == KindInsert:
		l.Text += s
		l.N += step.N
	case l != nil && l.Kind == KindDelete:
		// insert before delete, merging with any insert that precedes the delete
		if len(b.steps) >= 2 && b.steps[len(b.steps)-2].Kind == KindInsert {
			prev := &b.steps[len(b.steps)-2]
			prev.Text += s
			prev.N += step.N
		} else {
			del := *l
			b.steps[len(b.steps)-1] = step
			b.steps = append(b.steps, del)
		}
	default:
		b.steps = append(b.steps, step)
	}
	return b
}

func (b *Builder) Delete(n int) *Builder {
	if n <= 0 || !b.fits(n, 0) {
		return b
	}
	b.baseLen += n
	if l := b.last(); l != nil && l.Kind == KindDelete {
		l.N += n
		return b
	}
	b.steps = append(b.steps, Delete(n))
	return b
}

// Build returns the operation. An empty builder yields a single Retain(0) so that empty
// documents still carry one step.
func (b *Builder) Build() *Operation {
	steps := make([]Step, len(b.steps))
	copy(steps, b.steps)
	if len(steps) == 0 {
		steps = []Step{Retain(0)}
	}
	return &Operation{steps: steps, baseLen: b.baseLen, targetLen: b.targetLen}
}
