package ot

import (
	"errors"
	"fmt"
	"strings"
)

// Apply replays the operation over text and returns the result.
func (o *Operation) Apply(text string) (string, error) {
	runes := []rune(text)
	if len(runes) != o.baseLen {
		return "", fmt.Errorf("%w: operation base length is %d but text length is %d", ErrLengthMismatch, o.baseLen, len(runes))
	}
	var sb strings.Builder
	sb.Grow(len(text))
	pos := 0
	for _, s := range o.steps {
		switch s.Kind {
		case KindRetain:
			sb.WriteString(string(runes[pos : pos+s.N]))
			pos += s.N
		case KindInsert:
			sb.WriteString(s.Text)
		case KindDelete:
			pos += s.N
		}
	}
	return sb.String(), nil
}

// Invert returns the operation that undoes o when applied to the text o produced from text.
func (o *Operation) Invert(text string) (*Operation, error) {
	runes := []rune(text)
	if len(runes) != o.baseLen {
		return nil, fmt.Errorf("%w: operation base length is %d but text length is %d", ErrLengthMismatch, o.baseLen, len(runes))
	}
	b := NewBuilder()
	pos := 0
	for _, s := range o.steps {
		switch s.Kind {
		case KindRetain:
			b.Retain(s.N)
			pos += s.N
		case KindInsert:
			b.Delete(s.N)
		case KindDelete:
			b.Insert(string(runes[pos : pos+s.N]))
			pos += s.N
		}
	}
	return b.Build(), nil
}

// cursor walks the steps of an operation and can consume a step partially.
type cursor struct {
	steps []Step
	i     int
	cur   Step
	ok    bool
}

func newCursor(steps []Step) *cursor {
	c := &cursor{steps: steps}
	c.next()
	return c
}

func (c *cursor) next() {
	for c.i < len(c.steps) {
		s := c.steps[c.i]
		c.i++
		if s.N > 0 {
			c.cur, c.ok = s, true
			return
		}
	}
	c.cur, c.ok = Step{}, false
}

func (c *cursor) is(k Kind) bool {
	return c.ok && c.cur.Kind == k
}

// take consumes n runes of the current step and returns the consumed part.
func (c *cursor) take(n int) Step {
	s := c.cur
	if n >= s.N {
		c.next()
		return s
	}
	head, tail := s, s
	head.N, tail.N = n, s.N-n
	if s.Kind == KindInsert {
		r := []rune(s.Text)
		head.Text, tail.Text = string(r[:n]), string(r[n:])
	}
	c.cur = tail
	return head
}

func (c *cursor) takeAll() Step {
	return c.take(c.cur.N)
}

// Compose returns a single operation equivalent to applying a and then b.
func Compose(a, b *Operation) (*Operation, error) {
	if a.targetLen != b.baseLen {
		return nil, fmt.Errorf("%w: compose target length %d with base length %d", ErrIncompatibleOperations, a.targetLen, b.baseLen)
	}
	out := NewBuilder()
	ca, cb := newCursor(a.steps), newCursor(b.steps)
	for ca.ok || cb.ok {
		if ca.is(KindDelete) {
			out.Delete(ca.takeAll().N)
			continue
		}
		if cb.is(KindInsert) {
			out.Insert(cb.takeAll().Text)
			continue
		}
		if !ca.ok || !cb.ok {
			return nil, fmt.Errorf("%w: compose ran out of steps", ErrIncompatibleOperations)
		}
		n := min(ca.cur.N, cb.cur.N)
		sa, sb := ca.take(n), cb.take(n)
		switch {
		case sa.Kind == KindRetain && sb.Kind == KindRetain:
			out.Retain(n)
		case sa.Kind == KindInsert && sb.Kind == KindRetain:
			out.Insert(sa.Text)
		case sa.Kind == KindRetain && sb.Kind == KindDelete:
			out.Delete(n)
		case sa.Kind == KindInsert && sb.Kind == KindDelete:
			// inserted then deleted
		}
	}
	if err := out.Err(); err != nil {
		return nil, err
	}
	return out.Build(), nil
}

// Transform takes a and b built against the same base and returns (a', b') such that applying
// a then b' is equivalent to applying b then a'. When both insert at the same position, a's
// insert ends up first. Inserts always survive a concurrent delete around them, and a region
// deleted by both sides is deleted once.
func Transform(a, b *Operation) (*Operation, *Operation, error) {
	if a.baseLen != b.baseLen {
		return nil, nil, fmt.Errorf("%w: transform base lengths %d and %d", ErrIncompatibleOperations, a.baseLen, b.baseLen)
	}
	ap, bp := NewBuilder(), NewBuilder()
	ca, cb := newCursor(a.steps), newCursor(b.steps)
	for ca.ok || cb.ok {
		if ca.is(KindInsert) {
			s := ca.takeAll()
			ap.Insert(s.Text)
			bp.Retain(s.N)
			continue
		}
		if cb.is(KindInsert) {
			s := cb.takeAll()
			ap.Retain(s.N)
			bp.Insert(s.Text)
			continue
		}
		if !ca.ok || !cb.ok {
			return nil, nil, fmt.Errorf("%w: transform ran out of steps", ErrIncompatibleOperations)
		}
		n := min(ca.cur.N, cb.cur.N)
		sa, sb := ca.take(n), cb.take(n)
		switch {
		case sa.Kind == KindRetain && sb.Kind == KindRetain:
			ap.Retain(n)
			bp.Retain(n)
		case sa.Kind == KindDelete && sb.Kind == KindRetain:
			ap.Delete(n)
		case sa.Kind == KindRetain && sb.Kind == KindDelete:
			bp.Delete(n)
		case sa.Kind == KindDelete && sb.Kind == KindDelete:
			// both sides already removed it
		}
	}
	if err := errors.Join(ap.Err(), bp.Err()); err != nil {
		return nil, nil, err
	}
	return ap.Build(), bp.Build(), nil
}

// TransformCursor maps a rune offset in the base of op to the matching offset in its target.
// A cursor sitting exactly where text is inserted moves after the insertion.
func TransformCursor(pos int, op *Operation) int {
	out, cur := pos, 0
	for _, s := range op.steps {
		if cur > pos {
			break
		}
		switch s.Kind {
		case KindRetain:
			cur += s.N
		case KindInsert:
			out += s.N
		case KindDelete:
			out -= min(pos-cur, s.N)
			cur += s.N
		}
	}
	return out
}
