package ot

import (
	"fmt"
	"unicode/utf8"
)

// Change is an editor change record: the runes in [From, To) of the text before the edit are
// replaced by Text.
type Change struct {
	From int
	To   int
	Text string
}

// Len is the length of text in runes, the unit every offset in this package uses.
func Len(text string) int {
	return utf8.RuneCountInString(text)
}

// FromChanges converts editor change records into one operation over before. Changes are
// expressed in the coordinates of before and must be sorted and non-overlapping.
func FromChanges(before string, changes ...Change) (*Operation, error) {
	n := utf8.RuneCountInString(before)
	b := NewBuilder()
	pos := 0
	for _, c := range changes {
		if c.From < pos || c.To < c.From || c.To > n {
			return nil, fmt.Errorf("%w: change [%d,%d) is out of order or outside text of length %d", ErrInvalidOperation, c.From, c.To, n)
		}
		b.Retain(c.From - pos).Delete(c.To - c.From).Insert(c.Text)
		pos = c.To
	}
	b.Retain(n - pos)
	return b.Build(), nil
}

// Diff returns an operation turning before into after by replacing everything between their
// common prefix and common suffix.
func Diff(before, after string) *Operation {
	a, b := []rune(before), []rune(after)
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}
	return NewBuilder().
		Retain(prefix).
		Delete(len(a) - prefix - suffix).
		Insert(string(b[prefix : len(b)-suffix])).
		Retain(suffix).
		Build()
}
