package ot

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MarshalJSON encodes the operation as a step list where a positive integer retains, a string
// inserts and a negative integer deletes. The empty-document identity encodes as [].
func (o *Operation) MarshalJSON() ([]byte, error) {
	out := make([]interface{}, 0, len(o.steps))
	for _, s := range o.steps {
		switch s.Kind {
		case KindRetain:
			if s.N > 0 {
				out = append(out, s.N)
			}
		case KindInsert:
			out = append(out, s.Text)
		case KindDelete:
			out = append(out, -s.N)
		}
	}
	return json.Marshal(out)
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	b := NewBuilder()
	for i, r := range raw {
		r = bytes.TrimSpace(r)
		if len(r) > 0 && r[0] == '"' {
			var s string
			if err := json.Unmarshal(r, &s); err != nil {
				return fmt.Errorf("%w: step %d: %v", ErrInvalidOperation, i, err)
			}
			if s == "" {
				return fmt.Errorf("%w: step %d: empty insert", ErrInvalidOperation, i)
			}
			b.Insert(s)
			continue
		}
		var n int
		if err := json.Unmarshal(r, &n); err != nil {
			return fmt.Errorf("%w: step %d: %s is neither a string nor an integer", ErrInvalidOperation, i, string(r))
		}
		switch {
		case n > 0:
			b.Retain(n)
		case n < 0:
			b.Delete(-n)
		case len(raw) != 1:
			return fmt.Errorf("%w: step %d: zero retain in a non-empty step list", ErrInvalidOperation, i)
		}
	}
	if err := b.Err(); err != nil {
		return err
	}
	*o = *b.Build()
	return nil
}
