// Package section holds the client side of the one-outstanding-operation protocol for a single
// independently versioned section of text.
package section

import (
	"errors"
	"fmt"

	"github.com/astromechza/sectionsync/pkg/ot"
)

var ErrUnexpectedAck = errors.New("acknowledgement received with nothing outstanding")

// Sender transmits a local operation computed against revision.
type Sender interface {
	SendOperation(sectionID string, revision int, op *ot.Operation) error
}

// Applier pushes an operation that must be reflected in the visible text. text is the mirrored
// text after the operation.
type Applier func(sectionID string, op *ot.Operation, text string)

// State is one of Synchronized, AwaitingConfirm or AwaitingWithBuffer.
type State interface {
	fmt.Stringer
	isState()
}

type Synchronized struct{}

type AwaitingConfirm struct {
	Outstanding *ot.Operation
}

type AwaitingWithBuffer struct {
	Outstanding *ot.Operation
	Buffer      *ot.Operation
}

func (Synchronized) isState()       {}
func (AwaitingConfirm) isState()    {}
func (AwaitingWithBuffer) isState() {}

func (Synchronized) String() string {
	return "Synchronized"
}

func (s AwaitingConfirm) String() string {
	return fmt.Sprintf("AwaitingConfirm(%s)", s.Outstanding)
}

func (s AwaitingWithBuffer) String() string {
	return fmt.Sprintf("AwaitingWithBuffer(%s, %s)", s.Outstanding, s.Buffer)
}

// Client is not safe for concurrent use; the owning session calls it from a single loop.
type Client struct {
	id       string
	revision int
	text     string
	state    State
	sender   Sender
	apply    Applier
}

func NewClient(id string, revision int, text string, sender Sender, apply Applier) *Client {
	return &Client{
		id:       id,
		revision: revision,
		text:     text,
		state:    Synchronized{},
		sender:   sender,
		apply:    apply,
	}
}

func (c *Client) ID() string {
	return c.id
}

// Revision is the last server revision this client has seen.
func (c *Client) Revision() int {
	return c.revision
}

func (c *Client) Text() string {
	return c.text
}

func (c *Client) State() State {
	return c.state
}

// ApplyLocal records an edit the user already made in the editor and either sends it or buffers
// it behind the outstanding operation.
func (c *Client) ApplyLocal(op *ot.Operation) error {
	text, err := op.Apply(c.text)
	if err != nil {
		return fmt.Errorf("local edit on section %s: %w", c.id, err)
	}
	switch s := c.state.(type) {
	case Synchronized:
		c.text = text
		c.state = AwaitingConfirm{Outstanding: op}
		// the edit is already visible, so it counts as in flight even if the send fails
		if err := c.sender.SendOperation(c.id, c.revision, op); err != nil {
			return fmt.Errorf("failed to send operation for section %s: %w", c.id, err)
		}
	case AwaitingConfirm:
		c.text = text
		c.state = AwaitingWithBuffer{Outstanding: s.Outstanding, Buffer: op}
	case AwaitingWithBuffer:
		buffer, err := ot.Compose(s.Buffer, op)
		if err != nil {
			return fmt.Errorf("local edit on section %s: %w", c.id, err)
		}
		c.text = text
		c.state = AwaitingWithBuffer{Outstanding: s.Outstanding, Buffer: buffer}
	}
	return nil
}

// ServerAck confirms the outstanding operation.
func (c *Client) ServerAck() error {
	switch s := c.state.(type) {
	case Synchronized:
		return fmt.Errorf("section %s: %w", c.id, ErrUnexpectedAck)
	case AwaitingConfirm:
		c.revision++
		c.state = Synchronized{}
	case AwaitingWithBuffer:
		c.revision++
		c.state = AwaitingConfirm{Outstanding: s.Buffer}
		if err := c.sender.SendOperation(c.id, c.revision, s.Buffer); err != nil {
			return fmt.Errorf("failed to send buffered operation for section %s: %w", c.id, err)
		}
	}
	return nil
}

// ApplyServer transforms a remote operation against everything not yet acknowledged, applies it
// to the mirrored text, and pushes it to the editor.
func (c *Client) ApplyServer(op *ot.Operation) error {
	var next State
	remote := op
	switch s := c.state.(type) {
	case Synchronized:
		next = s
	case AwaitingConfirm:
		r, o, err := ot.Transform(op, s.Outstanding)
		if err != nil {
			return fmt.Errorf("remote operation on section %s: %w", c.id, err)
		}
		remote, next = r, AwaitingConfirm{Outstanding: o}
	case AwaitingWithBuffer:
		r, o, err := ot.Transform(op, s.Outstanding)
		if err != nil {
			return fmt.Errorf("remote operation on section %s: %w", c.id, err)
		}
		r2, b, err := ot.Transform(r, s.Buffer)
		if err != nil {
			return fmt.Errorf("remote operation on section %s: %w", c.id, err)
		}
		remote, next = r2, AwaitingWithBuffer{Outstanding: o, Buffer: b}
	}
	text, err := remote.Apply(c.text)
	if err != nil {
		return fmt.Errorf("remote operation on section %s: %w", c.id, err)
	}
	c.revision++
	c.text = text
	c.state = next
	if c.apply != nil {
		c.apply(c.id, remote, text)
	}
	return nil
}

// Resync replaces local state with an authoritative snapshot. Anything outstanding or buffered is
// dropped and returned so the caller can report it; the editor receives the difference between
// the mirrored text and the snapshot.
func (c *Client) Resync(revision int, text string) (dropped *ot.Operation) {
	dropped = c.Unacknowledged()
	diff := ot.Diff(c.text, text)
	c.revision = revision
	c.text = text
	c.state = Synchronized{}
	if c.apply != nil && !diff.IsNoop() {
		c.apply(c.id, diff, text)
	}
	return dropped
}

// Unacknowledged returns the outstanding operation composed with any buffer, relative to the last
// acknowledged revision. It is nil while synchronized.
func (c *Client) Unacknowledged() *ot.Operation {
	switch s := c.state.(type) {
	case AwaitingConfirm:
		return s.Outstanding
	case AwaitingWithBuffer:
		if composed, err := ot.Compose(s.Outstanding, s.Buffer); err == nil {
			return composed
		}
		return s.Buffer
	}
	return nil
}

// Retransmit sends the outstanding operation again at the current revision. It is meant for a
// relay that never applied it, e.g. because the connection dropped before it arrived.
func (c *Client) Retransmit() error {
	var op *ot.Operation
	switch s := c.state.(type) {
	case AwaitingConfirm:
		op = s.Outstanding
	case AwaitingWithBuffer:
		op = s.Outstanding
	default:
		return nil
	}
	if err := c.sender.SendOperation(c.id, c.revision, op); err != nil {
		return fmt.Errorf("failed to resend operation for section %s: %w", c.id, err)
	}
	return nil
}
