package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrProtocol = errors.New("protocol error")

func newMessage(t Type) Message {
	switch t {
	case TypeTextChange:
		return &TextChange{}
	case TypeOperationAck:
		return &OperationAck{}
	case TypeCursorPosition:
		return &CursorPosition{}
	case TypeSectionLock:
		return &SectionLock{}
	case TypeSectionLocked:
		return &SectionLocked{}
	case TypeSectionUnlock:
		return &SectionUnlock{}
	case TypeSectionUnlocked:
		return &SectionUnlocked{}
	case TypeUserJoined:
		return &UserJoined{}
	case TypeUserLeft:
		return &UserLeft{}
	case TypeCollaboratorsList:
		return &CollaboratorsList{}
	case TypePing:
		return &Ping{}
	case TypeError:
		return &Error{}
	case TypeJoin:
		return &Join{}
	case TypeWelcome:
		return &Welcome{}
	case TypeSectionJoin:
		return &SectionJoin{}
	case TypeSectionSnapshot:
		return &SectionSnapshot{}
	}
	return nil
}

// Decode parses one frame. Malformed frames and unknown types fail with ErrProtocol.
func Decode(frame []byte) (Message, error) {
	var envelope struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	msg := newMessage(envelope.Type)
	if msg == nil {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrProtocol, envelope.Type)
	}
	if err := json.Unmarshal(frame, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProtocol, envelope.Type, err)
	}
	if tc, ok := msg.(*TextChange); ok && tc.Operation == nil {
		return nil, fmt.Errorf("%w: %s without operation", ErrProtocol, envelope.Type)
	}
	return msg, nil
}

// Encode renders msg as a JSON object with its type discriminator first.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Type(), err)
	}
	typ, err := json.Marshal(msg.Type())
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(bytes.TrimSpace(body)) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}
