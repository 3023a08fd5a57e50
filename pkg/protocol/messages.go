// Package protocol defines the JSON messages exchanged between a session and the relay. Each
// message kind is its own type; Decode turns a frame into one of them exactly once.
package protocol

import (
	"github.com/astromechza/sectionsync/pkg/ot"
)

type Type string

const (
	TypeTextChange        Type = "text_change"
	TypeOperationAck      Type = "operation_ack"
	TypeCursorPosition    Type = "cursor_position"
	TypeSectionLock       Type = "section_lock"
	TypeSectionLocked     Type = "section_locked"
	TypeSectionUnlock     Type = "section_unlock"
	TypeSectionUnlocked   Type = "section_unlocked"
	TypeUserJoined        Type = "user_joined"
	TypeUserLeft          Type = "user_left"
	TypeCollaboratorsList Type = "collaborators_list"
	TypePing              Type = "ping"
	TypeError             Type = "error"
	TypeJoin              Type = "join"
	TypeWelcome           Type = "welcome"
	TypeSectionJoin       Type = "section_join"
	TypeSectionSnapshot   Type = "section_snapshot"
)

// Message is implemented by the pointer types in this package only.
type Message interface {
	Type() Type
	isMessage()
}

// TextChange carries an operation computed against Version. Sent by clients, and rebroadcast by
// the relay with UserID set to the author.
type TextChange struct {
	SectionID string        `json:"section_id"`
	Operation *ot.Operation `json:"operation"`
	Version   int           `json:"version"`
	UserID    int64         `json:"user_id,omitempty"`
}

// OperationAck confirms the author's outstanding operation on a section.
type OperationAck struct {
	SectionID string `json:"section_id"`
}

type CursorPosition struct {
	UserID     int64  `json:"user_id,omitempty"`
	Username   string `json:"username,omitempty"`
	Section    string `json:"section"`
	Position   int    `json:"position"`
	LineNumber int    `json:"line_number"`
	Column     int    `json:"column"`
}

type SectionLock struct {
	Section string `json:"section"`
}

type SectionLocked struct {
	Section  string `json:"section"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

type SectionUnlock struct {
	Section string `json:"section"`
}

type SectionUnlocked struct {
	Section string `json:"section"`
}

type UserJoined struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

type UserLeft struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

type Collaborator struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	IsActive bool   `json:"is_active"`
}

type CollaboratorsList struct {
	Collaborators []Collaborator `json:"collaborators"`
}

type Ping struct{}

type Error struct {
	Message string `json:"message"`
}

// Join opens a collaboration session on a document.
type Join struct {
	DocumentID string `json:"document_id"`
	Username   string `json:"username"`
}

// Welcome tells a joining client its user id.
type Welcome struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// SectionJoin asks for the authoritative state of a section. Version is the last revision the
// client knows, or -1. Text seeds the section if the relay has never seen it.
type SectionJoin struct {
	SectionID string `json:"section_id"`
	Version   int    `json:"version"`
	Text      string `json:"text,omitempty"`
}

type SectionSnapshot struct {
	SectionID string `json:"section_id"`
	Version   int    `json:"version"`
	Text      string `json:"text"`
}

func (*TextChange) Type() Type        { return TypeTextChange }
func (*OperationAck) Type() Type      { return TypeOperationAck }
func (*CursorPosition) Type() Type    { return TypeCursorPosition }
func (*SectionLock) Type() Type       { return TypeSectionLock }
func (*SectionLocked) Type() Type     { return TypeSectionLocked }
func (*SectionUnlock) Type() Type     { return TypeSectionUnlock }
func (*SectionUnlocked) Type() Type   { return TypeSectionUnlocked }
func (*UserJoined) Type() Type        { return TypeUserJoined }
func (*UserLeft) Type() Type          { return TypeUserLeft }
func (*CollaboratorsList) Type() Type { return TypeCollaboratorsList }
func (*Ping) Type() Type              { return TypePing }
func (*Error) Type() Type             { return TypeError }
func (*Join) Type() Type              { return TypeJoin }
func (*Welcome) Type() Type           { return TypeWelcome }
func (*SectionJoin) Type() Type       { return TypeSectionJoin }
func (*SectionSnapshot) Type() Type   { return TypeSectionSnapshot }

func (*TextChange) isMessage()        {}
func (*OperationAck) isMessage()      {}
func (*CursorPosition) isMessage()    {}
func (*SectionLock) isMessage()       {}
func (*SectionLocked) isMessage()     {}
func (*SectionUnlock) isMessage()     {}
func (*SectionUnlocked) isMessage()   {}
func (*UserJoined) isMessage()        {}
func (*UserLeft) isMessage()          {}
func (*CollaboratorsList) isMessage() {}
func (*Ping) isMessage()              {}
func (*Error) isMessage()             {}
func (*Join) isMessage()              {}
func (*Welcome) isMessage()           {}
func (*SectionJoin) isMessage()       {}
func (*SectionSnapshot) isMessage()   {}
