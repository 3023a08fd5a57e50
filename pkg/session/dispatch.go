package session

import (
	"errors"

	"github.com/astromechza/sectionsync/pkg/presence"
	"github.com/astromechza/sectionsync/pkg/protocol"
	"github.com/astromechza/sectionsync/pkg/section"
)

func (s *Session) dispatch(l *link, msg protocol.Message, err error) {
	if l != s.link {
		return
	}
	if err != nil {
		s.logger.Warn("dropping message", "err", err)
		return
	}
	switch m := msg.(type) {
	case *protocol.TextChange:
		s.onTextChange(m)
	case *protocol.OperationAck:
		s.onAck(m)
	case *protocol.SectionSnapshot:
		s.onSnapshot(m)
	case *protocol.Welcome:
		s.presence.SetSelf(m.UserID)
		s.logger.Info("joined document", "user", m.UserID, "username", m.Username)
	case *protocol.CursorPosition:
		s.presence.MoveCursor(m.UserID, m.Username, m.Section, m.Position, m.LineNumber, m.Column)
		s.notifyPresence()
	case *protocol.SectionLocked:
		s.presence.SetLock(m.Section, m.UserID, m.Username)
		s.notifyPresence()
	case *protocol.SectionUnlocked:
		s.presence.ClearLock(m.Section)
		s.notifyPresence()
	case *protocol.UserJoined:
		s.presence.Join(m.UserID, m.Username)
		s.notifyPresence()
	case *protocol.UserLeft:
		s.presence.Leave(m.UserID)
		s.notifyPresence()
	case *protocol.CollaboratorsList:
		roster := make([]presence.Collaborator, 0, len(m.Collaborators))
		for _, c := range m.Collaborators {
			roster = append(roster, presence.Collaborator{UserID: c.UserID, Username: c.Username, IsActive: c.IsActive})
		}
		s.presence.Replace(roster)
		s.notifyPresence()
	case *protocol.Error:
		s.logger.Warn("relay reported an error", "message", m.Message)
	case *protocol.Ping:
	default:
		s.logger.Warn("dropping unexpected message", "type", msg.Type())
	}
}

func (s *Session) notifyPresence() {
	if s.host != nil {
		s.host.OnPresence()
	}
}

func (s *Session) onTextChange(m *protocol.TextChange) {
	if self := s.presence.Self(); self != 0 && m.UserID == self {
		return
	}
	c, ok := s.sections[m.SectionID]
	if !ok {
		if _, joining := s.joining[m.SectionID]; joining {
			// the snapshot already reflects it or is about to
			return
		}
		text := ""
		if s.host != nil {
			text = s.host.SectionText(m.SectionID)
		}
		c = s.newSection(m.SectionID, m.Version, text)
	}
	if c.Revision() != m.Version {
		s.logger.Warn("revision gap", "section", m.SectionID, "have", c.Revision(), "got", m.Version)
	}
	if err := c.ApplyServer(m.Operation); err != nil {
		s.logAlgebraError("rejected remote operation", m.SectionID, err, c.State(), m.Operation)
		s.sendOrWarn(&protocol.SectionJoin{SectionID: m.SectionID, Version: c.Revision(), Text: c.Text()})
	}
}

func (s *Session) onAck(m *protocol.OperationAck) {
	c, ok := s.sections[m.SectionID]
	if !ok {
		s.logger.Warn("acknowledgement for unknown section", "section", m.SectionID)
		return
	}
	if err := c.ServerAck(); err != nil {
		if errors.Is(err, ErrTransport) {
			s.logger.Warn("buffered edits not sent, they are resent after reconnecting if the relay still matches", "section", m.SectionID, "err", err)
			return
		}
		s.logger.Warn("ignoring acknowledgement", "section", m.SectionID, "err", err)
	}
}

func (s *Session) onSnapshot(m *protocol.SectionSnapshot) {
	if c, ok := s.sections[m.SectionID]; ok {
		if m.Version == c.Revision() && resumable(c, m.Text) {
			if err := c.Retransmit(); err != nil {
				s.logger.Warn("failed to resend edits", "section", m.SectionID, "err", err)
			}
			return
		}
		if dropped := c.Resync(m.Version, m.Text); dropped != nil {
			s.logger.Warn("discarded unacknowledged edits", "section", m.SectionID, "operation", dumper.Sdump(dropped))
		}
		return
	}

	p, joining := s.joining[m.SectionID]
	delete(s.joining, m.SectionID)
	if joining && p.base == m.Text {
		c := s.newSection(m.SectionID, m.Version, p.base)
		if !p.op.IsNoop() {
			if err := c.ApplyLocal(p.op); err != nil {
				s.logger.Warn("failed to send pending edits", "section", m.SectionID, "err", err)
			}
		}
		return
	}

	mirror := ""
	if joining {
		mirror = p.text
		if !p.op.IsNoop() {
			s.logger.Warn("discarded edits made before the section was shared", "section", m.SectionID, "operation", dumper.Sdump(p.op))
		}
	} else if s.host != nil {
		mirror = s.host.SectionText(m.SectionID)
	}
	c := s.newSection(m.SectionID, m.Version, mirror)
	c.Resync(m.Version, m.Text)
}

// resumable reports whether the unacknowledged edits of c still apply on top of text, which the
// relay reports at c's revision. The relay never applied them if so, and they can be resent.
func resumable(c *section.Client, text string) bool {
	pending := c.Unacknowledged()
	if pending == nil {
		return text == c.Text()
	}
	out, err := pending.Apply(text)
	return err == nil && out == c.Text()
}

var _ section.Sender = sectionSender{}
