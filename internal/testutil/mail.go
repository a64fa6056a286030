// mail.go
//
// Recording mail transport for tests.
package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/ticketera/auth/internal/mail"
)

// RecordingSender implements mail.Sender by keeping every message.
// Set Err to make Send fail.
type RecordingSender struct {
	Err error

	mu   sync.Mutex
	sent []mail.Message
}

func (s *RecordingSender) Send(_ context.Context, msg mail.Message) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

// Sent returns a copy of everything sent so far.
func (s *RecordingSender) Sent() []mail.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mail.Message(nil), s.sent...)
}

// Last returns the most recent message to addr, or false if none.
func (s *RecordingSender) Last(addr string) (mail.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].To == addr {
			return s.sent[i], true
		}
	}
	return mail.Message{}, false
}

// TokenFrom pulls the ?token= value out of a message body, or "" if absent.
func TokenFrom(msg mail.Message) string {
	_, after, ok := strings.Cut(msg.Body, "token=")
	if !ok {
		return ""
	}
	end := strings.IndexFunc(after, func(r rune) bool {
		return r == '\n' || r == ' ' || r == '&'
	})
	if end < 0 {
		return after
	}
	return after[:end]
}
