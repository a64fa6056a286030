// Package mail delivers account notification emails.
//
// sender.go -- Sender interface and the no-op implementation.
// Transports live in their own files (smtp.go, ses.go); queue.go wraps any of
// them with a Redis-backed async queue.
package mail

import (
	"context"
	"errors"
)

// ErrDispatchFailed wraps any failure to hand a message to the transport.
// Callers use errors.Is to tell delivery failures apart from storage failures.
var ErrDispatchFailed = errors.New("mail dispatch failed")

// Message is a rendered plain-text email.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// NopSender discards all outbound email. Used when EMAIL_ENABLED=false.
type NopSender struct{}

func (NopSender) Send(context.Context, Message) error { return nil }
