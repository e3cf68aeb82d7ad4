// Package notify delivers outbound mail. Senders are synchronous; the
// Dispatcher runs them off the request path so mail failures never fail the
// operation that triggered them.
package notify

//go:generate mockgen -source=notify.go -destination=mocks/mocks.go -package=mocks Sender

import (
	"context"

	id "unigate/pkg/domain"
)

// Kind labels a message for metrics and audit.
type Kind string

const (
	KindEmailVerification Kind = "email_verification"
	KindLoginOTP          Kind = "login_otp"
	KindPasswordReset     Kind = "password_reset"
	KindFacultyInvite     Kind = "faculty_invite"
)

type Message struct {
	Kind     Kind        `json:"kind"`
	TenantID id.TenantID `json:"tenantId"`
	From     string      `json:"from,omitempty"`
	To       string      `json:"to"`
	Subject  string      `json:"subject"`
	Body     string      `json:"body"`
}

// Sender hands a message to a mail transport.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}
