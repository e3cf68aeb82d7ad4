package notify

import (
	"fmt"
	"time"

	id "unigate/pkg/domain"
)

func OTPMessage(kind Kind, tenantID id.TenantID, to, code string, ttl time.Duration) Message {
	var subject string
	switch kind {
	case KindLoginOTP:
		subject = "Your login code"
	case KindPasswordReset:
		subject = "Reset your password"
	default:
		subject = "Verify your email"
	}
	return Message{
		Kind:     kind,
		TenantID: tenantID,
		To:       to,
		Subject:  subject,
		Body:     fmt.Sprintf("Your one-time code is %s. It expires in %s.", code, humanize(ttl)),
	}
}

// FacultyInviteMessage carries the temporary password and completion link
// for an admin-created faculty account.
func FacultyInviteMessage(tenantID id.TenantID, to, name, universityName, tempPassword, link string, ttl time.Duration) Message {
	return Message{
		Kind:     KindFacultyInvite,
		TenantID: tenantID,
		To:       to,
		Subject:  fmt.Sprintf("Your %s faculty account", universityName),
		Body: fmt.Sprintf(
			"Hello %s,\n\nAn account was created for you at %s.\nTemporary password: %s\n"+
				"Complete your registration within %s: %s\n",
			name, universityName, tempPassword, humanize(ttl), link),
	}
}

func humanize(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	default:
		return d.String()
	}
}
