// templates.go -- Subject/body templates per notification reason.
//
// Bodies use %%key%% placeholders. The notifier owns the reserved keys
// (url, toEmail, expiresIn); unresolved placeholders are stripped.
package mail

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Reason selects which notification is sent.
type Reason string

const (
	ReasonVerifyEmail          Reason = "VERIFY_EMAIL"
	ReasonNotVerifiedSignUp    Reason = "NOT_VERIFIED_SIGN_UP"
	ReasonNotVerifiedLogin     Reason = "NOT_VERIFIED_LOGIN"
	ReasonSuccessfullyVerified Reason = "SUCCESSFULLY_VERIFIED"
	ReasonPasswordReset        Reason = "PASSWORD_RESET"
	ReasonPasswordChanged      Reason = "PASSWORD_CHANGED"
)

// Critical reports whether a lost email of this reason strands the user:
// the verification link of a new account and the password reset link.
// The other reasons are reminders and confirmations.
func (r Reason) Critical() bool {
	return r == ReasonVerifyEmail || r == ReasonPasswordReset
}

// Template is one email's subject and body before substitution.
type Template struct {
	Subject string
	Body    string
}

const signature = "\n\n-- %%appName%%"

// DefaultTemplates returns the built-in English templates.
func DefaultTemplates() map[Reason]Template {
	return map[Reason]Template{
		ReasonVerifyEmail: {
			Subject: "Confirm your email address",
			Body: "Please verify your email address to complete registration.\n\n" +
				"Click the link below to confirm your email:\n\n" +
				"%%url%%\n\n" +
				"This link expires in %%expiresIn%%. If you did not create an account, ignore this email." +
				signature,
		},
		ReasonNotVerifiedSignUp: {
			Subject: "Your account is waiting for verification",
			Body: "Someone tried to sign up with %%toEmail%%, but an account for it is already waiting to be verified.\n\n" +
				"Confirm your email with the link below:\n\n" +
				"%%url%%\n\n" +
				"This link expires in %%expiresIn%%." +
				signature,
		},
		ReasonNotVerifiedLogin: {
			Subject: "Verify your email to sign in",
			Body: "You tried to sign in, but your email address is not verified yet.\n\n" +
				"Confirm your email with the link below, then sign in again:\n\n" +
				"%%url%%\n\n" +
				"This link expires in %%expiresIn%%." +
				signature,
		},
		ReasonSuccessfullyVerified: {
			Subject: "Your email is verified",
			Body: "Thanks, %%toEmail%% is now verified. You can sign in." +
				signature,
		},
		ReasonPasswordReset: {
			Subject: "Reset your password",
			Body: "You requested a password reset.\n\n" +
				"Click the link below to choose a new password:\n\n" +
				"%%url%%\n\n" +
				"This link expires in %%expiresIn%%. If you did not request a reset, ignore this email." +
				signature,
		},
		ReasonPasswordChanged: {
			Subject: "Your password was changed",
			Body: "The password for %%toEmail%% was just changed.\n\n" +
				"If this wasn't you, reset your password immediately." +
				signature,
		},
	}
}

// reservedVars holds placeholder keys owned by the notifier.
// Caller-supplied vars with these keys are silently dropped to prevent override.
var reservedVars = map[string]bool{
	"url":       true,
	"toEmail":   true,
	"expiresIn": true,
}

// unresolvedPlaceholder matches any %%word%% placeholder left after substitution.
var unresolvedPlaceholder = regexp.MustCompile(`%%\w+%%`)

// render merges caller vars (minus reserved keys) with the notifier-owned ones and
// substitutes them into t.
func (t Template) render(to string, owned, vars map[string]string) Message {
	merged := make(map[string]string, len(vars)+len(owned))
	for k, v := range vars {
		if !reservedVars[k] {
			merged[k] = v
		}
	}
	for k, v := range owned {
		merged[k] = v
	}
	merged["toEmail"] = to
	return Message{
		To:      to,
		Subject: applyVars(t.Subject, merged),
		Body:    applyVars(t.Body, merged),
	}
}

// applyVars substitutes %%key%% placeholders in tmpl using vars, then strips any
// that remain unresolved rather than leaving them in the output.
func applyVars(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for key, value := range vars {
		pairs = append(pairs, "%%"+key+"%%", value)
	}
	substituted := strings.NewReplacer(pairs...).Replace(tmpl)
	return unresolvedPlaceholder.ReplaceAllString(substituted, "")
}

// formatDuration renders a duration as a human-readable expiry string.
// e.g. time.Hour → "1 hour", 48*time.Hour → "2 days", 30*time.Minute → "30 minutes".
func formatDuration(d time.Duration) string {
	unit, n := "minute", int(d.Minutes())
	switch {
	case d >= 24*time.Hour:
		unit, n = "day", int(d.Hours()/24)
	case d >= time.Hour:
		unit, n = "hour", int(d.Hours())
	}
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
