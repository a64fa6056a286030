// subject.go -- Identity snapshot carried in the access token's subject claim.
package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// SubjectVersion is bumped when Subject's JSON shape changes incompatibly.
const SubjectVersion = 1

// Subject is the identity snapshot embedded in every access token.
// It is JSON, base64-encoded (standard alphabet, padded) into the "sub" claim.
type Subject struct {
	Version       int      `json:"v"`
	Email         string   `json:"email"`
	Name          string   `json:"name"`
	Roles         []string `json:"roles"`
	AuthProviders []string `json:"authProviders"`
	Verified      bool     `json:"verified"`
	IssuedAt      int64    `json:"iat"` // unix milliseconds
}

// EncodeSubject serializes s for the sub claim.
func EncodeSubject(s Subject) (string, error) {
	if s.Version == 0 {
		s.Version = SubjectVersion
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshaling subject: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSubject reverses EncodeSubject. Anything malformed, from an unknown
// version, or missing an email is ErrInvalidToken.
func DecodeSubject(encoded string) (Subject, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Subject{}, ErrInvalidToken
	}
	var s Subject
	if err := json.Unmarshal(raw, &s); err != nil {
		return Subject{}, ErrInvalidToken
	}
	if s.Version != SubjectVersion || s.Email == "" {
		return Subject{}, ErrInvalidToken
	}
	return s, nil
}

// SubjectEmail decodes the subject and returns only its email.
func SubjectEmail(encoded string) (string, error) {
	s, err := DecodeSubject(encoded)
	if err != nil {
		return "", err
	}
	return s.Email, nil
}
