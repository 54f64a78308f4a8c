// Package validate implements structural job-envelope validation and
// optional HMAC-SHA-256 authentication (spec.md §4.8). Regexp and hmac
// are stdlib here because the struct-tag validator available in the pack
// (go-playground/validator) does not fit a hand-rolled, HMAC-signed
// envelope shape like this one.
package validate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Code is one of the taxonomy values from spec.md §4.8/§7.
type Code string

const (
	CodeInvalidDTO  Code = "INVALID_DTO"
	CodeAuthFailed  Code = "AUTH_FAILED"
	CodeRateLimit   Code = "RATE_LIMIT"
	CodeCustomError Code = "CUSTOM_ERROR"
)

var (
	queryPattern    = regexp.MustCompile(`(?i)^[\w\s\-,:()]{1,100}$`)
	clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,50}$`)
)

// Envelope is the job envelope as it arrives on the wire (spec.md §3).
type Envelope struct {
	JobID     string
	Query     string
	APIPrefix string
	ClientID  string
	APIKey    string
}

// Error is a validation or auth failure, tagged with a Code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s:%s", e.Code, e.Message)
}

// Result is the tagged {valid, dto} | {valid:false, error} outcome.
type Result struct {
	Valid bool
	DTO   Envelope
	Err   *Error
}

// Validator checks envelope structure and, when a secret is configured,
// HMAC authentication.
type Validator struct {
	hmacSecret []byte
}

// New creates a Validator. An empty secret disables authentication.
func New(hmacSecret []byte) *Validator {
	return &Validator{hmacSecret: hmacSecret}
}

// Validate runs structural checks, then authentication if configured.
func (v *Validator) Validate(e Envelope) Result {
	if _, err := uuid.Parse(e.JobID); err != nil {
		return invalid(CodeInvalidDTO, "jobId must be a valid UUID")
	}
	if !queryPattern.MatchString(e.Query) {
		return invalid(CodeInvalidDTO, "query must match ^[\\w\\s\\-,:()]{1,100}$")
	}
	if e.ClientID != "" && !clientIDPattern.MatchString(e.ClientID) {
		return invalid(CodeInvalidDTO, "clientId must match ^[A-Za-z0-9_]{1,50}$")
	}
	if len(e.APIKey) > 100 {
		return invalid(CodeInvalidDTO, "apiKey must be at most 100 characters")
	}

	if len(v.hmacSecret) > 0 {
		if e.APIKey == "" {
			return invalid(CodeAuthFailed, "Missing API key")
		}
		if !v.checkHMAC(e) {
			return invalid(CodeAuthFailed, "Invalid authentication")
		}
	}

	return Result{Valid: true, DTO: e}
}

// checkHMAC computes HMAC-SHA-256 over the canonicalized payload and
// compares it against e.APIKey in constant time.
func (v *Validator) checkHMAC(e Envelope) bool {
	expected := Sign(v.hmacSecret, e)
	return hmac.Equal([]byte(expected), []byte(e.APIKey))
}

// Sign computes the hex-encoded HMAC-SHA-256 signature a producer must
// send as apiKey, over the canonical "jobId|apiPrefix|query|clientId" form.
func Sign(secret []byte, e Envelope) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%s|%s|%s", e.JobID, e.APIPrefix, e.Query, e.ClientID)
	return hex.EncodeToString(mac.Sum(nil))
}

func invalid(code Code, msg string) Result {
	return Result{Valid: false, Err: &Error{Code: code, Message: msg}}
}
