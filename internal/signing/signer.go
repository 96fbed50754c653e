package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	pkgerrors "github.com/angelmondragon/leadflow-backend/pkg/errors"
)

const (
	FieldSig         = "sig"
	FieldSignedToken = "signed_token"

	minSecretBytes = 32
)

// Envelope is the signed tuple handed to clients.
type Envelope struct {
	Payload   map[string]any `json:"payload"`
	IssuedAt  int64          `json:"issued_at"`
	ExpiresAt int64          `json:"expires_at"`
	Sig       string         `json:"sig"`
}

// Signer issues and verifies HMAC-SHA256 envelopes.
type Signer struct {
	secret []byte
	maxAge time.Duration
	opts   Options
}

func NewSigner(secret string, maxAge time.Duration, dropEmpty bool) (*Signer, error) {
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", minSecretBytes)
	}
	if maxAge <= 0 {
		return nil, errors.New("signing max age must be positive")
	}
	return &Signer{secret: []byte(secret), maxAge: maxAge, opts: Options{DropEmpty: dropEmpty}}, nil
}

func (s *Signer) MaxAge() time.Duration { return s.maxAge }

func (s *Signer) Options() Options { return s.opts }

// Issue signs payload minus the ignored fields, valid for MaxAge from now.
func (s *Signer) Issue(payload map[string]any, ignored []string, now time.Time) (Envelope, error) {
	if payload == nil {
		return Envelope{}, pkgerrors.New(pkgerrors.CodeValidation, "payload is required")
	}
	issued := now.Unix()
	expires := now.Add(s.maxAge).Unix()
	sig, err := s.mac(strip(payload, ignored), issued, expires)
	if err != nil {
		return Envelope{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "payload cannot be canonicalized")
	}
	return Envelope{Payload: payload, IssuedAt: issued, ExpiresAt: expires, Sig: sig}, nil
}

// Verify recomputes the MAC over the submitted payload and checks the time
// window. Every failure is the same signature_invalid error.
func (s *Signer) Verify(env Envelope, ignored []string, now time.Time) (map[string]any, error) {
	if err := s.verify(env, ignored, now); err != nil {
		return nil, invalid(err)
	}
	return strip(env.Payload, nil), nil
}

func (s *Signer) verify(env Envelope, ignored []string, now time.Time) error {
	if env.Payload == nil {
		return errors.New("missing payload")
	}
	if env.Sig == "" {
		return errors.New("missing sig")
	}
	got, err := base64.RawURLEncoding.DecodeString(env.Sig)
	if err != nil {
		return fmt.Errorf("sig encoding: %w", err)
	}
	if env.IssuedAt <= 0 || env.ExpiresAt < env.IssuedAt {
		return errors.New("malformed validity window")
	}
	if time.Duration(env.ExpiresAt-env.IssuedAt)*time.Second > s.maxAge {
		return errors.New("validity window exceeds max age")
	}

	want, err := s.mac(strip(env.Payload, ignored), env.IssuedAt, env.ExpiresAt)
	if err != nil {
		return err
	}
	wantRaw, _ := base64.RawURLEncoding.DecodeString(want)
	if !hmac.Equal(got, wantRaw) {
		return errors.New("signature mismatch")
	}

	ts := now.Unix()
	if ts < env.IssuedAt || ts > env.ExpiresAt {
		return errors.New("outside validity window")
	}
	return nil
}

func (s *Signer) mac(payload map[string]any, issued, expires int64) (string, error) {
	canonical, err := Canonicalize(payload, s.opts)
	if err != nil {
		return "", err
	}
	h := hmac.New(sha256.New, s.secret)
	h.Write(canonical)
	h.Write([]byte("."))
	h.Write([]byte(strconv.FormatInt(issued, 10)))
	h.Write([]byte("."))
	h.Write([]byte(strconv.FormatInt(expires, 10)))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)), nil
}

// EncodeToken packs an envelope into an opaque base64url token.
func EncodeToken(env Envelope) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeToken reverses EncodeToken. Decoding failures are signature_invalid.
func DecodeToken(token string) (Envelope, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Envelope{}, invalid(fmt.Errorf("token encoding: %w", err))
	}
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, invalid(fmt.Errorf("token json: %w", err))
	}
	return env, nil
}

func invalid(cause error) error {
	return pkgerrors.Wrap(pkgerrors.CodeSignatureInvalid, cause, "signature invalid")
}

// strip returns a shallow copy without transport fields and ignored keys.
func strip(payload map[string]any, ignored []string) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	delete(out, FieldSig)
	delete(out, FieldSignedToken)
	for _, field := range ignored {
		delete(out, field)
	}
	return out
}
