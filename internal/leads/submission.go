package leads

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/nyaruka/phonenumbers"

	"github.com/angelmondragon/leadflow-backend/internal/signing"
	pkgerrors "github.com/angelmondragon/leadflow-backend/pkg/errors"
)

const (
	fieldFormKind = "form_kind"
	fieldEmail    = "email"
	fieldPhone    = "phone"
	fieldName     = "name"
	fieldContext  = "context"
)

// contextKeys are top-level attribution fields folded into the lead context.
var contextKeys = map[string]struct{}{
	"campaign": {},
	"source":   {},
	"referrer": {},
}

var validate = validator.New()

// Submission is a decoded /leads/collect body. Payload is the data as the
// client sent it; the remaining fields are its normalized view.
type Submission struct {
	Payload  map[string]any
	Envelope *signing.Envelope

	FormKind string
	Email    string
	Phone    string
	Name     string
	Fields   map[string]any
	Context  map[string]any
}

// ParseSubmission accepts a bare payload, an envelope body
// {payload, issued_at, expires_at, sig}, or a payload carrying signed_token.
func ParseSubmission(body map[string]any) (*Submission, error) {
	if len(body) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "request body is required")
	}
	sub := &Submission{}

	rawPayload, hasPayload := body["payload"]
	_, hasSig := body[signing.FieldSig]
	switch {
	case hasPayload && hasSig:
		payload, ok := rawPayload.(map[string]any)
		if !ok {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "payload must be an object")
		}
		env, err := envelopeFromBody(body, payload)
		if err != nil {
			return nil, err
		}
		sub.Payload = payload
		sub.Envelope = env
	case body[signing.FieldSignedToken] != nil:
		token, ok := body[signing.FieldSignedToken].(string)
		if !ok {
			return nil, pkgerrors.New(pkgerrors.CodeSignatureInvalid, "signature invalid")
		}
		env, err := signing.DecodeToken(token)
		if err != nil {
			return nil, err
		}
		payload := make(map[string]any, len(body))
		for k, v := range body {
			if k != signing.FieldSignedToken {
				payload[k] = v
			}
		}
		// The submitted fields, not the token's copy, are what gets verified
		// and stored.
		env.Payload = payload
		sub.Payload = payload
		sub.Envelope = &env
	default:
		sub.Payload = body
	}
	return sub, nil
}

func envelopeFromBody(body, payload map[string]any) (*signing.Envelope, error) {
	sig, ok := body[signing.FieldSig].(string)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeSignatureInvalid, "signature invalid")
	}
	issued, err := unixField(body["issued_at"])
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeSignatureInvalid, err, "signature invalid")
	}
	expires, err := unixField(body["expires_at"])
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeSignatureInvalid, err, "signature invalid")
	}
	return &signing.Envelope{Payload: payload, IssuedAt: issued, ExpiresAt: expires, Sig: sig}, nil
}

func unixField(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("timestamp %v is not an integer", n)
		}
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("timestamp missing or malformed")
	}
}

// Normalize fills the normalized view from Payload.
func (s *Submission) Normalize(defaultRegion string) error {
	details := map[string]string{}
	fields := map[string]any{}
	ctxMap := map[string]any{}
	attribution := map[string]any{}

	for key, value := range s.Payload {
		switch key {
		case fieldFormKind:
			str, _ := value.(string)
			s.FormKind = strings.TrimSpace(str)
		case fieldEmail:
			str, ok := value.(string)
			if !ok && value != nil {
				details[fieldEmail] = "must be a string"
				continue
			}
			s.Email = strings.ToLower(strings.TrimSpace(str))
		case fieldPhone:
			str, ok := value.(string)
			if !ok && value != nil {
				details[fieldPhone] = "must be a string"
				continue
			}
			s.Phone = strings.TrimSpace(str)
		case fieldName:
			str, _ := value.(string)
			s.Name = strings.TrimSpace(str)
		case fieldContext:
			if value == nil {
				continue
			}
			m, ok := value.(map[string]any)
			if !ok {
				details[fieldContext] = "must be an object"
				continue
			}
			for k, v := range m {
				ctxMap[k] = v
			}
		case signing.FieldSig, signing.FieldSignedToken:
		default:
			if isAttributionKey(key) {
				attribution[key] = value
				continue
			}
			fields[key] = value
		}
	}
	// explicit context entries win over top-level attribution
	for k, v := range attribution {
		if _, exists := ctxMap[k]; !exists {
			ctxMap[k] = v
		}
	}

	if s.FormKind == "" {
		details[fieldFormKind] = "is required"
	}
	if s.Email != "" {
		if err := validate.Var(s.Email, "email"); err != nil {
			details[fieldEmail] = "must be a valid email"
		}
	}
	if s.Phone != "" {
		e164, err := normalizePhone(s.Phone, defaultRegion)
		if err != nil {
			details[fieldPhone] = "must be a valid phone number"
		} else {
			s.Phone = e164
		}
	}
	if len(details) > 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(details)
	}

	s.Fields = fields
	s.Context = ctxMap
	return nil
}

func isAttributionKey(key string) bool {
	if strings.HasPrefix(key, "utm_") {
		return true
	}
	_, ok := contextKeys[key]
	return ok
}

func normalizePhone(raw, region string) (string, error) {
	if region == "" {
		region = "US"
	}
	num, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return "", err
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("phone number %q is not valid", raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// View is the flat normalized map used for required-field checks and the
// fingerprint.
func (s *Submission) View() map[string]any {
	view := make(map[string]any, len(s.Fields)+5)
	for k, v := range s.Fields {
		view[k] = v
	}
	view[fieldFormKind] = s.FormKind
	if s.Email != "" {
		view[fieldEmail] = s.Email
	}
	if s.Phone != "" {
		view[fieldPhone] = s.Phone
	}
	if s.Name != "" {
		view[fieldName] = s.Name
	}
	if len(s.Context) > 0 {
		view[fieldContext] = s.Context
	}
	return view
}

// contextList flattens context into sorted key/value pairs for templates.
func contextList(ctx map[string]any) []map[string]any {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]any{"key": k, "value": fmt.Sprint(ctx[k])})
	}
	return out
}
