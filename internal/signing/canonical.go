package signing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Options controls canonicalization.
type Options struct {
	// DropEmpty removes keys whose value is "", null, {} or [] after
	// normalization, bottom-up.
	DropEmpty bool
}

// Canonicalize renders v as compact JSON with sorted keys, NFC-normalized
// and trimmed strings, and HTML escaping disabled. Numbers must arrive as
// json.Number (decode with UseNumber) to keep their textual form.
func Canonicalize(v any, opts Options) ([]byte, error) {
	normalized, keep, err := normalize(v, opts)
	if err != nil {
		return nil, err
	}
	if !keep {
		normalized = map[string]any{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("encode canonical form: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Fingerprint is the hex SHA-256 of the canonical payload without transport
// fields.
func Fingerprint(payload map[string]any, opts Options) (string, error) {
	canonical, err := Canonicalize(strip(payload, nil), opts)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func normalizeString(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

func normalize(v any, opts Options) (any, bool, error) {
	switch typed := v.(type) {
	case nil:
		return nil, !opts.DropEmpty, nil
	case string:
		s := normalizeString(typed)
		return s, !(opts.DropEmpty && s == ""), nil
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, value := range typed {
			nk := normalizeString(key)
			if _, dup := out[nk]; dup {
				return nil, false, fmt.Errorf("keys collide after normalization: %q", nk)
			}
			nv, keep, err := normalize(value, opts)
			if err != nil {
				return nil, false, err
			}
			if keep {
				out[nk] = nv
			}
		}
		return out, !(opts.DropEmpty && len(out) == 0), nil
	case []any:
		out := make([]any, 0, len(typed))
		for _, value := range typed {
			// positions carry meaning: elements are normalized, never dropped
			nv, _, err := normalize(value, opts)
			if err != nil {
				return nil, false, err
			}
			out = append(out, nv)
		}
		return out, !(opts.DropEmpty && len(out) == 0), nil
	case json.Number, bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		return typed, true, nil
	default:
		return nil, false, fmt.Errorf("unsupported value type %T", v)
	}
}
