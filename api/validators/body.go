package validators

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	pkgerrors "github.com/angelmondragon/leadflow-backend/pkg/errors"
)

// DecodeJSONObject reads a single JSON object from the request body. Numbers
// are kept as json.Number so signatures see the client's textual form.
func DecodeJSONObject(r *http.Request) (map[string]any, error) {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()

	var body any
	if err := decoder.Decode(&body); err != nil {
		return nil, decodeError(err)
	}
	if decoder.More() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid request body").
			WithDetails(map[string]any{"error": "unexpected data after JSON object"})
	}
	obj, ok := body.(map[string]any)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "request body must be a JSON object")
	}
	return obj, nil
}

func decodeError(err error) *pkgerrors.Error {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "request body too large").
			WithDetails(map[string]any{"max_bytes": tooLarge.Limit})
	case errors.Is(err, io.EOF):
		return pkgerrors.New(pkgerrors.CodeValidation, "request body is required")
	default:
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid request body").
			WithDetails(map[string]any{"error": err.Error()})
	}
}
