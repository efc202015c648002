package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"sharekeeper/internal/server/apperr"
)

// validatePayload checks that data is a single JSON object no larger than
// maxBytes and nested no deeper than maxDepth.
func validatePayload(data json.RawMessage, maxBytes, maxDepth int) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return apperr.BadRequest("payload is required")
	}
	if len(data) > maxBytes {
		return apperr.BadRequest("payload exceeds %d bytes", maxBytes)
	}
	if !json.Valid(data) {
		return apperr.BadRequest("payload is not valid JSON")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	seen := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return apperr.BadRequest("payload is not valid JSON")
		}

		if !seen {
			if delim, ok := tok.(json.Delim); !ok || delim != '{' {
				return apperr.BadRequest("payload must be a JSON object")
			}
			seen = true
		}

		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
			if depth > maxDepth {
				return apperr.BadRequest("payload nesting exceeds depth %d", maxDepth)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
	return nil
}
