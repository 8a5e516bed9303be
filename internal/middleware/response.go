package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/renderbird/renderbird/internal/types"
)

// writeCodedError writes the standard error envelope with one coded
// error entry. The HTTP status derives from the code.
func writeCodedError(w http.ResponseWriter, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(types.HTTPStatusFor(code))

	resp := types.RenderResponse{
		Success:   false,
		RequestID: requestID,
		Errors: []types.ErrorDetail{
			{Code: code, Message: message},
		},
		Timestamp: types.NewTimestamp(),
	}
	if err := json.NewEncoder(w).Encode(&resp); err != nil {
		log.Error().Err(err).Str("code", code).Msg("Failed to encode error response")
	}
}
