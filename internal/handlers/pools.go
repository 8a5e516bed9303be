package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
)

// bufPool reuses encode buffers across responses.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// writeJSON encodes v into a pooled buffer before touching the wire so
// an encode failure can still produce a clean 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, `{"success":false}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
