package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/taskmesh-ai/taskmesh/internal/apierr"
)

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the boundary's stable {error, message} error shape.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": http.StatusText(status), "message": sanitizeErr(message)})
}

// writeAPIErr maps an internal error onto its HTTP status via apierr.Kind,
// falling back to 500 for unrecognized errors.
func (s *Server) writeAPIErr(w http.ResponseWriter, err error) {
	if ae, ok := apierr.As(err); ok {
		s.logger.Warn("request failed", zap.String("kind", string(ae.Kind)), zap.Error(err))
		writeError(w, apierr.HTTPStatus(ae.Kind), ae.Message)
		return
	}
	s.logger.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// sanitizeErr truncates an error message for safe client output.
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
