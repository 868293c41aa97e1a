package ingress

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/xraph/courier"
)

// StatusFor maps a courier error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, courier.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, courier.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, courier.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, courier.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, courier.ErrStoreUnavailable), errors.Is(err, courier.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeErr(w http.ResponseWriter, err error) {
	code := StatusFor(err)

	switch code {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(a.retryAfter.Seconds()))))
		if code == http.StatusServiceUnavailable {
			a.logger.Warn("store unavailable", slog.String("error", err.Error()))
		}
	case http.StatusInternalServerError:
		a.logger.Error("request failed", slog.String("error", err.Error()))
	}

	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
