package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/manenim/adaptive-rate-limiter/pkg/limiter"
)

// ErrorBody is the JSON payload for rejected requests.
type ErrorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// DenyBody builds the 429 payload for a denied decision.
func DenyBody(d limiter.Decision) ErrorBody {
	return ErrorBody{
		Error:  "rate_limit_exceeded",
		Detail: fmt.Sprintf("Limit of %d per %ds exceeded", d.Limit, windowSeconds(d.Window)),
	}
}

// InternalErrorBody is sent on ERROR decisions. It carries no store details.
var InternalErrorBody = ErrorBody{Error: "internal_error"}

// SetHeaders writes the rate-limit headers for d. Retry-After is only set on
// DENY, as the full window: the fixed-window reset time is not known here.
func SetHeaders(h http.Header, d limiter.Decision) {
	if d.Status == limiter.StatusError {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	remaining := d.Remaining
	if remaining < 0 {
		remaining = 0
	}
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	if d.Status == limiter.StatusDeny {
		h.Set("Retry-After", strconv.FormatInt(windowSeconds(d.Window), 10))
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// windowSeconds rounds up so a sub-second window still reports 1.
func windowSeconds(d time.Duration) int64 {
	s := int64((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
