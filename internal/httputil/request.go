package httputil

import (
	"fmt"
	"net/http"
	"strconv"
)

// FloatQueryParameter reads an optional float query parameter, falling back
// to the given default when absent. A malformed value is an error.
func FloatQueryParameter(r *http.Request, key string, fallback float64) (float64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s query parameter: %w", key, err)
	}
	return value, nil
}
