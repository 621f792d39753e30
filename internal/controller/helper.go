package controller

import (
	"net/http"
	"slices"

	"github.com/google/uuid"
)

func (c controller) generateTimeBasedId() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

// checkOrigin lets through requests without an Origin header. Those come from
// non-browser clients.
func (c controller) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(c.cfg.AllowedOrigins, "*") || slices.Contains(c.cfg.AllowedOrigins, origin)
}
