package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sergeybar/ak-gateway/internal/authn"
)

// Internal serves the additive admin surface: the synchronous
// cache-invalidation hook for a revoked or rotated access key.
type Internal struct {
	authn *authn.Authenticator
}

func NewInternal(a *authn.Authenticator) *Internal {
	return &Internal{authn: a}
}

// InvalidateKey handles POST /internal/keys/{key_hash}/invalidate.
func (h *Internal) InvalidateKey(w http.ResponseWriter, r *http.Request) {
	keyHash := chi.URLParam(r, "key_hash")
	h.authn.Invalidate(keyHash)
	w.WriteHeader(http.StatusNoContent)
}
