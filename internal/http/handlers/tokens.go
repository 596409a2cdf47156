package handlers

import "net/http"

// TokensBalance reports the caller's current token balance. Users with no
// account row yet see a balance of 0.
func (a *App) TokensBalance(w http.ResponseWriter, r *http.Request) {
	ident, ok := a.currentIdentity(r)
	if !ok {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	balance, err := a.Ledger.Balance(r.Context(), ident.UserID)
	if err != nil {
		a.Logger.Error().Err(err).Str("user_id", ident.UserID).Msg("handlers: balance lookup failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load token balance")
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"userId":  ident.UserID,
		"balance": balance,
	})
}
