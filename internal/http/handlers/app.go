package handlers

import (
	"encoding/json"
	"net/http"

	"server/internal/adapter/repo"
	"server/internal/auth"
	"server/internal/infra"
	"server/internal/intake"
	"server/internal/storage"
)

// App bundles the dependencies shared by all HTTP handlers.
type App struct {
	Cfg    *infra.Config
	Logger infra.Logger
	Intake *intake.Service
	Jobs   *repo.VideoJobRepository
	Ledger *repo.LedgerRepository
	Store  *storage.FileStore
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]any{"error": map[string]any{
		"code":    errCode,
		"message": message,
	}})
}

func (a *App) currentIdentity(r *http.Request) (auth.Identity, bool) {
	return auth.IdentityFromContext(r.Context())
}
