package server

import (
	"net/http"

	"github.com/charmbracelet/log"

	"warden/internal/config"
)

func getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, config.GetConfig())
}

func saveSettings(w http.ResponseWriter, r *http.Request) {
	var cfg config.Config
	if !decodeJSON(w, r, &cfg) {
		return
	}

	if err := config.SetConfig(cfg); err != nil {
		log.Warn("Settings update rejected", "error", err)
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, config.GetConfig())
}
