/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies
 * standard middleware for logging, panic recovery, and request timeouts.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// LedgerRoutes creates and returns a new router for the ledger service.
func LedgerRoutes(h *LedgerHandlers) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		h.writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	// Synthetic load endpoint; not part of the ledger surface.
	r.Get("/burn", h.BurnHandler)

	// Ledger API
	r.Post("/transfers", h.TransferHandler)
	r.Get("/transfers/{ref}", h.GetTransferHandler)
	r.Get("/accounts", h.ListAccountsHandler)
	r.Get("/accounts/{accountID}", h.GetAccountHandler)
	r.Get("/accounts/{accountID}/transfers", h.AccountTransfersHandler)

	return r
}
