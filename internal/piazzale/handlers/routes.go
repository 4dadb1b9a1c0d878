package handlers

import (
	"github.com/avvvet/piazzale-services/internal/piazzale/models"
	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
)

func (h *Handler) SetRoutes(r chi.Router) {
	r.Get("/health", h.HealthHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/ws", h.hub.HandleWebSocket)

		// passwords live in the vault, not the store
		r.Post("/change-password", h.ChangePassword)

		r.Group(func(r chi.Router) {
			r.Use(h.requireStore)

			// public routes
			r.Post("/login", h.Login)
			r.Post("/logout", h.Logout)
			r.Get("/active-sessions", h.ActiveSessions)
			r.Get("/cells", h.ListCells)
			r.Get("/cells/{cellNumber}", h.GetCell)
			r.Get("/cells/{cellNumber}/history", h.History)
			r.Post("/cells/{cellNumber}/history", h.History)
			r.Get("/monitoring-logs", h.ListMonitoringLogs)

			// Secure routes
			r.Group(func(r chi.Router) {
				r.Use(jwtauth.Verifier(h.auth.TokenAuth()))
				r.Use(h.authenticator)

				r.Group(func(r chi.Router) {
					r.Use(requireRole(models.RoleAdmin, models.RolePreposto))
					r.Post("/preposto-changes", h.PrepostoChange)
					r.Post("/populate-cells", h.PopulateCells)
					r.Post("/monitoring-logs", h.RecordMonitoringLog)
				})

				r.Group(func(r chi.Router) {
					r.Use(requireRole(models.RoleAdmin))
					r.Post("/cells", h.SaveCell)
					r.Delete("/cells/{cellNumber}", h.DeleteCell)
					r.Post("/reset-colors", h.ResetColors)
					r.Post("/reset-monitoring", h.ResetMonitoring)
				})
			})
		})
	})
}
