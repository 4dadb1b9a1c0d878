package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/avvvet/piazzale-services/internal/piazzale/config"
	"github.com/avvvet/piazzale-services/internal/piazzale/service"
	"github.com/go-chi/chi"
	log "github.com/sirupsen/logrus"
)

const (
	msgStoreDown     = "Database temporaneamente non disponibile"
	msgCellNotFound  = "Cella non trovata"
	msgUnauthorized  = "Non autorizzato"
	msgAdminOnly     = "Solo gli admin possono eseguire questa operazione"
	msgInvalidIndex  = "Indice non valido"
	msgBadCredential = "Credenziali non valide"
	msgConflict      = "La scheda è stata modificata, ricaricare il piazzale"
	msgTooLarge      = "Richiesta troppo grande"
)

// maxBodyBytes bounds request bodies; a full cell save is well under 4KB.
const maxBodyBytes = 16 << 10

var errBodyTooLarge = errors.New("request body too large")

type Handler struct {
	board      *service.BoardService
	auth       *service.AuthService
	monitoring *service.MonitoringService
	hub        *Hub
	storeUp    func() bool
}

// NewHandler wires the services. storeUp reports the store health; nil
// means always up.
func NewHandler(board *service.BoardService, auth *service.AuthService,
	monitoring *service.MonitoringService, hub *Hub, storeUp func() bool) *Handler {
	if storeUp == nil {
		storeUp = func() bool { return true }
	}
	return &Handler{
		board:      board,
		auth:       auth,
		monitoring: monitoring,
		hub:        hub,
		storeUp:    storeUp,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("encode response: %s", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// handleError maps service errors to responses. fallback is the message for
// unexpected errors, which are logged and never echoed.
func handleError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, msgUnauthorized)
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, msgAdminOnly)
	case errors.Is(err, errBodyTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, msgTooLarge)
	case errors.Is(err, service.ErrConflict):
		writeError(w, http.StatusConflict, msgConflict)
	case errors.Is(err, service.ErrInvalidIndex):
		writeError(w, http.StatusNotFound, msgInvalidIndex)
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, msgCellNotFound)
	case errors.Is(err, service.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, msgStoreDown)
	default:
		log.Errorf("%s %s: %s", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return fmt.Errorf("%w: malformed JSON body", service.ErrValidation)
	}
	return nil
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if !h.storeUp() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"store":     h.storeUp(),
		"wsClients": h.hub.Count(),
	})
}

// Login

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(w, r, &req); errors.Is(err, errBodyTooLarge) {
		handleError(w, r, err, "")
		return
	} else if err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username e password sono richiesti")
		return
	}
	res, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, service.ErrUnauthorized) {
		writeError(w, http.StatusUnauthorized, msgBadCredential)
		return
	}
	if err != nil {
		handleError(w, r, err, "Errore durante il login")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role      string `json:"role"`
		SessionID string `json:"sessionId"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		handleError(w, r, err, "")
		return
	}
	if err := h.auth.Logout(r.Context(), req.SessionID); err != nil {
		handleError(w, r, err, "Errore durante il logout")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Logout effettuato con successo"})
}

func (h *Handler) ActiveSessions(w http.ResponseWriter, r *http.Request) {
	active, err := h.auth.ActiveSessions(r.Context())
	if err != nil {
		handleError(w, r, err, "Errore nel recupero delle sessioni")
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role            string `json:"role"`
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeBody(w, r, &req); errors.Is(err, errBodyTooLarge) {
		handleError(w, r, err, "")
		return
	} else if err != nil || req.Role == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "Ruolo e nuova password sono richiesti")
		return
	}
	err := h.auth.ChangePassword(r.Context(), req.Role, req.CurrentPassword, req.NewPassword)
	if errors.Is(err, service.ErrUnauthorized) {
		writeError(w, http.StatusUnauthorized, "Password attuale non valida")
		return
	}
	if err != nil {
		handleError(w, r, err, "Errore durante il cambio password")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Password modificata con successo"})
}

// Cells

func (h *Handler) ListCells(w http.ResponseWriter, r *http.Request) {
	cells, err := h.board.ListCells(r.Context())
	if err != nil {
		handleError(w, r, err, "Errore durante il recupero delle celle")
		return
	}
	writeJSON(w, http.StatusOK, cells)
}

func (h *Handler) GetCell(w http.ResponseWriter, r *http.Request) {
	cell, err := h.board.GetCell(r.Context(), chi.URLParam(r, "cellNumber"))
	if err != nil {
		handleError(w, r, err, "Errore durante il recupero della cella")
		return
	}
	writeJSON(w, http.StatusOK, cell)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	history, err := h.board.History(r.Context(), chi.URLParam(r, "cellNumber"))
	if err != nil {
		handleError(w, r, err, "Errore durante il recupero della cronologia")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) SaveCell(w http.ResponseWriter, r *http.Request) {
	var req service.SaveRequest
	if err := decodeBody(w, r, &req); err != nil {
		handleError(w, r, err, "")
		return
	}
	if _, err := h.board.SaveCell(r.Context(), req); err != nil {
		handleError(w, r, err, "Errore durante il salvataggio")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Dati salvati con successo"})
}

func (h *Handler) DeleteCell(w http.ResponseWriter, r *http.Request) {
	if err := h.board.DeleteCell(r.Context(), chi.URLParam(r, "cellNumber")); err != nil {
		handleError(w, r, err, "Errore durante l'eliminazione")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Dati eliminati con successo"})
}

// PrepostoChange accepts an explicit answer ({confirm, from}) or, from older
// clients, the status they computed ({status}). from is the status the
// answer was given for, so a resent answer is a no-op. Client timestamps are
// ignored.
func (h *Handler) PrepostoChange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CellNumber string  `json:"cellNumber"`
		CellIndex  *int    `json:"cellIndex"`
		CardIndex  *int    `json:"cardIndex"`
		Confirm    *bool   `json:"confirm"`
		From       string  `json:"from"`
		Status     *string `json:"status"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		handleError(w, r, err, "")
		return
	}
	if req.CardIndex == nil || (req.Confirm == nil && req.Status == nil) {
		writeError(w, http.StatusBadRequest, "cardIndex e confirm o status sono richiesti")
		return
	}
	if req.Confirm != nil && req.From == "" {
		writeError(w, http.StatusBadRequest, "from è richiesto insieme a confirm")
		return
	}

	var err error
	var card interface{}
	if req.Confirm != nil {
		card, err = h.board.ApplyConfirmation(r.Context(), service.ConfirmRequest{
			CellNumber: req.CellNumber, CellIndex: req.CellIndex, CardIndex: *req.CardIndex, Confirm: *req.Confirm, From: req.From,
		})
	} else {
		card, err = h.board.ApplyStatus(r.Context(), service.StatusRequest{
			CellNumber: req.CellNumber, CellIndex: req.CellIndex, CardIndex: *req.CardIndex, Status: *req.Status,
		})
	}
	if err != nil {
		handleError(w, r, err, "Errore durante il salvataggio delle modifiche")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Modifiche salvate con successo",
		"card":    card,
	})
}

func (h *Handler) PopulateCells(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CellNumber string `json:"cellNumber"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		handleError(w, r, err, "")
		return
	}
	res, err := h.board.PopulateCells(r.Context(), req.CellNumber)
	if err != nil {
		handleError(w, r, err, "Errore durante il popolamento delle celle")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Resets

func (h *Handler) ResetColors(w http.ResponseWriter, r *http.Request) {
	if err := h.board.ResetColors(r.Context()); err != nil {
		handleError(w, r, err, "Errore durante il reset dei colori")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Colori resettati con successo"})
}

func (h *Handler) ResetMonitoring(w http.ResponseWriter, r *http.Request) {
	mode, err := h.board.ResetMonitoring(r.Context())
	if err != nil {
		handleError(w, r, err, "Errore durante il reset del monitoraggio")
		return
	}
	msg := "Log di monitoraggio resettati con successo"
	if mode == config.ResetClearState {
		msg = "Monitoraggio resettato con successo"
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: msg})
}

// Monitoring log

func (h *Handler) ListMonitoringLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.monitoring.List(r.Context(), r.URL.Query().Get("cell"))
	if err != nil {
		handleError(w, r, err, "Errore nel recupero dei log")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handler) RecordMonitoringLog(w http.ResponseWriter, r *http.Request) {
	var req service.RecordRequest
	if err := decodeBody(w, r, &req); err != nil {
		handleError(w, r, err, "")
		return
	}
	if _, err := h.monitoring.Record(r.Context(), req); err != nil {
		handleError(w, r, err, "Errore nella registrazione dell'evento")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Evento registrato con successo"})
}
