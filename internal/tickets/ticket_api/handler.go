package ticket_api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-checkout/internal/auth"
	"ms-checkout/internal/errs"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
	"ms-checkout/internal/utils"
)

type Scanner interface {
	ValidateAndScan(ctx context.Context, code string) (*models.Ticket, error)
	ScanQR(ctx context.Context, encrypted string) (*models.Ticket, error)
}

type Handler struct {
	Tickets Scanner
	Logger  *logger.Logger
}

func NewHandler(tickets Scanner, log *logger.Logger) *Handler {
	return &Handler{Tickets: tickets, Logger: log}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/tickets/scan", h.ScanTicket)
}

// ScanTicket admits a ticket by its code or by an encrypted QR payload.
// Expected POST request body: {"code": "..."} or {"encrypted_qr": "..."}
//
// A rejected ticket is a normal answer at the door, so it is reported as
// {"valid": false, "reason": ...} with status 200.
func (h *Handler) ScanTicket(w http.ResponseWriter, r *http.Request) {
	var req models.ScanTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, fmt.Errorf("%w: invalid request body: %v", errs.ErrValidation, err))
		return
	}
	if (req.Code == "") == (req.EncryptedQR == "") {
		utils.WriteError(w, fmt.Errorf("%w: exactly one of code or encrypted_qr is required", errs.ErrValidation))
		return
	}

	var (
		ticket *models.Ticket
		err    error
	)
	if req.Code != "" {
		ticket, err = h.Tickets.ValidateAndScan(r.Context(), req.Code)
	} else {
		ticket, err = h.Tickets.ScanQR(r.Context(), req.EncryptedQR)
	}

	scanner := auth.UserID(r.Context())
	if err != nil {
		if reason, ok := rejectionReason(err); ok {
			h.Logger.Warn("TICKET", fmt.Sprintf("Scan rejected by %s: %v", scanner, err))
			h.write(w, models.ScanTicketResponse{Valid: false, Reason: reason})
			return
		}
		h.Logger.Error("TICKET", fmt.Sprintf("Scan failed: %v", err))
		utils.WriteError(w, err)
		return
	}

	h.Logger.Info("TICKET", fmt.Sprintf("Ticket %s admitted by %s", ticket.ID, scanner))
	h.write(w, models.ScanTicketResponse{Valid: true, TicketID: ticket.ID})
}

func (h *Handler) write(w http.ResponseWriter, resp models.ScanTicketResponse) {
	if err := utils.WriteJSON(w, http.StatusOK, resp); err != nil {
		h.Logger.Error("TICKET", fmt.Sprintf("ScanTicket: failed to encode response: %v", err))
	}
}

func rejectionReason(err error) (string, bool) {
	switch {
	case errors.Is(err, errs.ErrTicketAlreadyUsed):
		return "already_used", true
	case errors.Is(err, errs.ErrTicketInvalid):
		return "invalid", true
	case errors.Is(err, errs.ErrNotFound):
		return "not_found", true
	default:
		return "", false
	}
}
