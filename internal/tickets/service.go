package tickets

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-checkout/internal/errs"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
	ticketdb "ms-checkout/internal/tickets/db"
	qr "ms-checkout/internal/tickets/qr_genrator"
)

const (
	codeBytes       = 20
	maxCodeAttempts = 5
)

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

type TicketService struct {
	DB     *bun.DB
	QR     *qr.QRGenerator
	Logger *logger.Logger
	Now    func() time.Time
}

func NewTicketService(db *bun.DB, qrGen *qr.QRGenerator, log *logger.Logger) *TicketService {
	return &TicketService{
		DB:     db,
		QR:     qrGen,
		Logger: log,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Issue mints exactly LineItem.Quantity VALID tickets for each line item of
// the order. It must run inside the transaction that confirms the order.
func (s *TicketService) Issue(ctx context.Context, tx bun.IDB, order *models.Order) ([]models.Ticket, error) {
	items := order.LineItems
	if items == nil {
		if err := tx.NewSelect().Model(&items).Where("order_id = ?", order.ID).Scan(ctx); err != nil {
			return nil, fmt.Errorf("load line items for %s: %w", order.ID, err)
		}
	}

	now := s.Now()
	seen := make(map[string]struct{})
	var tickets []models.Ticket

	for _, item := range items {
		for i := 0; i < item.Quantity; i++ {
			code, err := s.uniqueCode(ctx, tx, seen)
			if err != nil {
				return nil, err
			}

			ticket := models.Ticket{
				ID:           uuid.New().String(),
				OrderID:      order.ID,
				EventID:      order.EventID,
				UserID:       order.UserID,
				TicketTypeID: item.TicketTypeID,
				Code:         code,
				Status:       models.TicketValid,
				IssuedAt:     now,
			}

			png, err := s.QR.GenerateEncryptedQR(qr.Payload{TicketID: ticket.ID, Code: code, EventID: order.EventID})
			if err != nil {
				return nil, fmt.Errorf("failed to generate QR: %w", err)
			}
			ticket.QRCode = png

			tickets = append(tickets, ticket)
		}
	}

	if err := ticketdb.CreateTickets(ctx, tx, tickets); err != nil {
		return nil, err
	}

	s.Logger.LogOrder("ISSUE", order.ID, fmt.Sprintf("Issued %d tickets", len(tickets)))
	return tickets, nil
}

func (s *TicketService) uniqueCode(ctx context.Context, db bun.IDB, seen map[string]struct{}) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := NewCode()
		if err != nil {
			return "", err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		exists, err := ticketdb.CodeExists(ctx, db, code)
		if err != nil {
			return "", err
		}
		if !exists {
			seen[code] = struct{}{}
			return code, nil
		}
	}
	return "", fmt.Errorf("could not generate a unique ticket code after %d attempts", maxCodeAttempts)
}

// NewCode returns 160 random bits in unpadded base32.
func NewCode() (string, error) {
	b := make([]byte, codeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate ticket code: %w", err)
	}
	return codeEncoding.EncodeToString(b), nil
}

// ValidateAndScan admits a ticket at the door. Of concurrent scans of the
// same code exactly one succeeds; the rest see ErrTicketAlreadyUsed.
func (s *TicketService) ValidateAndScan(ctx context.Context, code string) (*models.Ticket, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: ticket code is required", errs.ErrValidation)
	}

	now := s.Now()
	ok, err := ticketdb.MarkUsed(ctx, s.DB, code, now)
	if err != nil {
		return nil, err
	}

	ticket, err := ticketdb.GetTicketByCode(ctx, s.DB, code)
	if err != nil {
		return nil, err
	}
	if ok {
		s.Logger.Info("TICKET", fmt.Sprintf("Ticket %s scanned for event %s", ticket.ID, ticket.EventID))
		return ticket, nil
	}

	switch ticket.Status {
	case models.TicketUsed:
		return nil, fmt.Errorf("ticket %s: %w", ticket.ID, errs.ErrTicketAlreadyUsed)
	case models.TicketCancelled:
		return nil, fmt.Errorf("ticket %s: %w", ticket.ID, errs.ErrTicketInvalid)
	default:
		return nil, fmt.Errorf("ticket %s: %w", ticket.ID, errs.ErrConcurrencyConflict)
	}
}

// ScanQR decrypts a QR payload, checks it matches the stored ticket and scans it.
func (s *TicketService) ScanQR(ctx context.Context, encrypted string) (*models.Ticket, error) {
	payload, err := s.QR.Decrypt(encrypted)
	if err != nil {
		if errors.Is(err, qr.ErrInvalidPayload) {
			return nil, fmt.Errorf("%w: %v", errs.ErrTicketInvalid, err)
		}
		return nil, err
	}

	ticket, err := ticketdb.GetTicketByCode(ctx, s.DB, payload.Code)
	if err != nil {
		return nil, err
	}
	if ticket.ID != payload.TicketID || ticket.EventID != payload.EventID {
		s.Logger.LogSecurity("QR_MISMATCH", fmt.Sprintf("QR payload for %s does not match ticket %s", payload.TicketID, ticket.ID))
		return nil, fmt.Errorf("ticket %s: %w", ticket.ID, errs.ErrTicketInvalid)
	}

	return s.ValidateAndScan(ctx, payload.Code)
}

// CancelForOrder cancels every ticket of the order inside tx.
func (s *TicketService) CancelForOrder(ctx context.Context, tx bun.IDB, orderID string) (int64, error) {
	n, err := ticketdb.CancelByOrder(ctx, tx, orderID)
	if err != nil {
		return 0, err
	}
	s.Logger.LogOrder("CANCEL_TICKETS", orderID, fmt.Sprintf("Cancelled %d tickets", n))
	return n, nil
}

func (s *TicketService) ListByOrder(ctx context.Context, orderID string) ([]models.Ticket, error) {
	return ticketdb.GetTicketsByOrder(ctx, s.DB, orderID)
}
