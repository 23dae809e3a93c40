package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"ms-checkout/internal/errs"
)

var validate = validator.New()

type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func SuccessResponse(message string, data interface{}) APIResponse {
	return APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
}

func ErrorResponse(message, error string) APIResponse {
	return APIResponse{
		Success:   false,
		Message:   message,
		Error:     error,
		Timestamp: time.Now(),
	}
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// WriteError answers with the status errs.HTTPStatus assigns to err. Promo
// rejections carry their reason; internal errors are not echoed.
func WriteError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	resp := ErrorResponse(http.StatusText(status), err.Error())

	var pe *errs.PromoCodeError
	if errors.As(err, &pe) {
		resp.Reason = string(pe.Reason)
	}
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	_ = WriteJSON(w, status, resp)
}

// DecodeJSON decodes the request body into dst and runs its validate tags.
// Failures wrap errs.ErrValidation.
func DecodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", errs.ErrValidation, err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: field %s failed %s", errs.ErrValidation, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	return nil
}
