package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kiranshivaraju/songforge/internal/api/response"
	"github.com/kiranshivaraju/songforge/internal/entitlement"
	"github.com/kiranshivaraju/songforge/internal/generation"
	"github.com/kiranshivaraju/songforge/internal/ledger"
	"github.com/kiranshivaraju/songforge/pkg/models"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// writeError maps service errors onto the response envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *generation.ValidationError
	switch {
	case errors.As(err, &verr):
		response.Invalid(w, verr.Error(), verr.Fields)
	case errors.Is(err, entitlement.ErrQuotaExceeded):
		response.Error(w, http.StatusForbidden, "QUOTA_EXCEEDED",
			"Monthly generation quota exhausted", nil)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		response.Error(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS",
			"Not enough credits for this generation", nil)
	case errors.Is(err, generation.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Generation task not found", nil)
	case errors.Is(err, generation.ErrConflict):
		response.Error(w, http.StatusConflict, "CONFLICT", "Generation task already exists", nil)
	case errors.Is(err, generation.ErrInvalidCallback):
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired callback token", nil)
	case errors.Is(err, generation.ErrCallbackForbidden):
		response.Error(w, http.StatusForbidden, "FORBIDDEN", "Callback does not match the task owner", nil)
	case errors.Is(err, models.ErrInvalidResponse):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Malformed provider payload", nil)
	case errors.Is(err, models.ErrProviderRejected):
		response.Error(w, http.StatusBadGateway, "PROVIDER_REJECTED",
			"The generation provider rejected the request", nil)
	case errors.Is(err, models.ErrProviderTimeout), errors.Is(err, context.DeadlineExceeded):
		response.Error(w, http.StatusGatewayTimeout, "PROVIDER_TIMEOUT",
			"The generation provider did not answer in time", nil)
	case errors.Is(err, models.ErrProviderUnavailable):
		response.Error(w, http.StatusBadGateway, "PROVIDER_UNAVAILABLE",
			"The generation provider is not available", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

// fieldErrors flattens validator errors into field -> rule.
func fieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out[fe.Field()] = rule
	}
	return out
}
