package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	perrors "github.com/turingfp/micropay/pkg/errors"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

type errorMapping struct {
	err    error
	status int
}

// Sentinels are checked before the error type so a SessionError wrapping
// ErrSessionNotFound answers 404 and not 409.
var errorMappings = []errorMapping{
	{perrors.ErrSessionNotFound, http.StatusNotFound},
	{perrors.ErrTransactionNotFound, http.StatusNotFound},
	{perrors.ErrPhoneNotSet, http.StatusBadRequest},
	{perrors.ErrSessionInactive, http.StatusConflict},
	{perrors.ErrTransactionExists, http.StatusConflict},
	{perrors.ErrConflictingResolution, http.StatusConflict},
	{perrors.ErrInvalidStateTransition, http.StatusConflict},
	{perrors.ErrProviderUnavailable, http.StatusServiceUnavailable},
	{perrors.ErrNotImplemented, http.StatusNotImplemented},
}

var codeStatus = map[string]int{
	perrors.CodeValidation:    http.StatusBadRequest,
	perrors.CodePayment:       http.StatusPaymentRequired,
	perrors.CodeProvider:      http.StatusBadGateway,
	perrors.CodeNetwork:       http.StatusBadGateway,
	perrors.CodeSession:       http.StatusConflict,
	perrors.CodeTransaction:   http.StatusConflict,
	perrors.CodeConfiguration: http.StatusServiceUnavailable,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps a taxonomy error to an HTTP status.
func statusFor(err error) int {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	if status, ok := codeStatus[perrors.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: perrors.CodeOf(err)}

	var ve *perrors.ValidationError
	if errors.As(err, &ve) {
		resp.Field = ve.Field
		resp.Fields = ve.Fields
	}
	var pe *perrors.PaymentError
	if errors.As(err, &pe) {
		resp.ProviderCode = pe.ProviderCode
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("unhandled error in handler")
		resp.Code = perrors.CodeUnknown
		resp.Error = "internal server error"
	}
	writeJSON(w, status, resp)
}

func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return perrors.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			fields := make([]perrors.FieldError, 0, len(ve))
			for _, fe := range ve {
				fields = append(fields, perrors.FieldError{Field: fe.Field(), Message: fe.Tag() + " validation failed"})
			}
			return perrors.NewFieldsError(fields)
		}
		return perrors.NewValidationError("body", err.Error())
	}
	return nil
}
