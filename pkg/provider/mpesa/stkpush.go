package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/phone"
	"github.com/turingfp/micropay/pkg/provider"
)

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        code   `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        code   `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          code   `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

// Charge sends an STK Push prompt. Acceptance is asynchronous: a successful
// result has status pending and carries the CheckoutRequestID as
// TransactionID.
func (a *Adapter) Charge(ctx context.Context, req provider.ChargeRequest) (*provider.ChargeResult, error) {
	if err := a.Initialize(ctx); err != nil {
		return nil, err
	}

	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = a.cfg.CallbackURL
	}
	if err := a.validateCallbackURL(callbackURL); err != nil {
		return nil, err
	}

	amount := req.Amount.Round(0)
	if amount.LessThan(decimal.NewFromInt(1)) {
		return nil, errors.NewValidationError("amount", "Amount must be at least 1").WithValue(req.Amount.String())
	}

	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	ts := a.timestamp()
	msisdn := phone.Normalize(req.CustomerPhone, "KE")
	payload := stkPushRequest{
		BusinessShortCode: a.creds.shortcode,
		Password:          password(a.creds.shortcode, a.creds.passkey, ts),
		Timestamp:         ts,
		TransactionType:   transactionType,
		Amount:            amount.IntPart(),
		PartyA:            msisdn,
		PartyB:            a.creds.shortcode,
		PhoneNumber:       msisdn,
		CallBackURL:       callbackURL,
		AccountReference:  orDefault(req.Reference, defaultLabel),
		TransactionDesc:   orDefault(req.Description, defaultLabel),
	}

	status, body, err := a.post(ctx, stkPushPath, token, payload)
	if err != nil {
		return nil, err
	}

	var out stkPushResponse
	if err := json.Unmarshal(body, &out); err != nil {
		if status >= http.StatusInternalServerError {
			return nil, serverError("STK Push", status, body)
		}
		return nil, errors.NewPaymentError("STK Push failed: "+err.Error(), "", req.TransactionReference)
	}

	if out.ResponseCode == "" && out.ErrorCode != "" {
		if status >= http.StatusInternalServerError {
			return nil, serverError("STK Push", status, body)
		}
		return nil, errors.NewPaymentError(
			fmt.Sprintf("%s: %s", out.ErrorCode, out.ErrorMessage), out.ErrorCode, req.TransactionReference)
	}
	if out.ResponseCode != ResultSuccess {
		return nil, errors.NewPaymentError(
			fmt.Sprintf("%s: %s", out.ResponseCode, out.ResponseDescription), string(out.ResponseCode), req.TransactionReference)
	}

	a.logger.Info().
		Str("checkout_request_id", out.CheckoutRequestID).
		Str("phone", phone.Mask(msisdn)).
		Msg("stk push accepted")

	return &provider.ChargeResult{
		Success:               true,
		TransactionID:         out.CheckoutRequestID,
		ExternalTransactionID: out.MerchantRequestID,
		Reference:             req.Reference,
		Amount:                amount,
		Currency:              req.Currency,
		Status:                provider.StatusPending,
		ProviderCode:          string(out.ResponseCode),
		ProviderMessage:       out.ResponseDescription,
		Provider:              Name,
		RawResponse:           rawMap(body),
	}, nil
}

// QueryStatus asks Daraja for the outcome of an STK Push by its
// CheckoutRequestID.
func (a *Adapter) QueryStatus(ctx context.Context, checkoutRequestID string) (*provider.StatusResult, error) {
	if err := a.Initialize(ctx); err != nil {
		return nil, err
	}
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	ts := a.timestamp()
	status, body, err := a.post(ctx, stkQueryPath, token, stkQueryRequest{
		BusinessShortCode: a.creds.shortcode,
		Password:          password(a.creds.shortcode, a.creds.passkey, ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	})
	if err != nil {
		return nil, err
	}

	var out stkQueryResponse
	if err := json.Unmarshal(body, &out); err != nil {
		if status >= http.StatusInternalServerError {
			return nil, serverError("STK query", status, body)
		}
		return nil, errors.NewProviderError("STK query failed: "+err.Error(), Name, err)
	}

	raw := rawMap(body)
	switch {
	case out.ErrorCode == errorInProcess:
		return &provider.StatusResult{Success: true, Status: provider.StatusPending, ResultCode: out.ErrorCode, ResultDesc: out.ErrorMessage, Raw: raw}, nil
	case out.ErrorCode != "":
		if status >= http.StatusInternalServerError {
			return nil, serverError("STK query", status, body)
		}
		return nil, errors.NewProviderError(fmt.Sprintf("STK query failed: %s: %s", out.ErrorCode, out.ErrorMessage), Name, nil)
	case out.ResultCode == ResultSuccess:
		return &provider.StatusResult{Success: true, Status: provider.StatusSucceeded, ResultCode: string(out.ResultCode), ResultDesc: out.ResultDesc, Raw: raw}, nil
	case out.ResultCode != "":
		return &provider.StatusResult{Success: true, Status: provider.StatusFailed, ResultCode: string(out.ResultCode), ResultDesc: out.ResultDesc, Raw: raw}, nil
	default:
		return &provider.StatusResult{Success: true, Status: provider.StatusPending, ResultCode: string(out.ResponseCode), ResultDesc: out.ResponseDescription, Raw: raw}, nil
	}
}

func (a *Adapter) post(ctx context.Context, path, token string, payload any) (int, []byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, errors.NewNetworkError(fmt.Sprintf("request to %s failed: %v", path, err), 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, errors.NewNetworkError("read response: "+err.Error(), resp.StatusCode, err)
	}
	return resp.StatusCode, body, nil
}

// validateCallbackURL rejects missing and placeholder URLs, and plain HTTP
// in production.
func (a *Adapter) validateCallbackURL(raw string) error {
	if raw == "" {
		return errors.NewConfigurationError("M-Pesa callback URL is required", "callbackUrl")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return errors.NewConfigurationError(fmt.Sprintf("Invalid M-Pesa callback URL: %s", raw), "callbackUrl")
	}
	host := strings.ToLower(u.Hostname())
	if host == "example.com" || strings.HasSuffix(host, ".example.com") {
		return errors.NewConfigurationError(fmt.Sprintf("M-Pesa callback URL is a placeholder: %s", raw), "callbackUrl")
	}
	if a.cfg.IsProduction() && u.Scheme != "https" {
		return errors.NewConfigurationError("M-Pesa callback URL must use HTTPS in production", "callbackUrl")
	}
	return nil
}

func serverError(op string, status int, body []byte) *errors.NetworkError {
	e := errors.NewNetworkError(fmt.Sprintf("%s failed: upstream returned %d", op, status), status, nil)
	e.Body = string(body)
	return e
}

func rawMap(body []byte) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil
	}
	return m
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
