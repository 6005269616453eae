// Package callback normalizes asynchronous provider notifications into one
// canonical event shape and acknowledges them over HTTP.
package callback

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/turingfp/micropay/pkg/errors"
)

type EventType string

const (
	EventPaymentComplete EventType = "payment.complete"
	EventPaymentFailed   EventType = "payment.failed"
	EventRefundComplete  EventType = "refund.complete"
	EventUnknown         EventType = "unknown"
)

// ErrorInfo is the provider failure carried by a failed event.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is the canonical notification the engine consumes. TransactionID is
// the id the provider assigned at dispatch, so it matches a transaction's
// external id.
type Event struct {
	Type           EventType        `json:"eventType"`
	TransactionID  string           `json:"transactionId,omitempty"`
	ConversationID string           `json:"conversationId,omitempty"`
	Reference      string           `json:"reference,omitempty"`
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	PhoneNumber    string           `json:"phoneNumber,omitempty"`
	ReceiptNumber  string           `json:"receiptNumber,omitempty"`
	StatusCode     string           `json:"statusCode,omitempty"`
	StatusMessage  string           `json:"statusMessage,omitempty"`
	Error          *ErrorInfo       `json:"error,omitempty"`
	ReceivedAt     time.Time        `json:"receivedAt"`
	Raw            map[string]any   `json:"rawPayload,omitempty"`
}

// Succeeded reports whether the event confirms money moved.
func (e Event) Succeeded() bool {
	return e.Type == EventPaymentComplete || e.Type == EventRefundComplete
}

// Parse decodes a raw JSON notification and normalizes it.
func Parse(body []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return Event{}, errors.NewValidationError("body", "invalid callback payload: "+err.Error())
	}
	return Normalize(payload), nil
}

const (
	insSuccess = "INS-0"
	reversal   = "reversal"
)

// Normalize maps one of the shapes a provider may emit onto an Event:
//
//   - output_ResponseCode (INS-0 is success)
//   - flat ResultCode (0 is success)
//   - the Daraja STK envelope Body.stkCallback
//
// Anything else yields EventUnknown.
func Normalize(payload map[string]any) Event {
	ev := Event{Type: EventUnknown, ReceivedAt: time.Now(), Raw: payload}

	if code := str(payload["output_ResponseCode"]); code != "" {
		ev.StatusCode = code
		ev.StatusMessage = str(payload["output_ResponseDesc"])
		ev.TransactionID = str(payload["output_TransactionID"])
		ev.ConversationID = str(payload["output_ConversationID"])
		ev.Reference = str(payload["output_ThirdPartyReference"])
		ev.resolve(code == insSuccess, EventPaymentComplete)
	}

	if rc, ok := payload["ResultCode"]; ok && rc != nil {
		ev.StatusCode = str(rc)
		ev.StatusMessage = str(payload["ResultDesc"])
		ev.TransactionID = str(payload["TransactionID"])
		ev.ConversationID = str(payload["ConversationID"])
		if ref := str(payload["ThirdPartyReference"]); ref != "" {
			ev.Reference = ref
		}
		success := ev.StatusCode == "0"
		if strings.EqualFold(str(payload["TransactionType"]), reversal) {
			if success {
				ev.Type = EventRefundComplete
			} else {
				ev.Error = &ErrorInfo{Code: ev.StatusCode, Message: ev.StatusMessage}
			}
		} else {
			ev.resolve(success, EventPaymentComplete)
		}
	}

	if stk := stkCallback(payload); stk != nil {
		ev.StatusCode = str(stk["ResultCode"])
		ev.StatusMessage = str(stk["ResultDesc"])
		ev.TransactionID = str(stk["CheckoutRequestID"])
		ev.ConversationID = str(stk["MerchantRequestID"])
		ev.applyMetadata(stk)
		ev.resolve(ev.StatusCode == "0", EventPaymentComplete)
	}

	return ev
}

func (e *Event) resolve(success bool, onSuccess EventType) {
	if success {
		e.Type = onSuccess
		e.Error = nil
		return
	}
	e.Type = EventPaymentFailed
	e.Error = &ErrorInfo{Code: e.StatusCode, Message: e.StatusMessage}
}

func stkCallback(payload map[string]any) map[string]any {
	body, ok := payload["Body"].(map[string]any)
	if !ok {
		return nil
	}
	stk, _ := body["stkCallback"].(map[string]any)
	return stk
}

func (e *Event) applyMetadata(stk map[string]any) {
	meta, ok := stk["CallbackMetadata"].(map[string]any)
	if !ok {
		return
	}
	items, _ := meta["Item"].([]any)
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		value := item["Value"]
		switch str(item["Name"]) {
		case "Amount":
			if d, err := decimal.NewFromString(str(value)); err == nil {
				e.Amount = &d
			}
		case "MpesaReceiptNumber":
			e.ReceiptNumber = str(value)
		case "PhoneNumber":
			e.PhoneNumber = str(value)
		}
	}
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return decimal.NewFromFloat(t).String()
	default:
		return fmt.Sprint(t)
	}
}
