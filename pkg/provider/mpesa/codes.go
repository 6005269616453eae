package mpesa

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Daraja result codes.
const (
	ResultSuccess           = "0"
	ResultInsufficientFunds = "1"
	ResultExpired           = "1019"
	ResultPushError         = "1025"
	ResultCancelledByUser   = "1032"
	ResultUnreachable       = "1037"
	ResultWrongPIN          = "2001"
	ResultSystemError       = "9999"

	// errorInProcess is returned by the STK query while the customer has
	// not answered yet.
	errorInProcess = "500.001.1001"
)

var resultMessages = map[string]string{
	ResultSuccess:           "The service request is processed successfully",
	ResultInsufficientFunds: "The balance is insufficient for the transaction",
	ResultExpired:           "Transaction has expired",
	ResultPushError:         "An error occurred while sending a push request",
	ResultCancelledByUser:   "Request cancelled by user",
	ResultUnreachable:       "DS timeout user cannot be reached",
	ResultWrongPIN:          "The initiator information is invalid",
	ResultSystemError:       "An error occurred while sending a push request",
}

// Describe returns the documented meaning of a result code.
func Describe(resultCode string) string {
	if msg, ok := resultMessages[resultCode]; ok {
		return msg
	}
	return "Unknown result code " + resultCode
}

// code decodes Daraja fields that arrive as either JSON strings or numbers.
type code string

func (c *code) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*c = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = code(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*c = code(strconv.FormatInt(i, 10))
		return nil
	}
	*c = code(n.String())
	return nil
}
