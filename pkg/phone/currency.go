package phone

// Currency describes a supported settlement currency.
type Currency struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
	Country string `json:"country"`
}

var Currencies = map[string]Currency{
	"KES": {Code: "KES", Name: "Kenyan Shilling", Symbol: "KSh", Country: "KE"},
	"TZS": {Code: "TZS", Name: "Tanzanian Shilling", Symbol: "TSh", Country: "TZ"},
	"UGX": {Code: "UGX", Name: "Ugandan Shilling", Symbol: "USh", Country: "UG"},
	"MZN": {Code: "MZN", Name: "Mozambican Metical", Symbol: "MT", Country: "MZ"},
	"PKR": {Code: "PKR", Name: "Pakistani Rupee", Symbol: "₨", Country: "PK"},
}

// CountryForCurrency returns the region a currency settles in.
func CountryForCurrency(code string) (string, bool) {
	c, ok := Currencies[code]
	if !ok {
		return "", false
	}
	return c.Country, true
}
