package gateway

// ResponseCode describes a processor response code
type ResponseCode struct {
	Code        string
	Display     string
	Description string
	Approved    bool
	// SystemError codes mean the processor gave no answer; they surface as errors, not declines.
	SystemError bool
}

var responseCodes = map[string]ResponseCode{
	"00": {Code: "00", Display: "APPROVAL", Description: "Transaction approved", Approved: true},
	"05": {Code: "05", Display: "DO NOT HONOR", Description: "Issuer declined the transaction"},
	"14": {Code: "14", Display: "INVALID ACCT", Description: "Invalid card number"},
	"51": {Code: "51", Display: "INSUFF FUNDS", Description: "Insufficient funds in account"},
	"54": {Code: "54", Display: "EXP CARD", Description: "Expired card"},
	"82": {Code: "82", Display: "CVV ERROR", Description: "CVV verification failed"},
	"96": {Code: "96", Display: "SYSTEM ERROR", Description: "Processor system error", SystemError: true},
}

// LookupResponseCode returns the description of code. Unknown codes are declines.
func LookupResponseCode(code string) ResponseCode {
	if rc, ok := responseCodes[code]; ok {
		return rc
	}
	return ResponseCode{Code: code, Display: "UNKNOWN", Description: "Unknown response code"}
}
