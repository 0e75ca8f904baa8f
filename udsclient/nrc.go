package udsclient

import "fmt"

// Negative response codes, ISO 14229-1 annex A.
const (
	NRCGeneralReject                          = 0x10
	NRCServiceNotSupported                    = 0x11
	NRCSubFunctionNotSupported                = 0x12
	NRCIncorrectMessageLength                 = 0x13
	NRCResponseTooLong                        = 0x14
	NRCBusyRepeatRequest                      = 0x21
	NRCConditionsNotCorrect                   = 0x22
	NRCRequestSequenceError                   = 0x24
	NRCNoResponseFromSubnetComponent          = 0x25
	NRCFailurePreventsExecution               = 0x26
	NRCRequestOutOfRange                      = 0x31
	NRCSecurityAccessDenied                   = 0x33
	NRCInvalidKey                             = 0x35
	NRCExceedNumberOfAttempts                 = 0x36
	NRCRequiredTimeDelayNotExpired            = 0x37
	NRCUploadDownloadNotAccepted              = 0x70
	NRCTransferDataSuspended                  = 0x71
	NRCGeneralProgrammingFailure              = 0x72
	NRCWrongBlockSequenceCounter              = 0x73
	NRCResponsePending                        = 0x78
	NRCSubFunctionNotSupportedInActiveSession = 0x7E
	NRCServiceNotSupportedInActiveSession     = 0x7F
	NRCVoltageTooHigh                         = 0x92
	NRCVoltageTooLow                          = 0x93
)

var nrcText = map[byte]string{
	NRCGeneralReject:                          "General reject",
	NRCServiceNotSupported:                    "Service not supported",
	NRCSubFunctionNotSupported:                "Sub-function not supported",
	NRCIncorrectMessageLength:                 "Incorrect message length or invalid format",
	NRCResponseTooLong:                        "Response too long",
	NRCBusyRepeatRequest:                      "Busy repeat request",
	NRCConditionsNotCorrect:                   "Conditions not correct",
	NRCRequestSequenceError:                   "Request sequence error",
	NRCNoResponseFromSubnetComponent:          "No response from subnet component",
	NRCFailurePreventsExecution:               "Failure prevents execution of requested action",
	NRCRequestOutOfRange:                      "Request out of range",
	NRCSecurityAccessDenied:                   "Security access denied",
	NRCInvalidKey:                             "Invalid key",
	NRCExceedNumberOfAttempts:                 "Exceeded number of security access attempts",
	NRCRequiredTimeDelayNotExpired:            "Required time delay not expired",
	NRCUploadDownloadNotAccepted:              "Upload/download not accepted",
	NRCTransferDataSuspended:                  "Transfer data suspended",
	NRCGeneralProgrammingFailure:              "General programming failure",
	NRCWrongBlockSequenceCounter:              "Wrong block sequence counter",
	NRCResponsePending:                        "Request correctly received, response pending",
	NRCSubFunctionNotSupportedInActiveSession: "Sub-function not supported in active session",
	NRCServiceNotSupportedInActiveSession:     "Service not supported in active session",
	NRCVoltageTooHigh:                         "Voltage too high",
	NRCVoltageTooLow:                          "Voltage too low",
}

// DecodeNRC converts a negative response code to text.
func DecodeNRC(code byte) string {
	if text, ok := nrcText[code]; ok {
		return text
	}
	return fmt.Sprintf("Negative response code %02X not found", code)
}

// NRCError is a negative response from the ECU.
type NRCError struct {
	SID  byte
	Code byte
	Text string
}

func newNRCError(sid, code byte) *NRCError {
	return &NRCError{SID: sid, Code: code, Text: DecodeNRC(code)}
}

func (e *NRCError) Error() string {
	return fmt.Sprintf("negative response to 0x%02X: 0x%02X %s", e.SID, e.Code, e.Text)
}

// IsRetryable reports whether repeating the request may succeed.
func (e *NRCError) IsRetryable() bool {
	return e.Code == NRCBusyRepeatRequest
}
