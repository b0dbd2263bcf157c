package platform

import (
	"errors"
	"fmt"
)

// ResultCode is a platform-reported result. Values follow the platform's
// numbering; unknown values are preserved and classified as unrecognized.
type ResultCode int

const (
	ResultOK                    ResultCode = 1
	ResultFail                  ResultCode = 2
	ResultNoConnection          ResultCode = 3
	ResultInvalidPassword       ResultCode = 5
	ResultLoggedInElsewhere     ResultCode = 6
	ResultBusy                  ResultCode = 10
	ResultTimeout               ResultCode = 16
	ResultServiceUnavailable    ResultCode = 20
	ResultLogonSessionReplaced  ResultCode = 34
	ResultTryAnotherCM          ResultCode = 48
	ResultAccountLogonDenied    ResultCode = 63
	ResultInvalidLoginAuthCode  ResultCode = 65
	ResultRateLimitExceeded     ResultCode = 84
	ResultTwoFactorCodeMismatch ResultCode = 88
	ResultAccessDenied          ResultCode = 15
	ResultExpired               ResultCode = 27
	ResultAccountHasBeenDeleted ResultCode = 114
)

var resultNames = map[ResultCode]string{
	ResultOK:                    "OK",
	ResultFail:                  "Fail",
	ResultNoConnection:          "NoConnection",
	ResultInvalidPassword:       "InvalidPassword",
	ResultLoggedInElsewhere:     "LoggedInElsewhere",
	ResultBusy:                  "Busy",
	ResultAccessDenied:          "AccessDenied",
	ResultTimeout:               "Timeout",
	ResultServiceUnavailable:    "ServiceUnavailable",
	ResultExpired:               "Expired",
	ResultLogonSessionReplaced:  "LogonSessionReplaced",
	ResultTryAnotherCM:          "TryAnotherCM",
	ResultAccountLogonDenied:    "AccountLogonDenied",
	ResultInvalidLoginAuthCode:  "InvalidLoginAuthCode",
	ResultRateLimitExceeded:     "RateLimitExceeded",
	ResultTwoFactorCodeMismatch: "TwoFactorCodeMismatch",
	ResultAccountHasBeenDeleted: "AccountHasBeenDeleted",
}

func (c ResultCode) String() string {
	if n, ok := resultNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Result(%d)", int(c))
}

// KnownResultCodes lists every code with a name, in no particular order.
func KnownResultCodes() []ResultCode {
	codes := make([]ResultCode, 0, len(resultNames))
	for c := range resultNames {
		codes = append(codes, c)
	}
	return codes
}

// ResultError is returned synchronously by client calls the platform rejects.
type ResultError struct {
	Code    ResultCode
	Message string
}

func (e *ResultError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// CodeOf extracts the result code from err, or ResultFail.
func CodeOf(err error) ResultCode {
	var re *ResultError
	if errors.As(err, &re) {
		return re.Code
	}
	return ResultFail
}
