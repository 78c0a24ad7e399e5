package common

import (
	"errors"

	"github.com/aws/smithy-go"
)

// throttleCodes are the API error codes AWS services use for rate limiting.
var throttleCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestLimitExceeded":                   true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"SlowDown":                               true,
	"RequestLimitExceededException":          true,
}

// ErrorCode returns the AWS API error code carried by err, or "" when err is
// not an API error (network failure, context cancellation, ...).
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsThrottle reports whether err is an AWS rate-limiting response.
func IsThrottle(err error) bool {
	return throttleCodes[ErrorCode(err)]
}

// HasCode reports whether err is an AWS API error with one of codes.
func HasCode(err error, codes ...string) bool {
	code := ErrorCode(err)
	if code == "" {
		return false
	}
	for _, c := range codes {
		if code == c {
			return true
		}
	}
	return false
}
