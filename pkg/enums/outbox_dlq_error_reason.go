package enums

import "fmt"

type DLQErrorReason string

const (
	DLQReasonMaxAttempts  DLQErrorReason = "max_attempts"
	DLQReasonNonRetryable DLQErrorReason = "non_retryable"
)

var validDLQErrorReasons = []DLQErrorReason{
	DLQReasonMaxAttempts,
	DLQReasonNonRetryable,
}

func (r DLQErrorReason) IsValid() bool {
	for _, candidate := range validDLQErrorReasons {
		if candidate == r {
			return true
		}
	}
	return false
}

func ParseDLQErrorReason(value string) (DLQErrorReason, error) {
	for _, candidate := range validDLQErrorReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid dlq error reason %q", value)
}
