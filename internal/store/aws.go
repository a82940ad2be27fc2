package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// SQS service limits
const (
	sqsMaxMessages       = 10
	sqsMaxWaitSeconds    = 20
	sqsMaxVisibilitySecs = 43200 // 12 hours
)

// wrapAWSError wraps AWS SDK errors, identifying throttling errors
// Returns ErrThrottled for throttling errors, otherwise wraps the original error
func wrapAWSError(err error, msg string) error {
	if err == nil {
		return nil
	}

	var provisionedErr *types.ProvisionedThroughputExceededException
	if errors.As(err, &provisionedErr) {
		return fmt.Errorf("%s: %w: %v", msg, ErrThrottled, err)
	}

	// SQS and the request limit errors are not typed in SDK v2
	errMsg := err.Error()
	if strings.Contains(errMsg, "ThrottlingException") ||
		strings.Contains(errMsg, "RequestLimitExceeded") ||
		strings.Contains(errMsg, "TooManyRequestsException") ||
		strings.Contains(errMsg, "Throttling") {
		return fmt.Errorf("%s: %w: %v", msg, ErrThrottled, err)
	}

	return fmt.Errorf("%s: %w", msg, err)
}
