package s3

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var (
	ErrInvalidConfig      = errors.New("s3: bucket and region are required")
	ErrInvalidSchedule    = errors.New("s3: invalid archive schedule")
	ErrHistorySourceNil   = errors.New("s3: history source is nil")
	ErrBucketNotFound     = errors.New("s3: bucket not found")
	ErrAccessDenied       = errors.New("s3: access denied")
	ErrServiceUnavailable = errors.New("s3: service unavailable")
	ErrOperationTimeout   = errors.New("s3: operation timed out")
	ErrOperationCanceled  = errors.New("s3: operation canceled")
	ErrHealthcheckFailed  = errors.New("s3: healthcheck failed")
)

// classifyError maps SDK errors to package errors. Unknown API errors keep their code.
func classifyError(err error, operation string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrOperationTimeout, operation)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s", ErrOperationCanceled, operation)
	}

	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, operation)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); code {
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("%w: %s", ErrAccessDenied, operation)
		case "NoSuchBucket", "NotFound":
			return fmt.Errorf("%w: %s", ErrBucketNotFound, operation)
		case "SlowDown", "ServiceUnavailable", "RequestTimeout":
			return fmt.Errorf("%w: %s", ErrServiceUnavailable, operation)
		default:
			return fmt.Errorf("%s failed (code: %s): %w", operation, code, err)
		}
	}

	return fmt.Errorf("%s failed: %w", operation, err)
}
