package dynamodb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wolfeidau/rosterd/internal/store"
)

// wrapAWSError tags throttling responses with store.ErrUnavailable so the
// reconciler's circuit breaker sees them as the same class of failure it
// would see from any other backend under load.
func wrapAWSError(err error, msg string) error {
	if err == nil {
		return nil
	}

	var provisionedErr *types.ProvisionedThroughputExceededException
	if errors.As(err, &provisionedErr) {
		return fmt.Errorf("%s: %w: %v", msg, store.ErrUnavailable, err)
	}

	errMsg := err.Error()
	if strings.Contains(errMsg, "ThrottlingException") ||
		strings.Contains(errMsg, "RequestLimitExceeded") ||
		strings.Contains(errMsg, "TooManyRequestsException") ||
		strings.Contains(errMsg, "Throttling") {
		return fmt.Errorf("%s: %w: %v", msg, store.ErrUnavailable, err)
	}

	return fmt.Errorf("%s: %w", msg, err)
}
