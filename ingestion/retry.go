package ingestion

import (
	"context"

	"github.com/cenkalti/backoff/v4"
)

// withRetryBudget retries fn with exponential backoff, bounded to budget
// retries after the first attempt, before giving up. This is the "retries with exponential
// backoff; fatal after persistent failure budget" contract for transient
// ProviderError/StoreError failures: only the final, budget-exhausted error
// ever escapes to the caller. A non-positive budget runs fn exactly once.
func withRetryBudget(ctx context.Context, budget int, fn func() error) error {
	if budget <= 0 {
		return fn()
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(budget)), ctx)
	return backoff.Retry(fn, policy)
}
