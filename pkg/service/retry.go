package service

import (
	"context"

	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/models"
)

// RetryController runs a step up to retry_count+1 times with a fixed delay
// between attempts.
type RetryController struct {
	dispatcher *Dispatcher
	logger     Logger
}

func NewRetryController(dispatcher *Dispatcher, logger Logger) *RetryController {
	return &RetryController{dispatcher: dispatcher, logger: logger}
}

// Run returns the successful outcome and the number of attempts used. Engine
// level errors come back unwrapped after the first attempt; exhausting the
// attempts yields a *StepExecutionError.
func (rc *RetryController) Run(ctx context.Context, step models.StepSpec, scope map[string]any) (Outcome, int, error) {
	var (
		outcome Outcome
		lastErr error
	)
	maxAttempts := step.RetryCount + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome, lastErr = rc.dispatcher.Dispatch(ctx, step, scope)
		if lastErr == nil {
			return outcome, attempt, nil
		}
		if engineLevel(lastErr) {
			return outcome, attempt, lastErr
		}
		if attempt == maxAttempts {
			break
		}
		rc.logger.Infof("Retrying step %s (attempt %d/%d): %v", step.Name, attempt, maxAttempts, lastErr)
		if err := sleep(ctx, step.RetryDelay.Std()); err != nil {
			return outcome, attempt, &StepExecutionError{Step: step.Name, Attempts: attempt, Err: lastErr}
		}
	}
	rc.logger.Errorf("Step %s failed after %d attempt(s): %v", step.Name, maxAttempts, lastErr)
	return outcome, maxAttempts, &StepExecutionError{Step: step.Name, Attempts: maxAttempts, Err: lastErr}
}
