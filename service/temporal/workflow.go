package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/brojonat/txprompt/service/transfer"
)

var a *Activities // for type-safe activity invocation

// SubmitTransferWorkflow runs a single transfer attempt on a worker that
// holds the signing wallet.
//
// The activity is never retried: a broadcast transaction cannot be safely
// re-sent. An activity failure (timeout, worker crash) is folded into a
// network_failure result.
func SubmitTransferWorkflow(ctx workflow.Context, input SubmitTransferInput) (*SubmitTransferResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("SubmitTransferWorkflow started",
		"session_id", input.SessionID,
		"recipient", input.Descriptor.RecipientAddress,
	)

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var result *SubmitTransferResult
	err := workflow.ExecuteActivity(ctx, a.SubmitTransfer, input).Get(ctx, &result)
	if err != nil {
		logger.Error("transfer activity failed", "error", err)
		msg := fmt.Sprintf("transfer activity failed: %v", err)
		return &SubmitTransferResult{
			SessionID: input.SessionID,
			Result: transfer.Result{
				ErrorMessage: &msg,
				Kind:         transfer.KindNetworkFailure,
			},
			CompletedAt: workflow.Now(ctx),
		}, nil
	}

	logger.Info("SubmitTransferWorkflow completed",
		"session_id", input.SessionID,
		"success", result.Result.Success,
	)
	return result, nil
}
