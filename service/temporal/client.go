package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"

	"github.com/brojonat/txprompt/service/metrics"
	"github.com/brojonat/txprompt/service/transfer"
)

const workflowName = "SubmitTransferWorkflow"

// Client starts and inspects transfer workflows.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return NewClientFromSDK(c, taskQueue, logger), nil
}

// NewClientFromSDK wraps an existing SDK client.
func NewClientFromSDK(c client.Client, taskQueue string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}
}

// ExecuteTransfer starts a transfer workflow and waits for its result.
func (c *Client) ExecuteTransfer(ctx context.Context, input SubmitTransferInput) (*SubmitTransferResult, error) {
	options := client.StartWorkflowOptions{
		ID:        transferWorkflowID(input.SessionID),
		TaskQueue: c.taskQueue,
	}

	run, err := c.client.ExecuteWorkflow(ctx, options, SubmitTransferWorkflow, input)
	if err != nil {
		return nil, fmt.Errorf("failed to start transfer workflow: %w", err)
	}

	c.logger.DebugContext(ctx, "started transfer workflow",
		"workflow_id", run.GetID(),
		"session_id", input.SessionID,
	)

	var result *SubmitTransferResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("transfer workflow %s failed: %w", run.GetID(), err)
	}
	if result == nil {
		return nil, fmt.Errorf("transfer workflow %s returned no result", run.GetID())
	}
	return result, nil
}

// GetTransferResult waits for an existing transfer workflow and returns its result.
func (c *Client) GetTransferResult(ctx context.Context, workflowID string) (*SubmitTransferResult, error) {
	var result *SubmitTransferResult
	if err := c.client.GetWorkflow(ctx, workflowID, "").Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("failed to get workflow %s: %w", workflowID, err)
	}
	return result, nil
}

// DescribeTransfer returns the execution status of a transfer workflow, e.g. "Completed".
func (c *Client) DescribeTransfer(ctx context.Context, workflowID string) (string, error) {
	resp, err := c.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return "", fmt.Errorf("failed to describe workflow %s: %w", workflowID, err)
	}
	return resp.GetWorkflowExecutionInfo().GetStatus().String(), nil
}

// TaskQueue returns the task queue workflows are started on.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the connection to Temporal.
func (c *Client) Close() {
	c.client.Close()
}

func transferWorkflowID(sessionID string) string {
	if sessionID == "" {
		return "transfer-" + uuid.NewString()
	}
	return fmt.Sprintf("transfer-%s-%s", sessionID, uuid.NewString())
}

// RemoteSubmitter hands transfers to a worker through Temporal. It lets the
// HTTP server run without a signing key.
type RemoteSubmitter struct {
	client  *Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRemoteSubmitter creates a RemoteSubmitter.
// If metrics is nil, no metrics will be recorded.
func NewRemoteSubmitter(c *Client, m *metrics.Metrics, logger *slog.Logger) *RemoteSubmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteSubmitter{
		client:  c,
		metrics: m,
		logger:  logger.With("component", "remote_submitter"),
	}
}

// Submit runs one transfer on a worker. Workflow errors become network_failure results.
func (r *RemoteSubmitter) Submit(ctx context.Context, d transfer.Descriptor) transfer.Result {
	return r.SubmitForSession(ctx, "", d)
}

// SubmitForSession is Submit with the session id recorded on the workflow.
func (r *RemoteSubmitter) SubmitForSession(ctx context.Context, sessionID string, d transfer.Descriptor) transfer.Result {
	status := "error"
	defer metrics.Timer(time.Now(), func(duration float64) {
		if r.metrics != nil {
			r.metrics.RecordWorkflowDuration(workflowName, status, duration)
		}
	})()

	out, err := r.client.ExecuteTransfer(ctx, SubmitTransferInput{SessionID: sessionID, Descriptor: d})
	if err != nil {
		r.logger.ErrorContext(ctx, "remote transfer failed", "session_id", sessionID, "error", err)
		msg := err.Error()
		return transfer.Result{ErrorMessage: &msg, Kind: transfer.KindNetworkFailure}
	}

	status = "success"
	if !out.Result.Success {
		status = "failed"
	}
	return out.Result
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
