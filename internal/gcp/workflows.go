package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
)

// WorkflowTarget identifies a Cloud Workflow to hand results to.
type WorkflowTarget struct {
	ProjectID string
	Location  string
	Workflow  string
}

// Parent returns the fully qualified workflow resource name.
func (t WorkflowTarget) Parent() string {
	return fmt.Sprintf("projects/%s/locations/%s/workflows/%s", t.ProjectID, t.Location, t.Workflow)
}

// WorkflowTrigger starts executions of a single workflow.
type WorkflowTrigger struct {
	client *executions.Client
	target WorkflowTarget
}

// NewWorkflowTrigger creates an executions client bound to target.
func NewWorkflowTrigger(ctx context.Context, target WorkflowTarget) (*WorkflowTrigger, error) {
	if target.ProjectID == "" || target.Workflow == "" {
		return nil, fmt.Errorf("NewWorkflowTrigger: project and workflow must be set")
	}
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return &WorkflowTrigger{client: client, target: target}, nil
}

// Trigger starts a workflow execution with payload marshalled as its argument
// and returns the execution name.
func (w *WorkflowTrigger) Trigger(ctx context.Context, payload any) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	exec, err := w.client.CreateExecution(ctx, &executionspb.CreateExecutionRequest{
		Parent: w.target.Parent(),
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	return exec.GetName(), nil
}

func (w *WorkflowTrigger) Close() error {
	return w.client.Close()
}
