package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	temporalworker "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"example.com/tracker/internal/wire"
)

const (
	linkTaskQueue      = "collector-identify-task-queue"
	linkWorkflowName   = "collector.identify.link"
	upsertActivityName = "collector.identify.upsert"
)

// LeadLinker abstracts how an identify is turned into a lead. Production runs
// it as a Temporal workflow; without Temporal the same activity runs inline.
type LeadLinker interface {
	Link(ctx context.Context, input LinkInput) (LinkResult, error)
}

// LinkInput carries one identify into the workflow.
type LinkInput struct {
	SiteID     string       `json:"site_id"`
	VisitorID  string       `json:"visitor_id"`
	Email      string       `json:"email"`
	Profile    wire.Profile `json:"profile"`
	ReceivedAt time.Time    `json:"received_at"`
}

// LinkResult reports the stored lead.
type LinkResult struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	Created    bool   `json:"created"`
	Lead       Lead   `json:"lead"`
}

// NormalizeEmail is the lead key for an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// LinkActivities hosts the activity implementation shared by both linkers.
type LinkActivities struct {
	store  *Store
	logger *slog.Logger
}

func NewLinkActivities(store *Store, logger *slog.Logger) *LinkActivities {
	return &LinkActivities{store: store, logger: logger}
}

// UpsertLeadActivity stores the lead, links the visitor and stamps the
// visitor's latest campaign source as first-touch attribution.
func (a *LinkActivities) UpsertLeadActivity(ctx context.Context, input LinkInput) (LinkResult, error) {
	email := NormalizeEmail(input.Email)
	if input.SiteID == "" || email == "" {
		return LinkResult{}, temporal.NewNonRetryableApplicationError("site_id and email required", "InvalidIdentify", nil)
	}
	utm, _, err := a.store.LatestAttribution(ctx, input.SiteID, input.VisitorID)
	if err != nil {
		return LinkResult{}, err
	}
	created, err := a.store.UpsertLead(ctx, Lead{
		SiteID:    input.SiteID,
		Email:     email,
		FirstName: input.Profile.FirstName,
		LastName:  input.Profile.LastName,
		Company:   input.Profile.Company,
		Phone:     input.Profile.Phone,
		FullName:  input.Profile.FullName,
		UTMSource: utm,
		UpdatedAt: input.ReceivedAt,
	}, input.VisitorID)
	if err != nil {
		a.logger.Error("activity upsert lead failed", "site_id", input.SiteID, "visitor_id", input.VisitorID, "error", err)
		return LinkResult{}, err
	}
	lead, err := a.store.GetLead(ctx, input.SiteID, email)
	if err != nil {
		return LinkResult{}, err
	}
	a.logger.Info("activity upsert lead", "site_id", input.SiteID, "visitor_id", input.VisitorID, "created", created, "visitors", len(lead.Visitors))
	return LinkResult{Created: created, Lead: lead}, nil
}

// LinkLeadWorkflow runs the upsert activity with retries.
func LinkLeadWorkflow(ctx workflow.Context, input LinkInput) (LinkResult, error) {
	logger := workflow.GetLogger(ctx)
	if input.SiteID == "" || input.Email == "" {
		return LinkResult{}, errors.New("site_id and email required")
	}
	options := workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:        5,
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        30 * time.Second,
			NonRetryableErrorTypes: []string{"InvalidIdentify"},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, options)

	logger.Info("link workflow started", "site_id", input.SiteID, "visitor_id", input.VisitorID)
	var result LinkResult
	if err := workflow.ExecuteActivity(ctx, upsertActivityName, input).Get(ctx, &result); err != nil {
		logger.Error("upsert activity failed", "error", err)
		return result, err
	}
	logger.Info("link workflow finished", "site_id", input.SiteID, "visitor_id", input.VisitorID, "created", result.Created)
	return result, nil
}

// RegisterLinkWorker wires up the Temporal worker consuming the identify task queue.
func RegisterLinkWorker(c client.Client, store *Store, logger *slog.Logger) temporalworker.Worker {
	w := temporalworker.New(c, linkTaskQueue, temporalworker.Options{})
	w.RegisterWorkflowWithOptions(LinkLeadWorkflow, workflow.RegisterOptions{Name: linkWorkflowName})
	activities := NewLinkActivities(store, logger.With("component", "identify.activities"))
	w.RegisterActivityWithOptions(activities.UpsertLeadActivity, activity.RegisterOptions{Name: upsertActivityName})
	return w
}

// TemporalLinker starts link workflows through the Temporal client.
type TemporalLinker struct {
	client client.Client
	logger *slog.Logger
}

func NewTemporalLinker(c client.Client, logger *slog.Logger) *TemporalLinker {
	return &TemporalLinker{client: c, logger: logger.With("component", "identify.linker")}
}

// Link runs one workflow per identify and waits for it. Identifies for the
// same lead share a workflow id prefix so they are easy to find in the UI.
func (l *TemporalLinker) Link(ctx context.Context, input LinkInput) (LinkResult, error) {
	workflowID := fmt.Sprintf("identify-%s-%s-%d", input.SiteID, leadDigest(input.Email), time.Now().UnixNano())
	options := client.StartWorkflowOptions{
		ID:                       workflowID,
		TaskQueue:                linkTaskQueue,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionTimeout: 5 * time.Minute,
	}
	we, err := l.client.ExecuteWorkflow(ctx, options, linkWorkflowName, input)
	if err != nil {
		l.logger.Error("start workflow failed", "site_id", input.SiteID, "error", err)
		return LinkResult{}, err
	}
	var result LinkResult
	err = we.Get(ctx, &result)
	result.WorkflowID = we.GetID()
	result.RunID = we.GetRunID()
	if err != nil {
		l.logger.Error("wait workflow failed", "workflow_id", result.WorkflowID, "error", err)
		return result, err
	}
	l.logger.Info("workflow completed", "workflow_id", result.WorkflowID, "run_id", result.RunID, "site_id", input.SiteID, "created", result.Created)
	return result, nil
}

// InlineLinker runs the activity directly, for setups without Temporal.
type InlineLinker struct {
	activities *LinkActivities
}

func NewInlineLinker(store *Store, logger *slog.Logger) *InlineLinker {
	return &InlineLinker{activities: NewLinkActivities(store, logger.With("component", "identify.inline"))}
}

func (l *InlineLinker) Link(ctx context.Context, input LinkInput) (LinkResult, error) {
	return l.activities.UpsertLeadActivity(ctx, input)
}

// LinkTaskQueue exposes the queue name so callers can reference it in metrics/tests.
func LinkTaskQueue() string {
	return linkTaskQueue
}

// leadDigest keeps raw addresses out of workflow ids.
func leadDigest(email string) string {
	sum := sha256.Sum256([]byte(NormalizeEmail(email)))
	return hex.EncodeToString(sum[:6])
}
