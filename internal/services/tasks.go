package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/backend/internal/models"
	"github.com/agentmarket/backend/internal/repository"
)

// DefaultAutoApproveAfter is how long a buyer has to review a submission.
const DefaultAutoApproveAfter = 24 * time.Hour

// overdueBatch is replaced in tests.
var overdueBatch = 100

// TaskService drives the task lifecycle. Each operation runs in one
// transaction; notices are sent after it commits.
type TaskService struct {
	DB               TxBeginner
	Tasks            TaskStore
	Agents           AgentStore
	Disputes         DisputeStore
	Escrow           *EscrowService
	Matcher          *Matcher
	Notifier         Notifier
	AutoApproveAfter time.Duration
	Logger           *slog.Logger

	now func() time.Time
}

func NewTaskService(db TxBeginner, tasks TaskStore, agents AgentStore, disputes DisputeStore, escrow *EscrowService, matcher *Matcher, notifier Notifier, logger *slog.Logger) *TaskService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskService{
		DB:               db,
		Tasks:            tasks,
		Agents:           agents,
		Disputes:         disputes,
		Escrow:           escrow,
		Matcher:          matcher,
		Notifier:         notifier,
		AutoApproveAfter: DefaultAutoApproveAfter,
		Logger:           logger,
		now:              utcNow,
	}
}

// CreateTaskInput is a buyer's new task.
type CreateTaskInput struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Tags        []string        `json:"tags"`
	MaxBudget   decimal.Decimal `json:"max_budget"`
	Urgency     string          `json:"urgency"`
	AutoAssign  bool            `json:"auto_assign"`
}

// ApplyResult reports an application and, when the task auto-assigns, the
// assignment it produced.
type ApplyResult struct {
	Application  *models.Application `json:"application"`
	Assignment   *models.Assignment  `json:"assignment,omitempty"`
	AutoAssigned bool                `json:"auto_assigned"`
}

// ApproveResult is an approved task and how its payment was split.
type ApproveResult struct {
	Task       *models.Task `json:"task"`
	Settlement Settlement   `json:"settlement"`
}

func transition(t *models.Task, to string) error {
	if !models.CanTransition(t.Status, to) {
		return conflictf("Task cannot move from %s to %s", t.Status, to)
	}
	t.Status = to
	return nil
}

func ref(t *models.Task) models.Reference {
	return models.Reference{Type: models.RefTask, ID: t.ID, Description: "task: " + t.Title}
}

func (s *TaskService) lockTask(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	t, err := s.Tasks.LockTask(ctx, tx, id)
	if err != nil {
		return nil, missing(err, "Task not found")
	}
	return t, nil
}

// assignment returns the task's assignment or nil when it has none.
func (s *TaskService) assignment(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (*models.Assignment, error) {
	a, err := s.Tasks.GetAssignment(ctx, tx, taskID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func (in *CreateTaskInput) validate() error {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	if in.Title == "" || in.Description == "" {
		return validationf("Missing required fields: title, description, max_budget")
	}
	if !in.MaxBudget.IsPositive() {
		return validationf("max_budget must be greater than 0")
	}
	if !in.MaxBudget.Equal(in.MaxBudget.Round(2)) {
		return validationf("max_budget must have at most 2 decimal places")
	}
	switch in.Urgency {
	case "":
		in.Urgency = models.UrgencyNormal
	case models.UrgencyNormal, models.UrgencyUrgent:
	default:
		return validationf("urgency must be normal or urgent")
	}
	in.Tags = models.NormalizeTags(in.Tags)
	return nil
}

// Create opens a task and stores the best-matching agents as suggestions.
// A task with at least one suggestion starts in matching.
func (s *TaskService) Create(ctx context.Context, buyerID uuid.UUID, in CreateTaskInput) (*models.Task, []Match, error) {
	if err := in.validate(); err != nil {
		return nil, nil, err
	}
	t := &models.Task{
		ID:          uuid.New(),
		BuyerID:     buyerID,
		Title:       in.Title,
		Description: in.Description,
		Tags:        in.Tags,
		MaxBudget:   in.MaxBudget,
		Urgency:     in.Urgency,
		AutoAssign:  in.AutoAssign,
		Status:      models.TaskStatusOpen,
	}

	matches, err := s.Matcher.Suggest(ctx, t, SuggestionCount)
	if err != nil {
		return nil, nil, fmt.Errorf("suggest agents: %w", err)
	}

	var out outbox
	err = inTx(ctx, s.DB, func(tx pgx.Tx) error {
		if err := s.Tasks.CreateTask(ctx, tx, t); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if len(matches) == 0 {
			return nil
		}
		sugg := make([]models.Suggestion, len(matches))
		for i, m := range matches {
			sugg[i] = models.Suggestion{TaskID: t.ID, AgentID: m.AgentID, MatchScore: m.MatchScore, PriceEstimate: m.PriceEstimate}
			if m.SellerID != buyerID {
				out.add(m.SellerID, models.EventTaskCreated, fmt.Sprintf("New task matching your agent: %s", t.Title), ref(t),
					map[string]any{"task_id": t.ID, "agent_id": m.AgentID, "match_score": m.MatchScore})
			}
		}
		if err := s.Tasks.SaveSuggestions(ctx, tx, sugg); err != nil {
			return fmt.Errorf("save suggestions: %w", err)
		}
		if err := transition(t, models.TaskStatusMatching); err != nil {
			return err
		}
		return s.Tasks.UpdateTask(ctx, tx, t)
	})
	if err != nil {
		return nil, nil, err
	}
	out.flush(ctx, s.Notifier)
	return t, matches, nil
}

// ---------------------------------------------------------------------------
// Assignment: Apply, Select, Assign
// ---------------------------------------------------------------------------

// Apply records an agent's bid. When the task auto-assigns, the same
// transaction locks escrow at the bid and assigns the agent.
func (s *TaskService) Apply(ctx context.Context, agent *models.Agent, taskID uuid.UUID, bid decimal.Decimal, message string) (*ApplyResult, error) {
	if !bid.IsPositive() || !bid.Equal(bid.Round(2)) {
		return nil, validationf("Invalid bid amount")
	}
	if !agent.IsActive() {
		return nil, forbiddenf("Agent is not active")
	}

	var (
		res = &ApplyResult{}
		out outbox
	)
	err := inTx(ctx, s.DB, func(tx pgx.Tx) error {
		t, err := s.lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if !models.IsAssignable(t.Status) {
			return conflictf("Task is not available for applications")
		}
		a, err := s.assignment(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if a != nil {
			return conflictf("Task already assigned to another agent")
		}
		if agent.SellerID == t.BuyerID {
			return &Error{Kind: ErrSelfDealing, Msg: "You cannot apply to your own task"}
		}
		if bid.GreaterThan(t.MaxBudget) {
			return validationf("Bid exceeds maximum budget of %s", t.MaxBudget.StringFixed(2))
		}

		app := &models.Application{
			ID:        uuid.New(),
			TaskID:    t.ID,
			AgentID:   agent.ID,
			BidAmount: bid,
			Message:   message,
			Status:    models.ApplicationPending,
		}
		if err := s.Tasks.CreateApplication(ctx, tx, app); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return conflictf("You have already applied to this task")
			}
			return fmt.Errorf("create application: %w", err)
		}
		res.Application = app
		out.add(t.BuyerID, models.EventApplicationReceived,
			fmt.Sprintf("Agent %s applied to your task %q with a bid of $%s", agent.Name, t.Title, bid.StringFixed(2)), ref(t),
			map[string]any{"task_id": t.ID, "application_id": app.ID, "agent_id": agent.ID, "bid_amount": bid})

		if !t.AutoAssign {
			return nil
		}
		asg, err := s.assignLocked(ctx, tx, t, agent, bid, app)
		if err != nil {
			return err
		}
		res.Assignment, res.AutoAssigned = asg, true
		out.add(t.BuyerID, models.EventTaskAssigned,
			fmt.Sprintf("Agent %s has been auto-assigned to your task: %s. Price: $%s", agent.Name, t.Title, bid.StringFixed(2)), ref(t),
			map[string]any{"task_id": t.ID, "assignment_id": asg.ID, "agent_id": agent.ID, "agreed_price": bid})
		out.addSeller(agent, models.EventTaskAssigned,
			fmt.Sprintf("Your agent %s was assigned to task: %s", agent.Name, t.Title), ref(t),
			map[string]any{"task_id": t.ID, "assignment_id": asg.ID, "agreed_price": bid})
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.flush(ctx, s.Notifier)
	return res, nil
}

// Select assigns the agent behind a pending application at its bid.
func (s *TaskService) Select(ctx context.Context, buyerID, taskID, applicationID uuid.UUID) (*models.Assignment, error) {
	var (
		asg *models.Assignment
		out outbox
	)
	err := inTx(ctx, s.DB, func(tx pgx.Tx) error {
		t, err := s.lockAssignable(ctx, tx, buyerID, taskID, "Only the task buyer can select an agent")
		if err != nil {
			return err
		}
		app, err := s.Tasks.GetApplication(ctx, tx, applicationID)
		if err != nil {
			return missing(err, "Application not found")
		}
		if app.TaskID != t.ID {
			return validationf("Application does not belong to this task")
		}
		if app.Status != models.ApplicationPending {
			return conflictf("Application is no longer available")
		}
		agent, err := s.Agents.GetAgent(ctx, tx, app.AgentID)
		if err != nil {
			return missing(err, "Agent not found")
		}
		if asg, err = s.assignLocked(ctx, tx, t, agent, app.BidAmount, app); err != nil {
			return err
		}
		out.addSeller(agent, models.EventTaskAssigned,
			fmt.Sprintf("Your application for task %q has been accepted! Price: $%s", t.Title, app.BidAmount.StringFixed(2)), ref(t),
			map[string]any{"task_id": t.ID, "assignment_id": asg.ID, "agent_id": agent.ID, "agreed_price": app.BidAmount})
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.flush(ctx, s.Notifier)
	return asg, nil
}

// Assign hires an agent directly at its base price.
func (s *TaskService) Assign(ctx context.Context, buyerID, taskID, agentID uuid.UUID) (*models.Assignment, error) {
	var (
		asg *models.Assignment
		out outbox
	)
	err := inTx(ctx, s.DB, func(tx pgx.Tx) error {
		t, err := s.lockAssignable(ctx, tx, buyerID, taskID, "You can only assign your own tasks")
		if err != nil {
			return err
		}
		agent, err := s.Agents.GetAgent(ctx, tx, agentID)
		if err != nil {
			return missing(err, "Agent not found")
		}
		if !agent.IsActive() {
			return conflictf("Agent is not active")
		}
		if !agent.BasePrice.IsPositive() {
			return validationf("Agent has no base price")
		}
		if asg, err = s.assignLocked(ctx, tx, t, agent, agent.BasePrice, nil); err != nil {
			return err
		}
		out.addSeller(agent, models.EventTaskAssigned,
			fmt.Sprintf("Your agent %s was assigned to task: %s. Price: $%s", agent.Name, t.Title, agent.BasePrice.StringFixed(2)), ref(t),
			map[string]any{"task_id": t.ID, "assignment_id": asg.ID, "agent_id": agent.ID, "agreed_price": agent.BasePrice})
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.flush(ctx, s.Notifier)
	return asg, nil
}

// lockAssignable locks a task the buyer owns that can still take an assignment.
func (s *TaskService) lockAssignable(ctx context.Context, tx pgx.Tx, buyerID, taskID uuid.UUID, notOwner string) (*models.Task, error) {
	t, err := s.lockTask(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if t.BuyerID != buyerID {
		return nil, forbiddenf("%s", notOwner)
	}
	a, err := s.assignment(ctx, tx, t.ID)
	if err != nil {
		return nil, err
	}
	if a != nil {
		return nil, conflictf("Task is already assigned")
	}
	if !models.IsAssignable(t.Status) {
		return nil, conflictf("Task is not available for assignment")
	}
	return t, nil
}

// assignLocked locks escrow at price and assigns agent to the locked task t.
// app is the accepted application, nil for a direct assignment.
func (s *TaskService) assignLocked(ctx context.Context, tx pgx.Tx, t *models.Task, agent *models.Agent, price decimal.Decimal, app *models.Application) (*models.Assignment, error) {
	if agent.SellerID == t.BuyerID {
		return nil, &Error{Kind: ErrSelfDealing, Msg: "You cannot assign a task to your own agent"}
	}
	if _, err := s.Escrow.Lock(ctx, tx, t.BuyerID, price, ref(t)); err != nil {
		return nil, err
	}

	now := s.now()
	asg := &models.Assignment{
		ID:          uuid.New(),
		TaskID:      t.ID,
		AgentID:     agent.ID,
		AgreedPrice: price,
		Status:      models.AssignmentAssigned,
	}
	if err := s.Tasks.CreateAssignment(ctx, tx, asg); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, conflictf("Task is already assigned")
		}
		return nil, fmt.Errorf("create assignment: %w", err)
	}
	if err := transition(t, models.TaskStatusAssigned); err != nil {
		return nil, err
	}
	t.AssignedAt = &now
	if err := s.Tasks.UpdateTask(ctx, tx, t); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	except := uuid.Nil
	if app != nil {
		except = app.ID
		if err := s.Tasks.SetApplicationStatus(ctx, tx, app.ID, models.ApplicationAccepted); err != nil {
			return nil, fmt.Errorf("accept application: %w", err)
		}
		app.Status = models.ApplicationAccepted
	}
	if err := s.Tasks.RejectPendingApplications(ctx, tx, t.ID, except); err != nil {
		return nil, fmt.Errorf("reject applications: %w", err)
	}
	return asg, nil
}

// ---------------------------------------------------------------------------
// Work: Start, Submit
// ---------------------------------------------------------------------------

// lockForAgent locks the task and its assignment and checks that agent holds it.
func (s *TaskService) lockForAgent(ctx context.Context, tx pgx.Tx, agent *models.Agent, taskID uuid.UUID) (*models.Task, *models.Assignment, error) {
	t, err := s.lockTask(ctx, tx, taskID)
	if err != nil {
		return nil, nil, err
	}
	a, err := s.assignment(ctx, tx, t.ID)
	if err != nil {
		return nil, nil, err
	}
	if a == nil || a.AgentID != agent.ID {
		return nil, nil, forbiddenf("You are not assigned to this task")
	}
	return t, a, nil
}

// Start moves an assigned task into progress.
func (s *TaskService) Start(ctx context.Context, agent *models.Agent, taskID uuid.UUID) (*models.Task, error) {
	var t *models.Task
	err := inTx(ctx, s.DB, func(tx pgx.Tx) error {
		var (
			a   *models.Assignment
			err error
		)
		if t, a, err = s.lockForAgent(ctx, tx, agent, taskID); err != nil {
			return err
		}
		if err := transition(t, models.TaskStatusInProgress); err != nil {
			return err
		}
		now := s.now()
		a.Status, a.StartedAt = models.AssignmentInProgress, &now
		if err := s.Tasks.UpdateAssignment(ctx, tx, a); err != nil {
			return fmt.Errorf("update assignment: %w", err)
		}
		return s.Tasks.UpdateTask(ctx, tx, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Submit stores the agent's result and starts the buyer's review window.
func (s *TaskService) Submit(ctx context.Context, agent *models.Agent, taskID uuid.UUID, text string, files []string) (*models.TaskResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, validationf("result_text is required")
	}
	if files == nil {
		files = []string{}
	}

	var (
		res *models.TaskResult
		out outbox
	)
	err := inTx(ctx, s.DB, func(tx pgx.Tx) error {
		t, a, err := s.lockForAgent(ctx, tx, agent, taskID)
		if err != nil {
			return err
		}
		if t.Status != models.TaskStatusAssigned && t.Status != models.TaskStatusInProgress {
			return conflictf("Task is not in a state that accepts submissions")
		}
		res = &models.TaskResult{ID: uuid.New(), TaskID: t.ID, AgentID: agent.ID, ResultText: text, ResultFiles: files}
		if err := s.Tasks.CreateResult(ctx, tx, res); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return conflictf("Task already has a submission")
			}
			return fmt.Errorf("create result: %w", err)
		}

		if err := transition(t, models.TaskStatusCompleted); err != nil {
			return err
		}
		now := s.now()
		due := now.Add(s.AutoApproveAfter)
		t.CompletedAt, t.AutoApproveAt = &now, &due
		a.Status, a.CompletedAt = models.AssignmentCompleted, &now
		if err := s.Tasks.UpdateAssignment(ctx, tx, a); err != nil {
			return fmt.Errorf("update assignment: %w", err)
		}
		if err := s.Tasks.UpdateTask(ctx, tx, t); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		out.add(t.BuyerID, models.EventTaskCompleted,
			fmt.Sprintf("Agent %s submitted results for task: %s", agent.Name, t.Title), ref(t),
			map[string]any{"task_id": t.ID, "result_id": res.ID, "auto_approve_at": due})
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.flush(ctx, s.Notifier)
	return res, nil
}

// ---------------------------------------------------------------------------
// Settlement: Approve, ApproveOverdue, OpenDispute, Cancel
// ---------------------------------------------------------------------------

// Approve releases the agreed price to the seller, net of the platform fee.
func (s *TaskService) Approve(ctx context.Context, buyerID, taskID uuid.UUID) (*ApproveResult, error) {
	return s.approve(ctx, taskID, func(t *models.Task) error {
		if t.BuyerID != buyerID {
			return forbiddenf("You can only approve your own tasks")
		}
		return nil
	})
}

// ApproveOverdue approves every completed task whose review window closed at
// or before now, earliest deadline first. Failures are logged per task and
// skipped for the rest of the sweep so later tasks are still reached.
func (s *TaskService) ApproveOverdue(ctx context.Context, now time.Time) (int, error) {
	var failed []uuid.UUID
	approved := 0
	for {
		if err := ctx.Err(); err != nil {
			return approved, err
		}
		ids, err := s.Tasks.ListOverdue(ctx, now, failed, overdueBatch)
		if err != nil {
			return approved, fmt.Errorf("list overdue tasks: %w", err)
		}
		if len(ids) == 0 {
			return approved, nil
		}
		for _, id := range ids {
			_, err := s.approve(ctx, id, func(t *models.Task) error {
				if t.AutoApproveAt == nil || t.AutoApproveAt.After(now) {
					return conflictf("Task is not due for auto-approval")
				}
				return nil
			})
			if err != nil {
				s.Logger.Warn("auto-approve failed", "task_id", id, "error", err)
				failed = append(failed, id)
				continue
			}
			s.Logger.Info("task auto-approved", "task_id", id)
			approved++
		}
	}
}

func (s *TaskService) approve(ctx context.Context, taskID uuid.UUID, check func(*models.Task) error) (*ApproveResult, error) {
	var (
		res *ApproveResult
		out outbox
	)
	err := inTx(ctx, s.DB, func(tx pgx.Tx) error {
		t, err := s.lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := check(t); err != nil {
			return err
		}
		if t.Status != models.TaskStatusCompleted {
			return conflictf("Task must be completed before approval")
		}
		a, err := s.assignment(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if a == nil {
			return conflictf("No assignment found for this task")
		}
		agent, err := s.Agents.GetAgent(ctx, tx, a.AgentID)
		if err != nil {
			return fmt.Errorf("load assigned agent: %w", err)
		}

		st, err := s.Escrow.Release(ctx, tx, t.BuyerID, agent.SellerID, a.AgreedPrice, ref(t))
		if err != nil {
			return err
		}
		if err := transition(t, models.TaskStatusApproved); err != nil {
			return err
		}
		now := s.now()
		t.ApprovedAt = &now
		a.Status = models.AssignmentApproved
		if err := s.Tasks.UpdateAssignment(ctx, tx, a); err != nil {
			return fmt.Errorf("update assignment: %w", err)
		}
		if err := s.Tasks.UpdateTask(ctx, tx, t); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if err := s.Agents.IncrementCompleted(ctx, tx, agent.ID); err != nil {
			return fmt.Errorf("increment completed: %w", err)
		}

		res = &ApproveResult{Task: t, Settlement: st}
		out.addSeller(agent, models.EventTaskApproved,
			fmt.Sprintf("Task approved: %s", t.Title), ref(t),
			map[string]any{"task_id": t.ID, "agent_id": agent.ID})
		out.addSeller(agent, models.EventPaymentReceived,
			fmt.Sprintf("You received $%s for task: %s (platform fee $%s)", st.SellerNet.StringFixed(2), t.Title, st.Fee.StringFixed(2)), ref(t),
			map[string]any{"task_id": t.ID, "amount": st.SellerNet, "platform_fee": st.Fee})
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.flush(ctx, s.Notifier)
	return res, nil
}

// OpenDispute freezes a completed task pending admin resolution.
func (s *TaskService) OpenDispute(ctx context.Context, buyerID, taskID uuid.UUID, comment string, evidence []string) (*models.Dispute, error) {
	if strings.TrimSpace(comment) == "" {
		return nil, validationf("comment is required")
	}
	if evidence == nil {
		evidence = []string{}
	}

	var (
		d   *models.Dispute
		out outbox
	)
	err := inTx(ctx, s.DB, func(tx pgx.Tx) error {
		t, err := s.lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.BuyerID != buyerID {
			return forbiddenf("Only the task buyer can create a dispute")
		}
		if t.Status != models.TaskStatusCompleted {
			return conflictf("Only completed tasks can be disputed")
		}
		a, err := s.assignment(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if a == nil {
			return conflictf("No assignment found for this task")
		}

		d = &models.Dispute{
			ID:             uuid.New(),
			TaskID:         t.ID,
			BuyerID:        buyerID,
			BuyerComment:   comment,
			BuyerEvidence:  evidence,
			SellerEvidence: []string{},
		}
		if err := s.Disputes.CreateDispute(ctx, tx, d); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return conflictf("A dispute already exists for this task")
			}
			return fmt.Errorf("create dispute: %w", err)
		}
		if err := transition(t, models.TaskStatusDisputed); err != nil {
			return err
		}
		a.Status = models.AssignmentDisputed
		if err := s.Tasks.UpdateAssignment(ctx, tx, a); err != nil {
			return fmt.Errorf("update assignment: %w", err)
		}
		if err := s.Tasks.UpdateTask(ctx, tx, t); err != nil {
			return fmt.Errorf("update task: %w", err)
		}

		agent, err := s.Agents.GetAgent(ctx, tx, a.AgentID)
		if err != nil {
			return fmt.Errorf("load assigned agent: %w", err)
		}
		out.addSeller(agent, models.EventTaskDisputed,
			fmt.Sprintf("The buyer disputed task: %s", t.Title),
			models.Reference{Type: models.RefDispute, ID: d.ID},
			map[string]any{"task_id": t.ID, "dispute_id": d.ID, "comment": comment})
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.flush(ctx, s.Notifier)
	return d, nil
}

// Cancel withdraws a task nobody has been assigned to. Pending applications
// are rejected and their sellers told.
func (s *TaskService) Cancel(ctx context.Context, buyerID, taskID uuid.UUID) (*models.Task, error) {
	var (
		t   *models.Task
		out outbox
	)
	err := inTx(ctx, s.DB, func(tx pgx.Tx) error {
		var err error
		if t, err = s.lockTask(ctx, tx, taskID); err != nil {
			return err
		}
		if t.BuyerID != buyerID {
			return forbiddenf("You can only cancel your own tasks")
		}
		if !models.IsAssignable(t.Status) {
			return conflictf("Only open tasks can be cancelled")
		}
		apps, err := s.Tasks.ListApplications(ctx, tx, t.ID)
		if err != nil {
			return fmt.Errorf("list applications: %w", err)
		}
		if err := transition(t, models.TaskStatusCancelled); err != nil {
			return err
		}
		now := s.now()
		t.CancelledAt = &now
		if err := s.Tasks.UpdateTask(ctx, tx, t); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if err := s.Tasks.RejectPendingApplications(ctx, tx, t.ID, uuid.Nil); err != nil {
			return fmt.Errorf("reject applications: %w", err)
		}
		for _, app := range apps {
			if app.Status != models.ApplicationPending {
				continue
			}
			agent, err := s.Agents.GetAgent(ctx, tx, app.AgentID)
			if err != nil {
				return fmt.Errorf("load applicant: %w", err)
			}
			out.addSeller(agent, models.EventTaskCancelled,
				fmt.Sprintf("Task cancelled: %s", t.Title), ref(t),
				map[string]any{"task_id": t.ID, "application_id": app.ID})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.flush(ctx, s.Notifier)
	return t, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Get loads a task with its assignment, assigned agent and result.
func (s *TaskService) Get(ctx context.Context, taskID uuid.UUID) (*models.TaskAggregate, error) {
	t, err := s.Tasks.GetTask(ctx, nil, taskID)
	if err != nil {
		return nil, missing(err, "Task not found")
	}
	agg := &models.TaskAggregate{Task: t}
	if agg.Assignment, err = s.assignment(ctx, nil, taskID); err != nil {
		return nil, err
	}
	if agg.Assignment != nil {
		if agg.Agent, err = s.Agents.GetAgent(ctx, nil, agg.Assignment.AgentID); err != nil {
			return nil, fmt.Errorf("load assigned agent: %w", err)
		}
	}
	r, err := s.Tasks.GetResult(ctx, nil, taskID)
	switch {
	case err == nil:
		agg.Result = r
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}
	return agg, nil
}

func (s *TaskService) List(ctx context.Context, f models.TaskFilter) ([]*models.Task, int, error) {
	f.Normalize()
	return s.Tasks.ListTasks(ctx, f)
}

// ListAvailable lists open and matching tasks for agents to bid on.
func (s *TaskService) ListAvailable(ctx context.Context, f models.TaskFilter) ([]*models.Task, int, error) {
	f.Available, f.Status, f.BuyerID = true, "", uuid.Nil
	return s.List(ctx, f)
}

// ListForAgent lists the tasks assigned to an agent.
func (s *TaskService) ListForAgent(ctx context.Context, agentID uuid.UUID, f models.TaskFilter) ([]*models.Task, int, error) {
	f.AgentID = agentID
	return s.List(ctx, f)
}

// ListApplications returns a task's bids to its buyer.
func (s *TaskService) ListApplications(ctx context.Context, buyerID, taskID uuid.UUID) ([]*models.Application, error) {
	t, err := s.Tasks.GetTask(ctx, nil, taskID)
	if err != nil {
		return nil, missing(err, "Task not found")
	}
	if t.BuyerID != buyerID {
		return nil, forbiddenf("You can only view applications for your own tasks")
	}
	return s.Tasks.ListApplications(ctx, nil, taskID)
}

// ListAgentApplications returns one page of the agent's own bids, newest
// first, with the task each one targets.
func (s *TaskService) ListAgentApplications(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]*models.AgentApplication, int, error) {
	limit, offset = models.Page(limit, offset)
	return s.Tasks.ListApplicationsByAgent(ctx, agentID, limit, offset)
}

func (s *TaskService) Suggestions(ctx context.Context, taskID uuid.UUID) ([]*models.Suggestion, error) {
	if _, err := s.Tasks.GetTask(ctx, nil, taskID); err != nil {
		return nil, missing(err, "Task not found")
	}
	return s.Tasks.ListSuggestions(ctx, taskID)
}
