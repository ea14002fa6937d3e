package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentmarket/backend/internal/models"
)

// DisputeService resolves disputed tasks by splitting the escrowed price
// between buyer and seller.
type DisputeService struct {
	DB       TxBeginner
	Disputes DisputeStore
	Tasks    TaskStore
	Agents   AgentStore
	Escrow   *EscrowService
	Notifier Notifier

	now func() time.Time
}

func NewDisputeService(db TxBeginner, disputes DisputeStore, tasks TaskStore, agents AgentStore, escrow *EscrowService, notifier Notifier) *DisputeService {
	return &DisputeService{
		DB:       db,
		Disputes: disputes,
		Tasks:    tasks,
		Agents:   agents,
		Escrow:   escrow,
		Notifier: notifier,
		now:      utcNow,
	}
}

// ResolveInput is an admin's ruling. RefundPercentage is required for
// partial_refund and ignored otherwise.
type ResolveInput struct {
	Resolution       string `json:"resolution"`
	RefundPercentage *int   `json:"refund_percentage"`
	AdminComment     string `json:"admin_comment"`
}

// ResolveResult is the resolved dispute, its task and the money movement.
type ResolveResult struct {
	Dispute    *models.Dispute `json:"dispute"`
	Task       *models.Task    `json:"task"`
	Settlement Settlement      `json:"refund"`
}

// refundPercent returns the buyer's share of the escrowed price for a ruling.
func (in ResolveInput) refundPercent() (int, error) {
	switch in.Resolution {
	case models.ResolutionFullRefund:
		return 100, nil
	case models.ResolutionRelease:
		return 0, nil
	case models.ResolutionPartialRefund:
		if in.RefundPercentage == nil || *in.RefundPercentage < 0 || *in.RefundPercentage > 100 {
			return 0, validationf("refund_percentage must be between 0 and 100 for partial refunds")
		}
		return *in.RefundPercentage, nil
	}
	return 0, validationf("Invalid resolution type")
}

// disputeParties loads the assignment and assigned agent behind a dispute's task.
func disputeParties(ctx context.Context, tx pgx.Tx, tasks TaskStore, agents AgentStore, taskID uuid.UUID) (*models.Assignment, *models.Agent, error) {
	a, err := tasks.GetAssignment(ctx, tx, taskID)
	if err != nil {
		return nil, nil, missing(err, "No assignment found for this task")
	}
	agent, err := agents.GetAgent(ctx, tx, a.AgentID)
	if err != nil {
		return nil, nil, fmt.Errorf("load assigned agent: %w", err)
	}
	return a, agent, nil
}

// Resolve settles a dispute: full_refund returns the whole price to the
// buyer, release pays the seller as an approval would, and partial_refund
// splits the price by refund_percentage. The task ends refunded or approved.
func (s *DisputeService) Resolve(ctx context.Context, admin *models.User, disputeID uuid.UUID, in ResolveInput) (*ResolveResult, error) {
	if !admin.IsAdmin() {
		return nil, forbiddenf("Only admins can resolve disputes")
	}
	pct, err := in.refundPercent()
	if err != nil {
		return nil, err
	}

	var (
		res *ResolveResult
		out outbox
	)
	err = inTx(ctx, s.DB, func(tx pgx.Tx) error {
		d, err := s.Disputes.LockDispute(ctx, tx, disputeID)
		if err != nil {
			return missing(err, "Dispute not found")
		}
		if d.ResolvedAt != nil {
			return conflictf("Dispute already resolved")
		}
		t, err := s.Tasks.LockTask(ctx, tx, d.TaskID)
		if err != nil {
			return fmt.Errorf("lock disputed task: %w", err)
		}
		a, agent, err := disputeParties(ctx, tx, s.Tasks, s.Agents, t.ID)
		if err != nil {
			return err
		}

		// Only full_refund refunds the task; any partial split is an approval.
		target, asgStatus := models.TaskStatusApproved, models.AssignmentApproved
		if in.Resolution == models.ResolutionFullRefund {
			target, asgStatus = models.TaskStatusRefunded, models.AssignmentRefunded
		}
		if err := transition(t, target); err != nil {
			return err
		}

		ref := models.Reference{Type: models.RefDispute, ID: d.ID, Description: "dispute resolution: " + t.Title}
		st, err := s.Escrow.Split(ctx, tx, t.BuyerID, agent.SellerID, a.AgreedPrice, pct, ref)
		if err != nil {
			return err
		}

		now := s.now()
		resolution := in.Resolution
		d.Resolution = &resolution
		d.ResolvedBy = &admin.ID
		d.ResolvedAt = &now
		if in.Resolution == models.ResolutionPartialRefund {
			d.RefundPercentage = &pct
		}
		if c := strings.TrimSpace(in.AdminComment); c != "" {
			d.AdminComment = &c
		}
		if err := s.Disputes.UpdateDispute(ctx, tx, d); err != nil {
			return fmt.Errorf("update dispute: %w", err)
		}

		if target == models.TaskStatusApproved {
			t.ApprovedAt = &now
			if err := s.Agents.IncrementCompleted(ctx, tx, agent.ID); err != nil {
				return fmt.Errorf("increment completed: %w", err)
			}
		}
		a.Status = asgStatus
		if err := s.Tasks.UpdateAssignment(ctx, tx, a); err != nil {
			return fmt.Errorf("update assignment: %w", err)
		}
		if err := s.Tasks.UpdateTask(ctx, tx, t); err != nil {
			return fmt.Errorf("update task: %w", err)
		}

		res = &ResolveResult{Dispute: d, Task: t, Settlement: st}
		dref := models.Reference{Type: models.RefDispute, ID: d.ID}
		data := map[string]any{
			"dispute_id":      d.ID,
			"task_id":         t.ID,
			"resolution":      in.Resolution,
			"buyer_refund":    st.BuyerRefund,
			"seller_received": st.SellerNet,
			"platform_fee":    st.Fee,
		}
		out.add(t.BuyerID, models.EventDisputeResolved,
			fmt.Sprintf("Dispute resolved (%s) for task: %s. Refund: $%s", in.Resolution, t.Title, st.BuyerRefund.StringFixed(2)), dref, data)
		out.addSeller(agent, models.EventDisputeResolved,
			fmt.Sprintf("Dispute resolved (%s) for task: %s", in.Resolution, t.Title), dref, data)
		if st.SellerNet.IsPositive() {
			out.addSeller(agent, models.EventPaymentReceived,
				fmt.Sprintf("You received $%s from dispute resolution: %s", st.SellerNet.StringFixed(2), t.Title), dref,
				map[string]any{"dispute_id": d.ID, "task_id": t.ID, "amount": st.SellerNet, "platform_fee": st.Fee})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.flush(ctx, s.Notifier)
	return res, nil
}

// Respond records the seller's side of an unresolved dispute. A later
// response replaces an earlier one.
func (s *DisputeService) Respond(ctx context.Context, sellerID, disputeID uuid.UUID, comment string, evidence []string) (*models.Dispute, error) {
	comment = strings.TrimSpace(comment)
	if comment == "" {
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
		var err error
		if d, err = s.Disputes.LockDispute(ctx, tx, disputeID); err != nil {
			return missing(err, "Dispute not found")
		}
		_, agent, err := disputeParties(ctx, tx, s.Tasks, s.Agents, d.TaskID)
		if err != nil {
			return err
		}
		if agent.SellerID != sellerID {
			return forbiddenf("Only the seller can respond to this dispute")
		}
		if d.ResolvedAt != nil {
			return conflictf("Dispute already resolved")
		}
		d.SellerComment = &comment
		d.SellerEvidence = evidence
		if err := s.Disputes.UpdateDispute(ctx, tx, d); err != nil {
			return fmt.Errorf("update dispute: %w", err)
		}
		out.add(d.BuyerID, models.EventDisputeResponded, "The seller responded to your dispute",
			models.Reference{Type: models.RefDispute, ID: d.ID},
			map[string]any{"dispute_id": d.ID, "task_id": d.TaskID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.flush(ctx, s.Notifier)
	return d, nil
}

// Get returns a dispute to an admin or to either party.
func (s *DisputeService) Get(ctx context.Context, viewer *models.User, disputeID uuid.UUID) (*models.Dispute, error) {
	d, err := s.Disputes.GetDispute(ctx, nil, disputeID)
	if err != nil {
		return nil, missing(err, "Dispute not found")
	}
	if viewer.IsAdmin() || d.BuyerID == viewer.ID {
		return d, nil
	}
	_, agent, err := disputeParties(ctx, nil, s.Tasks, s.Agents, d.TaskID)
	if err != nil {
		return nil, err
	}
	if agent.SellerID != viewer.ID {
		return nil, forbiddenf("You don't have access to this dispute")
	}
	return d, nil
}

// List returns every dispute to admins and only their own to everyone else.
func (s *DisputeService) List(ctx context.Context, viewer *models.User, f models.DisputeFilter) ([]*models.Dispute, int, error) {
	switch f.Status {
	case "", models.DisputeResolved, models.DisputePendingAdmin, models.DisputePendingSeller:
	default:
		return nil, 0, validationf("status must be one of resolved, pending_admin, pending_seller")
	}
	if !viewer.IsAdmin() {
		f.ParticipantID = viewer.ID
	}
	f.Limit, f.Offset = models.Page(f.Limit, f.Offset)
	return s.Disputes.ListDisputes(ctx, f)
}
