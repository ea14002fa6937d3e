package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/backend/internal/models"
)

// ---------------------------------------------------------------------------
// harness wires the task and dispute services to in-memory stores.
// ---------------------------------------------------------------------------

type harness struct {
	store    *fakeStore
	ledger   *fakeLedger
	pool     *fakePool
	notes    *recordingNotifier
	tasks    *TaskService
	disputes *DisputeService
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  newFakeStore(),
		ledger: newFakeLedger(),
		pool:   &fakePool{},
		notes:  &recordingNotifier{},
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	escrow := NewEscrowService(h.ledger, DefaultFeeRate)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.tasks = NewTaskService(h.pool, h.store, h.store, h.store, escrow, NewMatcher(h.store), h.notes, logger)
	h.tasks.now = func() time.Time { return h.now }
	h.disputes = NewDisputeService(h.pool, h.store, h.store, h.store, escrow, h.notes)
	h.disputes.now = func() time.Time { return h.now }
	return h
}

func (h *harness) agent(price string, tags ...string) *models.Agent {
	return h.store.addAgent(makeAgent(tags, "0", 0, price))
}

func (h *harness) create(t *testing.T, buyer uuid.UUID, budget string, autoAssign bool) *models.Task {
	t.Helper()
	task, _, err := h.tasks.Create(context.Background(), buyer, CreateTaskInput{
		Title: "Summarize paper", Description: "Ten pages", MaxBudget: dec(budget), AutoAssign: autoAssign,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return task
}

// assigned creates a task for buyer and selects agent at bid.
func (h *harness) assigned(t *testing.T, buyer uuid.UUID, agent *models.Agent, bid string) *models.Task {
	t.Helper()
	task := h.create(t, buyer, "100", false)
	res, err := h.tasks.Apply(context.Background(), agent, task.ID, dec(bid), "")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := h.tasks.Select(context.Background(), buyer, task.ID, res.Application.ID); err != nil {
		t.Fatalf("Select: %v", err)
	}
	return task
}

func (h *harness) completed(t *testing.T, buyer uuid.UUID, agent *models.Agent, bid string) *models.Task {
	t.Helper()
	task := h.assigned(t, buyer, agent, bid)
	if _, err := h.tasks.Submit(context.Background(), agent, task.ID, "done", []string{"https://files.example/out.txt"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return task
}

func wantKind(t *testing.T, err, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got: %v", kind, err)
	}
}

// ---------------------------------------------------------------------------
// 1. Create and suggestions
// ---------------------------------------------------------------------------

func TestCreate_NoAgentsStaysOpen(t *testing.T) {
	h := newHarness(t)
	task, matches, err := h.tasks.Create(context.Background(), uuid.New(), CreateTaskInput{
		Title: "t", Description: "d", MaxBudget: dec("10"),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.Status != models.TaskStatusOpen || len(matches) != 0 {
		t.Errorf("status %q with %d matches, want open with none", task.Status, len(matches))
	}
	if task.Urgency != models.UrgencyNormal {
		t.Errorf("urgency default: got %q", task.Urgency)
	}
}

func TestCreate_StoresTopThreeAndMovesToMatching(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.agent("20", "nlp")
	}
	buyer := uuid.New()
	task, matches, err := h.tasks.Create(context.Background(), buyer, CreateTaskInput{
		Title: "t", Description: "d", Tags: []string{"nlp"}, MaxBudget: dec("50"),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(matches) != SuggestionCount {
		t.Fatalf("matches: got %d, want %d", len(matches), SuggestionCount)
	}
	if got := h.store.task(task.ID).Status; got != models.TaskStatusMatching {
		t.Errorf("stored status: got %q, want matching", got)
	}
	stored, _ := h.tasks.Suggestions(context.Background(), task.ID)
	if len(stored) != SuggestionCount {
		t.Errorf("stored suggestions: got %d", len(stored))
	}
	if h.notes.count() != SuggestionCount {
		t.Errorf("task.created notices: got %d, want %d", h.notes.count(), SuggestionCount)
	}
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t)
	cases := []CreateTaskInput{
		{Title: " ", Description: "d", MaxBudget: dec("5")},
		{Title: "t", Description: "d", MaxBudget: dec("0")},
		{Title: "t", Description: "d", MaxBudget: dec("1.234")},
		{Title: "t", Description: "d", MaxBudget: dec("5"), Urgency: "asap"},
	}
	for i, in := range cases {
		if _, _, err := h.tasks.Create(context.Background(), uuid.New(), in); !errors.Is(err, ErrValidation) {
			t.Errorf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

// ---------------------------------------------------------------------------
// 2. Happy path: top-up 200, bid 80, approve
// ---------------------------------------------------------------------------

func TestTaskLifecycle_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := uuid.New()
	h.ledger.fund(buyer, "200")
	agent := h.agent("50")

	task := h.assigned(t, buyer, agent, "80")
	b := h.ledger.snapshot(buyer)
	assertDec(t, "buyer balance after select", b.Balance, "120")
	assertDec(t, "buyer escrow after select", b.EscrowBalance, "80")
	if got := h.store.task(task.ID).Status; got != models.TaskStatusAssigned {
		t.Fatalf("status after select: %q", got)
	}

	if _, err := h.tasks.Start(ctx, agent, task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.tasks.Submit(ctx, agent, task.ID, "summary", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	stored := h.store.task(task.ID)
	if stored.Status != models.TaskStatusCompleted {
		t.Fatalf("status after submit: %q", stored.Status)
	}
	if stored.AutoApproveAt == nil || !stored.AutoApproveAt.Equal(h.now.Add(24*time.Hour)) {
		t.Errorf("auto_approve_at: got %v", stored.AutoApproveAt)
	}

	res, err := h.tasks.Approve(ctx, buyer, task.ID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	assertDec(t, "settlement fee", res.Settlement.Fee, "16")
	assertDec(t, "seller balance", h.ledger.snapshot(agent.SellerID).Balance, "64")
	assertDec(t, "platform balance", h.ledger.snapshot(models.PlatformUserID).Balance, "16")
	b = h.ledger.snapshot(buyer)
	assertDec(t, "buyer balance", b.Balance, "120")
	assertDec(t, "buyer escrow", b.EscrowBalance, "0")

	if got := h.store.task(task.ID).Status; got != models.TaskStatusApproved {
		t.Errorf("task status: got %q", got)
	}
	if got := h.store.assignmentFor(task.ID).Status; got != models.AssignmentApproved {
		t.Errorf("assignment status: got %q", got)
	}
	if got := h.store.agent(agent.ID).TotalTasksCompleted; got != 1 {
		t.Errorf("total_tasks_completed: got %d", got)
	}
	events := h.notes.events(agent.SellerID)
	if len(events) == 0 || events[len(events)-1] != models.EventPaymentReceived {
		t.Errorf("seller events: %v", events)
	}

	_, err = h.tasks.Approve(ctx, buyer, task.ID)
	wantKind(t, err, ErrConflict)
	assertDec(t, "seller balance after second approve", h.ledger.snapshot(agent.SellerID).Balance, "64")
}

// ---------------------------------------------------------------------------
// 3. Apply guards
// ---------------------------------------------------------------------------

func TestApply_Guards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := uuid.New()
	task := h.create(t, buyer, "100", false)
	agent := h.agent("10")

	_, err := h.tasks.Apply(ctx, agent, task.ID, dec("150"), "")
	wantKind(t, err, ErrValidation)
	if Message(err) != "Bid exceeds maximum budget of 100.00" {
		t.Errorf("message: %q", Message(err))
	}

	_, err = h.tasks.Apply(ctx, agent, task.ID, dec("0"), "")
	wantKind(t, err, ErrValidation)

	_, err = h.tasks.Apply(ctx, agent, uuid.New(), dec("10"), "")
	wantKind(t, err, ErrNotFound)

	if _, err := h.tasks.Apply(ctx, agent, task.ID, dec("90"), "hi"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	_, err = h.tasks.Apply(ctx, agent, task.ID, dec("80"), "again")
	wantKind(t, err, ErrConflict)

	if got := h.notes.events(buyer); len(got) != 1 || got[0] != models.EventApplicationReceived {
		t.Errorf("buyer events: %v", got)
	}

	inactive := h.agent("10")
	inactive.Status = models.AgentStatusInactive
	_, err = h.tasks.Apply(ctx, inactive, task.ID, dec("10"), "")
	wantKind(t, err, ErrForbidden)
}

func TestApply_SelfDealingRejectedBeforeEscrow(t *testing.T) {
	h := newHarness(t)
	buyer := uuid.New()
	h.ledger.fund(buyer, "100")
	task := h.create(t, buyer, "100", true)

	own := makeAgent(nil, "0", 0, "10")
	own.SellerID = buyer
	h.store.addAgent(own)

	_, err := h.tasks.Apply(context.Background(), own, task.ID, dec("10"), "")
	wantKind(t, err, ErrSelfDealing)
	if n := h.ledger.txCount(); n != 0 {
		t.Errorf("escrow touched: %d transactions", n)
	}
}

func TestApply_AutoAssign(t *testing.T) {
	h := newHarness(t)
	buyer := uuid.New()
	h.ledger.fund(buyer, "100")
	task := h.create(t, buyer, "100", true)
	agent := h.agent("40")

	res, err := h.tasks.Apply(context.Background(), agent, task.ID, dec("40"), "")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.AutoAssigned || res.Assignment == nil {
		t.Fatalf("expected auto-assignment, got %+v", res)
	}
	if res.Application.Status != models.ApplicationAccepted {
		t.Errorf("application status: %q", res.Application.Status)
	}
	if got := h.store.task(task.ID).Status; got != models.TaskStatusAssigned {
		t.Errorf("task status: %q", got)
	}
	assertDec(t, "escrow", h.ledger.snapshot(buyer).EscrowBalance, "40")

	_, err = h.tasks.Apply(context.Background(), h.agent("30"), task.ID, dec("30"), "")
	wantKind(t, err, ErrConflict)
}

// ---------------------------------------------------------------------------
// 4. Select and Assign
// ---------------------------------------------------------------------------

func TestSelect_InsufficientFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := uuid.New()
	h.ledger.fund(buyer, "50")
	task := h.create(t, buyer, "100", false)
	agent := h.agent("10")

	res, err := h.tasks.Apply(ctx, agent, task.ID, dec("80"), "")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	commits := h.pool.commitCount()

	_, err = h.tasks.Select(ctx, buyer, task.ID, res.Application.ID)
	wantKind(t, err, ErrInsufficientFunds)
	if h.pool.commitCount() != commits {
		t.Error("failed select must not commit")
	}
	b := h.ledger.snapshot(buyer)
	assertDec(t, "balance", b.Balance, "50")
	assertDec(t, "escrow", b.EscrowBalance, "0")
	if h.store.assignmentFor(task.ID) != nil {
		t.Error("no assignment should exist")
	}
	if !models.IsAssignable(h.store.task(task.ID).Status) {
		t.Errorf("task should still be assignable, got %q", h.store.task(task.ID).Status)
	}
}

func TestSelect_RejectsSiblingsAndGuards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := uuid.New()
	h.ledger.fund(buyer, "500")
	task := h.create(t, buyer, "100", false)
	a1, a2 := h.agent("10"), h.agent("10")

	r1, _ := h.tasks.Apply(ctx, a1, task.ID, dec("60"), "")
	r2, _ := h.tasks.Apply(ctx, a2, task.ID, dec("70"), "")

	_, err := h.tasks.Select(ctx, uuid.New(), task.ID, r1.Application.ID)
	wantKind(t, err, ErrForbidden)

	_, err = h.tasks.Select(ctx, buyer, task.ID, uuid.New())
	wantKind(t, err, ErrNotFound)

	asg, err := h.tasks.Select(ctx, buyer, task.ID, r1.Application.ID)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	assertDec(t, "agreed price", asg.AgreedPrice, "60")

	apps, _ := h.tasks.ListApplications(ctx, buyer, task.ID)
	for _, a := range apps {
		want := models.ApplicationRejected
		if a.ID == r1.Application.ID {
			want = models.ApplicationAccepted
		}
		if a.Status != want {
			t.Errorf("application %s: got %q, want %q", a.ID, a.Status, want)
		}
	}

	_, err = h.tasks.Select(ctx, buyer, task.ID, r2.Application.ID)
	wantKind(t, err, ErrConflict)
	assertDec(t, "escrow locked once", h.ledger.snapshot(buyer).EscrowBalance, "60")
}

func TestAssign_Direct(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := uuid.New()
	h.ledger.fund(buyer, "100")
	task := h.create(t, buyer, "100", false)

	inactive := makeAgent(nil, "0", 0, "10")
	inactive.Status = models.AgentStatusInactive
	h.store.addAgent(inactive)
	_, err := h.tasks.Assign(ctx, buyer, task.ID, inactive.ID)
	wantKind(t, err, ErrConflict)

	_, err = h.tasks.Assign(ctx, buyer, task.ID, uuid.New())
	wantKind(t, err, ErrNotFound)

	agent := h.agent("35.50")
	asg, err := h.tasks.Assign(ctx, buyer, task.ID, agent.ID)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	assertDec(t, "agreed price", asg.AgreedPrice, "35.50")
	assertDec(t, "escrow", h.ledger.snapshot(buyer).EscrowBalance, "35.50")
}

// selfDealingSetup returns a task whose buyer also sells the returned agent,
// with a pending application from that agent planted directly in the store.
func (h *harness) selfDealingSetup(t *testing.T, funds string) (buyer uuid.UUID, task *models.Task, own *models.Agent, app *models.Application) {
	t.Helper()
	buyer = uuid.New()
	if funds != "" {
		h.ledger.fund(buyer, funds)
	}
	task = h.create(t, buyer, "100", false)

	own = makeAgent(nil, "0", 0, "25")
	own.SellerID = buyer
	h.store.addAgent(own)

	app = &models.Application{
		ID:        uuid.New(),
		TaskID:    task.ID,
		AgentID:   own.ID,
		BidAmount: dec("25"),
		Status:    models.ApplicationPending,
	}
	if err := h.store.CreateApplication(context.Background(), nil, app); err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	return buyer, task, own, app
}

func (h *harness) assertUntouched(t *testing.T, buyer uuid.UUID, task *models.Task, funds string) {
	t.Helper()
	if n := h.ledger.txCount(); n != 0 {
		t.Errorf("ledger touched: %d transactions", n)
	}
	b := h.ledger.snapshot(buyer)
	assertDec(t, "balance", b.Balance, funds)
	assertDec(t, "escrow", b.EscrowBalance, "0")
	if h.store.assignmentFor(task.ID) != nil {
		t.Error("no assignment should exist")
	}
	if !models.IsAssignable(h.store.task(task.ID).Status) {
		t.Errorf("task should still be assignable, got %q", h.store.task(task.ID).Status)
	}
}

func TestSelect_SelfDealing(t *testing.T) {
	for _, funds := range []string{"500", ""} {
		name := "funded"
		if funds == "" {
			name = "unfunded"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			buyer, task, _, app := h.selfDealingSetup(t, funds)

			_, err := h.tasks.Select(context.Background(), buyer, task.ID, app.ID)
			wantKind(t, err, ErrSelfDealing)

			want := funds
			if want == "" {
				want = "0"
			}
			h.assertUntouched(t, buyer, task, want)
			apps, _ := h.tasks.ListApplications(context.Background(), buyer, task.ID)
			if len(apps) != 1 || apps[0].Status != models.ApplicationPending {
				t.Errorf("application should stay pending: %+v", apps)
			}
		})
	}
}

func TestAssign_SelfDealing(t *testing.T) {
	for _, funds := range []string{"500", ""} {
		name := "funded"
		if funds == "" {
			name = "unfunded"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			buyer, task, own, _ := h.selfDealingSetup(t, funds)

			_, err := h.tasks.Assign(context.Background(), buyer, task.ID, own.ID)
			wantKind(t, err, ErrSelfDealing)

			want := funds
			if want == "" {
				want = "0"
			}
			h.assertUntouched(t, buyer, task, want)
		})
	}
}

// ---------------------------------------------------------------------------
// 5. Start and Submit
// ---------------------------------------------------------------------------

func TestSubmit_Guards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := uuid.New()
	h.ledger.fund(buyer, "100")
	agent := h.agent("10")
	task := h.assigned(t, buyer, agent, "10")

	stranger := h.agent("10")
	_, err := h.tasks.Submit(ctx, stranger, task.ID, "x", nil)
	wantKind(t, err, ErrForbidden)
	_, err = h.tasks.Start(ctx, stranger, task.ID)
	wantKind(t, err, ErrForbidden)

	_, err = h.tasks.Submit(ctx, agent, task.ID, "  ", nil)
	wantKind(t, err, ErrValidation)

	if _, err := h.tasks.Submit(ctx, agent, task.ID, "result", nil); err != nil {
		t.Fatalf("Submit from assigned: %v", err)
	}
	_, err = h.tasks.Submit(ctx, agent, task.ID, "again", nil)
	wantKind(t, err, ErrConflict)
	_, err = h.tasks.Start(ctx, agent, task.ID)
	wantKind(t, err, ErrConflict)

	agg, err := h.tasks.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if agg.Result == nil || agg.Result.ResultText != "result" || agg.Agent == nil || agg.Agent.ID != agent.ID {
		t.Errorf("aggregate: %+v", agg)
	}
}

// ---------------------------------------------------------------------------
// 6. Auto-approval
// ---------------------------------------------------------------------------

func TestApproveOverdue(t *testing.T) {
	h := newHarness(t)
	buyer := uuid.New()
	h.ledger.fund(buyer, "100")
	agent := h.agent("10")

	due := h.completed(t, buyer, agent, "50")
	h.now = h.now.Add(2 * time.Hour)
	fresh := h.completed(t, buyer, h.agent("10"), "25")

	n, err := h.tasks.ApproveOverdue(context.Background(), h.now.Add(23*time.Hour))
	if err != nil {
		t.Fatalf("ApproveOverdue: %v", err)
	}
	if n != 1 {
		t.Fatalf("approved: got %d, want 1", n)
	}
	if got := h.store.task(due.ID).Status; got != models.TaskStatusApproved {
		t.Errorf("overdue task: %q", got)
	}
	if got := h.store.task(fresh.ID).Status; got != models.TaskStatusCompleted {
		t.Errorf("fresh task: %q", got)
	}
	assertDec(t, "seller paid", h.ledger.snapshot(agent.SellerID).Balance, "40")
}

func TestApproveOverdue_SkipsFailuresAcrossBatches(t *testing.T) {
	prev := overdueBatch
	overdueBatch = 1
	t.Cleanup(func() { overdueBatch = prev })

	h := newHarness(t)
	broke := uuid.New()
	h.ledger.fund(broke, "100")
	stuck := h.completed(t, broke, h.agent("10"), "50")
	// Drain the escrow so releasing the stuck task fails every time.
	h.ledger.mu.Lock()
	h.ledger.wallet(broke).EscrowBalance = decimal.Zero
	h.ledger.mu.Unlock()

	h.now = h.now.Add(time.Hour)
	buyer := uuid.New()
	h.ledger.fund(buyer, "100")
	first := h.completed(t, buyer, h.agent("10"), "20")
	h.now = h.now.Add(time.Hour)
	second := h.completed(t, buyer, h.agent("10"), "30")

	n, err := h.tasks.ApproveOverdue(context.Background(), h.now.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("ApproveOverdue: %v", err)
	}
	if n != 2 {
		t.Fatalf("approved: got %d, want 2", n)
	}
	for _, id := range []uuid.UUID{first.ID, second.ID} {
		if got := h.store.task(id).Status; got != models.TaskStatusApproved {
			t.Errorf("task %s: %q", id, got)
		}
	}
	if got := h.store.task(stuck.ID).Status; got != models.TaskStatusCompleted {
		t.Errorf("stuck task: %q", got)
	}
}

func TestListAgentApplications(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := uuid.New()
	h.ledger.fund(buyer, "100")
	agent, other := h.agent("10"), h.agent("10")

	t1 := h.create(t, buyer, "100", false)
	t2 := h.create(t, buyer, "100", false)
	for _, task := range []*models.Task{t1, t2} {
		if _, err := h.tasks.Apply(ctx, agent, task.ID, dec("15"), ""); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	if _, err := h.tasks.Apply(ctx, other, t1.ID, dec("12"), ""); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	list, total, err := h.tasks.ListAgentApplications(ctx, agent.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListAgentApplications: %v", err)
	}
	if total != 2 || len(list) != 2 {
		t.Fatalf("got %d/%d applications, want 2", len(list), total)
	}
	seen := map[uuid.UUID]bool{}
	for _, a := range list {
		if a.AgentID != agent.ID {
			t.Errorf("foreign application %s", a.ID)
		}
		if a.Task == nil || a.Task.ID != a.TaskID {
			t.Errorf("application %s missing its task", a.ID)
		}
		seen[a.TaskID] = true
	}
	if !seen[t1.ID] || !seen[t2.ID] {
		t.Errorf("tasks seen: %v", seen)
	}

	page, total, _ := h.tasks.ListAgentApplications(ctx, agent.ID, 1, 1)
	if total != 2 || len(page) != 1 {
		t.Errorf("second page: %d/%d", len(page), total)
	}
}

// ---------------------------------------------------------------------------
// 7. Dispute opening and cancellation
// ---------------------------------------------------------------------------

func TestOpenDispute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := uuid.New()
	h.ledger.fund(buyer, "100")
	agent := h.agent("10")
	task := h.assigned(t, buyer, agent, "80")

	_, err := h.tasks.OpenDispute(ctx, buyer, task.ID, "bad", nil)
	wantKind(t, err, ErrConflict)

	if _, err := h.tasks.Submit(ctx, agent, task.ID, "result", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, err = h.tasks.OpenDispute(ctx, buyer, task.ID, "", nil)
	wantKind(t, err, ErrValidation)
	_, err = h.tasks.OpenDispute(ctx, uuid.New(), task.ID, "bad", nil)
	wantKind(t, err, ErrForbidden)

	d, err := h.tasks.OpenDispute(ctx, buyer, task.ID, "wrong language", []string{"https://e.example/1"})
	if err != nil {
		t.Fatalf("OpenDispute: %v", err)
	}
	if d.Status() != models.DisputePendingSeller {
		t.Errorf("dispute status: %q", d.Status())
	}
	if got := h.store.task(task.ID).Status; got != models.TaskStatusDisputed {
		t.Errorf("task status: %q", got)
	}
	_, err = h.tasks.Approve(ctx, buyer, task.ID)
	wantKind(t, err, ErrConflict)
	assertDec(t, "escrow held", h.ledger.snapshot(buyer).EscrowBalance, "80")
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := uuid.New()
	task := h.create(t, buyer, "100", false)
	agent := h.agent("10")
	res, _ := h.tasks.Apply(ctx, agent, task.ID, dec("10"), "")

	_, err := h.tasks.Cancel(ctx, uuid.New(), task.ID)
	wantKind(t, err, ErrForbidden)

	got, err := h.tasks.Cancel(ctx, buyer, task.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != models.TaskStatusCancelled || got.CancelledAt == nil {
		t.Errorf("cancelled task: %+v", got)
	}
	app, _ := h.store.GetApplication(ctx, nil, res.Application.ID)
	if app.Status != models.ApplicationRejected {
		t.Errorf("application status: %q", app.Status)
	}
	if ev := h.notes.events(agent.SellerID); len(ev) == 0 || ev[len(ev)-1] != models.EventTaskCancelled {
		t.Errorf("seller events: %v", ev)
	}

	_, err = h.tasks.Cancel(ctx, buyer, task.ID)
	wantKind(t, err, ErrConflict)

	h.ledger.fund(buyer, "100")
	assignedTask := h.assigned(t, buyer, h.agent("10"), "10")
	_, err = h.tasks.Cancel(ctx, buyer, assignedTask.ID)
	wantKind(t, err, ErrConflict)
}

// ---------------------------------------------------------------------------
// 8. Listing
// ---------------------------------------------------------------------------

func TestListAvailable(t *testing.T) {
	h := newHarness(t)
	buyer := uuid.New()
	h.ledger.fund(buyer, "100")
	h.create(t, buyer, "10", false)
	h.create(t, buyer, "10", false)
	h.assigned(t, buyer, h.agent("5"), "5")

	tasks, total, err := h.tasks.ListAvailable(context.Background(), models.TaskFilter{})
	if err != nil {
		t.Fatalf("ListAvailable: %v", err)
	}
	if total != 2 || len(tasks) != 2 {
		t.Errorf("available: got %d (total %d), want 2", len(tasks), total)
	}
}
