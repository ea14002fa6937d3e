package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/backend/internal/ledger"
	"github.com/agentmarket/backend/internal/models"
	"github.com/agentmarket/backend/internal/repository"
)

// ---------------------------------------------------------------------------
// noopTx satisfies pgx.Tx; the fakes below ignore it. commits/rollbacks are
// counted on the owning fakePool so tests can assert nothing was committed.
// ---------------------------------------------------------------------------

type noopTx struct{ pool *fakePool }

func (t noopTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t noopTx) Commit(context.Context) error {
	if t.pool != nil {
		t.pool.mu.Lock()
		t.pool.commits++
		t.pool.mu.Unlock()
	}
	return nil
}
func (t noopTx) Rollback(context.Context) error { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

type fakePool struct {
	mu      sync.Mutex
	commits int
}

func (p *fakePool) Begin(context.Context) (pgx.Tx, error) { return noopTx{pool: p}, nil }

func (p *fakePool) commitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commits
}

// ---------------------------------------------------------------------------
// fakeLedger is an in-memory Ledger Store. Wallets are keyed by user; Apply
// enforces non-negativity the way the conditional UPDATE does.
// ---------------------------------------------------------------------------

type fakeLedger struct {
	mu      sync.Mutex
	byUser  map[uuid.UUID]*models.Wallet
	byID    map[uuid.UUID]*models.Wallet
	txs     []*models.Transaction
	lockLog []uuid.UUID
}

func newFakeLedger() *fakeLedger {
	l := &fakeLedger{byUser: map[uuid.UUID]*models.Wallet{}, byID: map[uuid.UUID]*models.Wallet{}}
	l.wallet(models.PlatformUserID)
	return l
}

// wallet returns the live wallet for a user, creating it if needed. Caller holds no lock.
func (l *fakeLedger) wallet(userID uuid.UUID) *models.Wallet {
	if w, ok := l.byUser[userID]; ok {
		return w
	}
	w := &models.Wallet{ID: uuid.New(), UserID: userID}
	l.byUser[userID] = w
	l.byID[w.ID] = w
	return w
}

func (l *fakeLedger) fund(userID uuid.UUID, balance string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wallet(userID).Balance = decimal.RequireFromString(balance)
}

func (l *fakeLedger) snapshot(userID uuid.UUID) models.Wallet {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.wallet(userID)
}

func (l *fakeLedger) GetWallet(_ context.Context, userID uuid.UUID) (*models.Wallet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *l.wallet(userID)
	return &cp, nil
}

func (l *fakeLedger) LockWallet(_ context.Context, _ pgx.Tx, userID uuid.UUID) (*models.Wallet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lockLog = append(l.lockLog, userID)
	cp := *l.wallet(userID)
	return &cp, nil
}

func (l *fakeLedger) Apply(_ context.Context, _ pgx.Tx, walletID uuid.UUID, d ledger.Delta) (*models.Wallet, *models.Wallet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.byID[walletID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ledger.ErrWalletNotFound, walletID)
	}
	nb, ne := w.Balance.Add(d.Balance), w.EscrowBalance.Add(d.Escrow)
	if nb.IsNegative() || ne.IsNegative() {
		return nil, nil, ledger.ErrNegativeBalance
	}
	before := *w
	w.Balance, w.EscrowBalance, w.TotalEarned = nb, ne, w.TotalEarned.Add(d.Earned)
	after := *w
	return &before, &after, nil
}

func (l *fakeLedger) Append(_ context.Context, _ pgx.Tx, t *models.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.IdempotencyKey != nil {
		for _, e := range l.txs {
			if e.WalletID == t.WalletID && e.IdempotencyKey != nil && *e.IdempotencyKey == *t.IdempotencyKey {
				return ledger.ErrDuplicateKey
			}
		}
	}
	cp := *t
	cp.ID = uuid.New()
	t.ID = cp.ID
	l.txs = append(l.txs, &cp)
	return nil
}

func (l *fakeLedger) FindByIdempotencyKey(_ context.Context, _ pgx.Tx, walletID uuid.UUID, key string) (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.txs {
		if e.WalletID == walletID && e.IdempotencyKey != nil && *e.IdempotencyKey == key {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (l *fakeLedger) ListTransactions(_ context.Context, walletID uuid.UUID, f ledger.TxFilter) ([]*models.Transaction, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.Transaction
	for _, e := range l.txs {
		if e.WalletID == walletID && (f.Type == "" || e.Type == f.Type) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

func (l *fakeLedger) SumByType(_ context.Context, walletID uuid.UUID, txType string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sum := decimal.Zero
	for _, e := range l.txs {
		if e.WalletID == walletID && e.Type == txType {
			sum = sum.Add(e.Amount)
		}
	}
	return sum, nil
}

// byType returns transactions of one type, optionally restricted to a user's wallet.
func (l *fakeLedger) byType(txType string, userID *uuid.UUID) []*models.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.Transaction
	for _, e := range l.txs {
		if e.Type != txType {
			continue
		}
		if userID != nil && l.byUser[*userID].ID != e.WalletID {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (l *fakeLedger) txCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.txs)
}

var _ ledger.Service = (*fakeLedger)(nil)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ---------------------------------------------------------------------------
// fakeStore holds tasks, agents, disputes and reviews in memory and enforces
// the same unique constraints as the schema.
// ---------------------------------------------------------------------------

type fakeStore struct {
	mu           sync.Mutex
	tasks        map[uuid.UUID]*models.Task
	agents       map[uuid.UUID]*models.Agent
	apps         map[uuid.UUID]*models.Application
	assignments  map[uuid.UUID]*models.Assignment // by task
	results      map[uuid.UUID]*models.TaskResult // by task
	suggestions  map[uuid.UUID][]models.Suggestion
	disputes     map[uuid.UUID]*models.Dispute
	reviews      []*models.Review
	failOnUpdate error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:       map[uuid.UUID]*models.Task{},
		agents:      map[uuid.UUID]*models.Agent{},
		apps:        map[uuid.UUID]*models.Application{},
		assignments: map[uuid.UUID]*models.Assignment{},
		results:     map[uuid.UUID]*models.TaskResult{},
		suggestions: map[uuid.UUID][]models.Suggestion{},
		disputes:    map[uuid.UUID]*models.Dispute{},
	}
}

func (f *fakeStore) addAgent(a *models.Agent) *models.Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.agents[a.ID] = &cp
	return a
}

func (f *fakeStore) addTask(t *models.Task) *models.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.tasks[t.ID] = &cp
	return t
}

func (f *fakeStore) task(id uuid.UUID) models.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.tasks[id]
}

func (f *fakeStore) agent(id uuid.UUID) models.Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.agents[id]
}

func (f *fakeStore) assignmentFor(taskID uuid.UUID) *models.Assignment {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[taskID]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

// tasks

func (f *fakeStore) CreateTask(_ context.Context, _ pgx.Tx, t *models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.CreatedAt, t.UpdatedAt = time.Now(), time.Now()
	cp := *t
	f.tasks[t.ID] = &cp
	return nil
}

func (f *fakeStore) GetTask(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) LockTask(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	return f.GetTask(ctx, tx, id)
}

func (f *fakeStore) UpdateTask(_ context.Context, _ pgx.Tx, t *models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOnUpdate != nil {
		return f.failOnUpdate
	}
	if _, ok := f.tasks[t.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *t
	f.tasks[t.ID] = &cp
	return nil
}

func (f *fakeStore) ListTasks(_ context.Context, flt models.TaskFilter) ([]*models.Task, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Task
	for _, t := range f.tasks {
		if flt.Status != "" && t.Status != flt.Status {
			continue
		}
		if flt.Available && !models.IsAssignable(t.Status) {
			continue
		}
		if flt.BuyerID != uuid.Nil && t.BuyerID != flt.BuyerID {
			continue
		}
		if flt.AgentID != uuid.Nil {
			if a, ok := f.assignments[t.ID]; !ok || a.AgentID != flt.AgentID {
				continue
			}
		}
		cp := *t
		out = append(out, &cp)
	}
	total := len(out)
	if flt.Offset >= len(out) {
		return nil, total, nil
	}
	out = out[flt.Offset:]
	if len(out) > flt.Limit {
		out = out[:flt.Limit]
	}
	return out, total, nil
}

func (f *fakeStore) ListOverdue(_ context.Context, now time.Time, skip []uuid.UUID, limit int) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	skipped := make(map[uuid.UUID]bool, len(skip))
	for _, id := range skip {
		skipped[id] = true
	}
	var due []*models.Task
	for _, t := range f.tasks {
		if t.Status == models.TaskStatusCompleted && t.AutoApproveAt != nil && !t.AutoApproveAt.After(now) && !skipped[t.ID] {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].AutoApproveAt.Equal(*due[j].AutoApproveAt) {
			return due[i].AutoApproveAt.Before(*due[j].AutoApproveAt)
		}
		return due[i].ID.String() < due[j].ID.String()
	})
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]uuid.UUID, len(due))
	for i, t := range due {
		out[i] = t.ID
	}
	return out, nil
}

func (f *fakeStore) SaveSuggestions(_ context.Context, _ pgx.Tx, s []models.Suggestion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sg := range s {
		f.suggestions[sg.TaskID] = append(f.suggestions[sg.TaskID], sg)
	}
	return nil
}

func (f *fakeStore) ListSuggestions(_ context.Context, taskID uuid.UUID) ([]*models.Suggestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Suggestion
	for _, sg := range f.suggestions[taskID] {
		cp := sg
		out = append(out, &cp)
	}
	return out, nil
}

// applications

func (f *fakeStore) CreateApplication(_ context.Context, _ pgx.Tx, a *models.Application) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.apps {
		if e.TaskID == a.TaskID && e.AgentID == a.AgentID {
			return repository.ErrDuplicate
		}
	}
	cp := *a
	f.apps[a.ID] = &cp
	return nil
}

func (f *fakeStore) GetApplication(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.apps[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeStore) ListApplications(_ context.Context, _ pgx.Tx, taskID uuid.UUID) ([]*models.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Application
	for _, a := range f.apps {
		if a.TaskID == taskID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) ListApplicationsByAgent(_ context.Context, agentID uuid.UUID, limit, offset int) ([]*models.AgentApplication, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*models.AgentApplication
	for _, a := range f.apps {
		if a.AgentID != agentID {
			continue
		}
		aa := &models.AgentApplication{Application: *a}
		if t, ok := f.tasks[a.TaskID]; ok {
			cp := *t
			aa.Task = &cp
		}
		all = append(all, aa)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	total := len(all)
	if offset > len(all) {
		offset = len(all)
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (f *fakeStore) SetApplicationStatus(_ context.Context, _ pgx.Tx, id uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.apps[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.Status = status
	return nil
}

func (f *fakeStore) RejectPendingApplications(_ context.Context, _ pgx.Tx, taskID, except uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.apps {
		if a.TaskID == taskID && a.ID != except && a.Status == models.ApplicationPending {
			a.Status = models.ApplicationRejected
		}
	}
	return nil
}

// assignments and results

func (f *fakeStore) CreateAssignment(_ context.Context, _ pgx.Tx, a *models.Assignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.assignments[a.TaskID]; ok {
		return repository.ErrDuplicate
	}
	cp := *a
	f.assignments[a.TaskID] = &cp
	return nil
}

func (f *fakeStore) GetAssignment(_ context.Context, _ pgx.Tx, taskID uuid.UUID) (*models.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[taskID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeStore) UpdateAssignment(_ context.Context, _ pgx.Tx, a *models.Assignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.assignments[a.TaskID]; !ok {
		return repository.ErrNotFound
	}
	cp := *a
	f.assignments[a.TaskID] = &cp
	return nil
}

func (f *fakeStore) CreateResult(_ context.Context, _ pgx.Tx, r *models.TaskResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.results[r.TaskID]; ok {
		return repository.ErrDuplicate
	}
	cp := *r
	f.results[r.TaskID] = &cp
	return nil
}

func (f *fakeStore) GetResult(_ context.Context, _ pgx.Tx, taskID uuid.UUID) (*models.TaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[taskID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// agents

func (f *fakeStore) GetAgent(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeStore) ListActive(_ context.Context) ([]*models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Agent
	for _, a := range f.agents {
		if a.IsActive() {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (f *fakeStore) IncrementCompleted(_ context.Context, _ pgx.Tx, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.TotalTasksCompleted++
	return nil
}

func (f *fakeStore) UpdateRating(_ context.Context, _ pgx.Tx, id uuid.UUID, rating decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.Rating = rating
	return nil
}

func (f *fakeStore) CompletedBySeller(_ context.Context, sellerID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.agents {
		if a.SellerID == sellerID {
			n += a.TotalTasksCompleted
		}
	}
	return n, nil
}

// disputes

func (f *fakeStore) CreateDispute(_ context.Context, _ pgx.Tx, d *models.Dispute) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.disputes {
		if e.TaskID == d.TaskID {
			return repository.ErrDuplicate
		}
	}
	cp := *d
	f.disputes[d.ID] = &cp
	return nil
}

func (f *fakeStore) GetDispute(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Dispute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.disputes[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeStore) LockDispute(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Dispute, error) {
	return f.GetDispute(ctx, tx, id)
}

func (f *fakeStore) UpdateDispute(_ context.Context, _ pgx.Tx, d *models.Dispute) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.disputes[d.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *d
	f.disputes[d.ID] = &cp
	return nil
}

func (f *fakeStore) ListDisputes(_ context.Context, flt models.DisputeFilter) ([]*models.Dispute, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Dispute
	for _, d := range f.disputes {
		if flt.Status != "" && d.Status() != flt.Status {
			continue
		}
		if flt.ParticipantID != uuid.Nil && d.BuyerID != flt.ParticipantID {
			a := f.assignments[d.TaskID]
			if a == nil || f.agents[a.AgentID].SellerID != flt.ParticipantID {
				continue
			}
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, len(out), nil
}

// reviews

func (f *fakeStore) CreateReview(_ context.Context, _ pgx.Tx, r *models.Review) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.reviews {
		if e.TaskID == r.TaskID && e.ReviewerID == r.ReviewerID {
			return repository.ErrDuplicate
		}
	}
	cp := *r
	f.reviews = append(f.reviews, &cp)
	return nil
}

func (f *fakeStore) AverageRating(_ context.Context, _ pgx.Tx, revieweeID uuid.UUID) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum, n := 0, 0
	for _, r := range f.reviews {
		if r.RevieweeID == revieweeID {
			sum += r.Rating
			n++
		}
	}
	if n == 0 {
		return decimal.Zero, nil
	}
	return decimal.NewFromInt(int64(sum)).Div(decimal.NewFromInt(int64(n))), nil
}

var (
	_ TaskStore         = (*fakeStore)(nil)
	_ AgentStore        = (*fakeStore)(nil)
	_ DisputeStore      = (*fakeStore)(nil)
	_ ReviewStore       = (*fakeStore)(nil)
	_ AgentRater        = (*fakeStore)(nil)
	_ SellerStats       = (*fakeStore)(nil)
	_ ActiveAgentLister = (*fakeStore)(nil)
)

// ---------------------------------------------------------------------------
// recordingNotifier captures notices in delivery order.
// ---------------------------------------------------------------------------

type recordingNotifier struct {
	mu      sync.Mutex
	notices []models.Notice
}

func (r *recordingNotifier) Notify(_ context.Context, n models.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recordingNotifier) events(userID uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notices {
		if n.UserID == userID {
			out = append(out, n.Event)
		}
	}
	return out
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}
