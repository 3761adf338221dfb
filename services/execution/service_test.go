package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"careledger/pkg/config"
	"careledger/pkg/errutil"
	"careledger/pkg/keylock"
	"careledger/services/caretask"
	"careledger/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const owner = "owner-1"

type fixture struct {
	svc  *Service
	db   *gorm.DB
	node *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t, &caretask.CareTask{}, &TaskExecution{})
	node := testutil.NewNode(t)
	svc := NewService(ServiceParams{
		DB:     db,
		Node:   node,
		Clock:  testutil.NewClock(time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)),
		Locker: keylock.NewMemory(),
		Config: &config.Config{Timezone: "UTC"},
	})
	return &fixture{svc: svc, db: db, node: node}
}

func day(raw string) time.Time {
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		panic(err)
	}
	return t
}

func (f *fixture) task(t *testing.T, typ caretask.TaskType, mutate ...func(*caretask.CareTask)) *caretask.CareTask {
	t.Helper()
	qty := 2
	task := &caretask.CareTask{
		ID:                     f.node.Generate().String(),
		OwnerID:                owner,
		Name:                   "Diapers",
		TaskType:               typ,
		RecurrenceIntervalDays: 30,
		StartDate:              day("2024-01-01"),
		QuantityPerPurchase:    &qty,
		QuantityUnit:           "pack",
		IsActive:               true,
	}
	for _, m := range mutate {
		m(task)
	}
	require.NoError(t, f.db.Create(task).Error)
	return task
}

func (f *fixture) exec(t *testing.T, task *caretask.CareTask, date string, mutate ...func(*TaskExecution)) *TaskExecution {
	t.Helper()
	e := Scheduled(f.node.Generate().String(), task, day(date))
	for _, m := range mutate {
		m(e)
	}
	require.NoError(t, f.db.Create(e).Error)
	return e
}

func (f *fixture) reload(t *testing.T, id string) *TaskExecution {
	t.Helper()
	var e TaskExecution
	require.NoError(t, f.db.First(&e, "id = ?", id).Error)
	return &e
}

func done(c float64) func(*TaskExecution) {
	return func(e *TaskExecution) {
		e.Status = StatusDone
		e.ActualCost = &c
	}
}

func TestCompleteCoversOnlyWhatIsAvailable(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, caretask.TaskTypePurchase)
	earlier := f.exec(t, task, "2024-01-01")
	target := f.exec(t, task, "2024-01-31", func(e *TaskExecution) { e.Notes = "bought in bulk" })
	c1 := f.exec(t, task, "2024-03-01", func(e *TaskExecution) { e.Notes = "remember coupon" })
	c2 := f.exec(t, task, "2024-03-31")

	qty := 5
	url := "https://example.com/receipt.png"
	got, err := f.svc.Complete(context.Background(), owner, target.ID, CompleteInput{
		ActualCost:    cost(90),
		Quantity:      &qty,
		EvidenceURL:   &url,
		ExecutionDate: "2024-02-02",
	})
	require.NoError(t, err)
	require.Equal(t, StatusDone, got.Status)
	require.InDelta(t, 30.0, *got.ActualCost, 1e-9)
	require.Equal(t, day("2024-02-02"), *got.ExecutionDate)
	require.Equal(t, owner, got.ExecutedBy)
	require.Equal(t, 1, got.Quantity)

	for _, id := range []string{c1.ID, c2.ID} {
		covered := f.reload(t, id)
		require.Equal(t, StatusCovered, covered.Status)
		require.Equal(t, target.ID, *covered.CoveredByExecutionRef)
		require.InDelta(t, 30.0, *covered.ActualCost, 1e-9)
		require.Equal(t, day("2024-02-02"), *covered.ExecutionDate)
		require.Equal(t, url, covered.EvidenceURL)
		require.Equal(t, owner, covered.ExecutedBy)
		require.Equal(t, 1, covered.Quantity)
		require.Contains(t, covered.Notes, "Covered by purchase on 2024-02-02")
	}
	require.True(t, strings.HasPrefix(f.reload(t, c1.ID).Notes, "remember coupon\n"))

	require.Equal(t, StatusTodo, f.reload(t, earlier.ID).Status)
}

func TestCompleteSplitsCostWithRounding(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, caretask.TaskTypePurchase)
	target := f.exec(t, task, "2024-01-01")
	f.exec(t, task, "2024-01-31")
	f.exec(t, task, "2024-03-01")

	qty := 3
	got, err := f.svc.Complete(context.Background(), owner, target.ID, CompleteInput{ActualCost: cost(100), Quantity: &qty})
	require.NoError(t, err)
	require.InDelta(t, 33.33, *got.ActualCost, 1e-9)
	require.Equal(t, day("2024-04-01"), *got.ExecutionDate)
}

func TestCompleteGeneralTaskIsNeverCovered(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, caretask.TaskTypeGeneral)
	target := f.exec(t, task, "2024-01-01")
	other := f.exec(t, task, "2024-01-31")

	qty := 3
	got, err := f.svc.Complete(context.Background(), owner, target.ID, CompleteInput{ActualCost: cost(90), Quantity: &qty})
	require.NoError(t, err)
	require.InDelta(t, 90.0, *got.ActualCost, 1e-9)
	require.Equal(t, 3, got.Quantity)
	require.Equal(t, StatusTodo, f.reload(t, other.ID).Status)
}

func TestCompleteRequiresTodo(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, caretask.TaskTypePurchase)
	e := f.exec(t, task, "2024-01-01")

	_, err := f.svc.Complete(context.Background(), owner, e.ID, CompleteInput{})
	require.NoError(t, err)

	_, err = f.svc.Complete(context.Background(), owner, e.ID, CompleteInput{})
	require.True(t, errutil.Is(err, errutil.StatusConflict), "got %v", err)

	_, err = f.svc.Complete(context.Background(), "owner-2", e.ID, CompleteInput{})
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	_, err = f.svc.Complete(context.Background(), owner, "missing", CompleteInput{})
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}

func TestCompleteValidatesInput(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, caretask.TaskTypePurchase)
	e := f.exec(t, task, "2024-01-01")

	zero := 0
	_, err := f.svc.Complete(context.Background(), owner, e.ID, CompleteInput{Quantity: &zero})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	_, err = f.svc.Complete(context.Background(), owner, e.ID, CompleteInput{ActualCost: cost(-1)})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	_, err = f.svc.Complete(context.Background(), owner, e.ID, CompleteInput{ExecutionDate: "yesterday"})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	require.Equal(t, StatusTodo, f.reload(t, e.ID).Status)
}

func TestConcurrentCompletionsNeverDoubleCover(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, caretask.TaskTypePurchase)
	execs := []*TaskExecution{
		f.exec(t, task, "2024-01-01"),
		f.exec(t, task, "2024-01-31"),
		f.exec(t, task, "2024-03-01"),
		f.exec(t, task, "2024-03-31"),
	}

	qty := 3
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Complete(context.Background(), owner, execs[i].ID, CompleteInput{ActualCost: cost(60), Quantity: &qty})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			require.True(t, errutil.Is(err, errutil.StatusConflict), "got %v", err)
		}
	}

	var rows []*TaskExecution
	require.NoError(t, f.db.Where("care_task_id = ?", task.ID).Find(&rows).Error)
	byID := map[string]*TaskExecution{}
	covered := 0
	for _, r := range rows {
		byID[r.ID] = r
	}
	for _, r := range rows {
		if r.Status != StatusCovered {
			continue
		}
		covered++
		require.NotNil(t, r.CoveredByExecutionRef)
		require.Equal(t, StatusDone, byID[*r.CoveredByExecutionRef].Status)
	}
	require.Equal(t, 2, covered)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, caretask.TaskTypeGeneral)
	e := f.exec(t, task, "2024-01-01")

	got, err := f.svc.Cancel(context.Background(), owner, e.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)

	_, err = f.svc.Cancel(context.Background(), owner, e.ID)
	require.True(t, errutil.Is(err, errutil.StatusConflict))

	notes := "late edit"
	_, err = f.svc.Update(context.Background(), owner, e.ID, UpdateInput{Notes: &notes})
	require.True(t, errutil.Is(err, errutil.StatusConflict))
}

func TestRefundEquality(t *testing.T) {
	cases := []struct {
		name   string
		amount float64
		want   Status
		reject bool
	}{
		{name: "exact", amount: 42, want: StatusRefunded},
		{name: "within tolerance", amount: 42.000001, want: StatusRefunded},
		{name: "partial", amount: 20, want: StatusPartiallyRefunded},
		{name: "exceeds cost", amount: 50, reject: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			task := f.task(t, caretask.TaskTypePurchase)
			e := f.exec(t, task, "2024-01-01", done(42))

			got, err := f.svc.Refund(context.Background(), owner, e.ID, RefundInput{RefundAmount: tc.amount, RefundReason: "damaged"})
			if tc.reject {
				require.True(t, errutil.Is(err, errutil.StatusConflict), "got %v", err)
				stored := f.reload(t, e.ID)
				require.Nil(t, stored.Refund)
				require.Equal(t, StatusDone, stored.Status)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got.Status)

			stored := f.reload(t, e.ID)
			require.Equal(t, tc.want, stored.Status)
			require.NotNil(t, stored.Refund)
			require.InDelta(t, tc.amount, stored.Refund.RefundAmount, 1e-9)
			require.Equal(t, "damaged", stored.Refund.RefundReason)
			require.Equal(t, owner, stored.Refund.RefundedBy)
			require.Equal(t, day("2024-04-01"), stored.Refund.RefundDate.UTC())
		})
	}
}

func TestRefundPreconditions(t *testing.T) {
	f := newFixture(t)
	purchase := f.task(t, caretask.TaskTypePurchase)
	general := f.task(t, caretask.TaskTypeGeneral)

	todo := f.exec(t, purchase, "2024-01-01")
	free := f.exec(t, purchase, "2024-01-31", func(e *TaskExecution) { e.Status = StatusDone })
	chore := f.exec(t, general, "2024-01-01", done(10))
	paid := f.exec(t, purchase, "2024-03-01", done(10))

	for _, id := range []string{todo.ID, free.ID, chore.ID} {
		_, err := f.svc.Refund(context.Background(), owner, id, RefundInput{RefundAmount: 5})
		require.True(t, errutil.Is(err, errutil.StatusConflict), "execution %s: %v", id, err)
	}

	_, err := f.svc.Refund(context.Background(), owner, paid.ID, RefundInput{RefundAmount: 0})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	_, err = f.svc.Refund(context.Background(), owner, paid.ID, RefundInput{RefundAmount: 5})
	require.NoError(t, err)
	_, err = f.svc.Refund(context.Background(), owner, paid.ID, RefundInput{RefundAmount: 5})
	require.True(t, errutil.Is(err, errutil.StatusConflict))
}

func TestAmendRefundRederivesStatus(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, caretask.TaskTypePurchase)
	e := f.exec(t, task, "2024-01-01", done(42))
	ctx := context.Background()

	got, err := f.svc.Refund(ctx, owner, e.ID, RefundInput{RefundAmount: 20})
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyRefunded, got.Status)

	got, err = f.svc.AmendRefund(ctx, owner, e.ID, AmendRefundInput{RefundAmount: cost(42)})
	require.NoError(t, err)
	require.Equal(t, StatusRefunded, got.Status)

	got, err = f.svc.AmendRefund(ctx, owner, e.ID, AmendRefundInput{ActualCost: cost(100)})
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyRefunded, got.Status)
	require.InDelta(t, 100.0, *f.reload(t, e.ID).ActualCost, 1e-9)

	_, err = f.svc.AmendRefund(ctx, owner, e.ID, AmendRefundInput{RefundAmount: cost(200)})
	require.True(t, errutil.Is(err, errutil.StatusConflict))

	_, err = f.svc.AmendRefund(ctx, owner, e.ID, AmendRefundInput{ActualCost: cost(10)})
	require.True(t, errutil.Is(err, errutil.StatusConflict))

	stored := f.reload(t, e.ID)
	require.Equal(t, StatusPartiallyRefunded, stored.Status)
	require.InDelta(t, 42.0, stored.Refund.RefundAmount, 1e-9)
}

func TestAmendRefundRequiresRefund(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, caretask.TaskTypePurchase)
	e := f.exec(t, task, "2024-01-01", done(42))

	_, err := f.svc.AmendRefund(context.Background(), owner, e.ID, AmendRefundInput{RefundAmount: cost(5)})
	require.True(t, errutil.Is(err, errutil.StatusConflict))
}

func TestUpdateCannotSetStatusOnceRefunded(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, caretask.TaskTypePurchase)
	e := f.exec(t, task, "2024-01-01", done(42))
	_, err := f.svc.Refund(context.Background(), owner, e.ID, RefundInput{RefundAmount: 42})
	require.NoError(t, err)

	status := StatusDone
	_, err = f.svc.Update(context.Background(), owner, e.ID, UpdateInput{Status: &status})
	require.True(t, errutil.Is(err, errutil.StatusConflict))
	require.Equal(t, StatusRefunded, f.reload(t, e.ID).Status)
}

func TestUpdateDelegatesStatusChanges(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, caretask.TaskTypePurchase)
	a := f.exec(t, task, "2024-01-01")
	b := f.exec(t, task, "2024-01-31")
	ctx := context.Background()

	doneStatus := StatusDone
	got, err := f.svc.Update(ctx, owner, a.ID, UpdateInput{Status: &doneStatus, ActualCost: cost(12)})
	require.NoError(t, err)
	require.Equal(t, StatusDone, got.Status)
	require.InDelta(t, 12.0, *got.ActualCost, 1e-9)

	cancelled := StatusCancelled
	notes := "not needed"
	got, err = f.svc.Update(ctx, owner, b.ID, UpdateInput{Status: &cancelled, Notes: &notes})
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)
	require.Equal(t, "not needed", got.Notes)

	covered := StatusCovered
	c := f.exec(t, task, "2024-03-01")
	_, err = f.svc.Update(ctx, owner, c.ID, UpdateInput{Status: &covered})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	todo := StatusTodo
	_, err = f.svc.Update(ctx, owner, a.ID, UpdateInput{Status: &todo})
	require.True(t, errutil.Is(err, errutil.StatusConflict))
}

func TestUpdateScheduledDateOnlyWhileTodo(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, caretask.TaskTypePurchase)
	todo := f.exec(t, task, "2024-01-01")
	f.exec(t, task, "2024-01-31")
	paid := f.exec(t, task, "2024-03-01", done(10))
	ctx := context.Background()

	moved := "2024-01-05"
	got, err := f.svc.Update(ctx, owner, todo.ID, UpdateInput{ScheduledDate: &moved})
	require.NoError(t, err)
	require.Equal(t, day("2024-01-05"), got.ScheduledDate.UTC())

	taken := "2024-01-31"
	_, err = f.svc.Update(ctx, owner, todo.ID, UpdateInput{ScheduledDate: &taken})
	require.True(t, errutil.Is(err, errutil.StatusConflict), "got %v", err)

	_, err = f.svc.Update(ctx, owner, paid.ID, UpdateInput{ScheduledDate: &moved})
	require.True(t, errutil.Is(err, errutil.StatusConflict))

	got, err = f.svc.Update(ctx, owner, paid.ID, UpdateInput{ActualCost: cost(11)})
	require.NoError(t, err)
	require.InDelta(t, 11.0, *got.ActualCost, 1e-9)
}

func TestCreateManual(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, caretask.TaskTypePurchase, func(c *caretask.CareTask) {
		end := day("2024-12-31")
		c.EndDate = &end
	})
	ctx := context.Background()

	got, err := f.svc.Create(ctx, owner, task.ID, CreateInput{ScheduledDate: "2024-02-14", Notes: "extra"})
	require.NoError(t, err)
	require.Equal(t, StatusTodo, got.Status)
	require.Equal(t, 1, got.Quantity)
	require.Equal(t, "pack", got.QuantityUnit)
	require.Equal(t, 2, *got.QuantityPurchased)

	_, err = f.svc.Create(ctx, owner, task.ID, CreateInput{ScheduledDate: "2024-02-14"})
	require.True(t, errutil.Is(err, errutil.StatusConflict), "got %v", err)

	_, err = f.svc.Create(ctx, owner, task.ID, CreateInput{ScheduledDate: "2025-01-01"})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	_, err = f.svc.Create(ctx, "owner-2", task.ID, CreateInput{ScheduledDate: "2024-02-15"})
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	inactive := f.task(t, caretask.TaskTypePurchase, func(c *caretask.CareTask) { c.IsActive = false })
	_, err = f.svc.Create(ctx, owner, inactive.ID, CreateInput{ScheduledDate: "2024-02-14"})
	require.True(t, errutil.Is(err, errutil.StatusConflict))
}

func TestList(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, caretask.TaskTypePurchase)
	f.exec(t, task, "2024-03-01")
	f.exec(t, task, "2024-01-01", done(5))
	f.exec(t, task, "2024-01-31")

	all, err := f.svc.List(context.Background(), owner, task.ID, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, day("2024-01-01"), all[0].ScheduledDate.UTC())
	require.Equal(t, day("2024-03-01"), all[2].ScheduledDate.UTC())

	from := day("2024-01-15")
	todo, err := f.svc.List(context.Background(), owner, task.ID, ListFilter{Statuses: []Status{StatusTodo}, From: &from})
	require.NoError(t, err)
	require.Len(t, todo, 2)

	_, err = f.svc.List(context.Background(), "owner-2", task.ID, ListFilter{})
	require.True(t, errutil.Is(err, errutil.StatusForbidden))
}

func TestCompleteSplitsStoredCost(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, caretask.TaskTypePurchase)
	target := f.exec(t, task, "2024-01-01")
	c1 := f.exec(t, task, "2024-01-31")
	c2 := f.exec(t, task, "2024-03-01")
	ctx := context.Background()

	_, err := f.svc.Update(ctx, owner, target.ID, UpdateInput{ActualCost: cost(90)})
	require.NoError(t, err)

	qty := 3
	got, err := f.svc.Complete(ctx, owner, target.ID, CompleteInput{Quantity: &qty})
	require.NoError(t, err)
	require.InDelta(t, 30.0, *got.ActualCost, 1e-9)

	total := NetSpend(got)
	for _, id := range []string{c1.ID, c2.ID} {
		covered := f.reload(t, id)
		require.Equal(t, StatusCovered, covered.Status)
		require.InDelta(t, 30.0, *covered.ActualCost, 1e-9)
		total += NetSpend(covered)
	}
	require.InDelta(t, 90.0, total, 1e-9)
}

// interleavedLocker runs before ahead of taking the lock, standing in for a
// writer that got there first.
type interleavedLocker struct {
	keylock.Locker
	before func()
}

func (l interleavedLocker) Lock(ctx context.Context, key string) (func(), error) {
	if l.before != nil {
		l.before()
	}
	return l.Locker.Lock(ctx, key)
}

func TestUpdateCancelWritesNothingWhenRaced(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, caretask.TaskTypePurchase)
	e := f.exec(t, task, "2024-01-01", func(e *TaskExecution) { e.Notes = "original" })

	svc := NewService(ServiceParams{
		DB:    f.db,
		Node:  f.node,
		Clock: testutil.NewClock(time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)),
		Locker: interleavedLocker{Locker: keylock.NewMemory(), before: func() {
			require.NoError(t, f.db.Model(&TaskExecution{}).Where("id = ?", e.ID).Update("status", StatusDone).Error)
		}},
		Config: &config.Config{Timezone: "UTC"},
	})

	cancelled := StatusCancelled
	notes := "changed"
	_, err := svc.Update(context.Background(), owner, e.ID, UpdateInput{Status: &cancelled, Notes: &notes})
	require.True(t, errutil.Is(err, errutil.StatusConflict), "got %v", err)

	got := f.reload(t, e.ID)
	require.Equal(t, StatusDone, got.Status)
	require.Equal(t, "original", got.Notes)
}

func TestUpdateToDoneRejectsFieldsCompleteCannotApply(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, caretask.TaskTypePurchase)
	e := f.exec(t, task, "2024-01-01")
	ctx := context.Background()

	doneStatus := StatusDone
	moved := "2024-01-02"
	unit := "box"
	purchased := 4
	for _, in := range []UpdateInput{
		{Status: &doneStatus, ScheduledDate: &moved},
		{Status: &doneStatus, QuantityUnit: &unit},
		{Status: &doneStatus, QuantityPurchased: &purchased},
	} {
		_, err := f.svc.Update(ctx, owner, e.ID, in)
		require.True(t, errutil.Is(err, errutil.StatusValidationFailed), "got %v", err)
	}
	require.Equal(t, StatusTodo, f.reload(t, e.ID).Status)
}

func TestCreateReportsStoreFailuresPlainly(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, caretask.TaskTypePurchase)
	require.NoError(t, f.db.Migrator().DropTable(&TaskExecution{}))

	_, err := f.svc.Create(context.Background(), owner, task.ID, CreateInput{ScheduledDate: "2024-02-14"})
	require.True(t, errutil.Is(err, errutil.StatusInternal), "got %v", err)

	var base errutil.BaseError
	require.True(t, errors.As(err, &base))
	require.Equal(t, "failed to create execution", base.Message)
}
