package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"careledger/pkg/config"
	"careledger/pkg/dateutil"
	"careledger/pkg/db/option"
	"careledger/pkg/errutil"
	"careledger/pkg/keylock"
	"careledger/pkg/repository"
	"careledger/pkg/validation"
	"careledger/services/caretask"

	"github.com/bwmarrin/snowflake"
	"github.com/facebookgo/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrExecutionNotFound = errutil.NotFound("execution not found", nil)
	ErrNotOwner          = errutil.Forbidden("execution belongs to another owner", nil)
	errLostRace          = errutil.Conflict("execution was modified concurrently, retry", nil)
)

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	clock  clock.Clock
	locker keylock.Locker
	loc    *time.Location

	tasks      repository.Repository[caretask.CareTask]
	executions repository.Repository[TaskExecution]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Clock  clock.Clock
	Locker keylock.Locker
	Config *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:         p.DB,
		node:       p.Node,
		clock:      p.Clock,
		locker:     p.Locker,
		loc:        p.Config.Location(),
		tasks:      repository.ProvideStore[caretask.CareTask](p.DB),
		executions: repository.ProvideStore[TaskExecution](p.DB),
	}
}

// Scheduled builds a TODO execution of task on day, copying the task's
// purchase defaults.
func Scheduled(id string, task *caretask.CareTask, day time.Time) *TaskExecution {
	return &TaskExecution{
		ID:                id,
		CareTaskID:        task.ID,
		OwnerID:           task.OwnerID,
		Status:            StatusTodo,
		ScheduledDate:     dateutil.Day(day),
		Quantity:          1,
		QuantityPurchased: task.QuantityPerPurchase,
		QuantityUnit:      task.QuantityUnit,
	}
}

func load(ctx context.Context, repo repository.Repository[TaskExecution], owner, id string, opts ...option.QueryOption) (*TaskExecution, error) {
	exec, err := repo.FindOne(ctx, &TaskExecution{ID: id}, opts...)
	if err != nil {
		return nil, errutil.FromStore("failed to load execution", err)
	}
	if exec == nil {
		return nil, ErrExecutionNotFound
	}
	if exec.OwnerID != owner {
		return nil, ErrNotOwner
	}
	return exec, nil
}

func (s *Service) withTaskLock(ctx context.Context, taskID string, fn func() error) error {
	unlock, err := s.locker.Lock(ctx, keylock.TaskKey(taskID))
	if err != nil {
		return errutil.FromStore("failed to lock care task", err)
	}
	defer unlock()
	return fn()
}

func (s *Service) today() time.Time {
	return dateutil.Today(s.clock.Now(), s.loc)
}

func (s *Service) Get(ctx context.Context, owner, id string) (*TaskExecution, error) {
	return load(ctx, s.executions, owner, id)
}

// List returns a task's executions by scheduled date.
func (s *Service) List(ctx context.Context, owner, taskID string, f ListFilter) ([]*TaskExecution, error) {
	if _, err := caretask.Load(ctx, s.tasks, owner, taskID); err != nil {
		return nil, err
	}

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{SortBy: "scheduled_date", OrderBy: "ASC"}),
		option.WithTieBreak("id", false),
	}
	if len(f.Statuses) > 0 {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "status", Operator: option.IN, Value: f.Statuses}))
	}
	if f.From != nil {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "scheduled_date", Operator: option.GTE, Value: dateutil.Day(*f.From)}))
	}
	if f.To != nil {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "scheduled_date", Operator: option.LTE, Value: dateutil.Day(*f.To)}))
	}

	out, err := s.executions.Find(ctx, &TaskExecution{CareTaskID: taskID, OwnerID: owner}, opts...)
	if err != nil {
		return nil, errutil.FromStore("failed to list executions", err)
	}
	return out, nil
}

// Create adds a manual TODO execution to an active task.
func (s *Service) Create(ctx context.Context, owner, taskID string, in CreateInput) (*TaskExecution, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	day, err := validation.ParseDate("scheduled_date", in.ScheduledDate)
	if err != nil {
		return nil, err
	}

	task, err := caretask.Load(ctx, s.tasks, owner, taskID)
	if err != nil {
		return nil, err
	}
	if !task.IsActive {
		return nil, errutil.Conflict("care task is inactive", nil)
	}
	if day.Before(task.StartDate) {
		return nil, errutil.Field("scheduled_date", "must be on or after the task start date")
	}
	if task.EndDate != nil && dateutil.After(day, *task.EndDate) {
		return nil, errutil.Field("scheduled_date", "must be on or before the task end date")
	}

	exec := Scheduled(s.node.Generate().String(), task, day)
	if in.Quantity != nil {
		exec.Quantity = *in.Quantity
	}
	if in.QuantityPurchased != nil {
		exec.QuantityPurchased = in.QuantityPurchased
	}
	if in.QuantityUnit != "" {
		exec.QuantityUnit = in.QuantityUnit
	}
	exec.Notes = in.Notes

	if err := s.withTaskLock(ctx, task.ID, func() error {
		err := s.executions.Create(ctx, exec)
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errutil.Conflict("an execution is already scheduled on that date", err)
		}
		return errutil.FromStore("failed to create execution", err)
	}); err != nil {
		return nil, err
	}

	zap.L().Info("manual execution created",
		zap.String("owner_id", owner),
		zap.String("care_task_id", task.ID),
		zap.String("execution_id", exec.ID),
	)
	return exec, nil
}

// Update applies an ordinary edit. Status changes are delegated to Complete
// and Cancel; once a refund exists status can no longer be set.
func (s *Service) Update(ctx context.Context, owner, id string, in UpdateInput) (*TaskExecution, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	exec, err := load(ctx, s.executions, owner, id)
	if err != nil {
		return nil, err
	}
	if in.Status != nil && exec.Refund != nil {
		return nil, errutil.Conflict("status is derived from the refund and cannot be set", nil)
	}
	if exec.Status.Terminal() {
		return nil, errutil.Conflict(fmt.Sprintf("%s executions cannot be edited", exec.Status), nil)
	}

	if in.Status != nil && *in.Status != exec.Status {
		if exec.Status != StatusTodo {
			return nil, errutil.Conflict(fmt.Sprintf("cannot change status from %s", exec.Status), nil)
		}
		switch *in.Status {
		case StatusDone:
			if in.ScheduledDate != nil || in.QuantityPurchased != nil || in.QuantityUnit != nil {
				return nil, errutil.Field("status", "scheduled_date, quantity_purchased and quantity_unit cannot change while completing")
			}
			ci := CompleteInput{
				ActualCost:  in.ActualCost,
				Quantity:    in.Quantity,
				Notes:       in.Notes,
				EvidenceURL: in.EvidenceURL,
				ExecutedBy:  in.ExecutedBy,
			}
			if in.ExecutionDate != nil {
				ci.ExecutionDate = *in.ExecutionDate
			}
			return s.Complete(ctx, owner, id, ci)
		case StatusCancelled:
			return s.edit(ctx, owner, id, in, StatusCancelled)
		default:
			return nil, errutil.Field("status", "can only change to DONE or CANCELLED")
		}
	}

	return s.edit(ctx, owner, id, in, "")
}

// edit writes the field changes, and status when set, in one conditional
// update so a lost race leaves the row untouched.
func (s *Service) edit(ctx context.Context, owner, id string, in UpdateInput, status Status) (*TaskExecution, error) {
	exec, err := load(ctx, s.executions, owner, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if in.ScheduledDate != nil {
		day, err := validation.ParseDate("scheduled_date", *in.ScheduledDate)
		if err != nil {
			return nil, err
		}
		if !day.Equal(exec.ScheduledDate) {
			if exec.Status != StatusTodo {
				return nil, errutil.Conflict("scheduled_date can only change while the execution is TODO", nil)
			}
			updates["scheduled_date"] = day
		}
	}
	if in.ExecutionDate != nil {
		day, err := validation.ParseOptionalDate("execution_date", *in.ExecutionDate)
		if err != nil {
			return nil, err
		}
		updates["execution_date"] = day
	}
	if in.ActualCost != nil {
		v, err := validation.Amount("actual_cost", *in.ActualCost)
		if err != nil {
			return nil, err
		}
		updates["actual_cost"] = v
	}
	if in.Quantity != nil {
		q, err := validation.Quantity("quantity", *in.Quantity)
		if err != nil {
			return nil, err
		}
		updates["quantity"] = q
	}
	if in.QuantityPurchased != nil {
		q, err := validation.NonNegativeInt("quantity_purchased", *in.QuantityPurchased)
		if err != nil {
			return nil, err
		}
		updates["quantity_purchased"] = q
	}
	if in.QuantityUnit != nil {
		updates["quantity_unit"] = *in.QuantityUnit
	}
	if in.Notes != nil {
		updates["notes"] = *in.Notes
	}
	if in.EvidenceURL != nil {
		updates["evidence_url"] = *in.EvidenceURL
	}
	if status != "" {
		updates["status"] = status
	}
	if len(updates) == 0 {
		return exec, nil
	}

	if err := s.withTaskLock(ctx, exec.CareTaskID, func() error {
		n, err := s.executions.UpdateWhere(ctx, updates, option.Where("id = ? AND status = ?", exec.ID, exec.Status))
		if err != nil {
			return errutil.FromStore("failed to update execution", err)
		}
		if n == 0 {
			return errLostRace
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if status == StatusCancelled {
		zap.L().Info("execution cancelled", zap.String("owner_id", owner), zap.String("execution_id", id))
	}
	return load(ctx, s.executions, owner, id)
}

// Complete marks a TODO execution DONE. For PURCHASE tasks a quantity above
// one covers later TODO executions of the same task; the cost is split evenly
// across the covering execution and everything it covers. All writes happen in
// one transaction under the task lock and each is conditional on the row still
// being TODO, so a concurrent completion can never cover a row twice.
func (s *Service) Complete(ctx context.Context, owner, id string, in CompleteInput) (*TaskExecution, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	if in.ActualCost != nil {
		if _, err := validation.Amount("actual_cost", *in.ActualCost); err != nil {
			return nil, err
		}
	}
	if in.Quantity != nil {
		if _, err := validation.Quantity("quantity", *in.Quantity); err != nil {
			return nil, err
		}
	}
	execDate, err := validation.ParseOptionalDate("execution_date", in.ExecutionDate)
	if err != nil {
		return nil, err
	}

	exec, err := load(ctx, s.executions, owner, id)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("owner_id", owner),
		zap.String("care_task_id", exec.CareTaskID),
		zap.String("execution_id", id),
	)

	var covered int
	err = s.withTaskLock(ctx, exec.CareTaskID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			covered, err = s.complete(ctx, tx, owner, id, in, execDate)
			return err
		})
	})
	if err != nil {
		log.Warn("failed to complete execution", zap.Error(err))
		return nil, err
	}

	log.Info("execution completed", zap.Int("covered", covered))
	return load(ctx, s.executions, owner, id)
}

func (s *Service) complete(ctx context.Context, tx *gorm.DB, owner, id string, in CompleteInput, execDate *time.Time) (int, error) {
	executions := s.executions.WithTrx(tx)

	exec, err := load(ctx, executions, owner, id, option.WithLockingUpdate())
	if err != nil {
		return 0, err
	}
	if exec.Status != StatusTodo {
		return 0, errutil.Conflict(fmt.Sprintf("execution is %s, only TODO executions can be completed", exec.Status), nil)
	}

	task, err := caretask.Load(ctx, s.tasks.WithTrx(tx), owner, exec.CareTaskID)
	if err != nil {
		return 0, err
	}

	desired := exec.Quantity
	if in.Quantity != nil {
		desired = *in.Quantity
	}
	if desired < 1 {
		desired = 1
	}

	var candidates []*TaskExecution
	if task.IsPurchase() && desired > 1 {
		candidates, err = executions.Find(ctx,
			&TaskExecution{CareTaskID: exec.CareTaskID, Status: StatusTodo},
			option.Where("scheduled_date >= ?", exec.ScheduledDate),
			option.Where("id <> ?", exec.ID),
			option.WithSortBy(option.QuerySortBy{SortBy: "scheduled_date", OrderBy: "ASC"}),
			option.WithTieBreak("id", false),
			option.WithLimit(desired-1),
			option.WithLockingUpdate(),
		)
		if err != nil {
			return 0, errutil.FromStore("failed to query cover candidates", err)
		}
	}
	applied := 1 + len(candidates)

	// a purchase cost, given now or stored on the row, is the total for every
	// applied unit; rows keep the per-unit share
	cost := exec.ActualCost
	if in.ActualCost != nil {
		cost = in.ActualCost
	}
	if cost != nil {
		c := *cost
		if task.IsPurchase() {
			c = validation.RoundMoney(c / float64(applied))
		}
		cost = &c
	}

	// purchase rows carry per-unit cost, so each represents one unit
	quantity := desired
	if task.IsPurchase() {
		quantity = 1
	}

	done := s.today()
	if execDate != nil {
		done = *execDate
	}
	executedBy := in.ExecutedBy
	if executedBy == "" {
		executedBy = owner
	}
	evidence := exec.EvidenceURL
	if in.EvidenceURL != nil {
		evidence = *in.EvidenceURL
	}
	notes := exec.Notes
	if in.Notes != nil {
		notes = *in.Notes
	}

	n, err := executions.UpdateWhere(ctx, map[string]any{
		"status":         StatusDone,
		"execution_date": done,
		"executed_by":    executedBy,
		"actual_cost":    cost,
		"quantity":       quantity,
		"evidence_url":   evidence,
		"notes":          notes,
	}, option.Where("id = ? AND status = ?", exec.ID, StatusTodo))
	if err != nil {
		return 0, errutil.FromStore("failed to complete execution", err)
	}
	if n == 0 {
		return 0, errLostRace
	}

	annotation := fmt.Sprintf("Covered by purchase on %s", done.Format(time.DateOnly))
	for _, c := range candidates {
		n, err := executions.UpdateWhere(ctx, map[string]any{
			"status":                   StatusCovered,
			"quantity":                 1,
			"covered_by_execution_ref": exec.ID,
			"execution_date":           done,
			"evidence_url":             evidence,
			"executed_by":              executedBy,
			"actual_cost":              cost,
			"notes":                    appendNote(c.Notes, annotation),
		}, option.Where("id = ? AND status = ?", c.ID, StatusTodo))
		if err != nil {
			return 0, errutil.FromStore("failed to cover execution", err)
		}
		if n == 0 {
			return 0, errLostRace
		}
	}

	return len(candidates), nil
}

func appendNote(notes, line string) string {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}

func (s *Service) Cancel(ctx context.Context, owner, id string) (*TaskExecution, error) {
	exec, err := load(ctx, s.executions, owner, id)
	if err != nil {
		return nil, err
	}

	if err := s.withTaskLock(ctx, exec.CareTaskID, func() error {
		current, err := load(ctx, s.executions, owner, id)
		if err != nil {
			return err
		}
		if current.Status != StatusTodo {
			return errutil.Conflict(fmt.Sprintf("execution is %s, only TODO executions can be cancelled", current.Status), nil)
		}
		n, err := s.executions.UpdateWhere(ctx, map[string]any{"status": StatusCancelled},
			option.Where("id = ? AND status = ?", id, StatusTodo))
		if err != nil {
			return errutil.FromStore("failed to cancel execution", err)
		}
		if n == 0 {
			return errLostRace
		}
		return nil
	}); err != nil {
		return nil, err
	}

	zap.L().Info("execution cancelled", zap.String("owner_id", owner), zap.String("execution_id", id))
	return load(ctx, s.executions, owner, id)
}

// Refund attaches a refund to a DONE purchase execution.
func (s *Service) Refund(ctx context.Context, owner, id string, in RefundInput) (*TaskExecution, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	if _, err := validation.PositiveAmount("refund_amount", in.RefundAmount); err != nil {
		return nil, err
	}
	refundDate, err := validation.ParseOptionalDate("refund_date", in.RefundDate)
	if err != nil {
		return nil, err
	}

	exec, err := load(ctx, s.executions, owner, id)
	if err != nil {
		return nil, err
	}

	var result *TaskExecution
	err = s.withTaskLock(ctx, exec.CareTaskID, func() error {
		current, err := load(ctx, s.executions, owner, id)
		if err != nil {
			return err
		}
		task, err := caretask.Load(ctx, s.tasks, owner, current.CareTaskID)
		if err != nil {
			return err
		}

		switch {
		case !task.IsPurchase():
			return errutil.Conflict("only PURCHASE executions can be refunded", nil)
		case current.Refund != nil:
			return errutil.Conflict("execution already has a refund", nil)
		case current.Status != StatusDone:
			return errutil.Conflict(fmt.Sprintf("execution is %s, only DONE executions can be refunded", current.Status), nil)
		case current.ActualCost == nil || *current.ActualCost <= 0:
			return errutil.Conflict("execution has no actual cost to refund", nil)
		case validation.Exceeds(in.RefundAmount, *current.ActualCost):
			return errutil.Conflict("refund amount exceeds actual cost", nil)
		}

		now := s.clock.Now().UTC()
		date := s.today()
		if refundDate != nil {
			date = *refundDate
		}
		refundedBy := in.RefundedBy
		if refundedBy == "" {
			refundedBy = owner
		}

		current.Refund = &Refund{
			RefundAmount:      in.RefundAmount,
			RefundReason:      in.RefundReason,
			RefundEvidenceURL: in.RefundEvidenceURL,
			RefundDate:        date,
			RefundedBy:        refundedBy,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		current.Status = DeriveStatus(current.ActualCost, current.Refund)
		if err := s.executions.Save(ctx, current); err != nil {
			return errutil.FromStore("failed to save refund", err)
		}
		result = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("execution refunded",
		zap.String("owner_id", owner),
		zap.String("execution_id", id),
		zap.String("status", string(result.Status)),
	)
	return result, nil
}

// AmendRefund edits an existing refund or the cost it is measured against and
// re-derives the status.
func (s *Service) AmendRefund(ctx context.Context, owner, id string, in AmendRefundInput) (*TaskExecution, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	if in.RefundAmount != nil {
		if _, err := validation.PositiveAmount("refund_amount", *in.RefundAmount); err != nil {
			return nil, err
		}
	}
	if in.ActualCost != nil {
		if _, err := validation.Amount("actual_cost", *in.ActualCost); err != nil {
			return nil, err
		}
	}
	var refundDate *time.Time
	if in.RefundDate != nil {
		d, err := validation.ParseDate("refund_date", *in.RefundDate)
		if err != nil {
			return nil, err
		}
		refundDate = &d
	}

	exec, err := load(ctx, s.executions, owner, id)
	if err != nil {
		return nil, err
	}

	var result *TaskExecution
	err = s.withTaskLock(ctx, exec.CareTaskID, func() error {
		current, err := load(ctx, s.executions, owner, id)
		if err != nil {
			return err
		}
		if current.Refund == nil {
			return errutil.Conflict("execution has no refund to amend", nil)
		}

		refund := *current.Refund
		if in.RefundAmount != nil {
			refund.RefundAmount = *in.RefundAmount
		}
		if in.RefundReason != nil {
			refund.RefundReason = *in.RefundReason
		}
		if in.RefundEvidenceURL != nil {
			refund.RefundEvidenceURL = *in.RefundEvidenceURL
		}
		if refundDate != nil {
			refund.RefundDate = *refundDate
		}
		cost := current.ActualCost
		if in.ActualCost != nil {
			c := *in.ActualCost
			cost = &c
		}

		if cost == nil || *cost <= 0 {
			return errutil.Conflict("actual cost must stay positive while a refund exists", nil)
		}
		if validation.Exceeds(refund.RefundAmount, *cost) {
			return errutil.Conflict("refund amount exceeds actual cost", nil)
		}

		refund.UpdatedAt = s.clock.Now().UTC()
		current.Refund = &refund
		current.ActualCost = cost
		current.Status = DeriveStatus(cost, current.Refund)
		if err := s.executions.Save(ctx, current); err != nil {
			return errutil.FromStore("failed to save refund", err)
		}
		result = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("refund amended",
		zap.String("owner_id", owner),
		zap.String("execution_id", id),
		zap.String("status", string(result.Status)),
	)
	return result, nil
}
