package caretask

import (
	"context"
	"strings"
	"time"

	"careledger/pkg/config"
	"careledger/pkg/dateutil"
	"careledger/pkg/db/option"
	"careledger/pkg/errutil"
	"careledger/pkg/repository"
	"careledger/pkg/validation"

	"github.com/bwmarrin/snowflake"
	"github.com/facebookgo/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrTaskNotFound = errutil.NotFound("care task not found", nil)
	ErrNotOwner     = errutil.Forbidden("care task belongs to another owner", nil)
)

// Generator produces the execution stream of a task.
type Generator interface {
	// Seed creates the first execution at the task's start date inside tx.
	Seed(ctx context.Context, tx *gorm.DB, task *CareTask) error
	// Backfill generates every missing execution of task inside window.
	Backfill(ctx context.Context, task *CareTask, window dateutil.Window) (int, error)
}

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock clock.Clock
	loc   *time.Location

	tasks     repository.Repository[CareTask]
	generator Generator
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Clock     clock.Clock
	Config    *config.Config `optional:"true"`
	Generator Generator
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		clock:     p.Clock,
		loc:       p.Config.Location(),
		tasks:     repository.ProvideStore[CareTask](p.DB),
		generator: p.Generator,
	}
}

// Load fetches a task and checks it belongs to owner.
func Load(ctx context.Context, repo repository.Repository[CareTask], owner, id string) (*CareTask, error) {
	task, err := repo.FindOne(ctx, &CareTask{ID: id})
	if err != nil {
		return nil, errutil.FromStore("failed to load care task", err)
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	if task.OwnerID != owner {
		return nil, ErrNotOwner
	}
	return task, nil
}

// Create persists the task together with its first execution, then backfills
// the current year for recurring tasks. A failed backfill is logged only; the
// scheduler picks it up on its next pass.
func (s *Service) Create(ctx context.Context, owner string, in CreateInput) (*CareTask, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	start, err := validation.ParseDate("start_date", in.StartDate)
	if err != nil {
		return nil, err
	}
	end, err := validation.ParseOptionalDate("end_date", in.EndDate)
	if err != nil {
		return nil, err
	}
	if err := validation.DateRange("start_date", start, "end_date", end); err != nil {
		return nil, err
	}
	budget, err := checkAmounts(&in.RecurrenceIntervalDays, in.EstimatedUnitCost, in.YearlyBudget)
	if err != nil {
		return nil, err
	}

	task := &CareTask{
		ID:                     s.node.Generate().String(),
		OwnerID:                owner,
		Name:                   strings.TrimSpace(in.Name),
		Description:            in.Description,
		TaskType:               in.TaskType,
		RecurrenceIntervalDays: in.RecurrenceIntervalDays,
		StartDate:              start,
		EndDate:                end,
		QuantityUnit:           in.QuantityUnit,
		IsActive:               true,
	}
	if task.IsPurchase() {
		task.CategoryID = in.CategoryID
		task.QuantityPerPurchase = in.QuantityPerPurchase
		task.EstimatedUnitCost = in.EstimatedUnitCost
		task.YearlyBudget = budget
	}

	log := zap.L().With(zap.String("owner_id", owner), zap.String("care_task_id", task.ID))

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.tasks.WithTrx(tx).Create(ctx, task); err != nil {
			return errutil.FromStore("failed to create care task", err)
		}
		return s.generator.Seed(ctx, tx, task)
	}); err != nil {
		log.Error("failed to create care task", zap.Error(err))
		return nil, err
	}

	if task.IsRecurring() {
		s.backfill(ctx, task, log)
	}

	log.Info("care task created", zap.String("task_type", string(task.TaskType)))
	return task, nil
}

// checkAmounts validates the numeric task fields and returns the yearly budget
// rounded to cents, which is what transfers move.
func checkAmounts(interval *int, unitCost, budget *float64) (*float64, error) {
	if interval != nil {
		if _, err := validation.NonNegativeInt("recurrence_interval_days", *interval); err != nil {
			return nil, err
		}
	}
	if unitCost != nil {
		if _, err := validation.Amount("estimated_unit_cost", *unitCost); err != nil {
			return nil, err
		}
	}
	if budget == nil {
		return nil, nil
	}
	v, err := validation.Cents("yearly_budget", *budget)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Service) Get(ctx context.Context, owner, id string) (*CareTask, error) {
	return Load(ctx, s.tasks, owner, id)
}

func (s *Service) List(ctx context.Context, owner string, includeInactive bool) ([]*CareTask, error) {
	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "ASC"}),
		option.WithTieBreak("id", false),
	}
	if !includeInactive {
		opts = append(opts, option.Where("is_active = ?", true))
	}
	tasks, err := s.tasks.Find(ctx, &CareTask{OwnerID: owner}, opts...)
	if err != nil {
		return nil, errutil.FromStore("failed to list care tasks", err)
	}
	return tasks, nil
}

func (s *Service) Update(ctx context.Context, owner, id string, in UpdateInput) (*CareTask, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	budget, err := checkAmounts(in.RecurrenceIntervalDays, in.EstimatedUnitCost, in.YearlyBudget)
	if err != nil {
		return nil, err
	}

	task, err := Load(ctx, s.tasks, owner, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, errutil.Field("name", "is required")
		}
		updates["name"] = name
	}
	if in.Description != nil {
		updates["description"] = *in.Description
	}
	if in.RecurrenceIntervalDays != nil {
		updates["recurrence_interval_days"] = *in.RecurrenceIntervalDays
	}
	if in.QuantityUnit != nil {
		updates["quantity_unit"] = *in.QuantityUnit
	}

	switch {
	case in.ClearEndDate:
		updates["end_date"] = nil
	case in.EndDate != nil:
		end, err := validation.ParseOptionalDate("end_date", *in.EndDate)
		if err != nil {
			return nil, err
		}
		if err := validation.DateRange("start_date", task.StartDate, "end_date", end); err != nil {
			return nil, err
		}
		updates["end_date"] = end
	}

	purchaseOnly := in.CategoryID != nil || in.QuantityPerPurchase != nil || in.EstimatedUnitCost != nil || in.YearlyBudget != nil
	if purchaseOnly && !task.IsPurchase() {
		return nil, errutil.Field("task_type", "category, quantity, cost and budget apply to PURCHASE tasks only")
	}
	if in.CategoryID != nil {
		updates["category_id"] = *in.CategoryID
	}
	if in.QuantityPerPurchase != nil {
		updates["quantity_per_purchase"] = *in.QuantityPerPurchase
	}
	if in.EstimatedUnitCost != nil {
		updates["estimated_unit_cost"] = *in.EstimatedUnitCost
	}
	if budget != nil {
		// budget writes bump the version so a concurrent transfer notices
		updates["yearly_budget"] = *budget
		updates["version"] = gorm.Expr("version + 1")
	}

	if len(updates) == 0 {
		return task, nil
	}
	if err := s.tasks.Update(ctx, task.ID, updates); err != nil {
		return nil, errutil.FromStore("failed to update care task", err)
	}

	return Load(ctx, s.tasks, owner, id)
}

func (s *Service) Deactivate(ctx context.Context, owner, id string) (*CareTask, error) {
	task, err := Load(ctx, s.tasks, owner, id)
	if err != nil {
		return nil, err
	}
	if !task.IsActive {
		return task, nil
	}

	at := s.clock.Now().UTC()
	if err := s.tasks.Update(ctx, task.ID, map[string]any{
		"is_active":      false,
		"deactivated_at": at,
	}); err != nil {
		return nil, errutil.FromStore("failed to deactivate care task", err)
	}

	zap.L().Info("care task deactivated", zap.String("owner_id", owner), zap.String("care_task_id", id))
	return Load(ctx, s.tasks, owner, id)
}

// Reactivate restores a deactivated task and backfills the current year.
func (s *Service) Reactivate(ctx context.Context, owner, id string) (*CareTask, error) {
	task, err := Load(ctx, s.tasks, owner, id)
	if err != nil {
		return nil, err
	}
	if task.IsActive {
		return task, nil
	}

	if err := s.tasks.Update(ctx, task.ID, map[string]any{
		"is_active":      true,
		"deactivated_at": nil,
	}); err != nil {
		return nil, errutil.FromStore("failed to reactivate care task", err)
	}

	task, err = Load(ctx, s.tasks, owner, id)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(zap.String("owner_id", owner), zap.String("care_task_id", id))
	if task.IsRecurring() {
		s.backfill(ctx, task, log)
	}
	log.Info("care task reactivated")
	return task, nil
}

func (s *Service) backfill(ctx context.Context, task *CareTask, log *zap.Logger) {
	today := dateutil.Today(s.clock.Now(), s.loc)
	if task.StartDate.Year() > today.Year() {
		return
	}
	n, err := s.generator.Backfill(ctx, task, dateutil.YearWindow(today, task.EndDate))
	if err != nil {
		log.Warn("initial backfill failed", zap.Error(err))
		return
	}
	log.Debug("initial backfill done", zap.Int("generated", n))
}
