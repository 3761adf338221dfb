package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"careledger/pkg/config"
	"careledger/pkg/db/option"
	"careledger/pkg/errutil"
	"careledger/pkg/repository"
	"careledger/pkg/validation"
	"careledger/services/caretask"
	"careledger/services/execution"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/facebookgo/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// errStale marks a lost optimistic-version race; only those are retried.
var errStale = errors.New("care task version changed")

var transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "careledger",
	Subsystem: "budget",
	Name:      "transfers_total",
	Help:      "Budget transfers by outcome.",
}, []string{"result"})

type Service struct {
	db         *gorm.DB
	node       *snowflake.Node
	clock      clock.Clock
	tracer     trace.Tracer
	maxRetries int

	tasks      repository.Repository[caretask.CareTask]
	executions repository.Repository[execution.TaskExecution]
	transfers  repository.Repository[BudgetTransfer]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Clock  clock.Clock
	Config *config.Config       `optional:"true"`
	Tracer trace.TracerProvider `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	retries := 3
	if p.Config != nil && p.Config.Ledger.MaxRetries >= 0 {
		retries = p.Config.Ledger.MaxRetries
	}
	tp := p.Tracer
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Service{
		db:         p.DB,
		node:       p.Node,
		clock:      p.Clock,
		tracer:     tp.Tracer("careledger/budget"),
		maxRetries: retries,
		tasks:      repository.ProvideStore[caretask.CareTask](p.DB),
		executions: repository.ProvideStore[execution.TaskExecution](p.DB),
		transfers:  repository.ProvideStore[BudgetTransfer](p.DB),
	}
}

// NetSpend sums the net spend of every execution of a task.
func NetSpend(ctx context.Context, repo repository.Repository[execution.TaskExecution], taskID string) (float64, error) {
	execs, err := repo.Find(ctx, &execution.TaskExecution{CareTaskID: taskID})
	if err != nil {
		return 0, errutil.FromStore("failed to load executions", err)
	}
	var total float64
	for _, e := range execs {
		total += execution.NetSpend(e)
	}
	return total, nil
}

// Transfer moves yearly budget from one purchase task to another of the same
// owner. Amounts must be whole cents so both budgets stay exact. The read of
// both tasks, the spend check, both budget writes and the audit record commit
// together. A transaction that loses a version race is
// retried from scratch up to the configured number of times.
func (s *Service) Transfer(ctx context.Context, owner string, in TransferInput) (*BudgetTransfer, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	amount, err := validation.Cents("amount", in.Amount)
	if err != nil {
		return nil, err
	}
	in.Amount = amount
	if in.FromTaskID == in.ToTaskID {
		return nil, errutil.Field("to_task_id", "must differ from from_task_id")
	}

	ctx, span := s.tracer.Start(ctx, "budget.Transfer", trace.WithAttributes(
		attribute.String("from_task_id", in.FromTaskID),
		attribute.String("to_task_id", in.ToTaskID),
		attribute.Float64("amount", in.Amount),
	))
	defer span.End()

	log := zap.L().With(
		zap.String("owner_id", owner),
		zap.String("from_task_id", in.FromTaskID),
		zap.String("to_task_id", in.ToTaskID),
		zap.Float64("amount", in.Amount),
	)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second

	var out *BudgetTransfer
	attempts := 0
	err = backoff.Retry(func() error {
		attempts++
		rec, err := s.transfer(ctx, owner, in)
		if err == nil {
			out = rec
			return nil
		}
		if errors.Is(err, errStale) {
			log.Debug("budget transfer lost a version race", zap.Int("attempt", attempts))
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.maxRetries)), ctx))
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errutil.StatusOf(err)))
		transfersTotal.WithLabelValues(string(errutil.StatusOf(err))).Inc()
		log.Warn("budget transfer rejected", zap.Int("attempts", attempts), zap.Error(err))
		return nil, err
	}

	transfersTotal.WithLabelValues("ok").Inc()
	log.Info("budget transferred", zap.String("transfer_id", out.ID), zap.Int("attempts", attempts))
	return out, nil
}

func (s *Service) transfer(ctx context.Context, owner string, in TransferInput) (*BudgetTransfer, error) {
	var rec *BudgetTransfer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tasks := s.tasks.WithTrx(tx)

		from, err := lockTask(ctx, tasks, owner, in.FromTaskID)
		if err != nil {
			return err
		}
		to, err := lockTask(ctx, tasks, owner, in.ToTaskID)
		if err != nil {
			return err
		}
		if !from.IsPurchase() || !to.IsPurchase() {
			return errutil.Conflict("budget transfers are only possible between PURCHASE tasks", nil)
		}

		spend, err := NetSpend(ctx, s.executions.WithTrx(tx), from.ID)
		if err != nil {
			return err
		}
		available := from.Budget() - spend
		if validation.Exceeds(in.Amount, available) {
			return errutil.Conflict(fmt.Sprintf("insufficient budget: %.2f available", available), nil)
		}

		now := s.clock.Now().UTC()
		if err := setBudget(ctx, tasks, from, validation.RoundMoney(from.Budget()-in.Amount), now); err != nil {
			return err
		}
		if err := setBudget(ctx, tasks, to, validation.RoundMoney(to.Budget()+in.Amount), now); err != nil {
			return err
		}

		performedBy := in.PerformedBy
		if performedBy == "" {
			performedBy = owner
		}
		rec = &BudgetTransfer{
			ID:          s.node.Generate().String(),
			OwnerID:     owner,
			FromTaskID:  from.ID,
			ToTaskID:    to.ID,
			Amount:      in.Amount,
			PerformedBy: performedBy,
			SourceSnapshot: datatypes.NewJSONType(SourceSnapshot{
				BudgetBefore:            from.Budget(),
				NetSpendToDate:          spend,
				AvailableBeforeTransfer: available,
			}),
			DestinationBudgetBefore: to.Budget(),
			CreatedAt:               now,
		}
		if err := s.transfers.WithTrx(tx).Create(ctx, rec); err != nil {
			return errutil.FromStore("failed to record budget transfer", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func lockTask(ctx context.Context, tasks repository.Repository[caretask.CareTask], owner, id string) (*caretask.CareTask, error) {
	task, err := tasks.FindOne(ctx, &caretask.CareTask{ID: id}, option.WithLockingUpdate())
	if err != nil {
		return nil, errutil.FromStore("failed to load care task", err)
	}
	if task == nil {
		return nil, caretask.ErrTaskNotFound
	}
	if task.OwnerID != owner {
		return nil, caretask.ErrNotOwner
	}
	return task, nil
}

func setBudget(ctx context.Context, tasks repository.Repository[caretask.CareTask], task *caretask.CareTask, budget float64, at time.Time) error {
	n, err := tasks.UpdateWhere(ctx, map[string]any{
		"yearly_budget": budget,
		"version":       task.Version + 1,
		"updated_at":    at,
	}, option.Where("id = ? AND version = ?", task.ID, task.Version))
	if err != nil {
		return errutil.FromStore("failed to update yearly budget", err)
	}
	if n == 0 {
		return errutil.Conflict("yearly budget changed concurrently", errStale)
	}
	return nil
}

// Summary reports the yearly budget, net spend and what is left of a task.
func (s *Service) Summary(ctx context.Context, owner, taskID string) (*Summary, error) {
	task, err := caretask.Load(ctx, s.tasks, owner, taskID)
	if err != nil {
		return nil, err
	}
	spend, err := NetSpend(ctx, s.executions, task.ID)
	if err != nil {
		return nil, err
	}
	return &Summary{
		CareTaskID:   task.ID,
		YearlyBudget: task.Budget(),
		NetSpend:     validation.RoundMoney(spend),
		Available:    validation.RoundMoney(task.Budget() - spend),
	}, nil
}

// ListTransfers returns the audit trail of transfers in or out of a task, oldest first.
func (s *Service) ListTransfers(ctx context.Context, owner, taskID string) ([]*BudgetTransfer, error) {
	if _, err := caretask.Load(ctx, s.tasks, owner, taskID); err != nil {
		return nil, err
	}
	out, err := s.transfers.Find(ctx, &BudgetTransfer{OwnerID: owner},
		option.Where("(from_task_id = ? OR to_task_id = ?)", taskID, taskID),
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "ASC"}),
		option.WithTieBreak("id", false),
	)
	if err != nil {
		return nil, errutil.FromStore("failed to list budget transfers", err)
	}
	return out, nil
}
