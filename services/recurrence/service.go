// Package recurrence turns care task definitions into dated executions.
//
// Every call re-derives the next date from the latest persisted execution of
// the task, so repeated calls are idempotent. Calls for one task are
// serialized with a keylock and the (care_task_id, scheduled_date) unique
// index rejects anything that slips through.
package recurrence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"careledger/pkg/config"
	"careledger/pkg/dateutil"
	"careledger/pkg/db/option"
	"careledger/pkg/errutil"
	"careledger/pkg/keylock"
	"careledger/pkg/repository"
	"careledger/services/caretask"
	"careledger/services/execution"

	"github.com/bwmarrin/snowflake"
	"github.com/facebookgo/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

type Engine struct {
	node   *snowflake.Node
	clock  clock.Clock
	locker keylock.Locker
	loc    *time.Location
	group  singleflight.Group

	tasks      repository.Repository[caretask.CareTask]
	executions repository.Repository[execution.TaskExecution]
}

type EngineParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Clock  clock.Clock
	Locker keylock.Locker
	Config *config.Config `optional:"true"`
}

func NewEngine(p EngineParams) *Engine {
	return &Engine{
		node:       p.Node,
		clock:      p.Clock,
		locker:     p.Locker,
		loc:        p.Config.Location(),
		tasks:      repository.ProvideStore[caretask.CareTask](p.DB),
		executions: repository.ProvideStore[execution.TaskExecution](p.DB),
	}
}

// GenerateNext creates the next due execution of the task inside window and
// returns it, or nil when nothing is due.
func (e *Engine) GenerateNext(ctx context.Context, owner, taskID string, window dateutil.Window) (*execution.TaskExecution, error) {
	task, err := caretask.Load(ctx, e.tasks, owner, taskID)
	if err != nil {
		return nil, err
	}

	var out *execution.TaskExecution
	err = e.withLock(ctx, task.ID, func() error {
		out, err = e.next(ctx, task, window)
		return err
	})
	return out, err
}

// GenerateRemaining generates until nothing is due. An open upper bound on a
// task without an end date stops at the end of the current year.
func (e *Engine) GenerateRemaining(ctx context.Context, owner, taskID string, window dateutil.Window) ([]*execution.TaskExecution, error) {
	task, err := caretask.Load(ctx, e.tasks, owner, taskID)
	if err != nil {
		return nil, err
	}

	var out []*execution.TaskExecution
	err = e.withLock(ctx, task.ID, func() error {
		out, err = e.drain(ctx, task, e.bounded(window))
		return err
	})
	if err != nil {
		return out, err
	}

	zap.L().Info("remaining executions generated",
		zap.String("owner_id", owner),
		zap.String("care_task_id", taskID),
		zap.Int("generated", len(out)),
	)
	return out, nil
}

// Backfill is the owner-agnostic form of GenerateRemaining used by the
// scheduler and task lifecycle. Concurrent calls for the same task and window
// share one pass.
func (e *Engine) Backfill(ctx context.Context, task *caretask.CareTask, window dateutil.Window) (int, error) {
	window = e.bounded(window)
	lo := "-"
	if window.Min != nil {
		lo = window.Min.Format(time.DateOnly)
	}
	key := fmt.Sprintf("%s|%s|%s", task.ID, lo, window.Max.Format(time.DateOnly))

	v, err, _ := e.group.Do(key, func() (any, error) {
		var n int
		err := e.withLock(ctx, task.ID, func() error {
			current, err := e.tasks.FindOne(ctx, &caretask.CareTask{ID: task.ID})
			if err != nil {
				return errutil.FromStore("failed to load care task", err)
			}
			if current == nil {
				return caretask.ErrTaskNotFound
			}
			created, err := e.drain(ctx, current, window)
			n = len(created)
			return err
		})
		return n, err
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// Seed creates the first execution of a new task at its start date, one-off
// tasks included.
func (e *Engine) Seed(ctx context.Context, tx *gorm.DB, task *caretask.CareTask) error {
	exec := execution.Scheduled(e.node.Generate().String(), task, task.StartDate)
	if err := e.executions.WithTrx(tx).Create(ctx, exec); err != nil {
		return errutil.FromStore("failed to create first execution", err)
	}
	return nil
}

func (e *Engine) withLock(ctx context.Context, taskID string, fn func() error) error {
	unlock, err := e.locker.Lock(ctx, keylock.TaskKey(taskID))
	if err != nil {
		return errutil.FromStore("failed to lock care task", err)
	}
	defer unlock()
	return fn()
}

func (e *Engine) bounded(window dateutil.Window) dateutil.Window {
	if window.Max == nil {
		hi := dateutil.EndOfYear(dateutil.Today(e.clock.Now(), e.loc))
		window.Max = &hi
	}
	return window
}

func (e *Engine) drain(ctx context.Context, task *caretask.CareTask, window dateutil.Window) ([]*execution.TaskExecution, error) {
	var out []*execution.TaskExecution
	for {
		if err := ctx.Err(); err != nil {
			return out, errutil.FromStore("generation interrupted", err)
		}
		exec, err := e.next(ctx, task, window)
		if err != nil {
			return out, err
		}
		if exec == nil {
			return out, nil
		}
		out = append(out, exec)
	}
}

// next must run under the task lock.
func (e *Engine) next(ctx context.Context, task *caretask.CareTask, window dateutil.Window) (*execution.TaskExecution, error) {
	if !task.IsActive || !task.IsRecurring() {
		return nil, nil
	}

	day, ok, err := e.candidate(ctx, task, window)
	if err != nil || !ok {
		return nil, err
	}

	exec := execution.Scheduled(e.node.Generate().String(), task, day)
	if err := e.executions.Create(ctx, exec); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict("execution already exists for "+day.Format(time.DateOnly), err)
		}
		return nil, errutil.FromStore("failed to create execution", err)
	}

	zap.L().Debug("execution generated",
		zap.String("care_task_id", task.ID),
		zap.String("execution_id", exec.ID),
		zap.Time("scheduled_date", exec.ScheduledDate),
	)
	return exec, nil
}

// candidate steps from the latest execution, or the start date when there is
// none, up to the window minimum.
func (e *Engine) candidate(ctx context.Context, task *caretask.CareTask, window dateutil.Window) (time.Time, bool, error) {
	last, err := e.executions.FindOne(ctx,
		&execution.TaskExecution{CareTaskID: task.ID},
		option.WithSortBy(option.QuerySortBy{SortBy: "scheduled_date", OrderBy: "DESC"}),
	)
	if err != nil {
		return time.Time{}, false, errutil.FromStore("failed to load latest execution", err)
	}

	step := task.RecurrenceIntervalDays
	day := dateutil.Day(task.StartDate)
	if last != nil {
		day = dateutil.AddDays(last.ScheduledDate, step)
	}

	if window.Min != nil {
		lo := dateutil.Day(*window.Min)
		for day.Before(lo) {
			if window.Exceeds(day, task.EndDate) {
				return time.Time{}, false, nil
			}
			day = dateutil.AddDays(day, step)
		}
	}

	if window.Exceeds(day, task.EndDate) {
		return time.Time{}, false, nil
	}
	return day, true, nil
}
