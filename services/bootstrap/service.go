// Package bootstrap prepares the store before the services start.
package bootstrap

import (
	"context"

	"careledger/pkg/db"
	"careledger/services/budget"
	"careledger/services/caretask"
	"careledger/services/execution"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db *gorm.DB
}

type ServiceParams struct {
	fx.In
	DB *gorm.DB
}

func NewService(p ServiceParams) *Service {
	return &Service{db: p.DB}
}

// Models lists every table the ledger owns.
func Models() []any {
	return []any{
		&caretask.CareTask{},
		&execution.TaskExecution{},
		&budget.BudgetTransfer{},
	}
}

func (s *Service) Migrate(ctx context.Context) error {
	zap.L().Info("[bootstrap] migrating schema", zap.String("dialect", s.db.Dialector.Name()))
	if err := db.Migrate(s.db.WithContext(ctx), Models()...); err != nil {
		return err
	}
	zap.L().Info("[bootstrap] schema ready")
	return nil
}
