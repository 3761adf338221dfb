package budget

import (
	"time"

	"gorm.io/datatypes"
)

// SourceSnapshot is the state of the source task immediately before a transfer.
type SourceSnapshot struct {
	BudgetBefore            float64 `json:"budget_before"`
	NetSpendToDate          float64 `json:"net_spend_to_date"`
	AvailableBeforeTransfer float64 `json:"available_before_transfer"`
}

// BudgetTransfer is the immutable audit record of one reallocation.
type BudgetTransfer struct {
	ID                      string                             `gorm:"primaryKey;type:varchar(32)" json:"id"`
	OwnerID                 string                             `gorm:"type:varchar(64);not null;index" json:"owner_id"`
	FromTaskID              string                             `gorm:"type:varchar(32);not null;index" json:"from_task_id"`
	ToTaskID                string                             `gorm:"type:varchar(32);not null;index" json:"to_task_id"`
	Amount                  float64                            `gorm:"not null" json:"amount"`
	PerformedBy             string                             `gorm:"type:varchar(64)" json:"performed_by"`
	SourceSnapshot          datatypes.JSONType[SourceSnapshot] `json:"source_snapshot"`
	DestinationBudgetBefore float64                            `json:"destination_budget_before"`
	CreatedAt               time.Time                          `json:"created_at"`
}

func (BudgetTransfer) TableName() string {
	return "budget_transfers"
}

type TransferInput struct {
	FromTaskID  string  `json:"from_task_id" validate:"required"`
	ToTaskID    string  `json:"to_task_id" validate:"required"`
	Amount      float64 `json:"amount" validate:"gt=0"`
	PerformedBy string  `json:"performed_by"`
}

// Summary is a task's budget position.
type Summary struct {
	CareTaskID   string  `json:"care_task_id"`
	YearlyBudget float64 `json:"yearly_budget"`
	NetSpend     float64 `json:"net_spend"`
	Available    float64 `json:"available"`
}
