package caretask

import "time"

type TaskType string

const (
	TaskTypePurchase TaskType = "PURCHASE"
	TaskTypeGeneral  TaskType = "GENERAL"
)

// CareTask is a recurring or one-off schedule definition. Dates are stored as
// midnight UTC. A RecurrenceIntervalDays of 0 marks a one-off task.
type CareTask struct {
	ID                     string     `gorm:"primaryKey;type:varchar(32)" json:"id"`
	OwnerID                string     `gorm:"type:varchar(64);not null;index" json:"owner_id"`
	Name                   string     `gorm:"type:varchar(255);not null" json:"name"`
	Description            string     `gorm:"type:text" json:"description,omitempty"`
	TaskType               TaskType   `gorm:"type:varchar(16);not null" json:"task_type"`
	RecurrenceIntervalDays int        `gorm:"not null;default:0" json:"recurrence_interval_days"`
	StartDate              time.Time  `gorm:"not null" json:"start_date"`
	EndDate                *time.Time `json:"end_date,omitempty"`
	CategoryID             *string    `gorm:"type:varchar(64);index" json:"category_id,omitempty"`
	QuantityPerPurchase    *int       `json:"quantity_per_purchase,omitempty"`
	QuantityUnit           string     `gorm:"type:varchar(32)" json:"quantity_unit,omitempty"`
	EstimatedUnitCost      *float64   `json:"estimated_unit_cost,omitempty"`
	YearlyBudget           *float64   `json:"yearly_budget,omitempty"`
	IsActive               bool       `gorm:"not null;index" json:"is_active"`
	DeactivatedAt          *time.Time `json:"deactivated_at,omitempty"`
	Version                int64      `gorm:"not null;default:0" json:"version"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

func (CareTask) TableName() string {
	return "care_tasks"
}

func (t *CareTask) IsPurchase() bool {
	return t.TaskType == TaskTypePurchase
}

func (t *CareTask) IsRecurring() bool {
	return t.RecurrenceIntervalDays > 0
}

// Budget returns the yearly budget, 0 when unset.
func (t *CareTask) Budget() float64 {
	if t.YearlyBudget == nil {
		return 0
	}
	return *t.YearlyBudget
}

type CreateInput struct {
	Name                   string   `json:"name" validate:"required"`
	Description            string   `json:"description"`
	TaskType               TaskType `json:"task_type" validate:"required,oneof=PURCHASE GENERAL"`
	RecurrenceIntervalDays int      `json:"recurrence_interval_days" validate:"gte=0"`
	StartDate              string   `json:"start_date" validate:"required"`
	EndDate                string   `json:"end_date"`
	CategoryID             *string  `json:"category_id"`
	QuantityPerPurchase    *int     `json:"quantity_per_purchase" validate:"omitempty,gte=1"`
	QuantityUnit           string   `json:"quantity_unit"`
	EstimatedUnitCost      *float64 `json:"estimated_unit_cost" validate:"omitempty,gte=0"`
	YearlyBudget           *float64 `json:"yearly_budget" validate:"omitempty,gte=0"`
}

// UpdateInput carries the mutable task fields. Nil leaves a field untouched;
// ClearEndDate removes the end date. StartDate and TaskType cannot change.
type UpdateInput struct {
	Name                   *string  `json:"name"`
	Description            *string  `json:"description"`
	RecurrenceIntervalDays *int     `json:"recurrence_interval_days" validate:"omitempty,gte=0"`
	EndDate                *string  `json:"end_date"`
	ClearEndDate           bool     `json:"clear_end_date"`
	CategoryID             *string  `json:"category_id"`
	QuantityPerPurchase    *int     `json:"quantity_per_purchase" validate:"omitempty,gte=1"`
	QuantityUnit           *string  `json:"quantity_unit"`
	EstimatedUnitCost      *float64 `json:"estimated_unit_cost" validate:"omitempty,gte=0"`
	YearlyBudget           *float64 `json:"yearly_budget" validate:"omitempty,gte=0"`
}
