package execution

import (
	"time"

	"careledger/pkg/validation"
)

type Status string

const (
	StatusTodo              Status = "TODO"
	StatusDone              Status = "DONE"
	StatusCovered           Status = "COVERED"
	StatusRefunded          Status = "REFUNDED"
	StatusPartiallyRefunded Status = "PARTIALLY_REFUNDED"
	StatusCancelled         Status = "CANCELLED"
)

// Terminal states accept no ordinary edits. A refunded execution may still
// have its refund amended.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusRefunded, StatusPartiallyRefunded:
		return true
	}
	return false
}

type Refund struct {
	RefundAmount      float64   `json:"refund_amount"`
	RefundReason      string    `json:"refund_reason,omitempty"`
	RefundEvidenceURL string    `json:"refund_evidence_url,omitempty"`
	RefundDate        time.Time `json:"refund_date"`
	RefundedBy        string    `json:"refunded_by"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TaskExecution is one dated occurrence of a care task. For PURCHASE tasks
// ActualCost is a per-unit figure once covering has happened.
type TaskExecution struct {
	ID                    string     `gorm:"primaryKey;type:varchar(32)" json:"id"`
	CareTaskID            string     `gorm:"type:varchar(32);not null;uniqueIndex:idx_execution_task_date,priority:1" json:"care_task_id"`
	OwnerID               string     `gorm:"type:varchar(64);not null;index" json:"owner_id"`
	Status                Status     `gorm:"type:varchar(24);not null;index" json:"status"`
	ScheduledDate         time.Time  `gorm:"not null;uniqueIndex:idx_execution_task_date,priority:2" json:"scheduled_date"`
	ExecutionDate         *time.Time `json:"execution_date,omitempty"`
	Quantity              int        `gorm:"not null;default:1" json:"quantity"`
	QuantityPurchased     *int       `json:"quantity_purchased,omitempty"`
	QuantityUnit          string     `gorm:"type:varchar(32)" json:"quantity_unit,omitempty"`
	ActualCost            *float64   `json:"actual_cost,omitempty"`
	EvidenceURL           string     `gorm:"type:text" json:"evidence_url,omitempty"`
	Notes                 string     `gorm:"type:text" json:"notes,omitempty"`
	ExecutedBy            string     `gorm:"type:varchar(64)" json:"executed_by,omitempty"`
	CoveredByExecutionRef *string    `gorm:"type:varchar(32);index" json:"covered_by_execution_ref,omitempty"`
	Refund                *Refund    `gorm:"column:refund;serializer:json" json:"refund,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func (TaskExecution) TableName() string {
	return "task_executions"
}

// Cost returns ActualCost, 0 when unset.
func (e *TaskExecution) Cost() float64 {
	if e.ActualCost == nil {
		return 0
	}
	return *e.ActualCost
}

// DeriveStatus computes the status of a completed execution from its cost and
// refund. It is the only way status changes once a refund is attached.
func DeriveStatus(actualCost *float64, refund *Refund) Status {
	if refund == nil {
		return StatusDone
	}
	var cost float64
	if actualCost != nil {
		cost = *actualCost
	}
	if validation.AlmostEqual(refund.RefundAmount, cost) {
		return StatusRefunded
	}
	return StatusPartiallyRefunded
}

// NetSpend is cost minus refund, never below zero.
func NetSpend(e *TaskExecution) float64 {
	spend := e.Cost()
	if e.Refund != nil {
		spend -= e.Refund.RefundAmount
	}
	if spend < 0 {
		return 0
	}
	return spend
}

type CreateInput struct {
	ScheduledDate     string `json:"scheduled_date" validate:"required"`
	Quantity          *int   `json:"quantity" validate:"omitempty,gte=1"`
	QuantityPurchased *int   `json:"quantity_purchased" validate:"omitempty,gte=0"`
	QuantityUnit      string `json:"quantity_unit"`
	Notes             string `json:"notes"`
}

// UpdateInput is an ordinary edit. Status may only move a TODO execution to
// DONE or CANCELLED; both are delegated to Complete and Cancel.
type UpdateInput struct {
	Status            *Status  `json:"status" validate:"omitempty,oneof=TODO DONE CANCELLED COVERED REFUNDED PARTIALLY_REFUNDED"`
	ScheduledDate     *string  `json:"scheduled_date"`
	ExecutionDate     *string  `json:"execution_date"`
	ActualCost        *float64 `json:"actual_cost" validate:"omitempty,gte=0"`
	Quantity          *int     `json:"quantity" validate:"omitempty,gte=1"`
	QuantityPurchased *int     `json:"quantity_purchased" validate:"omitempty,gte=0"`
	QuantityUnit      *string  `json:"quantity_unit"`
	Notes             *string  `json:"notes"`
	EvidenceURL       *string  `json:"evidence_url" validate:"omitempty,url"`
	ExecutedBy        string   `json:"executed_by"`
}

type CompleteInput struct {
	ActualCost    *float64 `json:"actual_cost" validate:"omitempty,gte=0"`
	Quantity      *int     `json:"quantity" validate:"omitempty,gte=1"`
	Notes         *string  `json:"notes"`
	EvidenceURL   *string  `json:"evidence_url" validate:"omitempty,url"`
	ExecutionDate string   `json:"execution_date"`
	ExecutedBy    string   `json:"executed_by"`
}

type RefundInput struct {
	RefundAmount      float64 `json:"refund_amount" validate:"gt=0"`
	RefundReason      string  `json:"refund_reason"`
	RefundEvidenceURL string  `json:"refund_evidence_url" validate:"omitempty,url"`
	RefundDate        string  `json:"refund_date"`
	RefundedBy        string  `json:"refunded_by"`
}

type AmendRefundInput struct {
	RefundAmount      *float64 `json:"refund_amount" validate:"omitempty,gt=0"`
	RefundReason      *string  `json:"refund_reason"`
	RefundEvidenceURL *string  `json:"refund_evidence_url" validate:"omitempty,url"`
	RefundDate        *string  `json:"refund_date"`
	ActualCost        *float64 `json:"actual_cost" validate:"omitempty,gte=0"`
}

type ListFilter struct {
	Statuses []Status
	From     *time.Time
	To       *time.Time
}
