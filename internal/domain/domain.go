package domain

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Document is an opaque structured payload passed through untouched
// (issue bodies, attachment metadata, activity details).
type Document = json.RawMessage

type TaskStatus string

const (
	StatusOpen              TaskStatus = "OPEN"
	StatusInProgress        TaskStatus = "IN_PROGRESS"
	StatusMarkedAsCompleted TaskStatus = "MARKED_AS_COMPLETED"
	StatusCompleted         TaskStatus = "COMPLETED"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusMarkedAsCompleted, StatusCompleted:
		return true
	}
	return false
}

type TimelineUnit string

const (
	TimelineDay  TimelineUnit = "DAY"
	TimelineWeek TimelineUnit = "WEEK"
)

func (u TimelineUnit) Valid() bool {
	return u == TimelineDay || u == TimelineWeek
}

type TransactionCategory string

const (
	CategoryBounty     TransactionCategory = "BOUNTY"
	CategorySwapUSDC   TransactionCategory = "SWAP_USDC"
	CategorySwapXLM    TransactionCategory = "SWAP_XLM"
	CategoryWithdrawal TransactionCategory = "WITHDRAWAL"
	CategoryTopUp      TransactionCategory = "TOP_UP"
)

func (c TransactionCategory) Valid() bool {
	switch c {
	case CategoryBounty, CategorySwapUSDC, CategorySwapXLM, CategoryWithdrawal, CategoryTopUp:
		return true
	}
	return false
}

// ActivityKind names a TaskActivity entry.
type ActivityKind string

const (
	ActivityCreated              ActivityKind = "task.created"
	ActivityApplied              ActivityKind = "task.applied"
	ActivityApplicationWithdrawn ActivityKind = "task.application_withdrawn"
	ActivityAccepted             ActivityKind = "task.accepted"
	ActivitySubmitted            ActivityKind = "task.submitted"
	ActivityMarkedCompleted      ActivityKind = "task.marked_completed"
	ActivityReopened             ActivityKind = "task.reopened"
	ActivitySettled              ActivityKind = "task.settled"
	ActivitySettlementFailed     ActivityKind = "task.settlement_failed"
	ActivityHoldReleased         ActivityKind = "task.settlement_hold_released"
)

type User struct {
	ID              string `json:"id"`
	DisplayName     string `json:"display_name"`
	WalletAddress   string `json:"wallet_address"`
	WalletSecretRef string `json:"-"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type AddressBookEntry struct {
	UserID    string   `json:"user_id"`
	Address   string   `json:"address"`
	Label     string   `json:"label,omitempty"`
	Meta      Document `json:"meta,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type Installation struct {
	ID                    string  `json:"id"`
	Name                  string  `json:"name"`
	WalletAddress         string  `json:"wallet_address"`
	WalletSecretRef       string  `json:"-"`
	EscrowAddress         string  `json:"escrow_address"`
	EscrowSecretRef       string  `json:"-"`
	SubscriptionPackageID *string `json:"subscription_package_id,omitempty"`
	CreatedBy             string  `json:"created_by"`
	CreatedAt             string  `json:"created_at" format:"date-time"`
}

type SubscriptionPackage struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	MaxTasks int             `json:"max_tasks"`
	MaxUsers int             `json:"max_users"`
	Price    decimal.Decimal `json:"price"`
	Paid     bool            `json:"paid"`
}

type Timeline struct {
	Value int          `json:"value"`
	Unit  TimelineUnit `json:"unit"`
}

type Task struct {
	ID             string          `json:"id"`
	InstallationID string          `json:"installation_id"`
	CreatorID      string          `json:"creator_id"`
	Title          string          `json:"title"`
	Issue          Document        `json:"issue,omitempty"`
	Bounty         decimal.Decimal `json:"bounty"`
	BountyAsset    string          `json:"bounty_asset"`
	Timeline       *Timeline       `json:"timeline,omitempty"`
	Status         TaskStatus      `json:"status"`
	Settled        bool            `json:"settled"`
	SettlementHold bool            `json:"settlement_hold"`
	ContributorID  *string         `json:"contributor_id,omitempty"`
	AcceptedAt     *string         `json:"accepted_at,omitempty" format:"date-time"`
	CompletedAt    *string         `json:"completed_at,omitempty" format:"date-time"`
	Applicants     []string        `json:"applicants"`
	Version        int64           `json:"version"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
	UpdatedAt      string          `json:"updated_at" format:"date-time"`
}

// HasApplicant reports whether userID is in the applicant set.
func (t Task) HasApplicant(userID string) bool {
	for _, a := range t.Applicants {
		if a == userID {
			return true
		}
	}
	return false
}

func (t Task) Contributor() string {
	if t.ContributorID == nil {
		return ""
	}
	return *t.ContributorID
}

type TaskSubmission struct {
	ID         string   `json:"id"`
	TaskID     string   `json:"task_id"`
	UserID     string   `json:"user_id"`
	WorkRef    string   `json:"work_ref"`
	Attachment *string  `json:"attachment,omitempty"`
	Meta       Document `json:"meta,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	UpdatedAt  string   `json:"updated_at" format:"date-time"`
}

type TaskActivity struct {
	ID           int64        `json:"id"`
	TaskID       string       `json:"task_id"`
	Kind         ActivityKind `json:"kind"`
	UserID       *string      `json:"user_id,omitempty"`
	SubmissionID *string      `json:"submission_id,omitempty"`
	Payload      Document     `json:"payload,omitempty"`
	CreatedAt    string       `json:"created_at" format:"date-time"`
}

type Permission struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

type UserInstallationPermission struct {
	ID             string   `json:"id"`
	UserID         string   `json:"user_id"`
	InstallationID string   `json:"installation_id"`
	Codes          []string `json:"codes"`
	AssignedBy     *string  `json:"assigned_by,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

type Transaction struct {
	ID             string              `json:"id"`
	TxHash         string              `json:"tx_hash"`
	Category       TransactionCategory `json:"category"`
	Amount         decimal.Decimal     `json:"amount"`
	Asset          string              `json:"asset"`
	FromAddress    string              `json:"from_address"`
	ToAddress      string              `json:"to_address"`
	FromAmount     *decimal.Decimal    `json:"from_amount,omitempty"`
	FromAsset      *string             `json:"from_asset,omitempty"`
	ToAmount       *decimal.Decimal    `json:"to_amount,omitempty"`
	ToAsset        *string             `json:"to_asset,omitempty"`
	TaskID         *string             `json:"task_id,omitempty"`
	InstallationID *string             `json:"installation_id,omitempty"`
	UserID         *string             `json:"user_id,omitempty"`
	CreatedAt      string              `json:"created_at" format:"date-time"`
}

type ContributionSummary struct {
	UserID         string          `json:"user_id"`
	TasksCompleted int             `json:"tasks_completed"`
	ActiveTasks    int             `json:"active_tasks"`
	TotalEarnings  decimal.Decimal `json:"total_earnings"`
	UpdatedAt      string          `json:"updated_at" format:"date-time"`
}

// APIKey authenticates a user over HTTP. Only the hash is stored.
type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Prefix    string `json:"prefix"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
