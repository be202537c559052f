package server

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"bountyline/internal/domain"
	"bountyline/internal/engine"
)

// Request payloads. Amounts travel as decimal strings.

type EnsureUserRequest struct {
	DisplayName string `json:"display_name,omitempty"`
}

type AddAddressRequest struct {
	Address string         `json:"address"`
	Label   string         `json:"label,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type WithdrawRequest struct {
	ToAddress string `json:"to_address"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount" example:"12.5"`
}

type CreateInstallationRequest struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	PackageID string `json:"package_id,omitempty"`
}

type PermissionCodesRequest struct {
	Codes []string `json:"codes,omitempty"`
}

type TopUpRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount" example:"100"`
}

type SwapRequest struct {
	FromAsset string `json:"from_asset"`
	ToAsset   string `json:"to_asset" enum:"USDC,XLM"`
	Amount    string `json:"amount"`
}

type TimelineRequest struct {
	Value int    `json:"value" minimum:"1"`
	Unit  string `json:"unit" enum:"DAY,WEEK"`
}

type CreateTaskRequest struct {
	ID       string           `json:"id,omitempty"`
	Title    string           `json:"title"`
	Issue    map[string]any   `json:"issue,omitempty"`
	Bounty   string           `json:"bounty" example:"40"`
	Asset    string           `json:"asset,omitempty"`
	Timeline *TimelineRequest `json:"timeline,omitempty"`
}

type AcceptRequest struct {
	ContributorID string `json:"contributor_id"`
}

type SubmitRequest struct {
	WorkRef    string         `json:"work_ref"`
	Attachment string         `json:"attachment,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Response payloads

type UserResponse struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	WalletAddress string `json:"wallet_address"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type AddressResponse struct {
	Address   string         `json:"address"`
	Label     string         `json:"label,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Prefix    string `json:"prefix" doc:"Leading characters of the key, for telling keys apart"`
	Key       string `json:"key,omitempty" doc:"Raw key, only returned at creation"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, Name: k.Name, Prefix: k.Prefix, CreatedAt: k.CreatedAt}
}

type InstallationResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	WalletAddress string `json:"wallet_address"`
	EscrowAddress string `json:"escrow_address"`
	PackageID     string `json:"package_id,omitempty"`
	CreatedBy     string `json:"created_by"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type MemberResponse struct {
	UserID     string   `json:"user_id"`
	Codes      []string `json:"codes"`
	AssignedBy string   `json:"assigned_by,omitempty"`
	UpdatedAt  string   `json:"updated_at" format:"date-time"`
}

type PermissionsResponse struct {
	UserID         string   `json:"user_id"`
	InstallationID string   `json:"installation_id"`
	Codes          []string `json:"codes"`
}

type TaskResponse struct {
	ID             string           `json:"id"`
	InstallationID string           `json:"installation_id"`
	CreatorID      string           `json:"creator_id"`
	Title          string           `json:"title"`
	Issue          map[string]any   `json:"issue,omitempty"`
	Bounty         string           `json:"bounty"`
	BountyAsset    string           `json:"bounty_asset"`
	Timeline       *TimelineRequest `json:"timeline,omitempty"`
	Status         string           `json:"status" enum:"OPEN,IN_PROGRESS,MARKED_AS_COMPLETED,COMPLETED"`
	Settled        bool             `json:"settled"`
	SettlementHold bool             `json:"settlement_hold"`
	ContributorID  string           `json:"contributor_id,omitempty"`
	Applicants     []string         `json:"applicants"`
	AcceptedAt     string           `json:"accepted_at,omitempty" format:"date-time"`
	CompletedAt    string           `json:"completed_at,omitempty" format:"date-time"`
	Version        int64            `json:"version"`
	CreatedAt      string           `json:"created_at" format:"date-time"`
	UpdatedAt      string           `json:"updated_at" format:"date-time"`
}

type SubmissionResponse struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	UserID     string         `json:"user_id"`
	WorkRef    string         `json:"work_ref"`
	Attachment string         `json:"attachment,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

type ActivityResponse struct {
	ID           int64          `json:"id"`
	TaskID       string         `json:"task_id"`
	Kind         string         `json:"kind"`
	UserID       string         `json:"user_id,omitempty"`
	SubmissionID string         `json:"submission_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

type TransactionResponse struct {
	ID             string `json:"id"`
	TxHash         string `json:"tx_hash"`
	Category       string `json:"category" enum:"BOUNTY,SWAP_USDC,SWAP_XLM,WITHDRAWAL,TOP_UP"`
	Amount         string `json:"amount"`
	Asset          string `json:"asset"`
	FromAddress    string `json:"from_address"`
	ToAddress      string `json:"to_address"`
	FromAmount     string `json:"from_amount,omitempty"`
	FromAsset      string `json:"from_asset,omitempty"`
	ToAmount       string `json:"to_amount,omitempty"`
	ToAsset        string `json:"to_asset,omitempty"`
	TaskID         string `json:"task_id,omitempty"`
	InstallationID string `json:"installation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type SettlementResponse struct {
	Task        TaskResponse        `json:"task"`
	Transaction TransactionResponse `json:"transaction"`
	Recovered   bool                `json:"recovered"`
}

type SummaryResponse struct {
	UserID         string `json:"user_id"`
	TasksCompleted int    `json:"tasks_completed"`
	ActiveTasks    int    `json:"active_tasks"`
	TotalEarnings  string `json:"total_earnings"`
}

type BalanceResponse struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

type PackageResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MaxTasks int    `json:"max_tasks"`
	MaxUsers int    `json:"max_users"`
	Price    string `json:"price"`
	Paid     bool   `json:"paid"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{ID: u.ID, DisplayName: u.DisplayName, WalletAddress: u.WalletAddress, CreatedAt: u.CreatedAt}
}

func addressResponse(a domain.AddressBookEntry) AddressResponse {
	return AddressResponse{Address: a.Address, Label: a.Label, Meta: decodeDocument(a.Meta), CreatedAt: a.CreatedAt}
}

func installationResponse(in domain.Installation) InstallationResponse {
	return InstallationResponse{
		ID:            in.ID,
		Name:          in.Name,
		WalletAddress: in.WalletAddress,
		EscrowAddress: in.EscrowAddress,
		PackageID:     strPtrValue(in.SubscriptionPackageID),
		CreatedBy:     in.CreatedBy,
		CreatedAt:     in.CreatedAt,
	}
}

func memberResponse(g domain.UserInstallationPermission) MemberResponse {
	return MemberResponse{UserID: g.UserID, Codes: nonNilSlice(g.Codes), AssignedBy: strPtrValue(g.AssignedBy), UpdatedAt: g.UpdatedAt}
}

func taskResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:             t.ID,
		InstallationID: t.InstallationID,
		CreatorID:      t.CreatorID,
		Title:          t.Title,
		Issue:          decodeDocument(t.Issue),
		Bounty:         t.Bounty.String(),
		BountyAsset:    t.BountyAsset,
		Status:         string(t.Status),
		Settled:        t.Settled,
		SettlementHold: t.SettlementHold,
		ContributorID:  t.Contributor(),
		Applicants:     nonNilSlice(t.Applicants),
		AcceptedAt:     strPtrValue(t.AcceptedAt),
		CompletedAt:    strPtrValue(t.CompletedAt),
		Version:        t.Version,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
	if t.Timeline != nil {
		resp.Timeline = &TimelineRequest{Value: t.Timeline.Value, Unit: string(t.Timeline.Unit)}
	}
	return resp
}

func submissionResponse(s domain.TaskSubmission) SubmissionResponse {
	return SubmissionResponse{
		ID: s.ID, TaskID: s.TaskID, UserID: s.UserID, WorkRef: s.WorkRef,
		Attachment: strPtrValue(s.Attachment), Meta: decodeDocument(s.Meta), CreatedAt: s.CreatedAt,
	}
}

func activityResponse(a domain.TaskActivity) ActivityResponse {
	return ActivityResponse{
		ID: a.ID, TaskID: a.TaskID, Kind: string(a.Kind), UserID: strPtrValue(a.UserID),
		SubmissionID: strPtrValue(a.SubmissionID), Payload: decodeDocument(a.Payload), CreatedAt: a.CreatedAt,
	}
}

func transactionResponse(t domain.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:             t.ID,
		TxHash:         t.TxHash,
		Category:       string(t.Category),
		Amount:         t.Amount.String(),
		Asset:          t.Asset,
		FromAddress:    t.FromAddress,
		ToAddress:      t.ToAddress,
		FromAmount:     decimalPtrValue(t.FromAmount),
		FromAsset:      strPtrValue(t.FromAsset),
		ToAmount:       decimalPtrValue(t.ToAmount),
		ToAsset:        strPtrValue(t.ToAsset),
		TaskID:         strPtrValue(t.TaskID),
		InstallationID: strPtrValue(t.InstallationID),
		UserID:         strPtrValue(t.UserID),
		CreatedAt:      t.CreatedAt,
	}
}

func settlementResponse(r engine.SettlementResult) SettlementResponse {
	return SettlementResponse{Task: taskResponse(r.Task), Transaction: transactionResponse(r.Transaction), Recovered: r.Recovered}
}

func summaryResponse(s domain.ContributionSummary) SummaryResponse {
	return SummaryResponse{UserID: s.UserID, TasksCompleted: s.TasksCompleted, ActiveTasks: s.ActiveTasks, TotalEarnings: s.TotalEarnings.String()}
}

func packageResponse(p domain.SubscriptionPackage) PackageResponse {
	return PackageResponse{ID: p.ID, Name: p.Name, MaxTasks: p.MaxTasks, MaxUsers: p.MaxUsers, Price: p.Price.String(), Paid: p.Paid}
}

func mapSlice[T, R any](in []T, fn func(T) R) []R {
	out := make([]R, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}

func decodeDocument(raw domain.Document) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func encodeDocument(m map[string]any) (domain.Document, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return domain.Document(b), nil
}

func parseAmount(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, domain.InvalidInput("%s must be a decimal string", field)
	}
	return d, nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func decimalPtrValue(ptr *decimal.Decimal) string {
	if ptr == nil {
		return ""
	}
	return ptr.String()
}
