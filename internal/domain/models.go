package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type LineItem struct {
	ProductID       string          `json:"product_id"`
	Barcode         string          `json:"barcode,omitempty"`
	Name            string          `json:"name"`
	Quantity        int             `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	Color           string          `json:"color,omitempty"`
	Size            string          `json:"size,omitempty"`
}

type Payment struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency Currency        `json:"currency"`
	Method   string          `json:"method"`
}

type Change struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency Currency        `json:"currency"`
}

// SaleInput is what the register hands over at checkout.
type SaleInput struct {
	Items                     []LineItem      `json:"items"`
	Total                     decimal.Decimal `json:"total"`
	Currency                  Currency        `json:"currency"`
	Payments                  []Payment       `json:"payments"`
	Change                    *Change         `json:"change,omitempty"`
	ClientName                string          `json:"client_name,omitempty"`
	AdditionalDiscountPercent decimal.Decimal `json:"additional_discount_percent"`
	Status                    SaleStatus      `json:"status"`
	BranchID                  string          `json:"branch_id"`
	StaffID                   string          `json:"staff_id"`
	StaffName                 string          `json:"staff_name"`
	Date                      string          `json:"date,omitempty"`
}

type SaleRecord struct {
	LocalID   int64  `json:"local_id,omitempty"`
	ClientRef string `json:"client_ref"`
	RemoteID  string `json:"remote_id,omitempty"`

	Items                     []LineItem                   `json:"items"`
	Total                     decimal.Decimal              `json:"total"`
	Currency                  Currency                     `json:"currency"`
	Totals                    map[Currency]decimal.Decimal `json:"totals,omitempty"`
	Rates                     ExchangeRates                `json:"rates,omitempty"`
	Payments                  []Payment                    `json:"payments"`
	Change                    *Change                      `json:"change,omitempty"`
	ClientName                string                       `json:"client_name,omitempty"`
	AdditionalDiscountPercent decimal.Decimal              `json:"additional_discount_percent"`
	Status                    SaleStatus                   `json:"status"`
	BranchID                  string                       `json:"branch_id"`
	StaffID                   string                       `json:"staff_id"`
	StaffName                 string                       `json:"staff_name"`
	Date                      string                       `json:"date,omitempty"`
	CreatedAt                 time.Time                    `json:"created_at"`
	ServerCreatedAt           time.Time                    `json:"server_created_at,omitempty"`

	SyncStatus   SyncStatus `json:"sync_status,omitempty"`
	Synced       bool       `json:"synced"`
	SyncedAt     *time.Time `json:"synced_at,omitempty"`
	StockApplied int        `json:"stock_applied,omitempty"`
}

// RemotePayload returns a copy of the sale with every device-local field
// cleared, ready to be written upstream.
func (s SaleRecord) RemotePayload() SaleRecord {
	out := s
	out.LocalID = 0
	out.RemoteID = ""
	out.Rates = nil
	out.SyncStatus = ""
	out.Synced = false
	out.SyncedAt = nil
	out.StockApplied = 0
	return out
}

func (in SaleInput) ToRecord(clientRef string, createdAt time.Time) SaleRecord {
	status := in.Status
	if status == "" {
		status = SaleStatusCompleted
	}
	items := make([]LineItem, len(in.Items))
	copy(items, in.Items)
	payments := make([]Payment, len(in.Payments))
	copy(payments, in.Payments)

	return SaleRecord{
		ClientRef:                 clientRef,
		Items:                     items,
		Total:                     in.Total,
		Currency:                  in.Currency,
		Payments:                  payments,
		Change:                    in.Change,
		ClientName:                in.ClientName,
		AdditionalDiscountPercent: in.AdditionalDiscountPercent,
		Status:                    status,
		BranchID:                  in.BranchID,
		StaffID:                   in.StaffID,
		StaffName:                 in.StaffName,
		Date:                      in.Date,
		CreatedAt:                 createdAt,
	}
}

type Variant struct {
	Color    string `json:"color" bson:"color"`
	Size     string `json:"size" bson:"size"`
	Quantity int    `json:"quantity" bson:"quantity"`
}

type ProductSnapshot struct {
	ProductID       string                       `json:"product_id"`
	Barcode         string                       `json:"barcode"`
	BranchID        string                       `json:"branch_id"`
	Name            string                       `json:"name"`
	Prices          map[Currency]decimal.Decimal `json:"prices"`
	DiscountPercent decimal.Decimal              `json:"discount_percent"`
	Stock           int                          `json:"stock"`
	Variants        []Variant                    `json:"variants,omitempty"`
	Version         int64                        `json:"version"`
	UpdatedAt       time.Time                    `json:"updated_at"`
}

// RecomputeStock returns the stock implied by the variant breakdown, or the
// fallback when the product carries no variants.
func RecomputeStock(variants []Variant, fallback int) int {
	if len(variants) == 0 {
		return fallback
	}
	total := 0
	for _, v := range variants {
		total += v.Quantity
	}
	return total
}

type CheckoutRequest struct {
	Sale  SaleInput     `json:"sale"`
	Rates ExchangeRates `json:"rates"`
}

type CheckoutResponse struct {
	SaleID        string `json:"sale_id"`
	Offline       bool   `json:"offline"`
	StockDeferred bool   `json:"stock_deferred"`
	StockApplied  int    `json:"stock_applied"`
}

type StatusResponse struct {
	TerminalID   string `json:"terminal_id"`
	BranchID     string `json:"branch_id"`
	Online       bool   `json:"online"`
	Syncing      bool   `json:"syncing"`
	PendingSales int    `json:"pending_sales"`
}

type SyncResult struct {
	LocalID  int64  `json:"local_id"`
	RemoteID string `json:"remote_id,omitempty"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

type SyncResponse struct {
	Attempted int          `json:"attempted"`
	Synced    int          `json:"synced"`
	Failed    int          `json:"failed"`
	Results   []SyncResult `json:"results"`
}

type SaleEvent struct {
	EventType  string          `json:"event_type"`
	ClientRef  string          `json:"client_ref"`
	RemoteID   string          `json:"remote_id"`
	BranchID   string          `json:"branch_id"`
	Total      decimal.Decimal `json:"total"`
	Currency   Currency        `json:"currency"`
	Origin     string          `json:"origin"`
	OccurredAt time.Time       `json:"occurred_at"`
}

type Actor struct {
	Subject string
	Role    string
}

type SaleStatus string

const (
	SaleStatusCompleted SaleStatus = "COMPLETED"
	SaleStatusOrder     SaleStatus = "ORDER"
)

type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "PENDING_SYNC"
	SyncStatusCompleted SyncStatus = "COMPLETED"
)

const (
	SaleEventRecorded = "sale.recorded"
	SaleEventSynced   = "sale.synced"

	OriginOnline  = "online"
	OriginOffline = "offline"
)
