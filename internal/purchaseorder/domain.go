package purchaseorder

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MaxBatches bounds how many ready-date batches one order may be split into.
const MaxBatches = 3

// Status is the purchase order lifecycle status.
type Status string

const (
	StatusDraft             Status = "draft"
	StatusPendingApproval   Status = "pending_approval"
	StatusForDP             Status = "for_dp"
	StatusPendingDPApproval Status = "pending_dp_approval"
	StatusConfirmReadyDates Status = "confirm_ready_dates"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
)

// PackingListStatus returns the status for the packing list stage of a batch.
func PackingListStatus(batch int) Status {
	return Status(fmt.Sprintf("packing_list_%d", batch))
}

// ApproveImportStatus returns the status for the import approval stage of a batch.
func ApproveImportStatus(batch int) Status {
	return Status(fmt.Sprintf("approve_for_import_%d", batch))
}

// PaymentStatus returns the status for the payment stage of a batch.
func PaymentStatus(batch int) Status {
	return Status(fmt.Sprintf("payment_%d", batch))
}

// InvoiceStatus returns the status for the invoice stage of a batch.
func InvoiceStatus(batch int) Status {
	return Status(fmt.Sprintf("invoice_%d", batch))
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// DiscountType enumerates per-item discount modes.
type DiscountType string

const (
	DiscountNone       DiscountType = "none"
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// SupplierType mirrors the supplier classification on the order.
type SupplierType string

const (
	SupplierLocal   SupplierType = "local"
	SupplierForeign SupplierType = "foreign"
)

// PurchaseOrder is one trading transaction with a supplier. All monetary
// rollups are derived by the ledger calculator and never hand-edited.
type PurchaseOrder struct {
	ID            int64
	Number        string
	SupplierID    int64
	SupplierType  SupplierType
	DeliveryTerms string
	Currency      string
	Country       string
	Status        Status
	Notes         string

	// Payment terms agreed with the supplier, e.g. "50% DP, balance on
	// delivery" with a 50 percent down payment and Net-30 balance.
	PaymentTermsDescription string
	CreditLimit             decimal.Decimal
	DownPaymentPercent      decimal.Decimal
	PaymentTermDays         int

	GrossAmount           decimal.Decimal
	ItemDiscountAmount    decimal.Decimal
	SubtotalAmount        decimal.Decimal
	OrderAdjustmentAmount decimal.Decimal
	GrandTotalAmount      decimal.Decimal

	OrderDate  time.Time
	CreatedBy  int64
	ModifiedBy int64
	ApprovedBy int64
	ApprovedAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OrderItem is one catalog line on an order. ReadyDate and BatchNumber stay
// unset until ready-date confirmation assigns the item to a batch.
type OrderItem struct {
	ID          int64
	OrderID     int64
	CatalogID   int64
	Description string
	Unit        string

	Quantity      decimal.Decimal
	UnitPrice     decimal.Decimal
	DiscountType  DiscountType
	DiscountValue decimal.Decimal

	DiscountAmount decimal.Decimal
	LineTotal      decimal.Decimal

	QuantityReceived decimal.Decimal
	ReadyDate        *time.Time
	BatchNumber      int
	SplitSourceID    int64
	Notes            string
}

// DiscountCharge is an order-level adjustment applied to the order subtotal.
type DiscountCharge struct {
	ID           int64
	OrderID      int64
	Description  string
	IsPercentage bool
	Value        decimal.Decimal
	IsDeduction  bool
}

// DownPayment records the upfront partial payment, one per order, updated in
// place on resubmission.
type DownPayment struct {
	ID         int64
	OrderID    int64
	AmountPaid decimal.Decimal
	SlipRef    string
	Remarks    string
}

// PackingList is the physical shipment summary submitted per batch.
type PackingList struct {
	ID            int64
	OrderID       int64
	BatchNumber   int
	TotalWeight   decimal.Decimal
	TotalPackages int
	TotalVolume   decimal.Decimal
	DocumentRef   string
	Approved      bool
}

// PaymentDocument is the proof of payment submitted per batch.
type PaymentDocument struct {
	ID          int64
	OrderID     int64
	BatchNumber int
	DocumentRef string
}

// InvoiceDocument is the supplier invoice submitted per batch.
type InvoiceDocument struct {
	ID          int64
	OrderID     int64
	BatchNumber int
	DocumentRef string
}

var (
	// ErrNotFound indicates an unknown order, item or batch reference.
	ErrNotFound = errors.New("purchaseorder: not found")
	// ErrInvalidState occurs when a transition does not match the order's
	// current status or route state.
	ErrInvalidState = errors.New("purchaseorder: invalid state transition")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("purchaseorder: invalid input")
	// ErrPermissionDenied indicates the actor lacks the role or access
	// required by the workflow step.
	ErrPermissionDenied = errors.New("purchaseorder: permission denied")
)
