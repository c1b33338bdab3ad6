package purchaseorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/auth"
	"github.com/meridian-erp/meridian-erp/internal/catalog"
	"github.com/meridian-erp/meridian-erp/internal/docstore"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (PurchaseOrder, error)
	ListItems(ctx context.Context, orderID int64) ([]OrderItem, error)
	ListDiscountCharges(ctx context.Context, orderID int64) ([]DiscountCharge, error)
	ListRoute(ctx context.Context, orderID int64) ([]RouteStep, error)
	GetDownPayment(ctx context.Context, orderID int64) (DownPayment, error)
	ListPackingLists(ctx context.Context, orderID int64) ([]PackingList, error)
	ListOrders(ctx context.Context, limit, offset int, filters ListFilters) ([]OrderListItem, int, error)
}

// TxRepository exposes transactional operations. GetOrderForUpdate acquires a
// row lock on the order so two concurrent transitions cannot both observe the
// same pre-transition status.
type TxRepository interface {
	GetOrderForUpdate(ctx context.Context, id int64) (PurchaseOrder, error)
	NextOrderNumber(ctx context.Context, date time.Time) (string, error)
	CreateOrder(ctx context.Context, po PurchaseOrder) (int64, error)
	UpdateOrderStatus(ctx context.Context, id int64, status Status) error
	SetOrderApproval(ctx context.Context, id int64, approvedBy int64, approvedAt time.Time) error
	UpdateOrderTotals(ctx context.Context, id int64, totals Totals) error

	ListItems(ctx context.Context, orderID int64) ([]OrderItem, error)
	InsertItem(ctx context.Context, item OrderItem) (int64, error)
	UpdateItem(ctx context.Context, item OrderItem) error
	DeleteItem(ctx context.Context, id int64) error
	ClearItemBatches(ctx context.Context, orderID int64) error
	UpdateItemSplit(ctx context.Context, item OrderItem) error

	ListDiscountCharges(ctx context.Context, orderID int64) ([]DiscountCharge, error)
	InsertDiscountCharge(ctx context.Context, dc DiscountCharge) (int64, error)
	UpdateDiscountCharge(ctx context.Context, dc DiscountCharge) error
	DeleteDiscountCharge(ctx context.Context, id int64) error

	ListRoute(ctx context.Context, orderID int64) ([]RouteStep, error)
	InsertRouteSteps(ctx context.Context, steps []RouteStep) error
	CompleteStep(ctx context.Context, stepID int64, actorID int64, at time.Time) error
	ResetStep(ctx context.Context, stepID int64) error

	GetDownPayment(ctx context.Context, orderID int64) (DownPayment, error)
	UpsertDownPayment(ctx context.Context, dp DownPayment) (int64, error)
	GetPackingList(ctx context.Context, orderID int64, batch int) (PackingList, error)
	InsertPackingList(ctx context.Context, pl PackingList) (int64, error)
	SetPackingListApproved(ctx context.Context, id int64) error
	DeletePackingList(ctx context.Context, id int64) error
	InsertPaymentDocument(ctx context.Context, doc PaymentDocument) (int64, error)
	InsertInvoiceDocument(ctx context.Context, doc InvoiceDocument) (int64, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates the purchase order workflow.
type Service struct {
	repo    RepositoryPort
	catalog catalog.Lookup
	docs    docstore.Store
	audit   AuditPort
}

// NewService constructs the workflow service.
func NewService(repo RepositoryPort, lookup catalog.Lookup, docs docstore.Store, audit AuditPort) *Service {
	return &Service{repo: repo, catalog: lookup, docs: docs, audit: audit}
}

// OrderAggregate is what every operation returns: the order with its items,
// adjustments, route, down payment and packing lists.
type OrderAggregate struct {
	Order           PurchaseOrder
	Items           []OrderItem
	DiscountCharges []DiscountCharge
	Route           []RouteStep
	DownPayment     *DownPayment
	PackingLists    []PackingList
}

// ListFilters narrows the order listing.
type ListFilters struct {
	Status     string
	SupplierID int64
	Search     string
	SortBy     string
	SortDir    string
}

// OrderListItem is one row of the order listing.
type OrderListItem struct {
	ID           int64
	Number       string
	SupplierID   int64
	SupplierName string
	Status       Status
	Currency     string
	GrandTotal   decimal.Decimal
	OrderDate    time.Time
	CreatedAt    time.Time
}

// Upload is a document blob handed to the engine.
type Upload struct {
	Filename string
	Content  io.Reader
}

// ItemInput describes a line item payload. UnitPrice defaults to the catalog
// wholesale price when nil; description and unit default from the catalog.
type ItemInput struct {
	CatalogID     int64
	Quantity      decimal.Decimal
	UnitPrice     *decimal.Decimal
	DiscountType  DiscountType
	DiscountValue decimal.Decimal
	Description   string
	Unit          string
	Notes         string
}

// CreateOrderInput describes order creation.
type CreateOrderInput struct {
	SupplierID    int64
	SupplierType  SupplierType
	DeliveryTerms string
	Currency      string
	Country       string
	Notes         string
	OrderDate     time.Time

	PaymentTermsDescription string
	CreditLimit             decimal.Decimal
	DownPaymentPercent      decimal.Decimal
	PaymentTermDays         int

	Items []ItemInput
}

// DiscountChargeInput describes an order-level adjustment payload.
type DiscountChargeInput struct {
	Description  string
	IsPercentage bool
	Value        decimal.Decimal
	IsDeduction  bool
}

// DownPaymentInput describes the down payment submission.
type DownPaymentInput struct {
	AmountPaid decimal.Decimal
	Remarks    string
	Slip       *Upload
}

// PackingListInput describes the packing list submission for one batch.
type PackingListInput struct {
	TotalWeight   decimal.Decimal
	TotalPackages int
	TotalVolume   decimal.Decimal
	Document      *Upload
}

// GetOrder loads the full aggregate.
func (s *Service) GetOrder(ctx context.Context, id int64) (OrderAggregate, error) {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return OrderAggregate{}, err
	}
	items, err := s.repo.ListItems(ctx, id)
	if err != nil {
		return OrderAggregate{}, err
	}
	charges, err := s.repo.ListDiscountCharges(ctx, id)
	if err != nil {
		return OrderAggregate{}, err
	}
	route, err := s.repo.ListRoute(ctx, id)
	if err != nil {
		return OrderAggregate{}, err
	}
	agg := OrderAggregate{Order: order, Items: items, DiscountCharges: charges, Route: route}
	dp, err := s.repo.GetDownPayment(ctx, id)
	switch {
	case err == nil:
		agg.DownPayment = &dp
	case errors.Is(err, ErrNotFound):
	default:
		return OrderAggregate{}, err
	}
	if agg.PackingLists, err = s.repo.ListPackingLists(ctx, id); err != nil {
		return OrderAggregate{}, err
	}
	return agg, nil
}

// ListOrders returns the filtered order listing.
func (s *Service) ListOrders(ctx context.Context, limit, offset int, filters ListFilters) ([]OrderListItem, int, error) {
	return s.repo.ListOrders(ctx, limit, offset, filters)
}

// CreateOrder persists a draft order with its items and installs the initial
// route.
func (s *Service) CreateOrder(ctx context.Context, actor auth.Actor, input CreateOrderInput) (OrderAggregate, error) {
	if err := requireAccess(actor); err != nil {
		return OrderAggregate{}, err
	}
	if input.SupplierID == 0 {
		return OrderAggregate{}, fmt.Errorf("%w: supplier is required", ErrValidation)
	}
	if input.Currency == "" {
		return OrderAggregate{}, fmt.Errorf("%w: currency is required", ErrValidation)
	}
	if input.CreditLimit.IsNegative() || input.PaymentTermDays < 0 {
		return OrderAggregate{}, fmt.Errorf("%w: payment terms must not be negative", ErrValidation)
	}
	if input.DownPaymentPercent.IsNegative() || input.DownPaymentPercent.GreaterThan(decimal.NewFromInt(100)) {
		return OrderAggregate{}, fmt.Errorf("%w: down payment percent must be between 0 and 100", ErrValidation)
	}
	items, err := s.resolveItems(ctx, input.Items)
	if err != nil {
		return OrderAggregate{}, err
	}
	orderDate := input.OrderDate
	if orderDate.IsZero() {
		orderDate = time.Now()
	}
	po := PurchaseOrder{
		SupplierID:    input.SupplierID,
		SupplierType:  input.SupplierType,
		DeliveryTerms: input.DeliveryTerms,
		Currency:      input.Currency,
		Country:       input.Country,
		Status:        StatusDraft,
		Notes:         input.Notes,
		OrderDate:     orderDate,
		CreatedBy:     actor.ID,
		ModifiedBy:    actor.ID,

		PaymentTermsDescription: input.PaymentTermsDescription,
		CreditLimit:             input.CreditLimit,
		DownPaymentPercent:      input.DownPaymentPercent,
		PaymentTermDays:         input.PaymentTermDays,
	}
	var orderID int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextOrderNumber(ctx, orderDate)
		if err != nil {
			return err
		}
		po.Number = number
		orderID, err = tx.CreateOrder(ctx, po)
		if err != nil {
			return err
		}
		for i := range items {
			items[i].OrderID = orderID
			if _, err := tx.InsertItem(ctx, items[i]); err != nil {
				return err
			}
		}
		if err := tx.UpdateOrderTotals(ctx, orderID, OrderTotals(items, nil)); err != nil {
			return err
		}
		return tx.InsertRouteSteps(ctx, InitialRoute(orderID))
	})
	if err != nil {
		return OrderAggregate{}, err
	}
	s.recordAudit(ctx, actor, "PO_CREATE", orderID, map[string]any{"number": po.Number})
	return s.GetOrder(ctx, orderID)
}

func (s *Service) resolveItems(ctx context.Context, inputs []ItemInput) ([]OrderItem, error) {
	items := make([]OrderItem, 0, len(inputs))
	for _, in := range inputs {
		item, err := s.resolveItem(ctx, in)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Service) resolveItem(ctx context.Context, in ItemInput) (OrderItem, error) {
	if in.CatalogID == 0 {
		return OrderItem{}, fmt.Errorf("%w: catalog item is required", ErrValidation)
	}
	if in.Quantity.LessThanOrEqual(decimal.Zero) {
		return OrderItem{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	switch in.DiscountType {
	case "", DiscountNone, DiscountPercentage, DiscountFixed:
	default:
		return OrderItem{}, fmt.Errorf("%w: unknown discount type %q", ErrValidation, in.DiscountType)
	}
	if in.DiscountValue.IsNegative() {
		return OrderItem{}, fmt.Errorf("%w: discount value must not be negative", ErrValidation)
	}
	entry, err := s.catalog.GetItem(ctx, in.CatalogID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return OrderItem{}, fmt.Errorf("%w: catalog item %d", ErrNotFound, in.CatalogID)
		}
		return OrderItem{}, err
	}
	item := OrderItem{
		CatalogID:     entry.ID,
		Description:   in.Description,
		Unit:          in.Unit,
		Quantity:      in.Quantity,
		DiscountType:  in.DiscountType,
		DiscountValue: in.DiscountValue,
		Notes:         in.Notes,
	}
	if item.Description == "" {
		item.Description = entry.Description
	}
	if item.Unit == "" {
		item.Unit = entry.Unit
	}
	if item.DiscountType == "" {
		item.DiscountType = DiscountNone
	}
	if in.UnitPrice != nil {
		item.UnitPrice = *in.UnitPrice
	} else {
		item.UnitPrice = entry.WholesalePrice
	}
	if item.UnitPrice.IsNegative() {
		return OrderItem{}, fmt.Errorf("%w: unit price must not be negative", ErrValidation)
	}
	ApplyItemTotals(&item)
	return item, nil
}

// AddItem appends a line and recalculates the order rollups.
func (s *Service) AddItem(ctx context.Context, actor auth.Actor, orderID int64, input ItemInput) (OrderAggregate, error) {
	if err := requireAccess(actor); err != nil {
		return OrderAggregate{}, err
	}
	item, err := s.resolveItem(ctx, input)
	if err != nil {
		return OrderAggregate{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status.IsTerminal() {
			return fmt.Errorf("%w: order %s is %s", ErrInvalidState, order.Number, order.Status)
		}
		item.OrderID = orderID
		if _, err := tx.InsertItem(ctx, item); err != nil {
			return err
		}
		return s.recalculate(ctx, tx, orderID)
	})
	if err != nil {
		return OrderAggregate{}, err
	}
	s.recordAudit(ctx, actor, "PO_ITEM_ADD", orderID, map[string]any{"catalog_id": item.CatalogID})
	return s.GetOrder(ctx, orderID)
}

// UpdateItem replaces a line's commercial fields and recalculates.
func (s *Service) UpdateItem(ctx context.Context, actor auth.Actor, orderID, itemID int64, input ItemInput) (OrderAggregate, error) {
	if err := requireAccess(actor); err != nil {
		return OrderAggregate{}, err
	}
	resolved, err := s.resolveItem(ctx, input)
	if err != nil {
		return OrderAggregate{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status.IsTerminal() {
			return fmt.Errorf("%w: order %s is %s", ErrInvalidState, order.Number, order.Status)
		}
		items, err := tx.ListItems(ctx, orderID)
		if err != nil {
			return err
		}
		var current *OrderItem
		for i := range items {
			if items[i].ID == itemID {
				current = &items[i]
				break
			}
		}
		if current == nil {
			return fmt.Errorf("%w: item %d", ErrNotFound, itemID)
		}
		updated := *current
		updated.CatalogID = resolved.CatalogID
		updated.Description = resolved.Description
		updated.Unit = resolved.Unit
		updated.Quantity = resolved.Quantity
		updated.UnitPrice = resolved.UnitPrice
		updated.DiscountType = resolved.DiscountType
		updated.DiscountValue = resolved.DiscountValue
		if resolved.Notes != "" {
			updated.Notes = resolved.Notes
		}
		ApplyItemTotals(&updated)
		if err := tx.UpdateItem(ctx, updated); err != nil {
			return err
		}
		return s.recalculate(ctx, tx, orderID)
	})
	if err != nil {
		return OrderAggregate{}, err
	}
	s.recordAudit(ctx, actor, "PO_ITEM_UPDATE", orderID, map[string]any{"item_id": itemID})
	return s.GetOrder(ctx, orderID)
}

// RemoveItem deletes a line and recalculates.
func (s *Service) RemoveItem(ctx context.Context, actor auth.Actor, orderID, itemID int64) (OrderAggregate, error) {
	if err := requireAccess(actor); err != nil {
		return OrderAggregate{}, err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status.IsTerminal() {
			return fmt.Errorf("%w: order %s is %s", ErrInvalidState, order.Number, order.Status)
		}
		items, err := tx.ListItems(ctx, orderID)
		if err != nil {
			return err
		}
		found := false
		for _, item := range items {
			if item.ID == itemID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: item %d", ErrNotFound, itemID)
		}
		if err := tx.DeleteItem(ctx, itemID); err != nil {
			return err
		}
		return s.recalculate(ctx, tx, orderID)
	})
	if err != nil {
		return OrderAggregate{}, err
	}
	s.recordAudit(ctx, actor, "PO_ITEM_REMOVE", orderID, map[string]any{"item_id": itemID})
	return s.GetOrder(ctx, orderID)
}

// AddDiscountCharge appends an order-level adjustment and recalculates.
func (s *Service) AddDiscountCharge(ctx context.Context, actor auth.Actor, orderID int64, input DiscountChargeInput) (OrderAggregate, error) {
	if err := requireAccess(actor); err != nil {
		return OrderAggregate{}, err
	}
	if input.Description == "" {
		return OrderAggregate{}, fmt.Errorf("%w: description is required", ErrValidation)
	}
	if input.Value.IsNegative() {
		return OrderAggregate{}, fmt.Errorf("%w: value must not be negative", ErrValidation)
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status.IsTerminal() {
			return fmt.Errorf("%w: order %s is %s", ErrInvalidState, order.Number, order.Status)
		}
		dc := DiscountCharge{
			OrderID:      orderID,
			Description:  input.Description,
			IsPercentage: input.IsPercentage,
			Value:        input.Value,
			IsDeduction:  input.IsDeduction,
		}
		if _, err := tx.InsertDiscountCharge(ctx, dc); err != nil {
			return err
		}
		return s.recalculate(ctx, tx, orderID)
	})
	if err != nil {
		return OrderAggregate{}, err
	}
	s.recordAudit(ctx, actor, "PO_ADJUSTMENT_ADD", orderID, map[string]any{"description": input.Description})
	return s.GetOrder(ctx, orderID)
}

// UpdateDiscountCharge edits an adjustment and recalculates.
func (s *Service) UpdateDiscountCharge(ctx context.Context, actor auth.Actor, orderID, dcID int64, input DiscountChargeInput) (OrderAggregate, error) {
	if err := requireAccess(actor); err != nil {
		return OrderAggregate{}, err
	}
	if input.Description == "" {
		return OrderAggregate{}, fmt.Errorf("%w: description is required", ErrValidation)
	}
	if input.Value.IsNegative() {
		return OrderAggregate{}, fmt.Errorf("%w: value must not be negative", ErrValidation)
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status.IsTerminal() {
			return fmt.Errorf("%w: order %s is %s", ErrInvalidState, order.Number, order.Status)
		}
		charges, err := tx.ListDiscountCharges(ctx, orderID)
		if err != nil {
			return err
		}
		found := false
		for _, dc := range charges {
			if dc.ID == dcID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: discount/charge %d", ErrNotFound, dcID)
		}
		dc := DiscountCharge{
			ID:           dcID,
			OrderID:      orderID,
			Description:  input.Description,
			IsPercentage: input.IsPercentage,
			Value:        input.Value,
			IsDeduction:  input.IsDeduction,
		}
		if err := tx.UpdateDiscountCharge(ctx, dc); err != nil {
			return err
		}
		return s.recalculate(ctx, tx, orderID)
	})
	if err != nil {
		return OrderAggregate{}, err
	}
	s.recordAudit(ctx, actor, "PO_ADJUSTMENT_UPDATE", orderID, map[string]any{"id": dcID})
	return s.GetOrder(ctx, orderID)
}

// RemoveDiscountCharge deletes an adjustment and recalculates.
func (s *Service) RemoveDiscountCharge(ctx context.Context, actor auth.Actor, orderID, dcID int64) (OrderAggregate, error) {
	if err := requireAccess(actor); err != nil {
		return OrderAggregate{}, err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status.IsTerminal() {
			return fmt.Errorf("%w: order %s is %s", ErrInvalidState, order.Number, order.Status)
		}
		charges, err := tx.ListDiscountCharges(ctx, orderID)
		if err != nil {
			return err
		}
		found := false
		for _, dc := range charges {
			if dc.ID == dcID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: discount/charge %d", ErrNotFound, dcID)
		}
		if err := tx.DeleteDiscountCharge(ctx, dcID); err != nil {
			return err
		}
		return s.recalculate(ctx, tx, orderID)
	})
	if err != nil {
		return OrderAggregate{}, err
	}
	s.recordAudit(ctx, actor, "PO_ADJUSTMENT_REMOVE", orderID, map[string]any{"id": dcID})
	return s.GetOrder(ctx, orderID)
}

// recalculate rederives and persists the order rollups from current state.
// Always called in the same transaction as the mutation that invalidated
// them.
func (s *Service) recalculate(ctx context.Context, tx TxRepository, orderID int64) error {
	items, err := tx.ListItems(ctx, orderID)
	if err != nil {
		return err
	}
	charges, err := tx.ListDiscountCharges(ctx, orderID)
	if err != nil {
		return err
	}
	return tx.UpdateOrderTotals(ctx, orderID, OrderTotals(items, charges))
}

// SubmitForApproval moves a draft order into the approval queue.
func (s *Service) SubmitForApproval(ctx context.Context, actor auth.Actor, orderID int64) (OrderAggregate, error) {
	err := s.transition(ctx, actor, orderID, StatusDraft, StepRef{Kind: StepDraft}, func(ctx context.Context, tx TxRepository, order PurchaseOrder, step RouteStep) error {
		if err := tx.CompleteStep(ctx, step.ID, actor.ID, time.Now()); err != nil {
			return err
		}
		return tx.UpdateOrderStatus(ctx, orderID, StatusPendingApproval)
	})
	if err != nil {
		return OrderAggregate{}, err
	}
	s.recordAudit(ctx, actor, "PO_SUBMIT", orderID, nil)
	return s.GetOrder(ctx, orderID)
}

// Approve approves a pending order and moves it to the down payment stage.
func (s *Service) Approve(ctx context.Context, actor auth.Actor, orderID int64) (OrderAggregate, error) {
	err := s.transition(ctx, actor, orderID, StatusPendingApproval, StepRef{Kind: StepPOApproval}, func(ctx context.Context, tx TxRepository, order PurchaseOrder, step RouteStep) error {
		now := time.Now()
		if err := tx.CompleteStep(ctx, step.ID, actor.ID, now); err != nil {
			return err
		}
		if err := tx.SetOrderApproval(ctx, orderID, actor.ID, now); err != nil {
			return err
		}
		return tx.UpdateOrderStatus(ctx, orderID, StatusForDP)
	})
	if err != nil {
		return OrderAggregate{}, err
	}
	s.recordAudit(ctx, actor, "PO_APPROVE", orderID, nil)
	return s.GetOrder(ctx, orderID)
}

// Reject sends a pending order back to draft; the draft step must be redone.
func (s *Service) Reject(ctx context.Context, actor auth.Actor, orderID int64) (OrderAggregate, error) {
	err := s.transition(ctx, actor, orderID, StatusPendingApproval, StepRef{Kind: StepPOApproval}, func(ctx context.Context, tx TxRepository, order PurchaseOrder, step RouteStep) error {
		route, err := tx.ListRoute(ctx, orderID)
		if err != nil {
			return err
		}
		draft := FindStep(route, StepRef{Kind: StepDraft})
		if draft == nil {
			return fmt.Errorf("%w: draft step missing", ErrInvalidState)
		}
		if err := tx.ResetStep(ctx, draft.ID); err != nil {
			return err
		}
		return tx.UpdateOrderStatus(ctx, orderID, StatusDraft)
	})
	if err != nil {
		return OrderAggregate{}, err
	}
	s.recordAudit(ctx, actor, "PO_REJECT", orderID, nil)
	return s.GetOrder(ctx, orderID)
}

// SubmitDownPayment records the upfront payment, storing the slip before the
// superseded one is removed so no reference window is left dangling.
func (s *Service) SubmitDownPayment(ctx context.Context, actor auth.Actor, orderID int64, input DownPaymentInput) (OrderAggregate, error) {
	if input.AmountPaid.LessThanOrEqual(decimal.Zero) {
		return OrderAggregate{}, fmt.Errorf("%w: amount paid must be greater than zero", ErrValidation)
	}
	var newRef string
	if input.Slip != nil {
		// Fail fast before writing the blob.
		order, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return OrderAggregate{}, err
		}
		if order.Status != StatusForDP {
			return OrderAggregate{}, fmt.Errorf("%w: order %s is %s, expected %s", ErrInvalidState, order.Number, order.Status, StatusForDP)
		}
		ref, err := s.docs.Put(ctx, docstore.Key{OrderID: orderID}, input.Slip.Filename, input.Slip.Content)
		if err != nil {
			return OrderAggregate{}, err
		}
		newRef = ref
	}
	var supersededRef string
	err := s.transition(ctx, actor, orderID, StatusForDP, StepRef{Kind: StepForDP}, func(ctx context.Context, tx TxRepository, order PurchaseOrder, step RouteStep) error {
		dp := DownPayment{OrderID: orderID, AmountPaid: input.AmountPaid, Remarks: input.Remarks}
		existing, err := tx.GetDownPayment(ctx, orderID)
		switch {
		case err == nil:
			dp.ID = existing.ID
			dp.SlipRef = existing.SlipRef
		case errors.Is(err, ErrNotFound):
		default:
			return err
		}
		if newRef != "" {
			supersededRef = dp.SlipRef
			dp.SlipRef = newRef
		}
		if _, err := tx.UpsertDownPayment(ctx, dp); err != nil {
			return err
		}
		if err := tx.CompleteStep(ctx, step.ID, actor.ID, time.Now()); err != nil {
			return err
		}
		return tx.UpdateOrderStatus(ctx, orderID, StatusPendingDPApproval)
	})
	if err != nil {
		if newRef != "" {
			_ = s.docs.Delete(ctx, newRef)
		}
		return OrderAggregate{}, err
	}
	if supersededRef != "" && supersededRef != newRef {
		_ = s.docs.Delete(ctx, supersededRef)
	}
	s.recordAudit(ctx, actor, "PO_DP_SUBMIT", orderID, map[string]any{"amount": input.AmountPaid.String()})
	return s.GetOrder(ctx, orderID)
}

// ApproveDownPayment accepts the down payment and opens ready-date
// confirmation.
func (s *Service) ApproveDownPayment(ctx context.Context, actor auth.Actor, orderID int64) (OrderAggregate, error) {
	err := s.transition(ctx, actor, orderID, StatusPendingDPApproval, StepRef{Kind: StepDPApproval}, func(ctx context.Context, tx TxRepository, order PurchaseOrder, step RouteStep) error {
		if err := tx.CompleteStep(ctx, step.ID, actor.ID, time.Now()); err != nil {
			return err
		}
		return tx.UpdateOrderStatus(ctx, orderID, StatusConfirmReadyDates)
	})
	if err != nil {
		return OrderAggregate{}, err
	}
	s.recordAudit(ctx, actor, "PO_DP_APPROVE", orderID, nil)
	return s.GetOrder(ctx, orderID)
}

// RejectDownPayment sends the order back to the down payment stage.
func (s *Service) RejectDownPayment(ctx context.Context, actor auth.Actor, orderID int64) (OrderAggregate, error) {
	err := s.transition(ctx, actor, orderID, StatusPendingDPApproval, StepRef{Kind: StepDPApproval}, func(ctx context.Context, tx TxRepository, order PurchaseOrder, step RouteStep) error {
		route, err := tx.ListRoute(ctx, orderID)
		if err != nil {
			return err
		}
		forDP := FindStep(route, StepRef{Kind: StepForDP})
		if forDP == nil {
			return fmt.Errorf("%w: for-dp step missing", ErrInvalidState)
		}
		if err := tx.ResetStep(ctx, forDP.ID); err != nil {
			return err
		}
		return tx.UpdateOrderStatus(ctx, orderID, StatusForDP)
	})
	if err != nil {
		return OrderAggregate{}, err
	}
	s.recordAudit(ctx, actor, "PO_DP_REJECT", orderID, nil)
	return s.GetOrder(ctx, orderID)
}

// ConfirmReadyDates splits the order items across ready-date batches, appends
// the per-batch route steps and starts the first packing list stage.
func (s *Service) ConfirmReadyDates(ctx context.Context, actor auth.Actor, orderID int64, rows []ReadyDateInput) (OrderAggregate, error) {
	var batchCount int
	err := s.transition(ctx, actor, orderID, StatusConfirmReadyDates, StepRef{Kind: StepConfirmReadyDates}, func(ctx context.Context, tx TxRepository, order PurchaseOrder, step RouteStep) error {
		items, err := tx.ListItems(ctx, orderID)
		if err != nil {
			return err
		}
		plan, err := PlanSplit(items, rows)
		if err != nil {
			return err
		}
		batchCount = plan.BatchCount

		// Idempotent re-split: drop any previous assignment first.
		if err := tx.ClearItemBatches(ctx, orderID); err != nil {
			return err
		}
		byID := make(map[int64]OrderItem, len(items))
		for _, item := range items {
			byID[item.ID] = item
		}
		for _, upd := range plan.Updates {
			item := byID[upd.ItemID]
			item.Quantity = upd.Quantity
			item.ReadyDate = timePtr(upd.ReadyDate)
			item.BatchNumber = upd.Batch
			ApplyItemTotals(&item)
			if err := tx.UpdateItemSplit(ctx, item); err != nil {
				return err
			}
		}
		for _, clone := range plan.Clones {
			if _, err := tx.InsertItem(ctx, CloneItem(byID[clone.SourceItemID], clone)); err != nil {
				return err
			}
		}
		if err := s.recalculate(ctx, tx, orderID); err != nil {
			return err
		}

		route, err := tx.ListRoute(ctx, orderID)
		if err != nil {
			return err
		}
		if err := tx.InsertRouteSteps(ctx, BatchRoute(orderID, MaxSeq(route)+1, plan.BatchCount)); err != nil {
			return err
		}
		if err := tx.CompleteStep(ctx, step.ID, actor.ID, time.Now()); err != nil {
			return err
		}
		return tx.UpdateOrderStatus(ctx, orderID, PackingListStatus(1))
	})
	if err != nil {
		return OrderAggregate{}, err
	}
	s.recordAudit(ctx, actor, "PO_READY_DATES", orderID, map[string]any{"batches": batchCount})
	return s.GetOrder(ctx, orderID)
}

// SubmitPackingList records the physical shipment summary for one batch.
func (s *Service) SubmitPackingList(ctx context.Context, actor auth.Actor, orderID int64, batch int, input PackingListInput) (OrderAggregate, error) {
	if batch < 1 || batch > MaxBatches {
		return OrderAggregate{}, fmt.Errorf("%w: batch must be between 1 and %d", ErrValidation, MaxBatches)
	}
	if input.Document == nil {
		return OrderAggregate{}, fmt.Errorf("%w: packing list document is required", ErrValidation)
	}
	if input.TotalWeight.LessThanOrEqual(decimal.Zero) || input.TotalVolume.LessThanOrEqual(decimal.Zero) || input.TotalPackages <= 0 {
		return OrderAggregate{}, fmt.Errorf("%w: total weight, packages and volume must be positive", ErrValidation)
	}
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return OrderAggregate{}, err
	}
	if order.Status != PackingListStatus(batch) {
		return OrderAggregate{}, fmt.Errorf("%w: order %s is %s, expected %s", ErrInvalidState, order.Number, order.Status, PackingListStatus(batch))
	}
	ref, err := s.docs.Put(ctx, docstore.Key{OrderID: orderID, Batch: batch}, input.Document.Filename, input.Document.Content)
	if err != nil {
		return OrderAggregate{}, err
	}
	err = s.transition(ctx, actor, orderID, PackingListStatus(batch), StepRef{Kind: StepPackingList, Batch: batch}, func(ctx context.Context, tx TxRepository, order PurchaseOrder, step RouteStep) error {
		if _, err := tx.GetPackingList(ctx, orderID, batch); err == nil {
			return fmt.Errorf("%w: packing list for batch %d already exists", ErrInvalidState, batch)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		pl := PackingList{
			OrderID:       orderID,
			BatchNumber:   batch,
			TotalWeight:   input.TotalWeight,
			TotalPackages: input.TotalPackages,
			TotalVolume:   input.TotalVolume,
			DocumentRef:   ref,
		}
		if _, err := tx.InsertPackingList(ctx, pl); err != nil {
			return err
		}
		if err := tx.CompleteStep(ctx, step.ID, actor.ID, time.Now()); err != nil {
			return err
		}
		return tx.UpdateOrderStatus(ctx, orderID, ApproveImportStatus(batch))
	})
	if err != nil {
		_ = s.docs.Delete(ctx, ref)
		return OrderAggregate{}, err
	}
	s.recordAudit(ctx, actor, "PO_PACKING_LIST", orderID, map[string]any{"batch": batch})
	return s.GetOrder(ctx, orderID)
}

// ApproveImport approves or rejects the batch's packing list. Rejection
// deletes the packing list, reopens its step and reverts the status so the
// caller must resubmit.
func (s *Service) ApproveImport(ctx context.Context, actor auth.Actor, orderID int64, batch int, approve bool) (OrderAggregate, error) {
	if batch < 1 || batch > MaxBatches {
		return OrderAggregate{}, fmt.Errorf("%w: batch must be between 1 and %d", ErrValidation, MaxBatches)
	}
	var discardedRef string
	err := s.transition(ctx, actor, orderID, ApproveImportStatus(batch), StepRef{Kind: StepApproveImport, Batch: batch}, func(ctx context.Context, tx TxRepository, order PurchaseOrder, step RouteStep) error {
		pl, err := tx.GetPackingList(ctx, orderID, batch)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: no packing list submitted for batch %d", ErrInvalidState, batch)
			}
			return err
		}
		if approve {
			if err := tx.SetPackingListApproved(ctx, pl.ID); err != nil {
				return err
			}
			if err := tx.CompleteStep(ctx, step.ID, actor.ID, time.Now()); err != nil {
				return err
			}
			return tx.UpdateOrderStatus(ctx, orderID, PaymentStatus(batch))
		}
		route, err := tx.ListRoute(ctx, orderID)
		if err != nil {
			return err
		}
		plStep := FindStep(route, StepRef{Kind: StepPackingList, Batch: batch})
		if plStep == nil {
			return fmt.Errorf("%w: packing list step missing for batch %d", ErrInvalidState, batch)
		}
		if err := tx.DeletePackingList(ctx, pl.ID); err != nil {
			return err
		}
		discardedRef = pl.DocumentRef
		if err := tx.ResetStep(ctx, plStep.ID); err != nil {
			return err
		}
		return tx.UpdateOrderStatus(ctx, orderID, PackingListStatus(batch))
	})
	if err != nil {
		return OrderAggregate{}, err
	}
	if discardedRef != "" {
		_ = s.docs.Delete(ctx, discardedRef)
	}
	action := "PO_IMPORT_APPROVE"
	if !approve {
		action = "PO_IMPORT_REJECT"
	}
	s.recordAudit(ctx, actor, action, orderID, map[string]any{"batch": batch})
	return s.GetOrder(ctx, orderID)
}

// SubmitPayment records the proof of payment for one batch.
func (s *Service) SubmitPayment(ctx context.Context, actor auth.Actor, orderID int64, batch int, document *Upload) (OrderAggregate, error) {
	if batch < 1 || batch > MaxBatches {
		return OrderAggregate{}, fmt.Errorf("%w: batch must be between 1 and %d", ErrValidation, MaxBatches)
	}
	if document == nil {
		return OrderAggregate{}, fmt.Errorf("%w: payment document is required", ErrValidation)
	}
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return OrderAggregate{}, err
	}
	if order.Status != PaymentStatus(batch) {
		return OrderAggregate{}, fmt.Errorf("%w: order %s is %s, expected %s", ErrInvalidState, order.Number, order.Status, PaymentStatus(batch))
	}
	ref, err := s.docs.Put(ctx, docstore.Key{OrderID: orderID, Batch: batch}, document.Filename, document.Content)
	if err != nil {
		return OrderAggregate{}, err
	}
	err = s.transition(ctx, actor, orderID, PaymentStatus(batch), StepRef{Kind: StepPayment, Batch: batch}, func(ctx context.Context, tx TxRepository, order PurchaseOrder, step RouteStep) error {
		if _, err := tx.InsertPaymentDocument(ctx, PaymentDocument{OrderID: orderID, BatchNumber: batch, DocumentRef: ref}); err != nil {
			return err
		}
		if err := tx.CompleteStep(ctx, step.ID, actor.ID, time.Now()); err != nil {
			return err
		}
		return tx.UpdateOrderStatus(ctx, orderID, InvoiceStatus(batch))
	})
	if err != nil {
		_ = s.docs.Delete(ctx, ref)
		return OrderAggregate{}, err
	}
	s.recordAudit(ctx, actor, "PO_PAYMENT", orderID, map[string]any{"batch": batch})
	return s.GetOrder(ctx, orderID)
}

// SubmitInvoice records the supplier invoice for one batch, completing the
// order when the batch is the last one.
func (s *Service) SubmitInvoice(ctx context.Context, actor auth.Actor, orderID int64, batch int, document *Upload) (OrderAggregate, error) {
	if batch < 1 || batch > MaxBatches {
		return OrderAggregate{}, fmt.Errorf("%w: batch must be between 1 and %d", ErrValidation, MaxBatches)
	}
	if document == nil {
		return OrderAggregate{}, fmt.Errorf("%w: invoice document is required", ErrValidation)
	}
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return OrderAggregate{}, err
	}
	if order.Status != InvoiceStatus(batch) {
		return OrderAggregate{}, fmt.Errorf("%w: order %s is %s, expected %s", ErrInvalidState, order.Number, order.Status, InvoiceStatus(batch))
	}
	ref, err := s.docs.Put(ctx, docstore.Key{OrderID: orderID, Batch: batch}, document.Filename, document.Content)
	if err != nil {
		return OrderAggregate{}, err
	}
	var completed bool
	err = s.transition(ctx, actor, orderID, InvoiceStatus(batch), StepRef{Kind: StepInvoice, Batch: batch}, func(ctx context.Context, tx TxRepository, order PurchaseOrder, step RouteStep) error {
		if _, err := tx.InsertInvoiceDocument(ctx, InvoiceDocument{OrderID: orderID, BatchNumber: batch, DocumentRef: ref}); err != nil {
			return err
		}
		now := time.Now()
		if err := tx.CompleteStep(ctx, step.ID, actor.ID, now); err != nil {
			return err
		}
		route, err := tx.ListRoute(ctx, orderID)
		if err != nil {
			return err
		}
		if batch < LastBatch(route) {
			return tx.UpdateOrderStatus(ctx, orderID, PackingListStatus(batch+1))
		}
		summary := FindStep(route, StepRef{Kind: StepSummary})
		if summary == nil {
			return fmt.Errorf("%w: summary step missing", ErrInvalidState)
		}
		if !summary.Completed {
			if err := tx.CompleteStep(ctx, summary.ID, actor.ID, now); err != nil {
				return err
			}
		}
		completed = true
		return tx.UpdateOrderStatus(ctx, orderID, StatusCompleted)
	})
	if err != nil {
		_ = s.docs.Delete(ctx, ref)
		return OrderAggregate{}, err
	}
	s.recordAudit(ctx, actor, "PO_INVOICE", orderID, map[string]any{"batch": batch, "completed": completed})
	return s.GetOrder(ctx, orderID)
}

// CancelOrder cancels any non-terminal order.
func (s *Service) CancelOrder(ctx context.Context, actor auth.Actor, orderID int64) (OrderAggregate, error) {
	if err := requireAccess(actor); err != nil {
		return OrderAggregate{}, err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status.IsTerminal() {
			return fmt.Errorf("%w: order %s is %s", ErrInvalidState, order.Number, order.Status)
		}
		return tx.UpdateOrderStatus(ctx, orderID, StatusCancelled)
	})
	if err != nil {
		return OrderAggregate{}, err
	}
	s.recordAudit(ctx, actor, "PO_CANCEL", orderID, nil)
	return s.GetOrder(ctx, orderID)
}

// transition runs one workflow transition atomically: lock the order, verify
// the expected predecessor status, locate the step, check permission, then
// apply the domain action. Validation strictly precedes mutation.
func (s *Service) transition(ctx context.Context, actor auth.Actor, orderID int64, expected Status, ref StepRef, apply func(context.Context, TxRepository, PurchaseOrder, RouteStep) error) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != expected {
			return fmt.Errorf("%w: order %s is %s, expected %s", ErrInvalidState, order.Number, order.Status, expected)
		}
		route, err := tx.ListRoute(ctx, orderID)
		if err != nil {
			return err
		}
		step := FindStep(route, ref)
		if step == nil {
			return fmt.Errorf("%w: step %q does not exist", ErrInvalidState, ref.Task())
		}
		if step.Completed {
			return fmt.Errorf("%w: step %q is already completed", ErrInvalidState, ref.Task())
		}
		if err := CheckPermission(actor, *step); err != nil {
			return err
		}
		return apply(ctx, tx, order, *step)
	})
}

func requireAccess(actor auth.Actor) error {
	if actor.Role == shared.RoleAdmin || actor.HasPermission(shared.AccessPurchaseOrders) {
		return nil
	}
	return fmt.Errorf("%w: %s access required", ErrPermissionDenied, shared.AccessPurchaseOrders)
}

func (s *Service) recordAudit(ctx context.Context, actor auth.Actor, action string, orderID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "purchase_order",
		EntityID: fmt.Sprintf("%d", orderID),
		Meta:     meta,
	})
}
