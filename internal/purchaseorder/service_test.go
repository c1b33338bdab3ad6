package purchaseorder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/auth"
	"github.com/meridian-erp/meridian-erp/internal/catalog"
	"github.com/meridian-erp/meridian-erp/internal/docstore"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type memoryRepo struct {
	orders       map[int64]PurchaseOrder
	items        map[int64][]OrderItem
	charges      map[int64][]DiscountCharge
	routes       map[int64][]RouteStep
	downPayments map[int64]DownPayment
	packingLists map[int64]PackingList
	payments     []PaymentDocument
	invoices     []InvoiceDocument
	nextID       int64
	numberSeq    int
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		orders:       make(map[int64]PurchaseOrder),
		items:        make(map[int64][]OrderItem),
		charges:      make(map[int64][]DiscountCharge),
		routes:       make(map[int64][]RouteStep),
		downPayments: make(map[int64]DownPayment),
		packingLists: make(map[int64]PackingList),
	}
}

// WithTx mirrors the SQL repository contract: mutations are discarded when
// the callback errors or panics.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snap := r.snapshot()
	committed := false
	defer func() {
		if !committed {
			r.restore(snap)
		}
	}()
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		return err
	}
	committed = true
	return nil
}

func (r *memoryRepo) snapshot() memoryRepo {
	snap := memoryRepo{
		orders:       make(map[int64]PurchaseOrder, len(r.orders)),
		items:        make(map[int64][]OrderItem, len(r.items)),
		charges:      make(map[int64][]DiscountCharge, len(r.charges)),
		routes:       make(map[int64][]RouteStep, len(r.routes)),
		downPayments: make(map[int64]DownPayment, len(r.downPayments)),
		packingLists: make(map[int64]PackingList, len(r.packingLists)),
		payments:     append([]PaymentDocument(nil), r.payments...),
		invoices:     append([]InvoiceDocument(nil), r.invoices...),
		nextID:       r.nextID,
		numberSeq:    r.numberSeq,
	}
	for k, v := range r.orders {
		snap.orders[k] = v
	}
	for k, v := range r.items {
		snap.items[k] = append([]OrderItem(nil), v...)
	}
	for k, v := range r.charges {
		snap.charges[k] = append([]DiscountCharge(nil), v...)
	}
	for k, v := range r.routes {
		snap.routes[k] = append([]RouteStep(nil), v...)
	}
	for k, v := range r.downPayments {
		snap.downPayments[k] = v
	}
	for k, v := range r.packingLists {
		snap.packingLists[k] = v
	}
	return snap
}

func (r *memoryRepo) restore(snap memoryRepo) {
	*r = snap
}

func (r *memoryRepo) GetOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, ok := r.orders[id]
	if !ok {
		return PurchaseOrder{}, ErrNotFound
	}
	return po, nil
}

func (r *memoryRepo) ListItems(ctx context.Context, orderID int64) ([]OrderItem, error) {
	return append([]OrderItem(nil), r.items[orderID]...), nil
}

func (r *memoryRepo) ListDiscountCharges(ctx context.Context, orderID int64) ([]DiscountCharge, error) {
	return append([]DiscountCharge(nil), r.charges[orderID]...), nil
}

func (r *memoryRepo) ListRoute(ctx context.Context, orderID int64) ([]RouteStep, error) {
	return append([]RouteStep(nil), r.routes[orderID]...), nil
}

func (r *memoryRepo) GetDownPayment(ctx context.Context, orderID int64) (DownPayment, error) {
	dp, ok := r.downPayments[orderID]
	if !ok {
		return DownPayment{}, ErrNotFound
	}
	return dp, nil
}

func (r *memoryRepo) ListPackingLists(ctx context.Context, orderID int64) ([]PackingList, error) {
	var lists []PackingList
	for _, pl := range r.packingLists {
		if pl.OrderID == orderID {
			lists = append(lists, pl)
		}
	}
	sort.Slice(lists, func(i, j int) bool { return lists[i].BatchNumber < lists[j].BatchNumber })
	return lists, nil
}

func (r *memoryRepo) ListOrders(ctx context.Context, limit, offset int, filters ListFilters) ([]OrderListItem, int, error) {
	rows := make([]OrderListItem, 0, len(r.orders))
	for _, po := range r.orders {
		if filters.Status != "" && string(po.Status) != filters.Status {
			continue
		}
		rows = append(rows, OrderListItem{ID: po.ID, Number: po.Number, Status: po.Status, GrandTotal: po.GrandTotalAmount})
	}
	return rows, len(rows), nil
}

func (tx *memoryTx) allocID() int64 {
	tx.repo.nextID++
	return tx.repo.nextID
}

func (tx *memoryTx) GetOrderForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	return tx.repo.GetOrder(ctx, id)
}

func (tx *memoryTx) NextOrderNumber(ctx context.Context, date time.Time) (string, error) {
	tx.repo.numberSeq++
	return fmt.Sprintf("PO-%s-%04d", date.Format("20060102"), tx.repo.numberSeq), nil
}

func (tx *memoryTx) CreateOrder(ctx context.Context, po PurchaseOrder) (int64, error) {
	po.ID = tx.allocID()
	tx.repo.orders[po.ID] = po
	return po.ID, nil
}

func (tx *memoryTx) UpdateOrderStatus(ctx context.Context, id int64, status Status) error {
	po := tx.repo.orders[id]
	po.Status = status
	tx.repo.orders[id] = po
	return nil
}

func (tx *memoryTx) SetOrderApproval(ctx context.Context, id int64, approvedBy int64, approvedAt time.Time) error {
	po := tx.repo.orders[id]
	po.ApprovedBy = approvedBy
	po.ApprovedAt = approvedAt
	tx.repo.orders[id] = po
	return nil
}

func (tx *memoryTx) UpdateOrderTotals(ctx context.Context, id int64, totals Totals) error {
	po := tx.repo.orders[id]
	po.GrossAmount = totals.Gross
	po.ItemDiscountAmount = totals.ItemDiscount
	po.SubtotalAmount = totals.Subtotal
	po.OrderAdjustmentAmount = totals.OrderAdjustment
	po.GrandTotalAmount = totals.GrandTotal
	tx.repo.orders[id] = po
	return nil
}

func (tx *memoryTx) ListItems(ctx context.Context, orderID int64) ([]OrderItem, error) {
	return tx.repo.ListItems(ctx, orderID)
}

func (tx *memoryTx) InsertItem(ctx context.Context, item OrderItem) (int64, error) {
	item.ID = tx.allocID()
	tx.repo.items[item.OrderID] = append(tx.repo.items[item.OrderID], item)
	return item.ID, nil
}

func (tx *memoryTx) UpdateItem(ctx context.Context, item OrderItem) error {
	items := tx.repo.items[item.OrderID]
	for i := range items {
		if items[i].ID == item.ID {
			items[i] = item
			return nil
		}
	}
	return ErrNotFound
}

func (tx *memoryTx) DeleteItem(ctx context.Context, id int64) error {
	for orderID, items := range tx.repo.items {
		for i := range items {
			if items[i].ID == id {
				tx.repo.items[orderID] = append(items[:i], items[i+1:]...)
				return nil
			}
		}
	}
	return ErrNotFound
}

func (tx *memoryTx) ClearItemBatches(ctx context.Context, orderID int64) error {
	items := tx.repo.items[orderID]
	kept := items[:0]
	for _, item := range items {
		if item.SplitSourceID != 0 {
			continue
		}
		item.BatchNumber = 0
		item.ReadyDate = nil
		kept = append(kept, item)
	}
	tx.repo.items[orderID] = kept
	return nil
}

func (tx *memoryTx) UpdateItemSplit(ctx context.Context, item OrderItem) error {
	items := tx.repo.items[item.OrderID]
	for i := range items {
		if items[i].ID == item.ID {
			items[i].Quantity = item.Quantity
			items[i].DiscountAmount = item.DiscountAmount
			items[i].LineTotal = item.LineTotal
			items[i].ReadyDate = item.ReadyDate
			items[i].BatchNumber = item.BatchNumber
			return nil
		}
	}
	return ErrNotFound
}

func (tx *memoryTx) ListDiscountCharges(ctx context.Context, orderID int64) ([]DiscountCharge, error) {
	return tx.repo.ListDiscountCharges(ctx, orderID)
}

func (tx *memoryTx) InsertDiscountCharge(ctx context.Context, dc DiscountCharge) (int64, error) {
	dc.ID = tx.allocID()
	tx.repo.charges[dc.OrderID] = append(tx.repo.charges[dc.OrderID], dc)
	return dc.ID, nil
}

func (tx *memoryTx) UpdateDiscountCharge(ctx context.Context, dc DiscountCharge) error {
	charges := tx.repo.charges[dc.OrderID]
	for i := range charges {
		if charges[i].ID == dc.ID {
			charges[i] = dc
			return nil
		}
	}
	return ErrNotFound
}

func (tx *memoryTx) DeleteDiscountCharge(ctx context.Context, id int64) error {
	for orderID, charges := range tx.repo.charges {
		for i := range charges {
			if charges[i].ID == id {
				tx.repo.charges[orderID] = append(charges[:i], charges[i+1:]...)
				return nil
			}
		}
	}
	return ErrNotFound
}

func (tx *memoryTx) ListRoute(ctx context.Context, orderID int64) ([]RouteStep, error) {
	return tx.repo.ListRoute(ctx, orderID)
}

func (tx *memoryTx) InsertRouteSteps(ctx context.Context, steps []RouteStep) error {
	for _, step := range steps {
		step.ID = tx.allocID()
		tx.repo.routes[step.OrderID] = append(tx.repo.routes[step.OrderID], step)
	}
	return nil
}

func (tx *memoryTx) CompleteStep(ctx context.Context, stepID int64, actorID int64, at time.Time) error {
	for orderID, steps := range tx.repo.routes {
		for i := range steps {
			if steps[i].ID == stepID {
				steps[i].Completed = true
				steps[i].CompletedAt = &at
				steps[i].CompletedBy = actorID
				tx.repo.routes[orderID] = steps
				return nil
			}
		}
	}
	return ErrNotFound
}

func (tx *memoryTx) ResetStep(ctx context.Context, stepID int64) error {
	for orderID, steps := range tx.repo.routes {
		for i := range steps {
			if steps[i].ID == stepID {
				steps[i].Completed = false
				steps[i].CompletedAt = nil
				steps[i].CompletedBy = 0
				tx.repo.routes[orderID] = steps
				return nil
			}
		}
	}
	return ErrNotFound
}

func (tx *memoryTx) GetDownPayment(ctx context.Context, orderID int64) (DownPayment, error) {
	return tx.repo.GetDownPayment(ctx, orderID)
}

func (tx *memoryTx) UpsertDownPayment(ctx context.Context, dp DownPayment) (int64, error) {
	if dp.ID == 0 {
		dp.ID = tx.allocID()
	}
	tx.repo.downPayments[dp.OrderID] = dp
	return dp.ID, nil
}

func (tx *memoryTx) GetPackingList(ctx context.Context, orderID int64, batch int) (PackingList, error) {
	for _, pl := range tx.repo.packingLists {
		if pl.OrderID == orderID && pl.BatchNumber == batch {
			return pl, nil
		}
	}
	return PackingList{}, ErrNotFound
}

func (tx *memoryTx) InsertPackingList(ctx context.Context, pl PackingList) (int64, error) {
	pl.ID = tx.allocID()
	tx.repo.packingLists[pl.ID] = pl
	return pl.ID, nil
}

func (tx *memoryTx) SetPackingListApproved(ctx context.Context, id int64) error {
	pl, ok := tx.repo.packingLists[id]
	if !ok {
		return ErrNotFound
	}
	pl.Approved = true
	tx.repo.packingLists[id] = pl
	return nil
}

func (tx *memoryTx) DeletePackingList(ctx context.Context, id int64) error {
	delete(tx.repo.packingLists, id)
	return nil
}

func (tx *memoryTx) InsertPaymentDocument(ctx context.Context, doc PaymentDocument) (int64, error) {
	doc.ID = tx.allocID()
	tx.repo.payments = append(tx.repo.payments, doc)
	return doc.ID, nil
}

func (tx *memoryTx) InsertInvoiceDocument(ctx context.Context, doc InvoiceDocument) (int64, error) {
	doc.ID = tx.allocID()
	tx.repo.invoices = append(tx.repo.invoices, doc)
	return doc.ID, nil
}

type stubCatalog struct {
	items map[int64]catalog.Item
}

func (s *stubCatalog) GetItem(ctx context.Context, id int64) (catalog.Item, error) {
	item, ok := s.items[id]
	if !ok {
		return catalog.Item{}, catalog.ErrNotFound
	}
	return item, nil
}

type memoryDocs struct {
	blobs  map[string][]byte
	nextID int
}

func newMemoryDocs() *memoryDocs {
	return &memoryDocs{blobs: make(map[string][]byte)}
}

func (m *memoryDocs) Put(ctx context.Context, key docstore.Key, filename string, content io.Reader) (string, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return "", err
	}
	m.nextID++
	ref := fmt.Sprintf("mem/%d/%d/%d_%s", key.OrderID, key.Batch, m.nextID, filename)
	m.blobs[ref] = data
	return ref, nil
}

func (m *memoryDocs) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	data, ok := m.blobs[ref]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryDocs) Delete(ctx context.Context, ref string) error {
	if _, ok := m.blobs[ref]; !ok {
		return docstore.ErrNotFound
	}
	delete(m.blobs, ref)
	return nil
}

var (
	admin      = auth.NewActor(1, shared.RoleAdmin, nil)
	supervisor = auth.NewActor(2, shared.RoleSupervisor, []string{shared.AccessPurchaseOrders})
	clerk      = auth.NewActor(3, shared.RoleUser, []string{shared.AccessPurchaseOrders})
)

func newTestService(t *testing.T) (*Service, *memoryRepo, *memoryDocs) {
	t.Helper()
	repo := newMemoryRepo()
	docs := newMemoryDocs()
	cat := &stubCatalog{items: map[int64]catalog.Item{
		11: {ID: 11, ItemCode: "WID-100", Description: "Widget", Unit: "pcs", WholesalePrice: dec("100")},
		12: {ID: 12, ItemCode: "GAD-200", Description: "Gadget", Unit: "box", WholesalePrice: dec("40")},
	}}
	return NewService(repo, cat, docs, nil), repo, docs
}

func createDraftOrder(t *testing.T, svc *Service) OrderAggregate {
	t.Helper()
	agg, err := svc.CreateOrder(context.Background(), clerk, CreateOrderInput{
		SupplierID: 5,
		Currency:   "USD",
		Items: []ItemInput{
			{CatalogID: 11, Quantity: dec("10"), DiscountType: DiscountPercentage, DiscountValue: dec("5")},
		},
	})
	require.NoError(t, err)
	return agg
}

func upload(name string) *Upload {
	return &Upload{Filename: name, Content: strings.NewReader("pdf-bytes")}
}

func TestCreateOrderComputesTotalsAndRoute(t *testing.T) {
	svc, _, _ := newTestService(t)
	agg := createDraftOrder(t, svc)

	po := agg.Order
	require.Equal(t, StatusDraft, po.Status)
	require.True(t, strings.HasPrefix(po.Number, "PO-"))

	// 10 x 100 with a 5% item discount.
	require.True(t, po.GrossAmount.Equal(dec("1000")), "gross = %s", po.GrossAmount)
	require.True(t, po.ItemDiscountAmount.Equal(dec("50")))
	require.True(t, po.SubtotalAmount.Equal(dec("950")))
	require.True(t, po.GrandTotalAmount.Equal(dec("950")))

	require.Len(t, agg.Route, 5)
	require.Equal(t, "Draft", agg.Route[0].Ref.Task())

	// Catalog defaults flow into the line.
	require.Equal(t, "Widget", agg.Items[0].Description)
	require.Equal(t, "pcs", agg.Items[0].Unit)
}

func TestOrderAdjustmentFlowsIntoGrandTotal(t *testing.T) {
	svc, _, _ := newTestService(t)
	agg := createDraftOrder(t, svc)

	agg, err := svc.AddDiscountCharge(context.Background(), clerk, agg.Order.ID, DiscountChargeInput{
		Description: "Freight", Value: dec("100"),
	})
	require.NoError(t, err)
	require.True(t, agg.Order.OrderAdjustmentAmount.Equal(dec("100")))
	require.True(t, agg.Order.GrandTotalAmount.Equal(dec("1050")))

	agg, err = svc.RemoveDiscountCharge(context.Background(), clerk, agg.Order.ID, agg.DiscountCharges[0].ID)
	require.NoError(t, err)
	require.True(t, agg.Order.GrandTotalAmount.Equal(dec("950")))
}

func TestPercentDeductionOnPlainOrder(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	agg, err := svc.CreateOrder(ctx, clerk, CreateOrderInput{
		SupplierID: 5, Currency: "USD",
		Items: []ItemInput{{CatalogID: 11, Quantity: dec("10")}},
	})
	require.NoError(t, err)
	require.True(t, agg.Order.SubtotalAmount.Equal(dec("1000")))
	require.True(t, agg.Order.GrandTotalAmount.Equal(dec("1000")))

	agg, err = svc.AddDiscountCharge(ctx, clerk, agg.Order.ID, DiscountChargeInput{
		Description: "Early settlement", IsPercentage: true, Value: dec("5"), IsDeduction: true,
	})
	require.NoError(t, err)
	require.True(t, agg.Order.GrandTotalAmount.Equal(dec("950")), "grand total = %s", agg.Order.GrandTotalAmount)
}

func TestCreateOrderCarriesPaymentTerms(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	agg, err := svc.CreateOrder(ctx, clerk, CreateOrderInput{
		SupplierID:              5,
		Currency:                "USD",
		PaymentTermsDescription: "50% DP, balance Net 30",
		CreditLimit:             dec("250000"),
		DownPaymentPercent:      dec("50"),
		PaymentTermDays:         30,
		Items:                   []ItemInput{{CatalogID: 11, Quantity: dec("2")}},
	})
	require.NoError(t, err)
	require.Equal(t, "50% DP, balance Net 30", agg.Order.PaymentTermsDescription)
	require.True(t, agg.Order.CreditLimit.Equal(dec("250000")))
	require.True(t, agg.Order.DownPaymentPercent.Equal(dec("50")))
	require.Equal(t, 30, agg.Order.PaymentTermDays)

	_, err = svc.CreateOrder(ctx, clerk, CreateOrderInput{
		SupplierID: 5, Currency: "USD", DownPaymentPercent: dec("120"),
		Items: []ItemInput{{CatalogID: 11, Quantity: dec("1")}},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSubmitAndApprove(t *testing.T) {
	svc, _, _ := newTestService(t)
	agg := createDraftOrder(t, svc)
	ctx := context.Background()

	agg, err := svc.SubmitForApproval(ctx, clerk, agg.Order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, agg.Order.Status)
	require.True(t, agg.Route[0].Completed)

	agg, err = svc.Approve(ctx, supervisor, agg.Order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusForDP, agg.Order.Status)
	require.Equal(t, supervisor.ID, agg.Order.ApprovedBy)
	require.True(t, agg.Route[1].Completed)
}

func TestApproveRequiresApproverRole(t *testing.T) {
	svc, _, _ := newTestService(t)
	agg := createDraftOrder(t, svc)
	ctx := context.Background()

	_, err := svc.SubmitForApproval(ctx, clerk, agg.Order.ID)
	require.NoError(t, err)

	_, err = svc.Approve(ctx, clerk, agg.Order.ID)
	require.ErrorIs(t, err, ErrPermissionDenied)

	// Admin bypasses the role set.
	_, err = svc.Approve(ctx, admin, agg.Order.ID)
	require.NoError(t, err)
}

func TestApproveOutOfOrderFails(t *testing.T) {
	svc, _, _ := newTestService(t)
	agg := createDraftOrder(t, svc)

	_, err := svc.Approve(context.Background(), supervisor, agg.Order.ID)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRejectReturnsToDraftAndReopensStep(t *testing.T) {
	svc, _, _ := newTestService(t)
	agg := createDraftOrder(t, svc)
	ctx := context.Background()

	_, err := svc.SubmitForApproval(ctx, clerk, agg.Order.ID)
	require.NoError(t, err)

	agg, err = svc.Reject(ctx, supervisor, agg.Order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, agg.Order.Status)
	require.False(t, agg.Route[0].Completed, "draft step must be reopened")

	// The order can be resubmitted and approved.
	_, err = svc.SubmitForApproval(ctx, clerk, agg.Order.ID)
	require.NoError(t, err)
	agg, err = svc.Approve(ctx, supervisor, agg.Order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusForDP, agg.Order.Status)
}

func TestDownPaymentCycle(t *testing.T) {
	svc, _, docs := newTestService(t)
	agg := createDraftOrder(t, svc)
	ctx := context.Background()
	id := agg.Order.ID

	_, err := svc.SubmitForApproval(ctx, clerk, id)
	require.NoError(t, err)
	_, err = svc.Approve(ctx, supervisor, id)
	require.NoError(t, err)

	agg, err = svc.SubmitDownPayment(ctx, clerk, id, DownPaymentInput{
		AmountPaid: dec("200"), Remarks: "wire ref 991", Slip: upload("slip.pdf"),
	})
	require.NoError(t, err)
	require.Equal(t, StatusPendingDPApproval, agg.Order.Status)
	require.NotNil(t, agg.DownPayment)
	require.True(t, agg.DownPayment.AmountPaid.Equal(dec("200")))
	firstRef := agg.DownPayment.SlipRef
	require.NotEmpty(t, firstRef)

	// Rejection reopens the For DP step.
	agg, err = svc.RejectDownPayment(ctx, supervisor, id)
	require.NoError(t, err)
	require.Equal(t, StatusForDP, agg.Order.Status)

	// Resubmission replaces the record and the slip.
	agg, err = svc.SubmitDownPayment(ctx, clerk, id, DownPaymentInput{
		AmountPaid: dec("300"), Slip: upload("slip2.pdf"),
	})
	require.NoError(t, err)
	require.True(t, agg.DownPayment.AmountPaid.Equal(dec("300")))
	require.NotEqual(t, firstRef, agg.DownPayment.SlipRef)
	_, err = docs.Open(ctx, firstRef)
	require.ErrorIs(t, err, docstore.ErrNotFound, "superseded slip must be removed")

	agg, err = svc.ApproveDownPayment(ctx, supervisor, id)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmReadyDates, agg.Order.Status)
}

func TestDownPaymentRequiresPositiveAmount(t *testing.T) {
	svc, _, _ := newTestService(t)
	agg := createDraftOrder(t, svc)

	_, err := svc.SubmitDownPayment(context.Background(), clerk, agg.Order.ID, DownPaymentInput{AmountPaid: dec("0")})
	require.ErrorIs(t, err, ErrValidation)
}

// advanceToReadyDates walks a fresh order to confirm_ready_dates.
func advanceToReadyDates(t *testing.T, svc *Service) int64 {
	t.Helper()
	ctx := context.Background()
	agg := createDraftOrder(t, svc)
	id := agg.Order.ID
	_, err := svc.SubmitForApproval(ctx, clerk, id)
	require.NoError(t, err)
	_, err = svc.Approve(ctx, supervisor, id)
	require.NoError(t, err)
	_, err = svc.SubmitDownPayment(ctx, clerk, id, DownPaymentInput{AmountPaid: dec("200")})
	require.NoError(t, err)
	_, err = svc.ApproveDownPayment(ctx, supervisor, id)
	require.NoError(t, err)
	return id
}

func TestConfirmReadyDatesTwoBatches(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	id := advanceToReadyDates(t, svc)

	agg, err := svc.GetOrder(ctx, id)
	require.NoError(t, err)
	itemID := agg.Items[0].ID

	agg, err = svc.ConfirmReadyDates(ctx, supervisor, id, []ReadyDateInput{
		{ItemID: itemID, Quantity: dec("6"), ReadyDate: "2026-10-01"},
		{ItemID: itemID, Quantity: dec("4"), ReadyDate: "2026-10-20"},
	})
	require.NoError(t, err)
	require.Equal(t, PackingListStatus(1), agg.Order.Status)

	// 5 initial steps + 4 per batch x 2 + summary.
	require.Len(t, agg.Route, 14)
	require.Equal(t, "Packing List 1", agg.Route[5].Ref.Task())
	require.Equal(t, "PO Summary", agg.Route[13].Ref.Task())

	// Sequence stays strictly increasing.
	for i := 1; i < len(agg.Route); i++ {
		require.Greater(t, agg.Route[i].Seq, agg.Route[i-1].Seq)
	}

	// The original item keeps batch 1; the clone carries provenance.
	require.Len(t, agg.Items, 2)
	require.Equal(t, 1, agg.Items[0].BatchNumber)
	require.True(t, agg.Items[0].Quantity.Equal(dec("6")))
	require.Equal(t, 2, agg.Items[1].BatchNumber)
	require.True(t, agg.Items[1].Quantity.Equal(dec("4")))
	require.Equal(t, itemID, agg.Items[1].SplitSourceID)

	// Totals survive the split unchanged.
	require.True(t, agg.Order.SubtotalAmount.Equal(dec("950")), "subtotal = %s", agg.Order.SubtotalAmount)
	require.True(t, agg.Order.GrossAmount.Equal(dec("1000")))
}

func TestConfirmReadyDatesRejectsMismatch(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	id := advanceToReadyDates(t, svc)

	agg, err := svc.GetOrder(ctx, id)
	require.NoError(t, err)
	itemID := agg.Items[0].ID

	_, err = svc.ConfirmReadyDates(ctx, supervisor, id, []ReadyDateInput{
		{ItemID: itemID, Quantity: dec("6"), ReadyDate: "2026-10-01"},
		{ItemID: itemID, Quantity: dec("5"), ReadyDate: "2026-10-20"},
	})
	require.ErrorIs(t, err, ErrValidation)

	// Nothing moved: status unchanged, no batch steps appended.
	agg, err = svc.GetOrder(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmReadyDates, agg.Order.Status)
	require.Len(t, agg.Route, 5)
	require.Len(t, agg.Items, 1)
}

// advanceToPackingList walks a fresh order through ready-date confirmation
// with the given batch split.
func advanceToPackingList(t *testing.T, svc *Service, rows func(itemID int64) []ReadyDateInput) int64 {
	t.Helper()
	ctx := context.Background()
	id := advanceToReadyDates(t, svc)
	agg, err := svc.GetOrder(ctx, id)
	require.NoError(t, err)
	_, err = svc.ConfirmReadyDates(ctx, supervisor, id, rows(agg.Items[0].ID))
	require.NoError(t, err)
	return id
}

func twoBatchRows(itemID int64) []ReadyDateInput {
	return []ReadyDateInput{
		{ItemID: itemID, Quantity: dec("6"), ReadyDate: "2026-10-01"},
		{ItemID: itemID, Quantity: dec("4"), ReadyDate: "2026-10-20"},
	}
}

func oneBatchRows(itemID int64) []ReadyDateInput {
	return []ReadyDateInput{{ItemID: itemID, Quantity: dec("10"), ReadyDate: "2026-10-01"}}
}

func submitBatchDocs(t *testing.T, svc *Service, id int64, batch int) OrderAggregate {
	t.Helper()
	ctx := context.Background()
	_, err := svc.SubmitPackingList(ctx, clerk, id, batch, PackingListInput{
		TotalWeight: dec("120.5"), TotalPackages: 8, TotalVolume: dec("2.4"), Document: upload("pl.pdf"),
	})
	require.NoError(t, err)
	_, err = svc.ApproveImport(ctx, supervisor, id, batch, true)
	require.NoError(t, err)
	_, err = svc.SubmitPayment(ctx, clerk, id, batch, upload("payment.pdf"))
	require.NoError(t, err)
	agg, err := svc.SubmitInvoice(ctx, clerk, id, batch, upload("invoice.pdf"))
	require.NoError(t, err)
	return agg
}

func TestFullWorkflowTwoBatches(t *testing.T) {
	svc, repo, _ := newTestService(t)
	id := advanceToPackingList(t, svc, twoBatchRows)

	agg := submitBatchDocs(t, svc, id, 1)
	require.Equal(t, PackingListStatus(2), agg.Order.Status,
		"finishing batch 1 must open batch 2's packing list stage")

	agg = submitBatchDocs(t, svc, id, 2)
	require.Equal(t, StatusCompleted, agg.Order.Status)

	for _, step := range agg.Route {
		require.True(t, step.Completed, "step %q left incomplete", step.Ref.Task())
	}
	require.Len(t, repo.payments, 2)
	require.Len(t, repo.invoices, 2)
}

func TestSingleBatchCompletesAfterFirstInvoice(t *testing.T) {
	svc, _, _ := newTestService(t)
	id := advanceToPackingList(t, svc, oneBatchRows)

	agg := submitBatchDocs(t, svc, id, 1)
	require.Equal(t, StatusCompleted, agg.Order.Status)
}

func TestRejectImportReopensPackingList(t *testing.T) {
	svc, _, docs := newTestService(t)
	ctx := context.Background()
	id := advanceToPackingList(t, svc, oneBatchRows)

	agg, err := svc.SubmitPackingList(ctx, clerk, id, 1, PackingListInput{
		TotalWeight: dec("120.5"), TotalPackages: 8, TotalVolume: dec("2.4"), Document: upload("pl.pdf"),
	})
	require.NoError(t, err)
	require.Equal(t, ApproveImportStatus(1), agg.Order.Status)

	agg, err = svc.ApproveImport(ctx, supervisor, id, 1, false)
	require.NoError(t, err)
	require.Equal(t, PackingListStatus(1), agg.Order.Status)

	// The packing list record and its document are gone, the step reopened.
	plStep := FindStep(agg.Route, StepRef{Kind: StepPackingList, Batch: 1})
	require.NotNil(t, plStep)
	require.False(t, plStep.Completed)
	require.Empty(t, docs.blobs, "rejected packing list document must be deleted")

	// Resubmission proceeds normally.
	agg, err = svc.SubmitPackingList(ctx, clerk, id, 1, PackingListInput{
		TotalWeight: dec("118"), TotalPackages: 8, TotalVolume: dec("2.4"), Document: upload("pl2.pdf"),
	})
	require.NoError(t, err)
	require.Equal(t, ApproveImportStatus(1), agg.Order.Status)
}

func TestPackingListRequiresDocument(t *testing.T) {
	svc, _, _ := newTestService(t)
	id := advanceToPackingList(t, svc, oneBatchRows)

	_, err := svc.SubmitPackingList(context.Background(), clerk, id, 1, PackingListInput{
		TotalWeight: dec("120.5"), TotalPackages: 8, TotalVolume: dec("2.4"),
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestTransactionRollsBackWhenCallbackPanics(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	id := createDraftOrder(t, svc).Order.ID

	require.Panics(t, func() {
		_ = repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			require.NoError(t, tx.UpdateOrderStatus(ctx, id, StatusCancelled))
			panic("connection seized mid-flight")
		})
	})

	agg, err := svc.GetOrder(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, agg.Order.Status)
}

func TestPackingListCannotBeSubmittedTwice(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	id := advanceToPackingList(t, svc, oneBatchRows)

	agg, err := svc.SubmitPackingList(ctx, clerk, id, 1, PackingListInput{
		TotalWeight: dec("120.5"), TotalPackages: 8, TotalVolume: dec("2.4"), Document: upload("pl.pdf"),
	})
	require.NoError(t, err)

	// The submitted list shows up on the aggregate right away.
	require.Len(t, agg.PackingLists, 1)
	require.Equal(t, 1, agg.PackingLists[0].BatchNumber)
	require.False(t, agg.PackingLists[0].Approved)
	require.NotEmpty(t, agg.PackingLists[0].DocumentRef)

	_, err = svc.SubmitPackingList(ctx, clerk, id, 1, PackingListInput{
		TotalWeight: dec("120.5"), TotalPackages: 8, TotalVolume: dec("2.4"), Document: upload("pl.pdf"),
	})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelFromAnyNonTerminalStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	id := advanceToReadyDates(t, svc)

	agg, err := svc.CancelOrder(ctx, clerk, id)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, agg.Order.Status)

	// Terminal orders accept no further transitions or edits.
	_, err = svc.CancelOrder(ctx, clerk, id)
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = svc.AddItem(ctx, clerk, id, ItemInput{CatalogID: 12, Quantity: dec("1")})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestItemMutationsRecalculateTotals(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	agg := createDraftOrder(t, svc)
	id := agg.Order.ID

	agg, err := svc.AddItem(ctx, clerk, id, ItemInput{CatalogID: 12, Quantity: dec("5")})
	require.NoError(t, err)
	// 950 + 5 x 40 from the catalog wholesale price.
	require.True(t, agg.Order.GrandTotalAmount.Equal(dec("1150")), "grand total = %s", agg.Order.GrandTotalAmount)

	price := dec("50")
	agg, err = svc.UpdateItem(ctx, clerk, id, agg.Items[1].ID, ItemInput{
		CatalogID: 12, Quantity: dec("5"), UnitPrice: &price,
	})
	require.NoError(t, err)
	require.True(t, agg.Order.GrandTotalAmount.Equal(dec("1200")))

	agg, err = svc.RemoveItem(ctx, clerk, id, agg.Items[1].ID)
	require.NoError(t, err)
	require.True(t, agg.Order.GrandTotalAmount.Equal(dec("950")))
}

func TestCreateOrderValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateOrder(ctx, clerk, CreateOrderInput{Currency: "USD"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateOrder(ctx, clerk, CreateOrderInput{
		SupplierID: 5, Currency: "USD",
		Items: []ItemInput{{CatalogID: 999, Quantity: dec("1")}},
	})
	require.ErrorIs(t, err, ErrNotFound)

	noAccess := auth.NewActor(9, shared.RoleUser, nil)
	_, err = svc.CreateOrder(ctx, noAccess, CreateOrderInput{SupplierID: 5, Currency: "USD"})
	require.ErrorIs(t, err, ErrPermissionDenied)
}
