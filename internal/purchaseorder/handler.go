package purchaseorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/meridian-erp/meridian-erp/internal/auth"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

const maxUploadBytes = 32 << 20

// Handler manages purchase order endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	group    singleflight.Group
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers purchase order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/purchase-orders", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/{id}", h.handleGet)
		r.Post("/{id}/submit", h.handleSubmit)
		r.Post("/{id}/approve", h.handleApprove)
		r.Post("/{id}/reject", h.handleReject)
		r.Post("/{id}/cancel", h.handleCancel)

		r.Post("/{id}/items", h.handleAddItem)
		r.Put("/{id}/items/{itemID}", h.handleUpdateItem)
		r.Delete("/{id}/items/{itemID}", h.handleRemoveItem)

		r.Post("/{id}/adjustments", h.handleAddAdjustment)
		r.Put("/{id}/adjustments/{adjID}", h.handleUpdateAdjustment)
		r.Delete("/{id}/adjustments/{adjID}", h.handleRemoveAdjustment)

		r.Post("/{id}/down-payment", h.handleSubmitDownPayment)
		r.Post("/{id}/down-payment/approve", h.handleApproveDownPayment)
		r.Post("/{id}/down-payment/reject", h.handleRejectDownPayment)

		r.Post("/{id}/ready-dates", h.handleConfirmReadyDates)
		r.Post("/{id}/batches/{batch}/packing-list", h.handleSubmitPackingList)
		r.Post("/{id}/batches/{batch}/approve-import", h.handleApproveImport)
		r.Post("/{id}/batches/{batch}/payment", h.handleSubmitPayment)
		r.Post("/{id}/batches/{batch}/invoice", h.handleSubmitInvoice)
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	supplierID, _ := strconv.ParseInt(r.URL.Query().Get("supplier_id"), 10, 64)
	filters := ListFilters{
		Status:     r.URL.Query().Get("status"),
		SupplierID: supplierID,
		Search:     r.URL.Query().Get("search"),
		SortBy:     r.URL.Query().Get("sort"),
		SortDir:    r.URL.Query().Get("dir"),
	}
	items, total, err := h.service.ListOrders(r.Context(), limit, offset, filters)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	rows := make([]orderListRow, 0, len(items))
	for _, item := range items {
		rows = append(rows, listRow(item))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"orders": rows,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// handleGet collapses concurrent reads of the same order into one aggregate
// load.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	result, err, _ := h.group.Do(strconv.FormatInt(id, 10), func() (any, error) {
		// The flight is shared by every coalesced caller, so it must not die
		// with the winning caller's connection.
		return h.service.GetOrder(context.WithoutCancel(r.Context()), id)
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, aggregateResponse(result.(OrderAggregate)))
}

type createOrderRequest struct {
	SupplierID    int64         `json:"supplier_id" validate:"required"`
	SupplierType  string        `json:"supplier_type" validate:"omitempty,oneof=local foreign"`
	DeliveryTerms string        `json:"delivery_terms"`
	Currency      string        `json:"currency" validate:"required,len=3"`
	Country       string        `json:"country"`
	Notes         string        `json:"notes"`
	OrderDate     string        `json:"order_date" validate:"omitempty,datetime=2006-01-02"`
	Items         []itemRequest `json:"items" validate:"dive"`

	PaymentTermsDescription string          `json:"payment_terms_description"`
	CreditLimit             decimal.Decimal `json:"credit_limit"`
	DownPaymentPercent      decimal.Decimal `json:"down_payment_percent"`
	PaymentTermDays         int             `json:"payment_term_days" validate:"gte=0"`
}

type itemRequest struct {
	CatalogID     int64            `json:"catalog_id" validate:"required"`
	Quantity      decimal.Decimal  `json:"quantity"`
	UnitPrice     *decimal.Decimal `json:"unit_price"`
	DiscountType  string           `json:"discount_type" validate:"omitempty,oneof=none percentage fixed"`
	DiscountValue decimal.Decimal  `json:"discount_value"`
	Description   string           `json:"description"`
	Unit          string           `json:"unit"`
	Notes         string           `json:"notes"`
}

func (req itemRequest) toInput() ItemInput {
	return ItemInput{
		CatalogID:     req.CatalogID,
		Quantity:      req.Quantity,
		UnitPrice:     req.UnitPrice,
		DiscountType:  DiscountType(req.DiscountType),
		DiscountValue: req.DiscountValue,
		Description:   req.Description,
		Unit:          req.Unit,
		Notes:         req.Notes,
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := CreateOrderInput{
		SupplierID:    req.SupplierID,
		SupplierType:  SupplierType(req.SupplierType),
		DeliveryTerms: req.DeliveryTerms,
		Currency:      req.Currency,
		Country:       req.Country,
		Notes:         req.Notes,

		PaymentTermsDescription: req.PaymentTermsDescription,
		CreditLimit:             req.CreditLimit,
		DownPaymentPercent:      req.DownPaymentPercent,
		PaymentTermDays:         req.PaymentTermDays,
	}
	if req.OrderDate != "" {
		input.OrderDate, _ = time.Parse("2006-01-02", req.OrderDate)
	}
	for _, item := range req.Items {
		input.Items = append(input.Items, item.toInput())
	}
	agg, err := h.service.CreateOrder(r.Context(), actor, input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, aggregateResponse(agg))
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	h.runTransition(w, r, h.service.SubmitForApproval)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.runTransition(w, r, h.service.Approve)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	h.runTransition(w, r, h.service.Reject)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.runTransition(w, r, h.service.CancelOrder)
}

func (h *Handler) handleApproveDownPayment(w http.ResponseWriter, r *http.Request) {
	h.runTransition(w, r, h.service.ApproveDownPayment)
}

func (h *Handler) handleRejectDownPayment(w http.ResponseWriter, r *http.Request) {
	h.runTransition(w, r, h.service.RejectDownPayment)
}

func (h *Handler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req itemRequest
	if !h.decode(w, r, &req) {
		return
	}
	agg, err := h.service.AddItem(r.Context(), actor, id, req.toInput())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, aggregateResponse(agg))
}

func (h *Handler) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := h.pathID(w, r, "itemID")
	if !ok {
		return
	}
	var req itemRequest
	if !h.decode(w, r, &req) {
		return
	}
	agg, err := h.service.UpdateItem(r.Context(), actor, id, itemID, req.toInput())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, aggregateResponse(agg))
}

func (h *Handler) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := h.pathID(w, r, "itemID")
	if !ok {
		return
	}
	agg, err := h.service.RemoveItem(r.Context(), actor, id, itemID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, aggregateResponse(agg))
}

type adjustmentRequest struct {
	Description  string          `json:"description" validate:"required"`
	IsPercentage bool            `json:"is_percentage"`
	Value        decimal.Decimal `json:"value"`
	IsDeduction  bool            `json:"is_deduction"`
}

func (req adjustmentRequest) toInput() DiscountChargeInput {
	return DiscountChargeInput{
		Description:  req.Description,
		IsPercentage: req.IsPercentage,
		Value:        req.Value,
		IsDeduction:  req.IsDeduction,
	}
}

func (h *Handler) handleAddAdjustment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req adjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	agg, err := h.service.AddDiscountCharge(r.Context(), actor, id, req.toInput())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, aggregateResponse(agg))
}

func (h *Handler) handleUpdateAdjustment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	adjID, ok := h.pathID(w, r, "adjID")
	if !ok {
		return
	}
	var req adjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	agg, err := h.service.UpdateDiscountCharge(r.Context(), actor, id, adjID, req.toInput())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, aggregateResponse(agg))
}

func (h *Handler) handleRemoveAdjustment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	adjID, ok := h.pathID(w, r, "adjID")
	if !ok {
		return
	}
	agg, err := h.service.RemoveDiscountCharge(r.Context(), actor, id, adjID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, aggregateResponse(agg))
}

// handleSubmitDownPayment accepts multipart form data: amount_paid, remarks
// and an optional slip file.
func (h *Handler) handleSubmitDownPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "expected multipart form data")
		return
	}
	amount, err := decimal.NewFromString(r.FormValue("amount_paid"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount_paid must be a decimal number")
		return
	}
	input := DownPaymentInput{AmountPaid: amount, Remarks: r.FormValue("remarks")}
	file, header, err := r.FormFile("slip")
	switch {
	case err == nil:
		defer file.Close()
		input.Slip = &Upload{Filename: header.Filename, Content: file}
	case errors.Is(err, http.ErrMissingFile):
	default:
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "could not read slip upload")
		return
	}
	agg, err := h.service.SubmitDownPayment(r.Context(), actor, id, input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, aggregateResponse(agg))
}

type readyDateRequest struct {
	Rows []readyDateRow `json:"rows" validate:"required,min=1,dive"`
}

type readyDateRow struct {
	ItemID    int64           `json:"item_id" validate:"required"`
	Quantity  decimal.Decimal `json:"quantity"`
	ReadyDate string          `json:"ready_date" validate:"required"`
}

func (h *Handler) handleConfirmReadyDates(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req readyDateRequest
	if !h.decode(w, r, &req) {
		return
	}
	rows := make([]ReadyDateInput, 0, len(req.Rows))
	for _, row := range req.Rows {
		rows = append(rows, ReadyDateInput{ItemID: row.ItemID, Quantity: row.Quantity, ReadyDate: row.ReadyDate})
	}
	agg, err := h.service.ConfirmReadyDates(r.Context(), actor, id, rows)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, aggregateResponse(agg))
}

func (h *Handler) handleSubmitPackingList(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	batch, ok := h.pathBatch(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "expected multipart form data")
		return
	}
	weight, errW := decimal.NewFromString(r.FormValue("total_weight"))
	volume, errV := decimal.NewFromString(r.FormValue("total_volume"))
	packages, errP := strconv.Atoi(r.FormValue("total_packages"))
	if errW != nil || errV != nil || errP != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "total_weight, total_volume and total_packages are required numbers")
		return
	}
	input := PackingListInput{TotalWeight: weight, TotalPackages: packages, TotalVolume: volume}
	if upload, ok := h.formFile(w, r, "document"); ok {
		if upload != nil {
			defer upload.close()
			input.Document = &upload.Upload
		}
	} else {
		return
	}
	agg, err := h.service.SubmitPackingList(r.Context(), actor, id, batch, input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, aggregateResponse(agg))
}

type approveImportRequest struct {
	Approve bool `json:"approve"`
}

func (h *Handler) handleApproveImport(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	batch, ok := h.pathBatch(w, r)
	if !ok {
		return
	}
	var req approveImportRequest
	if !h.decode(w, r, &req) {
		return
	}
	agg, err := h.service.ApproveImport(r.Context(), actor, id, batch, req.Approve)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, aggregateResponse(agg))
}

func (h *Handler) handleSubmitPayment(w http.ResponseWriter, r *http.Request) {
	h.submitBatchDocument(w, r, h.service.SubmitPayment)
}

func (h *Handler) handleSubmitInvoice(w http.ResponseWriter, r *http.Request) {
	h.submitBatchDocument(w, r, h.service.SubmitInvoice)
}

func (h *Handler) submitBatchDocument(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, actor auth.Actor, orderID int64, batch int, document *Upload) (OrderAggregate, error)) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	batch, ok := h.pathBatch(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "expected multipart form data")
		return
	}
	var doc *Upload
	if upload, ok := h.formFile(w, r, "document"); ok {
		if upload != nil {
			defer upload.close()
			doc = &upload.Upload
		}
	} else {
		return
	}
	agg, err := fn(r.Context(), actor, id, batch, doc)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, aggregateResponse(agg))
}

// helpers

func (h *Handler) runTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, actor auth.Actor, orderID int64) (OrderAggregate, error)) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	agg, err := fn(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, aggregateResponse(agg))
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (auth.Actor, bool) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing principal")
		return auth.Actor{}, false
	}
	return actor, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return id, true
}

func (h *Handler) pathBatch(w http.ResponseWriter, r *http.Request) (int, bool) {
	batch, err := strconv.Atoi(chi.URLParam(r, "batch"))
	if err != nil || batch < 1 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "invalid batch")
		return 0, false
	}
	return batch, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

type formUpload struct {
	Upload
	file interface{ Close() error }
}

func (u *formUpload) close() { _ = u.file.Close() }

func (h *Handler) formFile(w http.ResponseWriter, r *http.Request, field string) (*formUpload, bool) {
	file, header, err := r.FormFile(field)
	switch {
	case err == nil:
		return &formUpload{Upload: Upload{Filename: header.Filename, Content: file}, file: file}, true
	case errors.Is(err, http.ErrMissingFile):
		return nil, true
	default:
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", fmt.Sprintf("could not read %s upload", field))
		return nil, false
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrPermissionDenied):
		httpx.Problem(w, http.StatusForbidden, "Permission Denied", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	default:
		h.logger.Error("purchase order request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "unexpected failure")
	}
}
