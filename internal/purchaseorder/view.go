package purchaseorder

import (
	"time"

	"github.com/shopspring/decimal"
)

type orderResponse struct {
	ID            int64  `json:"id"`
	Number        string `json:"number"`
	SupplierID    int64  `json:"supplier_id"`
	SupplierType  string `json:"supplier_type"`
	DeliveryTerms string `json:"delivery_terms"`
	Currency      string `json:"currency"`
	Country       string `json:"country"`
	Status        string `json:"status"`
	Notes         string `json:"notes"`

	PaymentTermsDescription string          `json:"payment_terms_description,omitempty"`
	CreditLimit             decimal.Decimal `json:"credit_limit"`
	DownPaymentPercent      decimal.Decimal `json:"down_payment_percent"`
	PaymentTermDays         int             `json:"payment_term_days,omitempty"`

	GrossAmount           decimal.Decimal `json:"gross_amount"`
	ItemDiscountAmount    decimal.Decimal `json:"item_discount_amount"`
	SubtotalAmount        decimal.Decimal `json:"subtotal_amount"`
	OrderAdjustmentAmount decimal.Decimal `json:"order_adjustment_amount"`
	GrandTotalAmount      decimal.Decimal `json:"grand_total_amount"`

	OrderDate  string `json:"order_date"`
	ApprovedBy int64  `json:"approved_by,omitempty"`
	ApprovedAt string `json:"approved_at,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

type itemResponse struct {
	ID            int64           `json:"id"`
	CatalogID     int64           `json:"catalog_id"`
	Description   string          `json:"description"`
	Unit          string          `json:"unit"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	DiscountType  string          `json:"discount_type"`
	DiscountValue decimal.Decimal `json:"discount_value"`
	DiscountAmt   decimal.Decimal `json:"discount_amount"`
	LineTotal     decimal.Decimal `json:"line_total"`
	ReadyDate     string          `json:"ready_date,omitempty"`
	BatchNumber   int             `json:"batch_number,omitempty"`
	Notes         string          `json:"notes,omitempty"`
}

type adjustmentResponse struct {
	ID           int64           `json:"id"`
	Description  string          `json:"description"`
	IsPercentage bool            `json:"is_percentage"`
	Value        decimal.Decimal `json:"value"`
	IsDeduction  bool            `json:"is_deduction"`
}

type routeStepResponse struct {
	ID          int64    `json:"id"`
	Seq         int      `json:"seq"`
	Task        string   `json:"task"`
	Kind        string   `json:"kind"`
	BatchNumber int      `json:"batch_number,omitempty"`
	Required    bool     `json:"required"`
	Access      string   `json:"access"`
	Roles       []string `json:"roles"`
	Completed   bool     `json:"completed"`
	CompletedAt string   `json:"completed_at,omitempty"`
	CompletedBy int64    `json:"completed_by,omitempty"`
}

type downPaymentResponse struct {
	AmountPaid decimal.Decimal `json:"amount_paid"`
	Remarks    string          `json:"remarks,omitempty"`
	SlipRef    string          `json:"slip_ref,omitempty"`
}

type packingListResponse struct {
	ID            int64           `json:"id"`
	BatchNumber   int             `json:"batch_number"`
	TotalWeight   decimal.Decimal `json:"total_weight"`
	TotalPackages int             `json:"total_packages"`
	TotalVolume   decimal.Decimal `json:"total_volume"`
	DocumentRef   string          `json:"document_ref"`
	Approved      bool            `json:"approved"`
}

type aggregateView struct {
	Order        orderResponse         `json:"order"`
	Items        []itemResponse        `json:"items"`
	Adjustments  []adjustmentResponse  `json:"adjustments"`
	Route        []routeStepResponse   `json:"route"`
	DownPayment  *downPaymentResponse  `json:"down_payment,omitempty"`
	PackingLists []packingListResponse `json:"packing_lists,omitempty"`
}

type orderListRow struct {
	ID           int64           `json:"id"`
	Number       string          `json:"number"`
	SupplierID   int64           `json:"supplier_id"`
	SupplierName string          `json:"supplier_name"`
	Status       string          `json:"status"`
	Currency     string          `json:"currency"`
	GrandTotal   decimal.Decimal `json:"grand_total"`
	OrderDate    string          `json:"order_date"`
	CreatedAt    string          `json:"created_at"`
}

func fmtDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func listRow(row OrderListItem) orderListRow {
	return orderListRow{
		ID:           row.ID,
		Number:       row.Number,
		SupplierID:   row.SupplierID,
		SupplierName: row.SupplierName,
		Status:       string(row.Status),
		Currency:     row.Currency,
		GrandTotal:   row.GrandTotal,
		OrderDate:    fmtDate(row.OrderDate),
		CreatedAt:    fmtTime(row.CreatedAt),
	}
}

func aggregateResponse(agg OrderAggregate) aggregateView {
	po := agg.Order
	view := aggregateView{
		Order: orderResponse{
			ID:                    po.ID,
			Number:                po.Number,
			SupplierID:            po.SupplierID,
			SupplierType:          string(po.SupplierType),
			DeliveryTerms:         po.DeliveryTerms,
			Currency:              po.Currency,
			Country:               po.Country,
			Status:                string(po.Status),
			Notes:                 po.Notes,

			PaymentTermsDescription: po.PaymentTermsDescription,
			CreditLimit:             po.CreditLimit,
			DownPaymentPercent:      po.DownPaymentPercent,
			PaymentTermDays:         po.PaymentTermDays,

			GrossAmount:           po.GrossAmount,
			ItemDiscountAmount:    po.ItemDiscountAmount,
			SubtotalAmount:        po.SubtotalAmount,
			OrderAdjustmentAmount: po.OrderAdjustmentAmount,
			GrandTotalAmount:      po.GrandTotalAmount,
			OrderDate:             fmtDate(po.OrderDate),
			ApprovedBy:            po.ApprovedBy,
			ApprovedAt:            fmtTime(po.ApprovedAt),
			CreatedAt:             fmtTime(po.CreatedAt),
			UpdatedAt:             fmtTime(po.UpdatedAt),
		},
		Items:       make([]itemResponse, 0, len(agg.Items)),
		Adjustments: make([]adjustmentResponse, 0, len(agg.DiscountCharges)),
		Route:       make([]routeStepResponse, 0, len(agg.Route)),
	}
	for _, item := range agg.Items {
		resp := itemResponse{
			ID:            item.ID,
			CatalogID:     item.CatalogID,
			Description:   item.Description,
			Unit:          item.Unit,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			DiscountType:  string(item.DiscountType),
			DiscountValue: item.DiscountValue,
			DiscountAmt:   item.DiscountAmount,
			LineTotal:     item.LineTotal,
			BatchNumber:   item.BatchNumber,
			Notes:         item.Notes,
		}
		if item.ReadyDate != nil {
			resp.ReadyDate = fmtDate(*item.ReadyDate)
		}
		view.Items = append(view.Items, resp)
	}
	for _, dc := range agg.DiscountCharges {
		view.Adjustments = append(view.Adjustments, adjustmentResponse{
			ID:           dc.ID,
			Description:  dc.Description,
			IsPercentage: dc.IsPercentage,
			Value:        dc.Value,
			IsDeduction:  dc.IsDeduction,
		})
	}
	for _, step := range agg.Route {
		resp := routeStepResponse{
			ID:          step.ID,
			Seq:         step.Seq,
			Task:        step.Ref.Task(),
			Kind:        string(step.Ref.Kind),
			BatchNumber: step.Ref.Batch,
			Required:    step.Required,
			Access:      step.Access,
			Roles:       step.Roles,
			Completed:   step.Completed,
			CompletedBy: step.CompletedBy,
		}
		if step.CompletedAt != nil {
			resp.CompletedAt = fmtTime(*step.CompletedAt)
		}
		view.Route = append(view.Route, resp)
	}
	if agg.DownPayment != nil {
		view.DownPayment = &downPaymentResponse{
			AmountPaid: agg.DownPayment.AmountPaid,
			Remarks:    agg.DownPayment.Remarks,
			SlipRef:    agg.DownPayment.SlipRef,
		}
	}
	for _, pl := range agg.PackingLists {
		view.PackingLists = append(view.PackingLists, packingListResponse{
			ID:            pl.ID,
			BatchNumber:   pl.BatchNumber,
			TotalWeight:   pl.TotalWeight,
			TotalPackages: pl.TotalPackages,
			TotalVolume:   pl.TotalVolume,
			DocumentRef:   pl.DocumentRef,
			Approved:      pl.Approved,
		})
	}
	return view
}
