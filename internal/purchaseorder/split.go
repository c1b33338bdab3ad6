package purchaseorder

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

const readyDateLayout = "2006-01-02"

// ReadyDateInput is one caller-submitted split row.
type ReadyDateInput struct {
	ItemID    int64
	Quantity  decimal.Decimal
	ReadyDate string
}

// SplitUpdate sets the batch assignment (and possibly reduced quantity) on an
// existing item.
type SplitUpdate struct {
	ItemID    int64
	Quantity  decimal.Decimal
	ReadyDate time.Time
	Batch     int
}

// SplitClone creates a new item carried over from a source item that was
// split across more than one ready date.
type SplitClone struct {
	SourceItemID int64
	Quantity     decimal.Decimal
	ReadyDate    time.Time
	Batch        int
}

// SplitPlan is the validated outcome of PlanSplit, applied transactionally by
// the orchestrator.
type SplitPlan struct {
	Updates    []SplitUpdate
	Clones     []SplitClone
	BatchCount int
	Dates      []time.Time
}

// PlanSplit validates the submitted ready-date assignments against the
// order's current items and produces the batch plan. Quantity conservation is
// strict: for every referenced item the submitted rows must sum to exactly
// the item's current quantity. At most MaxBatches distinct dates are allowed;
// batch numbers are assigned 1..N in ascending date order.
func PlanSplit(items []OrderItem, rows []ReadyDateInput) (SplitPlan, error) {
	if len(rows) == 0 {
		return SplitPlan{}, fmt.Errorf("%w: at least one ready-date row is required", ErrValidation)
	}

	byID := make(map[int64]OrderItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	type parsedRow struct {
		itemID   int64
		quantity decimal.Decimal
		date     time.Time
	}
	parsed := make([]parsedRow, 0, len(rows))
	submitted := make(map[int64]decimal.Decimal)
	for _, row := range rows {
		item, ok := byID[row.ItemID]
		if !ok {
			return SplitPlan{}, fmt.Errorf("%w: item %d does not belong to this order", ErrNotFound, row.ItemID)
		}
		if row.Quantity.LessThanOrEqual(decimal.Zero) {
			return SplitPlan{}, fmt.Errorf("%w: quantity for item %d must be positive", ErrValidation, row.ItemID)
		}
		if row.ReadyDate == "" {
			return SplitPlan{}, fmt.Errorf("%w: ready date is required for item %d", ErrValidation, row.ItemID)
		}
		date, err := time.Parse(readyDateLayout, row.ReadyDate)
		if err != nil {
			return SplitPlan{}, fmt.Errorf("%w: ready date %q for item %d is not a valid date", ErrValidation, row.ReadyDate, row.ItemID)
		}
		parsed = append(parsed, parsedRow{itemID: item.ID, quantity: row.Quantity, date: date})
		submitted[item.ID] = submitted[item.ID].Add(row.Quantity)
	}

	// Closed-world conservation: no quantity may appear or vanish.
	for itemID, total := range submitted {
		item := byID[itemID]
		if !total.Equal(item.Quantity) {
			return SplitPlan{}, fmt.Errorf("%w: total quantity for item %d must equal %s, got %s",
				ErrValidation, itemID, item.Quantity.String(), total.String())
		}
	}

	distinct := make(map[time.Time]struct{})
	for _, row := range parsed {
		distinct[row.date] = struct{}{}
	}
	if len(distinct) > MaxBatches {
		return SplitPlan{}, fmt.Errorf("%w: at most %d distinct ready dates are allowed, got %d", ErrValidation, MaxBatches, len(distinct))
	}
	dates := make([]time.Time, 0, len(distinct))
	for date := range distinct {
		dates = append(dates, date)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	batchOf := make(map[time.Time]int, len(dates))
	for i, date := range dates {
		batchOf[date] = i + 1
	}

	// Group rows per item, ascending date order: the earliest split updates
	// the original item in place, later splits clone it.
	rowsOf := make(map[int64][]parsedRow)
	order := make([]int64, 0, len(parsed))
	for _, row := range parsed {
		if _, seen := rowsOf[row.itemID]; !seen {
			order = append(order, row.itemID)
		}
		rowsOf[row.itemID] = append(rowsOf[row.itemID], row)
	}

	var plan SplitPlan
	plan.BatchCount = len(dates)
	plan.Dates = dates
	for _, itemID := range order {
		group := rowsOf[itemID]
		sort.SliceStable(group, func(i, j int) bool { return group[i].date.Before(group[j].date) })
		// One portion per (item, date): repeated dates fold into a single row.
		merged := group[:1]
		for _, row := range group[1:] {
			last := &merged[len(merged)-1]
			if row.date.Equal(last.date) {
				last.quantity = last.quantity.Add(row.quantity)
				continue
			}
			merged = append(merged, row)
		}
		group = merged
		first := group[0]
		plan.Updates = append(plan.Updates, SplitUpdate{
			ItemID:    itemID,
			Quantity:  first.quantity,
			ReadyDate: first.date,
			Batch:     batchOf[first.date],
		})
		for _, row := range group[1:] {
			plan.Clones = append(plan.Clones, SplitClone{
				SourceItemID: itemID,
				Quantity:     row.quantity,
				ReadyDate:    row.date,
				Batch:        batchOf[row.date],
			})
		}
	}
	return plan, nil
}

// CloneItem builds the new item record for a split portion, carrying over the
// source item's catalog reference, price and discount configuration.
func CloneItem(source OrderItem, clone SplitClone) OrderItem {
	item := OrderItem{
		OrderID:       source.OrderID,
		CatalogID:     source.CatalogID,
		Description:   source.Description,
		Unit:          source.Unit,
		Quantity:      clone.Quantity,
		UnitPrice:     source.UnitPrice,
		DiscountType:  source.DiscountType,
		DiscountValue: source.DiscountValue,
		ReadyDate:     timePtr(clone.ReadyDate),
		BatchNumber:   clone.Batch,
		SplitSourceID: source.ID,
		Notes:         fmt.Sprintf("Split from item #%d", source.ID),
	}
	ApplyItemTotals(&item)
	return item
}

func timePtr(t time.Time) *time.Time {
	return &t
}
