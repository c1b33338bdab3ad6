package purchaseorder

import (
	"fmt"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/auth"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// StepKind identifies a workflow step structurally. Batch-scoped kinds carry
// the batch number in StepRef; fixed kinds use batch zero.
type StepKind string

const (
	StepDraft             StepKind = "draft"
	StepPOApproval        StepKind = "po_approval"
	StepForDP             StepKind = "for_dp"
	StepDPApproval        StepKind = "dp_approval"
	StepConfirmReadyDates StepKind = "confirm_ready_dates"
	StepPackingList       StepKind = "packing_list"
	StepApproveImport     StepKind = "approve_import"
	StepPayment           StepKind = "payment"
	StepInvoice           StepKind = "invoice"
	StepSummary           StepKind = "summary"
)

// StepRef addresses one step in an order's route.
type StepRef struct {
	Kind  StepKind
	Batch int
}

// Task returns the human task label for the step.
func (r StepRef) Task() string {
	switch r.Kind {
	case StepDraft:
		return "Draft"
	case StepPOApproval:
		return "PO Approval"
	case StepForDP:
		return "For DP"
	case StepDPApproval:
		return "DP Approval"
	case StepConfirmReadyDates:
		return "Confirm Ready Date"
	case StepPackingList:
		return fmt.Sprintf("Packing List %d", r.Batch)
	case StepApproveImport:
		return fmt.Sprintf("Approve for Import %d", r.Batch)
	case StepPayment:
		return fmt.Sprintf("Payment %d", r.Batch)
	case StepInvoice:
		return fmt.Sprintf("Invoice %d", r.Batch)
	case StepSummary:
		return "PO Summary"
	}
	return string(r.Kind)
}

// RouteStep is one named, ordered, completable unit of the workflow attached
// to an order. Steps are append-only per order; completion state is reset
// only by rejection flows.
type RouteStep struct {
	ID          int64
	OrderID     int64
	Seq         int
	Ref         StepRef
	Required    bool
	Access      string
	Roles       []string
	Completed   bool
	CompletedAt *time.Time
	CompletedBy int64
}

func newStep(orderID int64, seq int, ref StepRef, roles []string) RouteStep {
	return RouteStep{
		OrderID:  orderID,
		Seq:      seq,
		Ref:      ref,
		Required: true,
		Access:   shared.AccessPurchaseOrders,
		Roles:    append([]string(nil), roles...),
	}
}

// InitialRoute returns the fixed five-step sequence installed when an order
// is created.
func InitialRoute(orderID int64) []RouteStep {
	return []RouteStep{
		newStep(orderID, 1, StepRef{Kind: StepDraft}, shared.SubmitterRoles),
		newStep(orderID, 2, StepRef{Kind: StepPOApproval}, shared.ApproverRoles),
		newStep(orderID, 3, StepRef{Kind: StepForDP}, shared.SubmitterRoles),
		newStep(orderID, 4, StepRef{Kind: StepDPApproval}, shared.ApproverRoles),
		newStep(orderID, 5, StepRef{Kind: StepConfirmReadyDates}, shared.ApproverRoles),
	}
}

// BatchRoute returns the per-batch document steps plus the trailing summary
// step, numbered from startSeq. Called exactly once per order, after
// ready-date confirmation.
func BatchRoute(orderID int64, startSeq, batchCount int) []RouteStep {
	seq := startSeq
	steps := make([]RouteStep, 0, batchCount*4+1)
	for batch := 1; batch <= batchCount; batch++ {
		steps = append(steps,
			newStep(orderID, seq, StepRef{Kind: StepPackingList, Batch: batch}, shared.SubmitterRoles),
			newStep(orderID, seq+1, StepRef{Kind: StepApproveImport, Batch: batch}, shared.ApproverRoles),
			newStep(orderID, seq+2, StepRef{Kind: StepPayment, Batch: batch}, shared.SubmitterRoles),
			newStep(orderID, seq+3, StepRef{Kind: StepInvoice, Batch: batch}, shared.SubmitterRoles),
		)
		seq += 4
	}
	steps = append(steps, newStep(orderID, seq, StepRef{Kind: StepSummary}, shared.ApproverRoles))
	return steps
}

// FindStep locates a step by reference, or nil.
func FindStep(steps []RouteStep, ref StepRef) *RouteStep {
	for i := range steps {
		if steps[i].Ref == ref {
			return &steps[i]
		}
	}
	return nil
}

// MaxSeq returns the highest sequence number in the route.
func MaxSeq(steps []RouteStep) int {
	max := 0
	for _, s := range steps {
		if s.Seq > max {
			max = s.Seq
		}
	}
	return max
}

// LastBatch returns the highest batch number with a packing list step, zero
// when no batch steps exist yet.
func LastBatch(steps []RouteStep) int {
	last := 0
	for _, s := range steps {
		if s.Ref.Kind == StepPackingList && s.Ref.Batch > last {
			last = s.Ref.Batch
		}
	}
	return last
}

// CheckPermission decides whether the actor may act on the step: admins act
// unconditionally; everybody else needs their role in the step's role set and
// the step's access string among their permissions.
func CheckPermission(actor auth.Actor, step RouteStep) error {
	if actor.Role == shared.RoleAdmin {
		return nil
	}
	roleAllowed := false
	for _, role := range step.Roles {
		if actor.Role == role {
			roleAllowed = true
			break
		}
	}
	if !roleAllowed || !actor.HasPermission(step.Access) {
		return fmt.Errorf("%w: step %q requires one of roles %v with %q access", ErrPermissionDenied, step.Ref.Task(), step.Roles, step.Access)
	}
	return nil
}
