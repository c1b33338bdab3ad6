package shared

// User roles known to the workflow engine.
const (
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
	RoleUser       = "user"
)

// Access strings gating workflow steps.
const (
	AccessPurchaseOrders = "purchase_orders"
)

// ApproverRoles is the role set for approval steps. Kept as an explicit
// constant so route construction never relies on a mutable default.
var ApproverRoles = []string{RoleAdmin, RoleSupervisor}

// SubmitterRoles is the role set for document submission steps.
var SubmitterRoles = []string{RoleAdmin, RoleSupervisor, RoleUser}
