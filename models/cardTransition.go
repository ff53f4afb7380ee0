package models

type CardStage string

const (
	CardStageCreated   CardStage = "created"
	CardStageTriggered CardStage = "triggered"
	CardStageOrdered   CardStage = "ordered"
	CardStageInTransit CardStage = "in_transit"
	CardStageReceived  CardStage = "received"
	CardStageRestocked CardStage = "restocked"
)

// CardStages lists the stages in cycle order.
var CardStages = []CardStage{
	CardStageCreated,
	CardStageTriggered,
	CardStageOrdered,
	CardStageInTransit,
	CardStageReceived,
	CardStageRestocked,
}

func (s CardStage) IsValid() bool {
	for _, v := range CardStages {
		if v == s {
			return true
		}
	}
	return false
}

type LoopType string

const (
	LoopTypeProcurement LoopType = "procurement"
	LoopTypeProduction  LoopType = "production"
	LoopTypeTransfer    LoopType = "transfer"
)

func (t LoopType) IsValid() bool {
	switch t {
	case LoopTypeProcurement, LoopTypeProduction, LoopTypeTransfer:
		return true
	}
	return false
}

type ScanMethod string

const (
	ScanMethodQrScan ScanMethod = "qr_scan"
	ScanMethodManual ScanMethod = "manual"
	ScanMethodSystem ScanMethod = "system"
)

func (m ScanMethod) IsValid() bool {
	switch m {
	case ScanMethodQrScan, ScanMethodManual, ScanMethodSystem:
		return true
	}
	return false
}

type UserRole string

const (
	UserRoleTenantAdmin        UserRole = "tenant_admin"
	UserRoleInventoryManager   UserRole = "inventory_manager"
	UserRoleProcurementManager UserRole = "procurement_manager"
	UserRoleReceivingManager   UserRole = "receiving_manager"
	UserRoleEcommerceDirector  UserRole = "ecommerce_director"
	UserRoleSalesperson        UserRole = "salesperson"
	UserRoleExecutive          UserRole = "executive"
)

func (r UserRole) IsValid() bool {
	switch r {
	case UserRoleTenantAdmin, UserRoleInventoryManager, UserRoleProcurementManager,
		UserRoleReceivingManager, UserRoleEcommerceDirector, UserRoleSalesperson, UserRoleExecutive:
		return true
	}
	return false
}

type OrderType string

const (
	OrderTypePurchaseOrder OrderType = "purchase_order"
	OrderTypeWorkOrder     OrderType = "work_order"
	OrderTypeTransferOrder OrderType = "transfer_order"
)

// TransitionRule constrains one edge of the stage graph.
type TransitionRule struct {
	From                CardStage
	To                  CardStage
	AllowedRoles        []UserRole
	AllowedLoopTypes    []LoopType
	AllowedMethods      []ScanMethod
	RequiresLinkedOrder bool
	LinkedOrderTypes    []OrderType
	Description         string
}

type transitionKey struct {
	from CardStage
	to   CardStage
}

var allLoopTypes = []LoopType{LoopTypeProcurement, LoopTypeProduction, LoopTypeTransfer}

var cardTransitionRules = map[transitionKey]TransitionRule{
	{CardStageCreated, CardStageTriggered}: {
		AllowedRoles:     []UserRole{UserRoleTenantAdmin, UserRoleInventoryManager, UserRoleProcurementManager, UserRoleReceivingManager},
		AllowedLoopTypes: allLoopTypes,
		AllowedMethods:   []ScanMethod{ScanMethodQrScan, ScanMethodManual, ScanMethodSystem},
		Description:      "Card scanned at the point of use; replenishment is needed",
	},
	{CardStageTriggered, CardStageOrdered}: {
		AllowedRoles:        []UserRole{UserRoleTenantAdmin, UserRoleInventoryManager, UserRoleProcurementManager},
		AllowedLoopTypes:    allLoopTypes,
		AllowedMethods:      []ScanMethod{ScanMethodManual, ScanMethodSystem},
		RequiresLinkedOrder: true,
		LinkedOrderTypes:    []OrderType{OrderTypePurchaseOrder, OrderTypeWorkOrder, OrderTypeTransferOrder},
		Description:         "Replenishment order placed for the triggered card",
	},
	{CardStageOrdered, CardStageInTransit}: {
		AllowedRoles:     []UserRole{UserRoleTenantAdmin, UserRoleProcurementManager, UserRoleReceivingManager, UserRoleInventoryManager},
		AllowedLoopTypes: []LoopType{LoopTypeProcurement, LoopTypeTransfer},
		AllowedMethods:   []ScanMethod{ScanMethodQrScan, ScanMethodManual, ScanMethodSystem},
		Description:      "Supplier or sending facility shipped the order",
	},
	{CardStageInTransit, CardStageReceived}: {
		AllowedRoles:     []UserRole{UserRoleTenantAdmin, UserRoleReceivingManager, UserRoleInventoryManager},
		AllowedLoopTypes: []LoopType{LoopTypeProcurement, LoopTypeTransfer},
		AllowedMethods:   []ScanMethod{ScanMethodQrScan, ScanMethodManual},
		Description:      "Shipment received at the dock",
	},
	// Production output never ships, so it skips in_transit.
	{CardStageOrdered, CardStageReceived}: {
		AllowedRoles:     []UserRole{UserRoleTenantAdmin, UserRoleReceivingManager, UserRoleInventoryManager},
		AllowedLoopTypes: []LoopType{LoopTypeProduction},
		AllowedMethods:   []ScanMethod{ScanMethodQrScan, ScanMethodManual},
		Description:      "Work order completed and received directly",
	},
	{CardStageReceived, CardStageRestocked}: {
		AllowedRoles:     []UserRole{UserRoleTenantAdmin, UserRoleInventoryManager, UserRoleReceivingManager},
		AllowedLoopTypes: allLoopTypes,
		AllowedMethods:   []ScanMethod{ScanMethodQrScan, ScanMethodManual},
		Description:      "Material put away at the point of use",
	},
	{CardStageRestocked, CardStageCreated}: {
		AllowedRoles:     []UserRole{UserRoleTenantAdmin, UserRoleInventoryManager},
		AllowedLoopTypes: allLoopTypes,
		AllowedMethods:   []ScanMethod{ScanMethodQrScan, ScanMethodManual, ScanMethodSystem},
		Description:      "Card returned to the board; cycle complete",
	},
}

func init() {
	for k, r := range cardTransitionRules {
		r.From = k.from
		r.To = k.to
		cardTransitionRules[k] = r
	}
}

func RuleFor(from, to CardStage) (TransitionRule, bool) {
	r, ok := cardTransitionRules[transitionKey{from, to}]
	return r, ok
}

func IsValidTransition(from, to CardStage) bool {
	_, ok := cardTransitionRules[transitionKey{from, to}]
	return ok
}

func IsRoleAllowed(from, to CardStage, role UserRole) bool {
	r, ok := RuleFor(from, to)
	return ok && inSet(r.AllowedRoles, role)
}

func IsLoopTypeAllowed(from, to CardStage, loopType LoopType) bool {
	r, ok := RuleFor(from, to)
	return ok && inSet(r.AllowedLoopTypes, loopType)
}

func IsMethodAllowed(from, to CardStage, method ScanMethod) bool {
	r, ok := RuleFor(from, to)
	return ok && inSet(r.AllowedMethods, method)
}

// AllowedNextStages returns the stages reachable from `from`, in cycle order.
func AllowedNextStages(from CardStage) []CardStage {
	var out []CardStage
	for _, to := range CardStages {
		if IsValidTransition(from, to) {
			out = append(out, to)
		}
	}
	return out
}

func inSet[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (r TransitionRule) AcceptsOrderType(t OrderType) bool {
	return inSet(r.LinkedOrderTypes, t)
}
