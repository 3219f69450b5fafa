package models

// Role is the authorization tier of a caller. Roles are totally ordered.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
	RoleApprover Role = "approver"
	RoleAdmin    Role = "admin"
)

// roleRanks orders roles for comparison. Unknown roles rank below viewer.
var roleRanks = map[Role]int{
	RoleViewer:   1,
	RoleUser:     2,
	RoleOperator: 3,
	RoleApprover: 4,
	RoleAdmin:    5,
}

// Rank returns the ordering position, 0 for unknown roles.
func (r Role) Rank() int {
	return roleRanks[r]
}

// AtLeast reports whether r grants at least the authority of other.
func (r Role) AtLeast(other Role) bool {
	return r.Rank() >= other.Rank()
}

// Valid reports whether the role is a known tier.
func (r Role) Valid() bool {
	_, ok := roleRanks[r]
	return ok
}

// DataScope restricts which rows of scoped sources a user may see.
// Empty sets with AllAccess=false mean no rows at all.
type DataScope struct {
	FactoryCodes    []string `json:"factory_codes,omitempty"`
	LineCodes       []string `json:"line_codes,omitempty"`
	ProductFamilies []string `json:"product_families,omitempty"`
	ShiftCodes      []string `json:"shift_codes,omitempty"`
	EquipmentIDs    []string `json:"equipment_ids,omitempty"`
	AllAccess       bool     `json:"all_access"`
}

// Empty reports whether the scope grants access to nothing.
func (s *DataScope) Empty() bool {
	if s.AllAccess {
		return false
	}
	return len(s.FactoryCodes) == 0 && len(s.LineCodes) == 0 &&
		len(s.ProductFamilies) == 0 && len(s.ShiftCodes) == 0 &&
		len(s.EquipmentIDs) == 0
}
