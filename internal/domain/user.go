package domain

// Role 用户角色
type Role string

const (
	RolePrescriber Role = "prescriber"
	RolePharmacist Role = "pharmacist"
	RoleAdmin      Role = "admin"
)

// CurrentUser is the identity port result: who is calling, in which role and
// on behalf of which establishment (medical office or pharmacy).
type CurrentUser struct {
	ID              string `json:"user_id"`
	Role            Role   `json:"role"`
	EstablishmentID string `json:"establishment_id"`
	RPPSNumber      string `json:"rpps_number,omitempty"`
}
