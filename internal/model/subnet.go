package model

import "time"

// Subnet rule senses.
const (
	SenseAllow = "allow"
	SenseDeny  = "deny"
)

// SubnetRule restricts the network origins allowed to act on behalf of an
// organization. CIDR holds a prefix such as "10.0.0.0/8" or a bare address.
type SubnetRule struct {
	ID             int64     `json:"id" db:"id"`
	OrganizationID int64     `json:"organization_id" db:"organization_id"`
	CIDR           string    `json:"cidr" db:"cidr"`
	Sense          string    `json:"sense" db:"sense"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
