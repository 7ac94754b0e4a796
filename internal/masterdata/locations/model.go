package locations

import "time"

// LocationType classifies a node in the location tree.
type LocationType string

const (
	TypeWarehouse LocationType = "WAREHOUSE"
	TypeStore     LocationType = "STORE"
	TypeBin       LocationType = "BIN"
)

// Valid reports whether the type is one of the known values.
func (t LocationType) Valid() bool {
	return t == TypeWarehouse || t == TypeStore || t == TypeBin
}

// Location is one node of the storage hierarchy. ParentID zero means a
// root node.
type Location struct {
	ID        int64        `json:"id"`
	ParentID  int64        `json:"parent_id,omitempty"`
	Code      string       `json:"code"`
	Name      string       `json:"name"`
	Type      LocationType `json:"type"`
	Active    bool         `json:"active"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}
