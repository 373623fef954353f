package sim

import "fmt"

// FederateID is the federation-wide id the root node assigns to a federate.
type FederateID int32

// InvalidFederate is the zero FederateID; assigned ids start at 1.
const InvalidFederate FederateID = 0

// Interface tables a Handle can point into.
const (
	TablePublications uint16 = iota + 1
	TableInputs
	TableEndpoints
	TableFilters
)

var tableNames = map[uint16]string{
	TablePublications: "publication",
	TableInputs:       "input",
	TableEndpoints:    "endpoint",
	TableFilters:      "filter",
}

// TableName returns the interface kind stored in table t.
func TableName(t uint16) string {
	if n, ok := tableNames[t]; ok {
		return n
	}
	return fmt.Sprintf("table(%d)", t)
}

// Handle addresses one slot of an interface table. The generation changes
// whenever the slot is freed, so a stale Handle is detected instead of
// silently aliasing a newer interface.
type Handle struct {
	Table      uint16 `msgpack:"t"`
	Index      uint32 `msgpack:"i"`
	Generation uint32 `msgpack:"g"`
}

// IsValid reports whether h was ever issued. Generations start at 1.
func (h Handle) IsValid() bool { return h.Generation > 0 }

func (h Handle) String() string {
	return fmt.Sprintf("%s#%d.%d", TableName(h.Table), h.Index, h.Generation)
}

// InterfaceID identifies an interface across the whole federation.
type InterfaceID struct {
	Fed    FederateID `msgpack:"f"`
	Handle Handle     `msgpack:"h"`
}

func (id InterfaceID) String() string {
	return fmt.Sprintf("%d:%s", id.Fed, id.Handle)
}
