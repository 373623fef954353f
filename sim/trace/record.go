// Package trace provides coordination-trace recording for federation analysis.
// This package has no dependencies on sim/ or sim/core/; it stores pure data types.
package trace

// GrantRecord captures a single grant issued to a federate.
type GrantRecord struct {
	Federate  string
	Exec      bool    // execution-mode grant rather than a time grant
	Time      float64 // granted time in seconds
	Result    string  // iteration result name
	Iteration int     // iteration count at the granted time
}

// DeliveryKind distinguishes value and message deliveries.
type DeliveryKind string

const (
	DeliveryValue   DeliveryKind = "value"
	DeliveryMessage DeliveryKind = "message"
)

// DeliveryRecord captures a value or message routed to a destination interface.
type DeliveryRecord struct {
	Kind      DeliveryKind
	Source    string
	Dest      string
	Time      float64 // publication or send time
	VisibleAt float64 // time at which the destination may observe it
}

// DropRecord captures a message that never reached a destination.
type DropRecord struct {
	Source string
	Dest   string
	Time   float64
	Reason string // "filter" or "unknown destination"
}
