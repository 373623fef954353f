package core

// Broker joins cores and other brokers into a federation tree. The broker
// without a parent is the root and runs the federation.
type Broker struct {
	*node
}

// Clone returns another reference to b; each reference must be freed.
func (b *Broker) Clone() *Broker {
	b.retain()
	return b
}
