package sim

// Message is a discrete timestamped payload travelling between endpoints.
// Source and Dest describe the current hop; the Original fields survive
// every filter transformation.
type Message struct {
	Source         string `msgpack:"src"`
	OriginalSource string `msgpack:"osrc"`
	Dest           string `msgpack:"dst"`
	OriginalDest   string `msgpack:"odst"`
	Time           Time   `msgpack:"t"`
	Data           []byte `msgpack:"d"`
	MessageID      int32  `msgpack:"id"`
	Flags          uint16 `msgpack:"fl,omitempty"`
}

// Len is the payload length in bytes.
func (m *Message) Len() int { return len(m.Data) }

// String returns the payload as text.
func (m *Message) String() string { return string(m.Data) }

// Clone returns a deep copy that shares no payload storage with m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Data != nil {
		c.Data = append([]byte(nil), m.Data...)
	}
	return &c
}
