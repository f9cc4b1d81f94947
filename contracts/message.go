package contracts

import "time"

// Message is the unit of data exchanged with the broker. The payload is
// opaque to the client; framing and delivery are handled by the wire
// protocol.
type Message struct {
	ID        string
	Topic     string
	Key       string
	Payload   []byte
	Headers   map[string]string
	Timestamp time.Time
}

// SetHeader sets a header value, allocating the map on first use.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// Header returns the header value for key, or the empty string.
func (m *Message) Header(key string) string {
	return m.Headers[key]
}
