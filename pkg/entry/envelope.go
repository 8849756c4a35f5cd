package entry

// Envelope is the wire message posted to the collector. A request body
// holds either a single envelope or an array of them.
type Envelope struct {
	Type Type  `json:"type" cbor:"type"`
	Data Entry `json:"data" cbor:"data"`
}

// Wrap builds the envelope for e.
func Wrap(e Entry) Envelope {
	return Envelope{Type: e.Type, Data: e}
}

// SessionHeader carries the reporting client's session id.
const SessionHeader = "X-Tracetap-Session"
