package types

// Event is the flattened form of a domain event, as kept by the recorder and
// streamed to admin clients.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
