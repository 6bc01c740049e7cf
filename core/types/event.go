package types

// Event is the wire form of a state transition notification: a type tag
// plus flat string attributes.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
