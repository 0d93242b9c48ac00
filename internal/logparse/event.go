// Package logparse classifies Source engine log lines into structured
// events and receives the UDP log feed game servers emit via
// logaddress_add.
package logparse

// Category is the classification of one log line.
type Category int

const (
	CategoryOther Category = iota
	CategoryKill
	CategoryChat
	CategoryConnection
	CategoryDisconnection
	CategoryRound
)

var categoryStrings = map[Category]string{
	CategoryOther:         "other",
	CategoryKill:          "kill",
	CategoryChat:          "chat",
	CategoryConnection:    "connection",
	CategoryDisconnection: "disconnection",
	CategoryRound:         "round",
}

// String returns the lowercase name of the category.
func (c Category) String() string {
	if s, ok := categoryStrings[c]; ok {
		return s
	}
	return "other"
}

// MarshalJSON serializes Category as a JSON string (e.g. "chat").
func (c Category) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// Event is one classified log line. Immutable; one per input line.
type Event struct {
	Timestamp string   `json:"timestamp"`
	Category  Category `json:"category"`
	Message   string   `json:"message"`
	Raw       string   `json:"raw"`
}
