package chat

import "encoding/json"

// Delivery is the payload published on room.<id> and user.<id> subjects.
// Every instance receiving it forwards Payload, an encoded server message, to
// its own matching connections.
type Delivery struct {
	Payload     json.RawMessage `json:"payload"`
	ExcludeUser string          `json:"exclude_user,omitempty"` // room deliveries skip this user's connections
	LeaveRoom   string          `json:"leave_room,omitempty"`   // user deliveries drop the user from this room first
}

func encodeDelivery(d Delivery) ([]byte, error) {
	return json.Marshal(d)
}

func decodeDelivery(data []byte) (Delivery, error) {
	var d Delivery
	err := json.Unmarshal(data, &d)
	return d, err
}
