package registry

import (
	"encoding/json"
	"time"
)

// Record is the externally visible projection of an observer connection. It
// is written only by the owning instance and expires from the store after
// the bucket TTL unless renewed, so a crashed instance's records self-heal.
type Record struct {
	Role            string    `json:"role"`
	OwnerInstanceID string    `json:"ownerInstanceId"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// Event is one sender transmission published to every instance. It is
// transient: delivery is best-effort to observers connected at publish time,
// and MessageID exists only for duplicate suppression, not replay.
type Event struct {
	MessageID          string    `json:"messageId"`
	Content            string    `json:"content"`
	SenderConnectionID string    `json:"senderConnectionId"`
	PublishedAt        time.Time `json:"publishedAt"`
}

func (e *Event) marshal() ([]byte, error) {
	return json.Marshal(e)
}

func unmarshalEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
