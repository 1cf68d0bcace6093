// Package mail defines the captured-message record and its encodings.
package mail

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Mail is a single captured message. Records are immutable once stored;
// the only mutation the system performs is whole-record deletion.
type Mail struct {
	ID         string    `json:"id" msgpack:"id"`
	From       string    `json:"from" msgpack:"from"`
	To         []string  `json:"to" msgpack:"to"`
	Subject    string    `json:"subject" msgpack:"subject"`
	Body       string    `json:"body" msgpack:"body"`
	ReceivedAt time.Time `json:"received_at" msgpack:"received_at"`
}

// NewID generates a fresh mail id. ULIDs sort lexicographically by creation
// time, so ascending key iteration over the store is chronological.
func NewID() string {
	return ulid.Make().String()
}

// Encode serializes the record into its persisted MessagePack form.
func (m *Mail) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mail %s: %w", m.ID, err)
	}
	return data, nil
}

// Decode deserializes a persisted record.
func Decode(data []byte) (*Mail, error) {
	var m Mail
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode mail record: %w", err)
	}
	return &m, nil
}
