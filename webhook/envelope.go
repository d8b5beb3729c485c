package webhook

import (
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/models"
)

// Envelope is the JSON body of every webhook call.
type Envelope struct {
	ID        string           `json:"id"`
	Kind      models.EventKind `json:"kind"`
	Timestamp time.Time        `json:"timestamp"`
	Data      map[string]any   `json:"data"`
}

// Encode serializes the envelope. The returned bytes are what gets signed and
// sent on every attempt.
func (e Envelope) Encode() ([]byte, error) {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Millisecond)
	return json.Marshal(e)
}
