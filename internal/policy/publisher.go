package policy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/technohome/doorbell-hub/internal/data"
)

type AlertPublisher struct {
	conn       *nats.Conn
	subject    string
	maxRetries int
}

func NewAlertPublisher(conn *nats.Conn, subject string, maxRetries int) *AlertPublisher {
	return &AlertPublisher{
		conn:       conn,
		subject:    subject,
		maxRetries: maxRetries,
	}
}

type alertMessage struct {
	DeviceID int64     `json:"device_id"`
	Kind     int       `json:"kind"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
	Filename string    `json:"filename,omitempty"`
	Notes    string    `json:"notes,omitempty"`
}

func (p *AlertPublisher) Publish(a *data.Alert) error {
	payload, err := json.Marshal(alertMessage{
		DeviceID: a.DeviceID,
		Kind:     int(a.Kind),
		Message:  a.Kind.Message(),
		Time:     a.Time,
		Filename: a.Filename,
		Notes:    a.Notes,
	})
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(p.subject, payload)
		if err == nil {
			return nil
		}

		// Backoff
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}

	return fmt.Errorf("publish failed after %d retries: %w", p.maxRetries, err)
}
