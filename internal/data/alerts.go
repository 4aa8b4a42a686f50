package data

import (
	"context"
	"database/sql"
	"time"
)

type AlertKind int

// Stored values; keep stable across releases.
const (
	AlertInvalid     AlertKind = 0
	AlertSystem      AlertKind = 1
	AlertNewBell     AlertKind = 2
	AlertBell        AlertKind = 3
	AlertMovement    AlertKind = 4
	AlertUserPicture AlertKind = 5
	AlertOpenDoor    AlertKind = 6
)

// Message returns the operator-facing description of an alert kind.
func (k AlertKind) Message() string {
	switch k {
	case AlertSystem:
		return "System alert"
	case AlertNewBell:
		return "New bell registered"
	case AlertBell:
		return "Doorbell pressed"
	case AlertMovement:
		return "Motion detected"
	case AlertUserPicture:
		return "User requested picture"
	case AlertOpenDoor:
		return "User requested open door"
	}
	return "Unknown alert type"
}

type Alert struct {
	ID       int64
	DeviceID int64
	Kind     AlertKind
	Time     time.Time
	Filename string
	Notes    string
	Checked  bool
}

type AlertModel struct {
	DB DBTX
}

func (m AlertModel) Insert(ctx context.Context, a *Alert) error {
	query := `
		INSERT INTO alerts (device_id, kind, time, filename, notes, checked)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	var filename, notes sql.NullString
	if a.Filename != "" {
		filename = sql.NullString{String: a.Filename, Valid: true}
	}
	if a.Notes != "" {
		notes = sql.NullString{String: a.Notes, Valid: true}
	}

	return m.DB.QueryRowContext(ctx, query,
		a.DeviceID, int(a.Kind), a.Time.UTC(), filename, notes, a.Checked,
	).Scan(&a.ID)
}

// ListByDevice returns alerts for one device, newest first.
func (m AlertModel) ListByDevice(ctx context.Context, deviceID int64, limit, offset int) ([]*Alert, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT id, device_id, kind, time, filename, notes, checked
		FROM alerts
		WHERE device_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`

	rows, err := m.DB.QueryContext(ctx, query, deviceID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		var a Alert
		var kind int
		var filename, notes sql.NullString
		if err := rows.Scan(&a.ID, &a.DeviceID, &kind, &a.Time, &filename, &notes, &a.Checked); err != nil {
			return nil, err
		}
		a.Kind = AlertKind(kind)
		a.Filename = filename.String
		a.Notes = notes.String
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// CountUnchecked returns the number of unseen alerts for a device.
func (m AlertModel) CountUnchecked(ctx context.Context, deviceID int64) (int, error) {
	var n int
	err := m.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alerts WHERE device_id = $1 AND checked = FALSE`,
		deviceID,
	).Scan(&n)
	return n, err
}

// MarkCheckedUpTo flips the checked flag for every alert of the device with
// id <= maxID. The core never flips it back.
func (m AlertModel) MarkCheckedUpTo(ctx context.Context, deviceID, maxID int64) (int64, error) {
	res, err := m.DB.ExecContext(ctx,
		`UPDATE alerts SET checked = TRUE WHERE device_id = $1 AND id <= $2 AND checked = FALSE`,
		deviceID, maxID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
