package data

import (
	"context"
	"database/sql"
	"strconv"
)

type Doorbell struct {
	ID           int64
	Name         string
	Owner        string
	RelayCapable bool
}

type DoorbellModel struct {
	DB DBTX
}

// GetOwner resolves the owning username for a device id. ErrRecordNotFound
// means the device has never completed registration.
func (m DoorbellModel) GetOwner(ctx context.Context, deviceID int64) (string, error) {
	var owner string
	err := m.DB.QueryRowContext(ctx,
		`SELECT owner FROM doorbells WHERE id = $1`,
		deviceID,
	).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", ErrRecordNotFound
	}
	if err != nil {
		return "", err
	}
	return owner, nil
}

// Register binds a device to a user. The username must exist; the insert is
// a no-op when the device is already registered, in which case registration
// still reports success (the device may reconnect and resend Username).
func (m DoorbellModel) Register(ctx context.Context, username string, deviceID int64, relayCapable bool) (bool, error) {
	var exists bool
	err := m.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`,
		username,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrUnknownUser
	}

	res, err := m.DB.ExecContext(ctx, `
		INSERT INTO doorbells (id, name, owner, relay_capable)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		deviceID, strconv.FormatInt(deviceID, 10), username, relayCapable,
	)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	// Conflict path: the device exists already. Treat as success so the
	// firmware's retry does not wedge on a duplicate registration race.
	err = m.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM doorbells WHERE id = $1)`,
		deviceID,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (m DoorbellModel) GetByID(ctx context.Context, deviceID int64) (*Doorbell, error) {
	var d Doorbell
	err := m.DB.QueryRowContext(ctx,
		`SELECT id, name, owner, relay_capable FROM doorbells WHERE id = $1`,
		deviceID,
	).Scan(&d.ID, &d.Name, &d.Owner, &d.RelayCapable)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (m DoorbellModel) Rename(ctx context.Context, deviceID int64, name string) error {
	res, err := m.DB.ExecContext(ctx,
		`UPDATE doorbells SET name = $1 WHERE id = $2`,
		name, deviceID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
