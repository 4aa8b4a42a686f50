package data

import (
	"context"
	"database/sql"
)

type User struct {
	Username string
	Email    string
}

type UserModel struct {
	DB DBTX
}

func (m UserModel) GetByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := m.DB.QueryRowContext(ctx,
		`SELECT username, email FROM users WHERE username = $1`,
		username,
	).Scan(&u.Username, &u.Email)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// EmailsForDoorbell returns the notification recipients for a device:
// the owner's email joined through the doorbell record.
func (m UserModel) EmailsForDoorbell(ctx context.Context, deviceID int64) ([]string, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT u.email
		FROM users u
		INNER JOIN doorbells d ON u.username = d.owner
		WHERE d.id = $1 AND u.email <> ''`,
		deviceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}
