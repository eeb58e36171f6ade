package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/pliu/murmur/internal/models"
	"github.com/pliu/murmur/internal/store"
)

const userColumns = "id, phone, COALESCE(login, ''), COALESCE(public_key, ''), COALESCE(encrypted_secret_key, ''), COALESCE(status, ''), created_at"

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Phone, &u.Login, &u.PublicKey, &u.EncryptedSecretKey, &u.Status, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLStore) UpsertUser(ctx context.Context, user *models.User) error {
	query := s.rebind(`
		INSERT INTO users (id, phone, login, public_key, encrypted_secret_key, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			phone = excluded.phone,
			login = excluded.login,
			public_key = excluded.public_key,
			encrypted_secret_key = excluded.encrypted_secret_key,
			status = excluded.status
	`)
	_, err := s.db.ExecContext(ctx, query, user.ID, user.Phone, nullString(user.Login), nullString(user.PublicKey),
		nullString(user.EncryptedSecretKey), nullString(user.Status), user.CreatedAt)
	return err
}

func (s *SQLStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE id = ?")
	return scanUser(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLStore) GetUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE phone = ?")
	return scanUser(s.db.QueryRowContext(ctx, query, phone))
}

func (s *SQLStore) GetUserByLogin(ctx context.Context, login string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE login = ?")
	return scanUser(s.db.QueryRowContext(ctx, query, login))
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchUsers matches logins starting with prefix, never returning excludeID.
func (s *SQLStore) SearchUsers(ctx context.Context, prefix, excludeID string, limit int) ([]models.User, error) {
	if limit <= 0 {
		limit = 10
	}
	query := s.rebind("SELECT " + userColumns + ` FROM users
		WHERE login LIKE ? ESCAPE '\' AND id <> ?
		ORDER BY login
		LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, likeEscaper.Replace(prefix)+"%", excludeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u.Public())
	}
	return users, rows.Err()
}

// ClaimLogin assigns login to userID unless another user already holds it.
func (s *SQLStore) ClaimLogin(ctx context.Context, userID, login string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var holder string
		err := tx.QueryRowContext(ctx, s.rebind("SELECT id FROM users WHERE login = ?"), login).Scan(&holder)
		switch {
		case err == nil && holder != userID:
			return store.ErrLoginTaken
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return err
		}

		res, err := tx.ExecContext(ctx, s.rebind("UPDATE users SET login = ? WHERE id = ?"), login, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
	if isUniqueViolation(err) {
		return store.ErrLoginTaken
	}
	return err
}

func (s *SQLStore) SetKeys(ctx context.Context, userID, publicKey, encryptedSecretKey string) error {
	query := s.rebind("UPDATE users SET public_key = ?, encrypted_secret_key = ? WHERE id = ?")
	return s.updateUser(ctx, query, nullString(publicKey), nullString(encryptedSecretKey), userID)
}

func (s *SQLStore) SetStatus(ctx context.Context, userID, status string) error {
	query := s.rebind("UPDATE users SET status = ? WHERE id = ?")
	return s.updateUser(ctx, query, nullString(status), userID)
}

func (s *SQLStore) updateUser(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}
