package store

import (
	"context"
	"database/sql"
	"time"
)

type UsersStore interface {
	Create(ctx context.Context, q Querier, user *User) error
	Get(ctx context.Context, q Querier, id string) (*User, error)
	RecordConsent(ctx context.Context, q Querier, id string, at time.Time) error
	SetActive(ctx context.Context, q Querier, id string, active bool, at time.Time) error
	Scrub(ctx context.Context, q Querier, id string, at time.Time) error
}

type usersStore struct{}

func NewUsersStore() UsersStore {
	return &usersStore{}
}

const userColumns = `id, email, phone, name, role, language, consent_given, consent_at, active, erased_at, created_at, updated_at`

func (s *usersStore) Create(ctx context.Context, q Querier, user *User) error {
	if user.Language == "" {
		user.Language = "en"
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	_, err := q.ExecContext(ctx, `
		INSERT INTO users(`+userColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		user.ID, user.Email, user.Phone, user.Name, string(user.Role), user.Language, user.ConsentGiven,
		nullableTime(user.ConsentAt), user.Active, nullableTime(user.ErasedAt), now, now)
	return err
}

func (s *usersStore) Get(ctx context.Context, q Querier, id string) (*User, error) {
	row := q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id)
	var u User
	var role string
	var consentAt, erasedAt sql.NullTime
	if err := row.Scan(&u.ID, &u.Email, &u.Phone, &u.Name, &role, &u.Language, &u.ConsentGiven, &consentAt, &u.Active, &erasedAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, err
	}
	u.Role = Role(role)
	u.ConsentAt = timePtr(consentAt)
	u.ErasedAt = timePtr(erasedAt)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

func (s *usersStore) RecordConsent(ctx context.Context, q Querier, id string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE users SET consent_given=?, consent_at=?, updated_at=? WHERE id=? AND erased_at IS NULL`,
		true, at.UTC(), at.UTC(), id)
	return requireAffected(res, err)
}

func (s *usersStore) SetActive(ctx context.Context, q Querier, id string, active bool, at time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE users SET active=?, updated_at=? WHERE id=?`, active, at.UTC(), id)
	return requireAffected(res, err)
}

// Scrub blanks personal fields and deactivates the user. The row stays so incidents keep their owner.
func (s *usersStore) Scrub(ctx context.Context, q Querier, id string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE users SET email='', phone='', name='', active=?, erased_at=?, updated_at=?
		WHERE id=? AND erased_at IS NULL`,
		false, at.UTC(), at.UTC(), id)
	return requireAffected(res, err)
}

func requireAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}
