package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"feedsync/models"
	"strings"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
)

func (db *DB) CreateUser(ctx context.Context, email string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}
	now := db.Now()

	ib := db.flavor.NewInsertBuilder()
	ib.InsertInto("users").Cols("email", "created").Values(email, micros(now))
	ib.SQL("RETURNING id")
	query, args := ib.Build()

	user := &models.User{Email: email, Created: now}
	if err := db.db.QueryRowContext(ctx, query, args...).Scan(&user.Id); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select("id", "email", "created").From("users").
		Where(sb.Equal("email", strings.ToLower(strings.TrimSpace(email))))
	return db.getUser(ctx, sb)
}

func (db *DB) GetUser(ctx context.Context, id int64) (*models.User, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select("id", "email", "created").From("users").Where(sb.Equal("id", id))
	return db.getUser(ctx, sb)
}

func (db *DB) getUser(ctx context.Context, sb *sqlbuilder.SelectBuilder) (*models.User, error) {
	query, args := sb.Build()
	var (
		user    models.User
		created int64
	)
	err := db.db.QueryRowContext(ctx, query, args...).Scan(&user.Id, &user.Email, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	user.Created = fromMicros(created)
	return &user, nil
}
