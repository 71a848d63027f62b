package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type PaginatedUsers struct {
	Users       []User `json:"users"`
	TotalCount  int    `json:"totalCount"`
	TotalPages  int    `json:"totalPages"`
	CurrentPage int    `json:"currentPage"`
	PageSize    int    `json:"pageSize"`
}

const userColumns = `id, email, display_name, is_active, created_at, updated_at`

func scanUser(scanner rowScanner, extra ...any) (User, error) {
	var u User
	var displayName sql.NullString
	var createdAt, updatedAt time.Time
	dest := []any{&u.ID, &u.Email, &displayName, &u.IsActive, &createdAt, &updatedAt}
	if err := scanner.Scan(append(dest, extra...)...); err != nil {
		return User{}, err
	}
	u.DisplayName = nullStringPtr(displayName)
	u.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	u.UpdatedAt = updatedAt.UTC().Format(time.RFC3339)
	return u, nil
}

func (a *App) storeListUsersPaginated(ctx context.Context, filters map[string]any, page, pageSize int) (*PaginatedUsers, error) {
	if page < adminDefaultPage {
		page = adminDefaultPage
	}
	if pageSize < 1 {
		pageSize = adminDefaultPerPage
	}

	query, args := buildPaginatedUsersQuery(filters, page, pageSize)
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []User{}
	totalCount := 0
	for rows.Next() {
		u, err := scanUser(rows, &totalCount)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedUsers{
		Users:       users,
		TotalCount:  totalCount,
		TotalPages:  totalPagesFor(totalCount, pageSize),
		CurrentPage: page,
		PageSize:    pageSize,
	}, nil
}

func buildPaginatedUsersQuery(filters map[string]any, page, pageSize int) (string, []any) {
	query := `
		SELECT
			` + userColumns + `,
			COUNT(*) OVER() AS total_count
		FROM users
	`
	whereClause, args := buildUsersWhereClause(filters)
	if whereClause != "" {
		query += " WHERE " + whereClause
	}
	query += " ORDER BY created_at DESC"

	offset := (page - 1) * pageSize
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, pageSize, offset)

	return query, args
}

func buildUsersWhereClause(filters map[string]any) (string, []any) {
	where := []string{}
	args := []any{}

	if q, ok := filters["q"].(string); ok && q != "" {
		where = append(where, fmt.Sprintf("email ILIKE $%d", len(args)+1))
		args = append(args, "%"+q+"%")
	}

	if status, ok := filters["status"].(string); ok && status != "" {
		where = append(where, fmt.Sprintf("is_active = $%d", len(args)+1))
		args = append(args, status == "active")
	}

	return strings.Join(where, " AND "), args
}

func (a *App) storeToggleUser(ctx context.Context, id int) (bool, error) {
	var isActive bool
	err := a.db.QueryRowContext(ctx, `
		UPDATE users
		SET is_active = NOT is_active, updated_at = NOW()
		WHERE id = $1
		RETURNING is_active
	`, id).Scan(&isActive)
	if errors.Is(err, sql.ErrNoRows) {
		return false, &apiError{Status: http.StatusNotFound, Code: "citizen_not_found", Message: "Citizen not found"}
	}
	return isActive, err
}

func (a *App) getUserByID(ctx context.Context, userID int) (*User, error) {
	u, err := scanUser(a.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (a *App) findOrCreateUser(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(a.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err == nil {
		return &u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	u, err = scanUser(a.db.QueryRowContext(ctx, `
		INSERT INTO users (email, is_active)
		VALUES ($1, TRUE)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING `+userColumns, email))
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (a *App) storeMagicLinkToken(ctx context.Context, userID int, tokenHash string, expiresAt time.Time) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO magic_link_tokens (user_id, token_hash, expires_at)
		VALUES ($1, $2, $3)
	`, userID, tokenHash, expiresAt)
	return err
}

// consumeMagicLinkToken marks the token used and returns its user. Expired,
// reused and unknown tokens all yield sql.ErrNoRows.
func (a *App) consumeMagicLinkToken(ctx context.Context, tokenHash string) (int, error) {
	var userID int
	err := a.db.QueryRowContext(ctx, `
		UPDATE magic_link_tokens
		SET used_at = NOW()
		WHERE token_hash = $1
		  AND used_at IS NULL
		  AND expires_at > NOW()
		RETURNING user_id
	`, tokenHash).Scan(&userID)
	return userID, err
}

// claimReportsByEmail links anonymous reports filed with this email to the
// now verified user.
func (a *App) claimReportsByEmail(ctx context.Context, userID int, email string) (int64, error) {
	result, err := a.db.ExecContext(ctx, `
		UPDATE reports
		SET user_id = $1, updated_at = NOW()
		WHERE LOWER(reporter_email) = LOWER($2)
		  AND user_id IS NULL
	`, userID, email)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
