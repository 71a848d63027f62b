package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type Officer struct {
	ID           int    `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	DepartmentID *int   `json:"departmentId"`
	IsActive     bool   `json:"isActive"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

type OfficerInput struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	DepartmentID *int   `json:"departmentId"`
	Password     string `json:"password"`
}

const minOfficerPasswordLength = 10

func (in *OfficerInput) normalize(requirePassword bool) error {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Name = strings.TrimSpace(in.Name)
	in.Role = strings.TrimSpace(in.Role)
	if in.Role == "" {
		in.Role = roleOfficer
	}
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_email", Message: "A valid email is required"}
	}
	if in.Name == "" {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_name", Message: "Name is required"}
	}
	if !containsString(officerRoles, in.Role) {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_role", Message: "Role must be admin or officer"}
	}
	if (requirePassword || in.Password != "") && len(in.Password) < minOfficerPasswordLength {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_password", Message: "Password must be at least 10 characters"}
	}
	return nil
}

const officerColumns = `id, email, name, role, department_id, is_active, created_at, updated_at`

func scanOfficer(scanner rowScanner) (Officer, error) {
	var o Officer
	var departmentID sql.NullInt64
	var createdAt, updatedAt time.Time
	if err := scanner.Scan(&o.ID, &o.Email, &o.Name, &o.Role, &departmentID, &o.IsActive, &createdAt, &updatedAt); err != nil {
		return Officer{}, err
	}
	o.DepartmentID = nullIntPtr(departmentID)
	o.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	o.UpdatedAt = updatedAt.UTC().Format(time.RFC3339)
	return o, nil
}

func (a *App) storeListOfficers(ctx context.Context) ([]Officer, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT `+officerColumns+` FROM officers ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	officers := []Officer{}
	for rows.Next() {
		o, err := scanOfficer(rows)
		if err != nil {
			return nil, err
		}
		officers = append(officers, o)
	}
	return officers, rows.Err()
}

func (a *App) storeGetOfficerByID(ctx context.Context, id int) (*Officer, error) {
	o, err := scanOfficer(a.db.QueryRowContext(ctx, `SELECT `+officerColumns+` FROM officers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

func (a *App) storeCreateOfficer(ctx context.Context, input OfficerInput) (*Officer, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	o, err := scanOfficer(a.db.QueryRowContext(ctx, `
		INSERT INTO officers (email, name, password_hash, role, department_id, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING `+officerColumns,
		input.Email, input.Name, string(hash), input.Role, input.DepartmentID))
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (a *App) storeUpdateOfficer(ctx context.Context, id int, input OfficerInput) (*Officer, error) {
	var row *sql.Row
	if input.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		row = a.db.QueryRowContext(ctx, `
			UPDATE officers
			SET email = $2, name = $3, role = $4, department_id = $5, password_hash = $6, updated_at = NOW()
			WHERE id = $1
			RETURNING `+officerColumns,
			id, input.Email, input.Name, input.Role, input.DepartmentID, string(hash))
	} else {
		row = a.db.QueryRowContext(ctx, `
			UPDATE officers
			SET email = $2, name = $3, role = $4, department_id = $5, updated_at = NOW()
			WHERE id = $1
			RETURNING `+officerColumns,
			id, input.Email, input.Name, input.Role, input.DepartmentID)
	}
	o, err := scanOfficer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

func (a *App) storeToggleOfficer(ctx context.Context, id int) (bool, error) {
	var isActive bool
	err := a.db.QueryRowContext(ctx, `
		UPDATE officers
		SET is_active = NOT is_active, updated_at = NOW()
		WHERE id = $1
		RETURNING is_active
	`, id).Scan(&isActive)
	if errors.Is(err, sql.ErrNoRows) {
		return false, &apiError{Status: http.StatusNotFound, Code: "officer_not_found", Message: "Officer not found"}
	}
	return isActive, err
}

// storeAuthenticateOfficer returns nil, nil for unknown, inactive or
// mismatched credentials.
func (a *App) storeAuthenticateOfficer(ctx context.Context, email, password string) (*OfficerSession, error) {
	var session OfficerSession
	var hash string
	var departmentID sql.NullInt64
	err := a.db.QueryRowContext(ctx, `
		SELECT id, email, role, department_id, password_hash
		FROM officers
		WHERE email = $1 AND is_active = TRUE
	`, strings.ToLower(strings.TrimSpace(email))).Scan(&session.OfficerID, &session.Email, &session.Role, &departmentID, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, nil
	}
	session.DepartmentID = nullIntPtr(departmentID)
	return &session, nil
}

// upsertSeedOfficer creates or refreshes an officer from a seed file.
func (a *App) upsertSeedOfficer(ctx context.Context, tx *sql.Tx, input OfficerInput, departmentID *int) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO officers (email, name, password_hash, role, department_id, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (email)
		DO UPDATE SET
			name = EXCLUDED.name,
			password_hash = EXCLUDED.password_hash,
			role = EXCLUDED.role,
			department_id = EXCLUDED.department_id,
			updated_at = NOW()
	`, input.Email, input.Name, string(hash), input.Role, departmentID)
	return err
}
