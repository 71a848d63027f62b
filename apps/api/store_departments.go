package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

type Department struct {
	ID           int             `json:"id"`
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	Description  *string         `json:"description"`
	ContactEmail *string         `json:"contactEmail"`
	Categories   []string        `json:"categories"`
	Location     *ReportLocation `json:"location"`
	CreatedAt    string          `json:"createdAt"`
	UpdatedAt    string          `json:"updatedAt"`
}

type DepartmentInput struct {
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	Description  *string         `json:"description"`
	ContactEmail *string         `json:"contactEmail"`
	Categories   []string        `json:"categories"`
	Location     *ReportLocation `json:"location"`
}

func (in *DepartmentInput) normalize() error {
	in.Code = strings.ToLower(strings.TrimSpace(in.Code))
	in.Name = strings.TrimSpace(in.Name)
	if in.Code == "" || in.Name == "" {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_department", Message: "Code and name are required"}
	}
	if in.ContactEmail != nil {
		email := strings.ToLower(strings.TrimSpace(*in.ContactEmail))
		if email == "" {
			in.ContactEmail = nil
		} else if !strings.Contains(email, "@") {
			return &apiError{Status: http.StatusBadRequest, Code: "invalid_email", Message: "Contact email is invalid"}
		} else {
			in.ContactEmail = &email
		}
	}
	categories := make([]string, 0, len(in.Categories))
	for _, c := range in.Categories {
		c = strings.TrimSpace(c)
		if c != "" && !containsString(categories, c) {
			categories = append(categories, c)
		}
	}
	in.Categories = categories
	if in.Location != nil {
		if err := in.Location.Point().Validate(); err != nil {
			return &apiError{Status: http.StatusBadRequest, Code: "invalid_location", Message: err.Error()}
		}
	}
	return nil
}

const departmentColumns = `id, code, name, description, contact_email, categories, lat, lng, address, created_at, updated_at`

func scanDepartment(scanner rowScanner) (Department, error) {
	var d Department
	var description, contactEmail, address sql.NullString
	var categoriesRaw []byte
	var lat, lng sql.NullFloat64
	var createdAt, updatedAt time.Time
	if err := scanner.Scan(&d.ID, &d.Code, &d.Name, &description, &contactEmail, &categoriesRaw, &lat, &lng, &address, &createdAt, &updatedAt); err != nil {
		return Department{}, err
	}
	d.Description = nullStringPtr(description)
	d.ContactEmail = nullStringPtr(contactEmail)
	d.Categories = []string{}
	if len(categoriesRaw) > 0 {
		_ = json.Unmarshal(categoriesRaw, &d.Categories)
	}
	if lat.Valid && lng.Valid {
		d.Location = &ReportLocation{Lat: lat.Float64, Lng: lng.Float64, Address: nullStringPtr(address)}
	}
	d.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	d.UpdatedAt = updatedAt.UTC().Format(time.RFC3339)
	return d, nil
}

func departmentLocationArgs(loc *ReportLocation) (any, any, any) {
	if loc == nil {
		return nil, nil, nil
	}
	return loc.Lat, loc.Lng, loc.Address
}

func (a *App) storeListDepartments(ctx context.Context) ([]Department, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT `+departmentColumns+` FROM departments ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	departments := []Department{}
	for rows.Next() {
		d, err := scanDepartment(rows)
		if err != nil {
			return nil, err
		}
		departments = append(departments, d)
	}
	return departments, rows.Err()
}

func (a *App) storeGetDepartmentByID(ctx context.Context, id int) (*Department, error) {
	d, err := scanDepartment(a.db.QueryRowContext(ctx, `SELECT `+departmentColumns+` FROM departments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (a *App) storeCreateDepartment(ctx context.Context, input DepartmentInput) (*Department, error) {
	lat, lng, address := departmentLocationArgs(input.Location)
	d, err := scanDepartment(a.db.QueryRowContext(ctx, `
		INSERT INTO departments (code, name, description, contact_email, categories, lat, lng, address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+departmentColumns,
		input.Code, input.Name, input.Description, input.ContactEmail, mustJSON(input.Categories), lat, lng, address))
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (a *App) storeUpdateDepartment(ctx context.Context, id int, input DepartmentInput) (*Department, error) {
	lat, lng, address := departmentLocationArgs(input.Location)
	d, err := scanDepartment(a.db.QueryRowContext(ctx, `
		UPDATE departments
		SET code = $2, name = $3, description = $4, contact_email = $5, categories = $6,
			lat = $7, lng = $8, address = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING `+departmentColumns,
		id, input.Code, input.Name, input.Description, input.ContactEmail, mustJSON(input.Categories), lat, lng, address))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (a *App) storeDeleteDepartment(ctx context.Context, id int) error {
	result, err := a.db.ExecContext(ctx, `DELETE FROM departments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &apiError{Status: http.StatusNotFound, Code: "department_not_found", Message: "Department not found"}
	}
	return nil
}

func mustJSON(value any) []byte {
	encoded, err := json.Marshal(value)
	if err != nil {
		return []byte("null")
	}
	return encoded
}
