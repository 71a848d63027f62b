package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type seedLocation struct {
	Lat     float64 `yaml:"lat"`
	Lng     float64 `yaml:"lng"`
	Address string  `yaml:"address"`
}

func (l *seedLocation) reportLocation() *ReportLocation {
	if l == nil {
		return nil
	}
	return &ReportLocation{Lat: l.Lat, Lng: l.Lng, Address: optionalText(l.Address)}
}

type seedDepartment struct {
	Code         string        `yaml:"code"`
	Name         string        `yaml:"name"`
	Description  string        `yaml:"description"`
	ContactEmail string        `yaml:"contact_email"`
	Categories   []string      `yaml:"categories"`
	Location     *seedLocation `yaml:"location"`
}

type seedRegion struct {
	Code     string        `yaml:"code"`
	Name     string        `yaml:"name"`
	Center   *seedLocation `yaml:"center"`
	RadiusKm float64       `yaml:"radius_km"`
}

type seedOfficer struct {
	Email      string `yaml:"email"`
	Name       string `yaml:"name"`
	Role       string `yaml:"role"`
	Department string `yaml:"department"`
	Password   string `yaml:"password"`
}

// SeedFile is the YAML document accepted by the seed command.
type SeedFile struct {
	Departments []seedDepartment `yaml:"departments"`
	Regions     []seedRegion     `yaml:"regions"`
	Officers    []seedOfficer    `yaml:"officers"`
}

// parseSeedFile decodes and validates a seed document. Officers may only
// reference departments defined in the same file or already in the database,
// so unknown codes are checked later in applySeed.
func parseSeedFile(raw []byte) (*SeedFile, error) {
	var seed SeedFile
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	for i := range seed.Departments {
		d := seed.Departments[i]
		input := DepartmentInput{Code: d.Code, Name: d.Name, Categories: d.Categories, Location: d.Location.reportLocation()}
		if email := strings.TrimSpace(d.ContactEmail); email != "" {
			input.ContactEmail = &email
		}
		if err := input.normalize(); err != nil {
			return nil, fmt.Errorf("department %d: %w", i+1, err)
		}
	}
	for i := range seed.Regions {
		r := seed.Regions[i]
		input := RegionInput{Code: r.Code, Name: r.Name, Center: r.Center.reportLocation(), RadiusKm: r.RadiusKm}
		if err := input.normalize(true); err != nil {
			return nil, fmt.Errorf("region %d: %w", i+1, err)
		}
	}
	for i := range seed.Officers {
		o := seed.Officers[i]
		input := OfficerInput{Email: o.Email, Name: o.Name, Role: o.Role, Password: o.Password}
		if err := input.normalize(true); err != nil {
			return nil, fmt.Errorf("officer %d: %w", i+1, err)
		}
	}
	return &seed, nil
}

func (a *App) applySeed(ctx context.Context, seed *SeedFile) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range seed.Departments {
		input := DepartmentInput{Code: d.Code, Name: d.Name, Description: optionalText(d.Description), Categories: d.Categories, Location: d.Location.reportLocation()}
		if email := strings.TrimSpace(d.ContactEmail); email != "" {
			input.ContactEmail = &email
		}
		if err := input.normalize(); err != nil {
			return err
		}
		lat, lng, address := departmentLocationArgs(input.Location)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO departments (code, name, description, contact_email, categories, lat, lng, address)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (code)
			DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				contact_email = EXCLUDED.contact_email,
				categories = EXCLUDED.categories,
				lat = EXCLUDED.lat,
				lng = EXCLUDED.lng,
				address = EXCLUDED.address,
				updated_at = NOW()
		`, input.Code, input.Name, input.Description, input.ContactEmail, mustJSON(input.Categories), lat, lng, address); err != nil {
			return fmt.Errorf("seed department %s: %w", input.Code, err)
		}
	}

	for _, r := range seed.Regions {
		input := RegionInput{Code: r.Code, Name: r.Name, Center: r.Center.reportLocation(), RadiusKm: r.RadiusKm}
		if err := input.normalize(true); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO regions (code, name, center_lat, center_lng, radius_km, address)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (code)
			DO UPDATE SET
				name = EXCLUDED.name,
				center_lat = EXCLUDED.center_lat,
				center_lng = EXCLUDED.center_lng,
				radius_km = EXCLUDED.radius_km,
				address = EXCLUDED.address,
				updated_at = NOW()
		`, input.Code, input.Name, input.Center.Lat, input.Center.Lng, input.RadiusKm, input.Center.Address); err != nil {
			return fmt.Errorf("seed region %s: %w", input.Code, err)
		}
	}

	for _, o := range seed.Officers {
		input := OfficerInput{Email: o.Email, Name: o.Name, Role: o.Role, Password: o.Password}
		if err := input.normalize(true); err != nil {
			return err
		}
		var departmentID *int
		if code := strings.ToLower(strings.TrimSpace(o.Department)); code != "" {
			var id int
			err := tx.QueryRowContext(ctx, `SELECT id FROM departments WHERE code = $1`, code).Scan(&id)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("officer %s: unknown department %q", input.Email, code)
			}
			if err != nil {
				return err
			}
			departmentID = &id
		}
		if err := a.upsertSeedOfficer(ctx, tx, input, departmentID); err != nil {
			return fmt.Errorf("seed officer %s: %w", input.Email, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	a.log.Info("seed applied", "departments", len(seed.Departments), "regions", len(seed.Regions), "officers", len(seed.Officers))
	return nil
}
