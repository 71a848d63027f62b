package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"civicpulse/libs/location"
)

// Region is a circular service area used to tag incoming reports.
type Region struct {
	ID        int            `json:"id"`
	Code      string         `json:"code"`
	Name      string         `json:"name"`
	Center    location.Point `json:"center"`
	RadiusKm  float64        `json:"radiusKm"`
	Address   *string        `json:"address"`
	CreatedAt string         `json:"createdAt"`
	UpdatedAt string         `json:"updatedAt"`
}

type RegionInput struct {
	Code     string          `json:"code"`
	Name     string          `json:"name"`
	Center   *ReportLocation `json:"center"`
	RadiusKm float64         `json:"radiusKm"`
}

func (in *RegionInput) normalize(requireCenter bool) error {
	in.Code = strings.ToLower(strings.TrimSpace(in.Code))
	in.Name = strings.TrimSpace(in.Name)
	if in.Code == "" || in.Name == "" {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_region", Message: "Code and name are required"}
	}
	if in.RadiusKm <= 0 || in.RadiusKm > maxNearbyRadiusKm {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_radius", Message: "radiusKm must be > 0 and <= 50"}
	}
	if in.Center == nil {
		if requireCenter {
			return &apiError{Status: http.StatusBadRequest, Code: "location_required", Message: "A region center is required"}
		}
		return nil
	}
	if err := in.Center.Point().Validate(); err != nil {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_location", Message: err.Error()}
	}
	return nil
}

const regionColumns = `id, code, name, center_lat, center_lng, radius_km, address, created_at, updated_at`

func scanRegion(scanner rowScanner) (Region, error) {
	var r Region
	var address sql.NullString
	var createdAt, updatedAt time.Time
	if err := scanner.Scan(&r.ID, &r.Code, &r.Name, &r.Center.Lat, &r.Center.Lng, &r.RadiusKm, &address, &createdAt, &updatedAt); err != nil {
		return Region{}, err
	}
	r.Address = nullStringPtr(address)
	r.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	r.UpdatedAt = updatedAt.UTC().Format(time.RFC3339)
	return r, nil
}

func (a *App) storeListRegions(ctx context.Context) ([]Region, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT `+regionColumns+` FROM regions ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	regions := []Region{}
	for rows.Next() {
		r, err := scanRegion(rows)
		if err != nil {
			return nil, err
		}
		regions = append(regions, r)
	}
	return regions, rows.Err()
}

func (a *App) storeCreateRegion(ctx context.Context, input RegionInput) (*Region, error) {
	if input.Center == nil {
		return nil, &apiError{Status: http.StatusBadRequest, Code: "location_required", Message: "A region center is required"}
	}
	r, err := scanRegion(a.db.QueryRowContext(ctx, `
		INSERT INTO regions (code, name, center_lat, center_lng, radius_km, address)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+regionColumns,
		input.Code, input.Name, input.Center.Lat, input.Center.Lng, input.RadiusKm, input.Center.Address))
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// storeUpdateRegion keeps the stored center when the input has none.
func (a *App) storeUpdateRegion(ctx context.Context, id int, input RegionInput) (*Region, error) {
	var row *sql.Row
	if input.Center != nil {
		row = a.db.QueryRowContext(ctx, `
			UPDATE regions
			SET code = $2, name = $3, radius_km = $4, center_lat = $5, center_lng = $6, address = $7, updated_at = NOW()
			WHERE id = $1
			RETURNING `+regionColumns,
			id, input.Code, input.Name, input.RadiusKm, input.Center.Lat, input.Center.Lng, input.Center.Address)
	} else {
		row = a.db.QueryRowContext(ctx, `
			UPDATE regions
			SET code = $2, name = $3, radius_km = $4, updated_at = NOW()
			WHERE id = $1
			RETURNING `+regionColumns,
			id, input.Code, input.Name, input.RadiusKm)
	}
	r, err := scanRegion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

func (a *App) storeDeleteRegion(ctx context.Context, id int) error {
	result, err := a.db.ExecContext(ctx, `DELETE FROM regions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &apiError{Status: http.StatusNotFound, Code: "region_not_found", Message: "Region not found"}
	}
	return nil
}
