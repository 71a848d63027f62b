package main

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicpulse/libs/location"
)

func TestTrackingTokenFromRequest_PrefersQueryToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/v1/reports/ABC123/status?token=query-token", nil)
	c.Request.Header.Set("Authorization", "Bearer header-token")

	token := trackingTokenFromRequest(c)
	if token != "query-token" {
		t.Fatalf("expected query token, got %q", token)
	}
}

func TestTrackingTokenFromRequest_UsesBearerHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/v1/reports/ABC123/status", nil)
	c.Request.Header.Set("Authorization", "Bearer header-token")

	token := trackingTokenFromRequest(c)
	if token != "header-token" {
		t.Fatalf("expected bearer token, got %q", token)
	}
}

func validPayload() ReportCreatePayload {
	return ReportCreatePayload{
		Title:    "Deep pothole",
		Category: "pothole",
		Location: ReportLocation{Lat: 40.7128, Lng: -74.006},
	}
}

func TestValidateReportCreatePayload(t *testing.T) {
	payload := validPayload()
	require.NoError(t, validateReportCreatePayload(&payload))
	assert.Equal(t, defaultSeverity, payload.Severity)

	long := strings.Repeat("x", maxDescriptionLength+1)
	cases := map[string]func(p *ReportCreatePayload){
		"invalid_title":       func(p *ReportCreatePayload) { p.Title = "ab" },
		"invalid_description": func(p *ReportCreatePayload) { p.Description = &long },
		"invalid_category":    func(p *ReportCreatePayload) { p.Category = "aliens" },
		"invalid_severity":    func(p *ReportCreatePayload) { p.Severity = "urgent" },
		"invalid_location":    func(p *ReportCreatePayload) { p.Location.Lat = 120 },
		"invalid_photo_count": func(p *ReportCreatePayload) { p.Photos = make([]PhotoUpload, maxPhotoCount+1) },
	}
	for code, mutate := range cases {
		t.Run(code, func(t *testing.T) {
			p := validPayload()
			mutate(&p)
			err := validateReportCreatePayload(&p)
			var apiErr *apiError
			require.True(t, errors.As(err, &apiErr), "expected apiError, got %v", err)
			assert.Equal(t, code, apiErr.Code)
			assert.Equal(t, http.StatusBadRequest, apiErr.Status)
		})
	}
}

func TestValidateReportCreatePayloadCountsRunes(t *testing.T) {
	payload := validPayload()
	payload.Title = "Straße kaputt"
	assert.NoError(t, validateReportCreatePayload(&payload))

	payload.Title = strings.Repeat("é", maxTitleLength)
	assert.NoError(t, validateReportCreatePayload(&payload))
}

func TestSanitizeAndValidatePhotos(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))

	photos, err := sanitizeAndValidatePhotos([]PhotoUpload{{Name: "a.jpg", MimeType: "image/jpeg", Bytes: buf.Bytes()}})
	require.NoError(t, err)
	require.Len(t, photos, 1)
	_, format, err := image.Decode(bytes.NewReader(photos[0].Bytes))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)

	_, err = sanitizeAndValidatePhotos([]PhotoUpload{{Name: "a.gif", MimeType: "image/gif", Bytes: []byte("GIF89a")}})
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "invalid_photo_type", apiErr.Code)
}

func TestParseDataURLPhoto(t *testing.T) {
	photo, err := parseDataURLPhoto("data:image/webp;base64,UklGRg==", "p.webp")
	require.NoError(t, err)
	assert.Equal(t, "image/webp", photo.MimeType)
	assert.Equal(t, []byte("RIFF"), photo.Bytes)

	for _, bad := range []string{"nocomma", "data:text/plain;base64,aGk=", "data:image/png;base64,aGk=", "data:image/jpeg;base64,%%%"} {
		_, err := parseDataURLPhoto(bad, "x")
		assert.Error(t, err, bad)
	}
}

func postReport(router http.Handler, body string, sessionID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(mapSessionHeader, sessionID)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateReportUsesMapSelection(t *testing.T) {
	app, router := newTestServer(t)
	app.geocoder = &fakeGeocoder{result: &GeocodeResult{Address: "123 Main St"}}

	var captured ReportCreatePayload
	app.createReportFn = func(ctx context.Context, payload ReportCreatePayload) (ReportCreateResponse, error) {
		captured = payload
		return ReportCreateResponse{ID: 1, PublicID: "AB12CD34", Status: statusPending, Location: payload.Location}, nil
	}

	session := newTestMapSession(t, app)
	forwarded, err := session.view.Click(location.Point{Lat: 40, Lng: -74})
	require.NoError(t, err)
	require.True(t, forwarded)
	session.store.Wait()

	rec := postReport(router, `{"title":"Broken streetlight","category":"streetlight"}`, session.ID)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	assert.Equal(t, 40.0, captured.Location.Lat)
	assert.Equal(t, -74.0, captured.Location.Lng)
	require.NotNil(t, captured.Location.Address)
	assert.Equal(t, "123 Main St", *captured.Location.Address)
	assert.Equal(t, sourceMapSelection, captured.Source)
	assert.Equal(t, defaultSeverity, captured.Severity)
	assert.NotEmpty(t, captured.ReporterHash)
	assert.NotEmpty(t, captured.FingerprintHash)

	selected, address := session.store.Selection()
	assert.Nil(t, selected)
	assert.Equal(t, "", address)
}

func TestCreateReportExplicitLocationKeepsSelection(t *testing.T) {
	app, router := newTestServer(t)
	var captured ReportCreatePayload
	app.createReportFn = func(ctx context.Context, payload ReportCreatePayload) (ReportCreateResponse, error) {
		captured = payload
		return ReportCreateResponse{ID: 2, PublicID: "EF56GH78"}, nil
	}

	session := newTestMapSession(t, app)
	require.NoError(t, session.store.SetSelectedLocation(&location.Point{Lat: 1, Lng: 2}))

	rec := postReport(router, `{"title":"Leak on 3rd","category":"water_leak","severity":"high","location":{"lat":40.1,"lng":-73.9,"address":" 3rd Ave "}}`, session.ID)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	assert.Equal(t, 40.1, captured.Location.Lat)
	require.NotNil(t, captured.Location.Address)
	assert.Equal(t, "3rd Ave", *captured.Location.Address)
	assert.Equal(t, sourceWeb, captured.Source)
	assert.Equal(t, "high", captured.Severity)

	selected, _ := session.store.Selection()
	assert.NotNil(t, selected)
}

func TestCreateReportWithoutLocationOrSelection(t *testing.T) {
	app, router := newTestServer(t)
	app.createReportFn = func(ctx context.Context, payload ReportCreatePayload) (ReportCreateResponse, error) {
		t.Fatal("store must not be called without a location")
		return ReportCreateResponse{}, nil
	}

	rec := postReport(router, `{"title":"Graffiti wall","category":"graffiti"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "location_required")

	session := newTestMapSession(t, app)
	rec = postReport(router, `{"title":"Graffiti wall","category":"graffiti"}`, session.ID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "location_required")
}

func TestCreateReportRejectsHalfLocation(t *testing.T) {
	_, router := newTestServer(t)

	rec := postReport(router, `{"title":"Graffiti wall","category":"graffiti","location":{"lat":40}}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_location")
}

func TestCreateReportMultipart(t *testing.T) {
	app, router := newTestServer(t)
	var captured ReportCreatePayload
	app.createReportFn = func(ctx context.Context, payload ReportCreatePayload) (ReportCreateResponse, error) {
		captured = payload
		return ReportCreateResponse{ID: 3, PublicID: "IJ90KL12"}, nil
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range map[string]string{
		"title":          "Overflowing bin",
		"category":       "garbage",
		"lat":            "40.5",
		"lng":            "-74.2",
		"reporter_email": " Citizen@Example.com ",
	} {
		require.NoError(t, writer.WriteField(key, value))
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="photos"; filename="bin.webp"`)
	header.Set("Content-Type", "image/webp")
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte("RIFF0000WEBP"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 40.5, captured.Location.Lat)
	assert.Equal(t, -74.2, captured.Location.Lng)
	require.NotNil(t, captured.ReporterEmail)
	assert.Equal(t, "citizen@example.com", *captured.ReporterEmail)
	require.Len(t, captured.Photos, 1)
	assert.Equal(t, "image/webp", captured.Photos[0].MimeType)
	assert.NotNil(t, findResponseCookie(rec.Result(), anonReporterCookieName))
}

func TestCreateReportUserSessionSetsOwner(t *testing.T) {
	app, router := newTestServer(t)
	var captured ReportCreatePayload
	app.createReportFn = func(ctx context.Context, payload ReportCreatePayload) (ReportCreateResponse, error) {
		captured = payload
		return ReportCreateResponse{ID: 4, PublicID: "MN34OP56"}, nil
	}

	token, err := app.createUserSessionToken(UserSession{UserID: 77, Email: "me@example.com"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", strings.NewReader(`{"title":"Signal stuck red","category":"traffic_signal","location":{"lat":1,"lng":1}}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: userCookieName, Value: token})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotNil(t, captured.UserID)
	assert.Equal(t, 77, *captured.UserID)
	require.NotNil(t, captured.ReporterEmail)
	assert.Equal(t, "me@example.com", *captured.ReporterEmail)
}

func TestCategoriesHandler(t *testing.T) {
	_, router := newTestServer(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/categories", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var categories []Category
	decodeJSON(t, rec, &categories)
	assert.Len(t, categories, len(defaultCategories))
	assert.Equal(t, "pothole", categories[0].Code)
}

func TestNearbyReportsHandlerWithoutFinder(t *testing.T) {
	_, router := newTestServer(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reports/nearby?lat=40&lng=-74", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "nearby_unavailable")
}

func TestNearbyReportsHandler(t *testing.T) {
	app, router := newTestServer(t)
	var gotRadius float64
	app.findNearbyReports = func(ctx context.Context, center location.Point, radiusKm float64) ([]location.Report, error) {
		gotRadius = radiusKm
		assert.Equal(t, location.Point{Lat: 40, Lng: -74}, center)
		return nil, nil
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reports/nearby?lat=40&lng=-74", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Equal(t, location.DefaultNearbyRadiusKm, gotRadius)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reports/nearby?lat=40&lng=-74&radius=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, gotRadius)

	for _, query := range []string{"lat=40", "lat=40&lng=-74&radius=0", "lat=40&lng=-74&radius=51", "lat=91&lng=0"} {
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reports/nearby?"+query, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}
