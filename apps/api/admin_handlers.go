package main

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// selectionLocation turns the caller's map session selection into a
// location, for admin forms that place things by clicking the map. The
// session is returned so the selection can be cleared once the form saves.
func (a *App) selectionLocation(c *gin.Context) (*mapSession, *ReportLocation) {
	session, selected, address := a.sessionSelection(c)
	if selected == nil {
		return nil, nil
	}
	return session, &ReportLocation{Lat: selected.Lat, Lng: selected.Lng, Address: optionalText(address)}
}

// consumeSelection clears the map pick a saved form was built from.
func consumeSelection(session *mapSession) {
	if session != nil {
		session.store.ClearSelection()
	}
}

func (a *App) adminDepartmentsHandler(c *gin.Context) {
	departments, err := a.listDepartments(c.Request.Context())
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, departments)
}

func (a *App) bindDepartmentInput(c *gin.Context) (DepartmentInput, *mapSession, bool) {
	var input DepartmentInput
	if err := c.ShouldBindJSON(&input); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid department payload"})
		return input, nil, false
	}
	var picked *mapSession
	if input.Location == nil {
		picked, input.Location = a.selectionLocation(c)
	}
	if err := input.normalize(); err != nil {
		writeAPIError(c, err)
		return input, nil, false
	}
	return input, picked, true
}

func (a *App) adminCreateDepartmentHandler(c *gin.Context) {
	input, picked, ok := a.bindDepartmentInput(c)
	if !ok {
		return
	}
	department, err := a.createDepartment(c.Request.Context(), input)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	consumeSelection(picked)
	c.JSON(http.StatusCreated, department)
}

func (a *App) adminUpdateDepartmentHandler(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		writeAPIError(c, err)
		return
	}
	input, picked, ok := a.bindDepartmentInput(c)
	if !ok {
		return
	}
	department, err := a.updateDepartment(c.Request.Context(), id, input)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if department == nil {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "department_not_found", Message: "Department not found"})
		return
	}
	consumeSelection(picked)
	c.JSON(http.StatusOK, department)
}

func (a *App) adminDeleteDepartmentHandler(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if err := a.deleteDepartment(c.Request.Context(), id); err != nil {
		writeAPIError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *App) adminRegionsHandler(c *gin.Context) {
	regions, err := a.listRegions(c.Request.Context())
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, regions)
}

func (a *App) bindRegionInput(c *gin.Context, requireCenter bool) (RegionInput, *mapSession, bool) {
	var input RegionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid region payload"})
		return input, nil, false
	}
	var picked *mapSession
	if input.Center == nil {
		picked, input.Center = a.selectionLocation(c)
	}
	if err := input.normalize(requireCenter); err != nil {
		writeAPIError(c, err)
		return input, nil, false
	}
	return input, picked, true
}

func (a *App) adminCreateRegionHandler(c *gin.Context) {
	input, picked, ok := a.bindRegionInput(c, true)
	if !ok {
		return
	}
	region, err := a.createRegion(c.Request.Context(), input)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	consumeSelection(picked)
	c.JSON(http.StatusCreated, region)
}

func (a *App) adminUpdateRegionHandler(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		writeAPIError(c, err)
		return
	}
	input, picked, ok := a.bindRegionInput(c, false)
	if !ok {
		return
	}
	region, err := a.updateRegion(c.Request.Context(), id, input)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if region == nil {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "region_not_found", Message: "Region not found"})
		return
	}
	consumeSelection(picked)
	c.JSON(http.StatusOK, region)
}

func (a *App) adminDeleteRegionHandler(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if err := a.deleteRegion(c.Request.Context(), id); err != nil {
		writeAPIError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *App) adminOfficersHandler(c *gin.Context) {
	officers, err := a.listOfficers(c.Request.Context())
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, officers)
}

func (a *App) adminCreateOfficerHandler(c *gin.Context) {
	var input OfficerInput
	if err := c.ShouldBindJSON(&input); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid officer payload"})
		return
	}
	if err := input.normalize(true); err != nil {
		writeAPIError(c, err)
		return
	}
	officer, err := a.createOfficer(c.Request.Context(), input)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusCreated, officer)
}

func (a *App) adminUpdateOfficerHandler(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		writeAPIError(c, err)
		return
	}
	var input OfficerInput
	if err := c.ShouldBindJSON(&input); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid officer payload"})
		return
	}
	if err := input.normalize(false); err != nil {
		writeAPIError(c, err)
		return
	}
	officer, err := a.updateOfficer(c.Request.Context(), id, input)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if officer == nil {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "officer_not_found", Message: "Officer not found"})
		return
	}
	c.JSON(http.StatusOK, officer)
}

func (a *App) adminToggleOfficerHandler(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		writeAPIError(c, err)
		return
	}
	session, err := getOfficerSession(c)
	if err == nil && session.OfficerID == id {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "cannot_toggle_self", Message: "You cannot deactivate your own account"})
		return
	}
	isActive, err := a.toggleOfficer(c.Request.Context(), id)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "isActive": isActive})
}

func (a *App) adminCitizensHandler(c *gin.Context) {
	filters := map[string]any{}
	if q := strings.TrimSpace(c.Query("q")); q != "" {
		filters["q"] = q
	}
	if status := strings.TrimSpace(c.Query("status")); status == "active" || status == "inactive" {
		filters["status"] = status
	}
	page, pageSize := parsePage(c)

	result, err := a.listCitizensPaginated(c.Request.Context(), filters, page, pageSize)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"citizens":   result.Users,
		"pagination": buildPaginationMeta(result.TotalCount, result.CurrentPage, result.PageSize),
	})
}

func (a *App) adminToggleCitizenHandler(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		writeAPIError(c, err)
		return
	}
	isActive, err := a.toggleCitizen(c.Request.Context(), id)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "isActive": isActive})
}

func (a *App) adminAnalyticsHandler(c *gin.Context) {
	analytics, err := a.computeAnalytics(c.Request.Context(), reportFiltersFromQuery(c))
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, analytics)
}
