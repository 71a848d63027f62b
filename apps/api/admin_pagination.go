package main

import (
	"strconv"
	"strings"
)

const (
	adminDefaultPage    = 1
	adminDefaultPerPage = 50
	adminMaxPerPage     = 200
)

type paginationMeta struct {
	CurrentPage int  `json:"currentPage"`
	PageSize    int  `json:"pageSize"`
	TotalPages  int  `json:"totalPages"`
	TotalCount  int  `json:"totalCount"`
	HasNext     bool `json:"hasNext"`
	HasPrev     bool `json:"hasPrev"`
	NextPage    *int `json:"nextPage"`
	PrevPage    *int `json:"prevPage"`
}

func parseAdminPage(rawPage string) int {
	page, err := strconv.Atoi(strings.TrimSpace(rawPage))
	if err != nil || page < adminDefaultPage {
		return adminDefaultPage
	}
	return page
}

func totalPagesFor(totalCount, pageSize int) int {
	if totalCount <= 0 || pageSize <= 0 {
		return 0
	}
	return (totalCount + pageSize - 1) / pageSize
}

func buildPaginationMeta(totalCount, currentPage, pageSize int) paginationMeta {
	if pageSize < 1 {
		pageSize = adminDefaultPerPage
	}
	if currentPage < adminDefaultPage {
		currentPage = adminDefaultPage
	}

	totalPages := totalPagesFor(totalCount, pageSize)
	meta := paginationMeta{
		CurrentPage: currentPage,
		PageSize:    pageSize,
		TotalPages:  totalPages,
		TotalCount:  totalCount,
		HasNext:     currentPage < totalPages,
		HasPrev:     currentPage > adminDefaultPage,
	}
	if meta.HasNext {
		next := currentPage + 1
		meta.NextPage = &next
	}
	if meta.HasPrev {
		prev := currentPage - 1
		meta.PrevPage = &prev
	}
	return meta
}
