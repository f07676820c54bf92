// Package view derives display slices from the reconciled record set.
// Everything here is a pure function of its inputs; the view never writes
// back into the record set.
package view

import (
	"sort"
	"strings"

	"lingodesk/pkg/models"
)

// PageSize is the fixed page length for the conversations table.
const PageSize = 10

// SortField selects the timestamp used for ordering.
type SortField string

const (
	SortCreated SortField = "created"
	SortUpdated SortField = "updated"
)

// Query describes one projection request. Page is 1-indexed.
type Query struct {
	Search string
	Source string // "public", "client" or "" / "all"
	Status string
	Sort   SortField
	Asc    bool
	Page   int
}

// Signature identifies the filter portion of a query. When it changes the
// page resets to 1; pure data updates keep the page.
func (q Query) Signature() string {
	src := q.Source
	if src == "" {
		src = "all"
	}
	sf := q.Sort
	if sf == "" {
		sf = SortUpdated
	}
	dir := "desc"
	if q.Asc {
		dir = "asc"
	}
	return strings.ToLower(q.Search) + "|" + src + "|" + q.Status + "|" + string(sf) + "|" + dir
}

// Result is one page of the filtered, sorted set.
type Result struct {
	Items      []models.ConversationRecord `json:"items"`
	Page       int                         `json:"page"`
	TotalPages int                         `json:"total_pages"`
	Total      int                         `json:"total"`
}

// Project filters, sorts and paginates records. Concatenating all pages of
// the same query reproduces the filtered set exactly once per record.
func Project(records []models.ConversationRecord, q Query) Result {
	filtered := make([]models.ConversationRecord, 0, len(records))
	needle := strings.ToLower(strings.TrimSpace(q.Search))
	for _, r := range records {
		if !matchSource(r, q.Source) {
			continue
		}
		if q.Status != "" && string(r.Status) != q.Status {
			continue
		}
		if needle != "" && !matchText(r, needle) {
			continue
		}
		filtered = append(filtered, r)
	}

	field := q.Sort
	if field == "" {
		field = SortUpdated
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		a, b := ts(filtered[i], field), ts(filtered[j], field)
		if a != b {
			if q.Asc {
				return a < b
			}
			return a > b
		}
		// recordId tie-break keeps pagination deterministic
		if q.Asc {
			return filtered[i].ID < filtered[j].ID
		}
		return filtered[i].ID > filtered[j].ID
	})

	total := len(filtered)
	totalPages := (total + PageSize - 1) / PageSize
	if totalPages == 0 {
		totalPages = 1
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}
	start := (page - 1) * PageSize
	end := start + PageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	return Result{
		Items:      filtered[start:end],
		Page:       page,
		TotalPages: totalPages,
		Total:      total,
	}
}

func matchSource(r models.ConversationRecord, src string) bool {
	switch src {
	case "", "all":
		return true
	default:
		return string(r.Source) == src
	}
}

func matchText(r models.ConversationRecord, needle string) bool {
	for _, hay := range []string{
		r.Participant.Name,
		r.Participant.Email,
		r.Subject,
		r.Company,
	} {
		if hay != "" && strings.Contains(strings.ToLower(hay), needle) {
			return true
		}
	}
	return false
}

func ts(r models.ConversationRecord, f SortField) int64 {
	if f == SortCreated {
		return r.CreatedTS
	}
	return r.UpdatedTS
}
