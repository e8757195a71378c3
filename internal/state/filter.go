package state

import (
	"fmt"
	"strings"

	"github.com/roach88/entityevents/internal/event"
)

// Filter selects pending-work records. Zero fields match everything.
type Filter struct {
	OwnerType  event.EntityType
	OwnerID    string
	ResultCode string
	States     []State

	// SuperOwnerID matches records grouped under a super-owner.
	SuperOwnerID string

	// Limit caps the number of records returned; 0 means no limit.
	Limit int
}

// compile converts the filter into a parameterized WHERE clause and its
// arguments. Values are never interpolated.
func (f Filter) compile() (string, []any, error) {
	var (
		clauses []string
		args    []any
	)

	if f.OwnerType != "" {
		clauses = append(clauses, "owner_type = ?")
		args = append(args, string(f.OwnerType))
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.ResultCode != "" {
		clauses = append(clauses, "result_code = ?")
		args = append(args, f.ResultCode)
	}
	if f.SuperOwnerID != "" {
		clauses = append(clauses, "super_owner_id = ?")
		args = append(args, f.SuperOwnerID)
	}
	if len(f.States) > 0 {
		placeholders := make([]string, len(f.States))
		for i, st := range f.States {
			if !st.Valid() {
				return "", nil, fmt.Errorf("invalid state %q", st)
			}
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "state IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.Limit < 0 {
		return "", nil, fmt.Errorf("invalid limit %d", f.Limit)
	}

	if len(clauses) == 0 {
		return "1 = 1", args, nil
	}
	return strings.Join(clauses, " AND "), args, nil
}

// query assembles the full SELECT. Every query orders HIGH priority
// records first, then by (seq, id), so resumption passes see urgent work
// first and everything else in creation order.
func (f Filter) query() (string, []any, error) {
	where, args, err := f.compile()
	if err != nil {
		return "", nil, err
	}

	q := "SELECT " + recordColumns + " FROM entity_states WHERE " + where +
		" ORDER BY priority DESC, seq ASC, id COLLATE BINARY ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return q, args, nil
}
