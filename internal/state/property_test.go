package state

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/roach88/entityevents/internal/testutil"
	"github.com/roach88/entityevents/internal/value"
)

// TestCreateIdempotenceProperty verifies that any sequence of Create calls
// leaves at most one BLOCKED record per (owner, result code).
// Property: |BLOCKED(owner, code)| <= 1 and Create returns that record.
func TestCreateIdempotenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	dir := t.TempDir()
	run := 0

	properties.Property("one blocked record per owner and result code", prop.ForAll(
		func(owners []int, codes []bool) bool {
			run++
			s, err := Open(filepath.Join(dir, fmt.Sprintf("prop-%d.db", run)),
				WithIDGenerator(testutil.NewSequenceGenerator("p")))
			if err != nil {
				return false
			}
			defer s.Close()
			ctx := context.Background()

			first := make(map[string]string)
			for i := 0; i < len(owners) && i < len(codes); i++ {
				owner := fmt.Sprintf("identity-%d", owners[i])
				code := "DIRTY_STATE"
				if codes[i] {
					code = "FORCE_DELETE"
				}
				rec, created, err := s.Create(ctx, NewRecord{
					OwnerType:  "identity",
					OwnerID:    owner,
					ResultCode: code,
					Parameters: value.Object{"n": value.Int(int64(i))},
				})
				if err != nil {
					return false
				}
				key := owner + "/" + code
				if id, seen := first[key]; seen {
					if created || rec.ID != id {
						return false
					}
				} else {
					if !created {
						return false
					}
					first[key] = rec.ID
				}
			}

			blocked, err := s.Find(ctx, Filter{States: []State{Blocked}})
			if err != nil {
				return false
			}
			return len(blocked) == len(first)
		},
		gen.SliceOf(gen.IntRange(0, 4)),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
