// Package repository is typed access to the relations of gridqueue.
//
// Functions here run inside a transaction given as *store.Session, so that
// an operation can compose several of them atomically. Writes on dataset,
// job, task and search are mirrored.
package repository

import (
	"context"
	"strings"

	"github.com/opst/gridqueue/pkg/conn/store"
	"github.com/opst/gridqueue/pkg/db/tables"
	"github.com/opst/gridqueue/pkg/utils/slices"
)

// eachBatch calls f with ids split into chunks small enough for an IN list.
func eachBatch(ids []string, f func(batch []string, in string) error) error {
	for _, batch := range slices.Chunk(ids, tables.BatchSize) {
		if len(batch) == 0 {
			continue
		}
		if err := f(batch, "("+store.Placeholders(len(batch))+")"); err != nil {
			return err
		}
	}
	return nil
}

// queryBatched runs a query with an IN list of ids, batch by batch.
//
// clause contains "%IN%" where the IN list goes.
func queryBatched[T any](
	ctx context.Context, s *store.Session, tbl *tables.Table[T], clause string, ids []string, args ...any,
) ([]T, error) {
	out := []T{}
	err := eachBatch(slices.Uniq(ids), func(batch []string, in string) error {
		a := append(slices.ToAny(batch), args...)
		found, err := tbl.Query(ctx, s, strings.Replace(clause, "%IN%", in, 1), a...)
		if err != nil {
			return err
		}
		out = append(out, found...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
