package repository

import (
	"context"

	"github.com/opst/gridqueue/pkg/conn/store"
	"github.com/opst/gridqueue/pkg/db"
	"github.com/opst/gridqueue/pkg/db/tables"
	xe "github.com/opst/gridqueue/pkg/errors"
	"github.com/opst/gridqueue/pkg/utils/slices"
)

func InsertPilots(ctx context.Context, s *store.Session, pilots []db.Pilot) error {
	if len(pilots) == 0 {
		return nil
	}
	_, err := s.Write(ctx, tables.Pilot.InsertEach(100, pilots...)...)
	return err
}

// GetPilots returns pilots by id, or every pilot when pilotIDs is nil.
func GetPilots(ctx context.Context, s *store.Session, pilotIDs []string) ([]db.Pilot, error) {
	if pilotIDs == nil {
		return tables.Pilot.Query(ctx, s, "order by pilot_id")
	}
	return queryBatched(ctx, s, tables.Pilot, "where pilot_id in %IN%", pilotIDs)
}

func GetPilot(ctx context.Context, s *store.Session, pilotID string) (db.Pilot, error) {
	found, err := tables.Pilot.Query(ctx, s, "where pilot_id = ?", pilotID)
	if err != nil {
		return db.Pilot{}, err
	}
	if len(found) == 0 {
		return db.Pilot{}, xe.Wrap(Missing{Table: "pilot", Identity: pilotID})
	}
	return found[0], nil
}

// SetPilotTasks overwrites the task set of a pilot.
func SetPilotTasks(ctx context.Context, s *store.Session, pilotID string, tasks db.IDSet) error {
	n, err := s.Exec(ctx, "update pilot set tasks = ? where pilot_id = ?", tasks, pilotID)
	if err != nil {
		return err
	}
	if n == 0 {
		return xe.Wrap(Missing{Table: "pilot", Identity: pilotID})
	}
	return nil
}

// DeletePilots removes pilots and returns the number of removed rows.
func DeletePilots(ctx context.Context, s *store.Session, pilotIDs []string) (int64, error) {
	var total int64
	err := eachBatch(pilotIDs, func(batch []string, in string) error {
		n, err := s.Exec(ctx, "delete from pilot where pilot_id in "+in, slices.ToAny(batch)...)
		total += n
		return err
	})
	return total, err
}
