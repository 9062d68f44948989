package main

import (
	"encoding/json"
	"testing"

	"github.com/opst/gridqueue/internal/testenv"
	"github.com/opst/gridqueue/pkg/configs/backend"
	"github.com/opst/gridqueue/pkg/db"
	"github.com/opst/gridqueue/pkg/rpc"
	"github.com/opst/gridqueue/pkg/utils/try"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestLoops(t *testing.T) {
	for name, queue := range map[string]string{
		"without gridspecs, tasks of every gridspec are queued": "queue: {}\n",
		"with gridspecs, tasks of them are queued":              "queue:\n  gridspecs: [grid2, grid1]\n",
	} {
		t.Run(name, func(t *testing.T) {
			ctx := testenv.Context(t)
			d := testenv.Open(t)
			log, _ := test.NewNullLogger()
			svc := rpc.New(d, rpc.WithLogger(log))

			conf := try.To(backend.Unmarshal([]byte(`
port: 18080
database:
  driver: sqlite
  dsn: unused
` + queue))).OrFatal(t)

			datasetID := try.To(svc.SubmitDataset(ctx, rpc.SubmitRequest{
				Config:   json.RawMessage(`{"tasks": [{"name": "A"}, {"name": "B", "depends": ["A"]}]}`),
				Name:     "sim",
				Gridspec: db.PlainGridspec("grid1"),
				NJobs:    1,
			})).OrFatal(t)

			rounds := loops(svc, conf, log)

			_, progressed, err := rounds["buffer"].run(ctx, struct{}{})
			if err != nil || !progressed {
				t.Fatalf("buffer round: (%v, %v)", progressed, err)
			}
			_, progressed, err = rounds["queue"].run(ctx, struct{}{})
			if err != nil || !progressed {
				t.Fatalf("queue round: (%v, %v)", progressed, err)
			}

			active := try.To(svc.QueueGetActiveTasks(ctx, "grid1")).OrFatal(t)
			if len(active[db.Queued]) != 1 || len(active[db.Waiting]) != 1 {
				t.Errorf("dataset %s: active tasks = %v", datasetID, active)
			}

			_, progressed, err = rounds["queue"].run(ctx, struct{}{})
			if err != nil || progressed {
				t.Errorf("second queue round: (%v, %v)", progressed, err)
			}
		})
	}
}
