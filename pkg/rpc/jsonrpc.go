package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/opst/gridqueue/pkg/db"
	"github.com/opst/gridqueue/pkg/metrics"
	"github.com/opst/gridqueue/pkg/queue/pilot"
	"github.com/opst/gridqueue/pkg/resources"
	"github.com/sirupsen/logrus"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	// CodeMissing means a record named in params is not found.
	CodeMissing = -32001

	// CodeInvalidTransition means the status change is not allowed now.
	CodeInvalidTransition = -32002
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type result struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result"`
	ID      json.RawMessage `json:"id"`
}

type failure struct {
	JSONRPC string          `json:"jsonrpc"`
	Error   *Error          `json:"error"`
	ID      json.RawMessage `json:"id"`
}

// Error is the error object of a JSON-RPC response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// code classifies an error of the service.
func code(err error) int {
	var rpcErr *Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr.Code
	case errors.Is(err, db.ErrMissing):
		return CodeMissing
	case errors.Is(err, db.ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, db.ErrInvalidConfig),
		errors.Is(err, db.ErrInvalidStatus),
		errors.Is(err, db.ErrUnresolvable),
		errors.Is(err, resources.ErrBadRequirement):
		return CodeInvalidParams
	default:
		return CodeInternal
	}
}

type method func(ctx context.Context, params json.RawMessage) (any, error)

// bind builds a method taking params of type P.
func bind[P any](f func(context.Context, P) (any, error)) method {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p P
		if len(raw) != 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
			}
		}
		return f(ctx, p)
	}
}

type taskParams struct {
	TaskID string `json:"task_id"`
}

type finishParams struct {
	TaskID string         `json:"task_id"`
	Stats  map[string]any `json:"stats"`
}

type errorParams struct {
	TaskID string `json:"task_id"`
	ErrorInfo
}

type bufferParams struct {
	Gridspec  string   `json:"gridspec"`
	Gridspecs []string `json:"gridspecs"`
	Num       int      `json:"num"`
}

type queueingParams struct {
	DatasetPrios map[string]float64  `json:"dataset_prios"`
	Gridspec     string              `json:"gridspec"`
	Num          int                 `json:"num"`
	Resources    resources.Resources `json:"resources"`
}

type pilotsParams struct {
	PilotIDs []string `json:"pilot_ids"`
}

type taskStatusParams struct {
	TaskIDs []string      `json:"task_ids"`
	Status  db.TaskStatus `json:"status"`
}

type resetParams struct {
	Reset []string `json:"reset"`
	Fail  []string `json:"fail"`
}

type datasetStatusParams struct {
	DatasetIDs []string         `json:"dataset_ids"`
	Status     db.DatasetStatus `json:"status"`
}

type gridspecParams struct {
	Gridspec string `json:"gridspec"`
}

type none struct{}

func (s *Service) methods() map[string]method {
	return map[string]method{
		"new_task": bind(func(ctx context.Context, p NewTaskRequest) (any, error) {
			return s.NewTask(ctx, p)
		}),
		"finish_task": bind(func(ctx context.Context, p finishParams) (any, error) {
			if err := s.FinishTask(ctx, p.TaskID, p.Stats); err != nil {
				return nil, err
			}
			return true, nil
		}),
		"task_error": bind(func(ctx context.Context, p errorParams) (any, error) {
			return s.TaskError(ctx, p.TaskID, p.ErrorInfo)
		}),
		"stillrunning": bind(func(ctx context.Context, p taskParams) (any, error) {
			return s.StillRunning(ctx, p.TaskID)
		}),
		"submit_dataset": bind(func(ctx context.Context, p SubmitRequest) (any, error) {
			return s.SubmitDataset(ctx, p)
		}),
		"queue_buffer_jobs_tasks": bind(func(ctx context.Context, p bufferParams) (any, error) {
			gridspecs := p.Gridspecs
			if p.Gridspec != "" {
				gridspecs = append(gridspecs, p.Gridspec)
			}
			return s.QueueBufferJobsTasks(ctx, gridspecs, p.Num)
		}),
		"queue_get_queueing_tasks": bind(func(ctx context.Context, p queueingParams) (any, error) {
			return s.QueueGetQueueingTasks(ctx, p.DatasetPrios, p.Gridspec, p.Num, p.Resources)
		}),
		"queue_add_pilot": bind(func(ctx context.Context, p pilot.Descriptor) (any, error) {
			return s.QueueAddPilot(ctx, p)
		}),
		"queue_del_pilots": bind(func(ctx context.Context, p pilotsParams) (any, error) {
			return s.QueueDelPilots(ctx, p.PilotIDs)
		}),
		"queue_get_pilots": bind(func(ctx context.Context, p pilotsParams) (any, error) {
			return s.QueueGetPilots(ctx, p.PilotIDs)
		}),
		"queue_set_task_status": bind(func(ctx context.Context, p taskStatusParams) (any, error) {
			return s.QueueSetTaskStatus(ctx, p.TaskIDs, p.Status)
		}),
		"queue_reset_tasks": bind(func(ctx context.Context, p resetParams) (any, error) {
			if err := s.QueueResetTasks(ctx, p.Reset, p.Fail); err != nil {
				return nil, err
			}
			return true, nil
		}),
		"queue_resume_tasks": bind(func(ctx context.Context, p taskStatusParams) (any, error) {
			return s.QueueResumeTasks(ctx, p.TaskIDs)
		}),
		"queue_set_dataset_status": bind(func(ctx context.Context, p datasetStatusParams) (any, error) {
			return s.QueueSetDatasetStatus(ctx, p.DatasetIDs, p.Status)
		}),
		"queue_get_grid_tasks": bind(func(ctx context.Context, p gridspecParams) (any, error) {
			return s.QueueGetGridTasks(ctx, p.Gridspec)
		}),
		"queue_get_active_tasks": bind(func(ctx context.Context, p gridspecParams) (any, error) {
			return s.QueueGetActiveTasks(ctx, p.Gridspec)
		}),
		"queue_dataset_priorities": bind(func(ctx context.Context, _ none) (any, error) {
			return s.DatasetPriorities(ctx)
		}),
		"cron_dataset_completion": bind(func(ctx context.Context, _ none) (any, error) {
			return s.CronDatasetCompletion(ctx)
		}),
	}
}

// Handler serves JSON-RPC 2.0 requests on the service.
//
// Errors of methods are answered with status 200 and an error object.
func (s *Service) Handler() echo.HandlerFunc {
	methods := s.methods()

	return func(c echo.Context) error {
		var req request
		if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
			return c.JSON(http.StatusOK, failure{
				JSONRPC: "2.0", Error: &Error{Code: CodeParseError, Message: err.Error()}, ID: json.RawMessage("null"),
			})
		}
		id := req.ID
		if len(id) == 0 {
			id = json.RawMessage("null")
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			metrics.RPCRequests.WithLabelValues("(invalid)", "error").Inc()
			return c.JSON(http.StatusOK, failure{
				JSONRPC: "2.0", Error: &Error{Code: CodeInvalidRequest, Message: "not a JSON-RPC 2.0 request"}, ID: id,
			})
		}
		m, ok := methods[req.Method]
		if !ok {
			metrics.RPCRequests.WithLabelValues("(unknown)", "error").Inc()
			return c.JSON(http.StatusOK, failure{
				JSONRPC: "2.0", Error: &Error{Code: CodeMethodNotFound, Message: "no method " + req.Method}, ID: id,
			})
		}

		begin := time.Now()
		out, err := m(c.Request().Context(), req.Params)
		metrics.RPCDuration.WithLabelValues(req.Method).Observe(time.Since(begin).Seconds())

		if err != nil {
			metrics.RPCRequests.WithLabelValues(req.Method, "error").Inc()
			cd := code(err)
			log := s.log.WithFields(logrus.Fields{"method": req.Method, "code": cd}).WithError(err)
			if cd == CodeInternal {
				log.Error("rpc failed")
			} else {
				log.Info("rpc is rejected")
			}
			return c.JSON(http.StatusOK, failure{
				JSONRPC: "2.0", Error: &Error{Code: cd, Message: err.Error()}, ID: id,
			})
		}
		metrics.RPCRequests.WithLabelValues(req.Method, "ok").Inc()
		return c.JSON(http.StatusOK, result{JSONRPC: "2.0", Result: out, ID: id})
	}
}
