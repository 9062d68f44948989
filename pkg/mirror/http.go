package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// ErrMasterRejected is returned when the master answers with an error.
var ErrMasterRejected = errors.New("master rejected the update")

// UpdateMethod is the JSON-RPC method applying one entry on the master.
const UpdateMethod = "misc_update_master_db"

// HTTPSink posts JSON-RPC 2.0 requests to <Master>/jsonrpc, one request per entry.
type HTTPSink struct {
	Master *url.URL
	SiteID uint64
	Client *http.Client
}

type rpcRequest struct {
	JSONRPC string       `json:"jsonrpc"`
	Method  string       `json:"method"`
	Params  updateParams `json:"params"`
	ID      string       `json:"id"`
}

type updateParams struct {
	SiteID    uint64 `json:"site_id"`
	Table     string `json:"table"`
	Index     string `json:"index"`
	Timestamp string `json:"timestamp"`
	SQL       string `json:"sql"`
	Bindings  []any  `json:"bindings"`
}

type rpcResponse struct {
	ID    string          `json:"id"`
	Error json.RawMessage `json:"error,omitempty"`
}

func (s HTTPSink) endpoint() string {
	u := *s.Master
	u.Path = strings.TrimSuffix(u.Path, "/") + "/jsonrpc"
	return u.String()
}

func (s HTTPSink) Send(ctx context.Context, batch Batch) error {
	if s.Master == nil {
		return errors.New("mirror: no master url")
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	var errs []error
	for _, e := range batch.Entries {
		req := rpcRequest{
			JSONRPC: "2.0",
			Method:  UpdateMethod,
			ID:      uuid.NewString(),
			Params: updateParams{
				SiteID:    s.SiteID,
				Table:     batch.Table,
				Index:     e.Index,
				Timestamp: batch.Timestamp.Format("2006-01-02T15:04:05.000000"),
				SQL:       e.SQL,
				Bindings:  e.Args,
			},
		}
		if err := s.post(ctx, client, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s HTTPSink) post(ctx context.Context, client *http.Client, req rpcRequest) error {
	buf, err := json.Marshal(req)
	if err != nil {
		return err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint(), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(hreq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || 300 <= resp.StatusCode {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w (%s %d): %s", ErrMasterRejected, s.endpoint(), resp.StatusCode, string(body))
	}

	var r rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if len(r.Error) != 0 && string(r.Error) != "null" {
		return fmt.Errorf("%w: %s", ErrMasterRejected, string(r.Error))
	}
	return nil
}
