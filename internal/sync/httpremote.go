package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/marcus/spendbook/internal/syncclient"
)

// HTTPRemote is the Remote backed by the remote authority's HTTP API.
type HTTPRemote struct {
	Client *syncclient.Client
}

// NewHTTPRemote wraps client.
func NewHTTPRemote(client *syncclient.Client) *HTTPRemote {
	return &HTTPRemote{Client: client}
}

// PushBatch implements Remote.
func (r *HTTPRemote) PushBatch(ctx context.Context, records []Record) ([]PushResult, error) {
	req := &syncclient.PushRequest{DeviceID: r.Client.DeviceID, Records: make([]syncclient.Record, len(records))}
	for i, rec := range records {
		req.Records[i] = toWire(rec)
	}
	resp, err := r.Client.Push(ctx, req)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]PushResult, len(resp.Results))
	for i, res := range resp.Results {
		out[i] = PushResult{
			Table:     res.Table,
			ID:        res.ID,
			SyncToken: res.SyncToken,
			Status:    PushStatus(res.Status),
			Reason:    res.Reason,
		}
		if res.Record != nil {
			rec := fromWire(*res.Record)
			out[i].Record = &rec
		}
	}
	return out, nil
}

// PullSince implements Remote.
func (r *HTTPRemote) PullSince(ctx context.Context, cursor int64, limit int) (PullPage, error) {
	resp, err := r.Client.Pull(ctx, cursor, limit)
	if err != nil {
		return PullPage{}, mapErr(err)
	}
	page := PullPage{MaxToken: resp.MaxToken, HasMore: resp.HasMore, Records: make([]Record, len(resp.Records))}
	for i, rec := range resp.Records {
		page.Records[i] = fromWire(rec)
	}
	return page, nil
}

func mapErr(err error) error {
	if errors.Is(err, syncclient.ErrUnauthorized) || errors.Is(err, syncclient.ErrForbidden) {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return err
}

func toWire(r Record) syncclient.Record {
	return syncclient.Record{
		Table:     r.Table,
		ID:        r.ID,
		SyncToken: r.SyncToken,
		BaseToken: r.BaseToken,
		DeletedAt: r.DeletedAt,
		Data:      r.Data,
	}
}

func fromWire(r syncclient.Record) Record {
	return Record{
		Table:     r.Table,
		ID:        r.ID,
		SyncToken: r.SyncToken,
		BaseToken: r.BaseToken,
		DeletedAt: r.DeletedAt,
		Data:      r.Data,
	}
}
