package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"

	"github.com/traksense/ingest-core/internal/model"
	"github.com/traksense/ingest-core/internal/observability"
	"github.com/traksense/ingest-core/internal/store"
)

// Store is the slice of the repo the writer pool needs.
type Store interface {
	FlushReadings(ctx context.Context, rows []store.Reading) (int, []store.Rejected[store.Reading], error)
	FlushAcks(ctx context.Context, acks []store.CommandAck) (int, []store.Rejected[store.CommandAck], error)
	FlushErrors(ctx context.Context, rows []store.ErrorRow) error
}

// writeFlush persists one batch. A returned error is systemic: the repo has
// already burned its retry budget.
func (p *Pipeline) writeFlush(ctx context.Context, f Flush) error {
	switch f.Kind {
	case sinkPoints:
		rows := readingsFrom(f.Envelopes)
		written, rejected, err := p.repo.FlushReadings(ctx, rows)
		if err != nil {
			return err
		}
		observability.PointsTotal.Add(float64(written))
		observability.BatchSize.Observe(float64(len(rows)))
		now := time.Now()
		for _, env := range f.Envelopes {
			observability.Latency.Observe(now.Sub(env.ReceivedAt).Seconds())
		}
		if len(rejected) > 0 {
			p.demoteReadings(ctx, rejected)
		}
	case sinkAcks:
		acks := acksFrom(f.Acks)
		_, rejected, err := p.repo.FlushAcks(ctx, acks)
		if err != nil {
			return err
		}
		now := time.Now()
		for _, a := range f.Acks {
			observability.Latency.Observe(now.Sub(a.ReceivedAt).Seconds())
		}
		if len(rejected) > 0 {
			p.demoteAcks(ctx, rejected)
		}
	case sinkErrors:
		rows := errorRowsFrom(f.Failures)
		if err := p.repo.FlushErrors(ctx, rows); err != nil {
			return err
		}
	}
	return nil
}

func readingsFrom(envs []*model.Envelope) []store.Reading {
	var rows []store.Reading
	for _, env := range envs {
		var meta datatypes.JSON
		if len(env.Meta) > 0 {
			if raw, err := json.Marshal(env.Meta); err == nil {
				meta = raw
			}
		}
		for _, pt := range env.Points {
			row := store.Reading{
				TenantID: env.TenantID,
				DeviceID: env.DeviceID,
				AssetTag: env.AssetTag,
				Site:     env.Site,
				SensorID: pt.Name,
				TS:       env.Timestamp.Add(pt.Offset),
				Unit:     pt.Unit,
				Meta:     meta,
			}
			switch pt.Type {
			case model.PointNum:
				v := pt.Num
				row.ValueNum = &v
			case model.PointBool:
				v := pt.Bool
				row.ValueBool = &v
			case model.PointEnum, model.PointText:
				v := pt.Text
				row.ValueText = &v
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func acksFrom(acks []*model.Ack) []store.CommandAck {
	rows := make([]store.CommandAck, 0, len(acks))
	for _, a := range acks {
		var payload datatypes.JSON
		if len(a.Payload) > 0 {
			if raw, err := json.Marshal(a.Payload); err == nil {
				payload = raw
			}
		}
		rows = append(rows, store.CommandAck{
			TenantID: a.TenantID,
			DeviceID: a.DeviceID,
			CmdID:    a.CmdID,
			OK:       a.OK,
			TSExec:   a.ExecutedAt,
			Payload:  payload,
		})
	}
	return rows
}

func errorRowsFrom(failures []*model.IngestFailure) []store.ErrorRow {
	rows := make([]store.ErrorRow, 0, len(failures))
	for _, f := range failures {
		rows = append(rows, store.ErrorRow{
			TenantID: f.TenantID,
			Topic:    f.Topic,
			Payload:  string(f.Payload),
			Kind:     string(f.Kind),
			Reason:   string(f.Kind) + ": " + f.Reason,
			TS:       f.OccurredAt,
		})
	}
	return rows
}

// demoteReadings turns write-rejected rows into dead-letter rows. They go
// straight to the store instead of back through the error queue so a
// shutdown drain cannot race a closed channel.
func (p *Pipeline) demoteReadings(ctx context.Context, rejected []store.Rejected[store.Reading]) {
	rows := make([]store.ErrorRow, 0, len(rejected))
	for _, rej := range rejected {
		tenant := rej.Row.TenantID
		rows = append(rows, store.ErrorRow{
			TenantID: &tenant,
			Topic:    rej.Row.DeviceID + "/" + rej.Row.SensorID,
			Payload:  "",
			Kind:     string(model.ErrWriteRejected),
			Reason:   fmt.Sprintf("%s: reading %s/%s at %s: %v", model.ErrWriteRejected, rej.Row.DeviceID, rej.Row.SensorID, rej.Row.TS.Format(time.RFC3339), rej.Err),
			TS:       time.Now().UTC(),
		})
		observability.ErrorsTotal.WithLabelValues(string(model.ErrWriteRejected)).Inc()
	}
	if err := p.repo.FlushErrors(ctx, rows); err != nil {
		slog.Error("dead-letter write failed", "rows", len(rows), "error", err)
	}
}

func (p *Pipeline) demoteAcks(ctx context.Context, rejected []store.Rejected[store.CommandAck]) {
	rows := make([]store.ErrorRow, 0, len(rejected))
	for _, rej := range rejected {
		tenant := rej.Row.TenantID
		rows = append(rows, store.ErrorRow{
			TenantID: &tenant,
			Topic:    rej.Row.DeviceID,
			Payload:  string(rej.Row.Payload),
			Kind:     string(model.ErrWriteRejected),
			Reason:   fmt.Sprintf("%s: ack %s/%s: %v", model.ErrWriteRejected, rej.Row.DeviceID, rej.Row.CmdID, rej.Err),
			TS:       time.Now().UTC(),
		})
		observability.ErrorsTotal.WithLabelValues(string(model.ErrWriteRejected)).Inc()
	}
	if err := p.repo.FlushErrors(ctx, rows); err != nil {
		slog.Error("dead-letter write failed", "rows", len(rows), "error", err)
	}
}
