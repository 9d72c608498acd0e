package pipeline

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/traksense/ingest-core/internal/model"
	"github.com/traksense/ingest-core/internal/mqtt"
	"github.com/traksense/ingest-core/internal/registry"
	"github.com/traksense/ingest-core/internal/store"
)

type fakeResolver struct {
	tenants map[string]uuid.UUID
}

func (r *fakeResolver) Resolve(_ context.Context, slug string) (uuid.UUID, error) {
	if id, ok := r.tenants[slug]; ok {
		return id, nil
	}
	return uuid.Nil, registry.ErrUnknownTenant
}

type recordingStore struct {
	mu       sync.Mutex
	readings []store.Reading
	acks     []store.CommandAck
	errors   []store.ErrorRow
}

func (s *recordingStore) FlushReadings(_ context.Context, rows []store.Reading) (int, []store.Rejected[store.Reading], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, rows...)
	return len(rows), nil, nil
}

func (s *recordingStore) FlushAcks(_ context.Context, acks []store.CommandAck) (int, []store.Rejected[store.CommandAck], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, acks...)
	return len(acks), nil, nil
}

func (s *recordingStore) FlushErrors(_ context.Context, rows []store.ErrorRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, rows...)
	return nil
}

// failingStore refuses every reading flush, as a dead database would after
// the repo burned its retry budget.
type failingStore struct {
	recordingStore
}

func (s *failingStore) FlushReadings(_ context.Context, rows []store.Reading) (int, []store.Rejected[store.Reading], error) {
	return 0, nil, errors.New("database unreachable")
}

func runThrough(t *testing.T, resolver TenantResolver, msgs []mqtt.Message) *recordingStore {
	t.Helper()
	src := make(chan mqtt.Message, len(msgs))
	rec := &recordingStore{}
	p := New(Options{
		Source:         src,
		Resolver:       resolver,
		Repo:           rec,
		DecodeWorkers:  2,
		WriterPoolSize: 2,
		BatchMaxAge:    20 * time.Millisecond,
		SkewPast:       10 * 365 * 24 * time.Hour,
		SkewFuture:     5 * time.Minute,
	})
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	for _, m := range msgs {
		src <- m
	}
	close(src)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("pipeline run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pipeline did not drain")
	}
	return rec
}

func TestPipelineEndToEndSenML(t *testing.T) {
	tenantID := uuid.New()
	resolver := &fakeResolver{tenants: map[string]uuid.UUID{"hospital-sao-lucas": tenantID}}

	payload := `{"ts":1762883583000,"client_id":"F80332010002C873","payload":[` +
		`{"bn":"F80332010002C873","bt":1762883583},` +
		`{"n":"rssi","u":"dBW","v":-48},` +
		`{"n":"temperatura_saida","u":"Cel","v":5.12}]}`

	rec := runThrough(t, resolver, []mqtt.Message{{
		Topic:      "tenants/hospital-sao-lucas/sites/central/assets/chiller-01/telemetry",
		Payload:    []byte(payload),
		ReceivedAt: time.Now().UTC(),
	}})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.readings) != 2 {
		t.Fatalf("expected 2 stored readings, got %d", len(rec.readings))
	}
	for _, row := range rec.readings {
		if row.TenantID != tenantID {
			t.Errorf("reading carries tenant %s, want %s", row.TenantID, tenantID)
		}
		if row.DeviceID != "F80332010002C873" {
			t.Errorf("device id = %q", row.DeviceID)
		}
		if row.Site != "central" || row.AssetTag != "chiller-01" {
			t.Errorf("topic context not propagated: site=%q asset=%q", row.Site, row.AssetTag)
		}
		want := time.Unix(1762883583, 0).UTC()
		if !row.TS.Equal(want) {
			t.Errorf("ts = %s, want %s", row.TS, want)
		}
	}
	if len(rec.errors) != 0 {
		t.Fatalf("unexpected error rows: %+v", rec.errors)
	}
}

func TestPipelineRejectsMalformedJSON(t *testing.T) {
	tenantID := uuid.New()
	resolver := &fakeResolver{tenants: map[string]uuid.UUID{"acme": tenantID}}

	rec := runThrough(t, resolver, []mqtt.Message{{
		Topic:      "tenants/acme/sites/plant/assets/pump-7/telemetry",
		Payload:    []byte(`{"ts": 17628`),
		ReceivedAt: time.Now().UTC(),
	}})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.readings) != 0 {
		t.Fatalf("malformed payload must not produce readings")
	}
	if len(rec.errors) != 1 {
		t.Fatalf("expected 1 error row, got %d", len(rec.errors))
	}
	row := rec.errors[0]
	if row.Kind != string(model.ErrJSONParse) {
		t.Errorf("kind = %q, want %q", row.Kind, model.ErrJSONParse)
	}
	if row.TenantID == nil || *row.TenantID != tenantID {
		t.Errorf("error row should be scoped to the resolved tenant")
	}
	if row.Payload != `{"ts": 17628` {
		t.Errorf("raw payload not preserved: %q", row.Payload)
	}
}

func TestPipelineUnknownTenant(t *testing.T) {
	resolver := &fakeResolver{tenants: map[string]uuid.UUID{}}

	rec := runThrough(t, resolver, []mqtt.Message{{
		Topic:      "tenants/ghost/sites/a/assets/b/telemetry",
		Payload:    []byte(`[{"bn":"d1","bt":1696640052},{"n":"x","v":1}]`),
		ReceivedAt: time.Now().UTC(),
	}})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errors) != 1 {
		t.Fatalf("expected 1 error row, got %d", len(rec.errors))
	}
	row := rec.errors[0]
	if row.Kind != string(model.ErrTenantUnknown) {
		t.Errorf("kind = %q, want %q", row.Kind, model.ErrTenantUnknown)
	}
	if row.TenantID != nil {
		t.Errorf("unknown tenant rows must have a null tenant id")
	}
	if !strings.Contains(row.Reason, "ghost") {
		t.Errorf("reason should carry the raw slug: %q", row.Reason)
	}
}

func TestPipelineMixedValidAndInvalid(t *testing.T) {
	tenantID := uuid.New()
	resolver := &fakeResolver{tenants: map[string]uuid.UUID{"acme": tenantID}}

	msgs := []mqtt.Message{
		{
			Topic:      "tenants/acme/sites/plant/assets/pump-7/telemetry",
			Payload:    []byte(`[{"bn":"d1","bt":1696640052},{"n":"flow","u":"l/s","v":4.2}]`),
			ReceivedAt: time.Now().UTC(),
		},
		{
			Topic:      "tenants/acme/sites/plant/assets/pump-7/telemetry",
			Payload:    []byte(`not json at all`),
			ReceivedAt: time.Now().UTC(),
		},
		{
			Topic:      "bad/topic",
			Payload:    []byte(`[]`),
			ReceivedAt: time.Now().UTC(),
		},
	}

	rec := runThrough(t, resolver, msgs)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.readings) != 1 {
		t.Fatalf("the valid message must survive its batch-mates, got %d readings", len(rec.readings))
	}
	if len(rec.errors) != 2 {
		t.Fatalf("expected 2 error rows, got %d", len(rec.errors))
	}
	kinds := map[string]bool{}
	for _, row := range rec.errors {
		kinds[row.Kind] = true
	}
	if !kinds[string(model.ErrJSONParse)] || !kinds[string(model.ErrTopicUnrecognized)] {
		t.Errorf("error kinds = %v", kinds)
	}
}

func TestPipelineRoutesAcks(t *testing.T) {
	tenantID := uuid.New()
	resolver := &fakeResolver{tenants: map[string]uuid.UUID{"acme": tenantID}}

	payload := `{"client_id":"dev-9","cmd_id":"01HQZC5K3M8YBQWER7TXZ9V2P3","ok":true,` +
		`"ts_exec":1696640052000,"payload":{"setpoint":7.5}}`

	rec := runThrough(t, resolver, []mqtt.Message{{
		Topic:      "tenants/acme/sites/plant/assets/pump-7/ack",
		Payload:    []byte(payload),
		ReceivedAt: time.Now().UTC(),
	}})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.acks) != 1 {
		t.Fatalf("expected 1 stored ack, got %d", len(rec.acks))
	}
	a := rec.acks[0]
	if a.CmdID != "01HQZC5K3M8YBQWER7TXZ9V2P3" || !a.OK {
		t.Errorf("ack = %+v", a)
	}
	if a.DeviceID != "dev-9" {
		t.Errorf("device id should prefer client_id, got %q", a.DeviceID)
	}
	want := time.Unix(1696640052, 0).UTC()
	if !a.TSExec.Equal(want) {
		t.Errorf("ts_exec = %s, want %s", a.TSExec, want)
	}
	if len(rec.readings) != 0 {
		t.Errorf("acks must not land in the measure table")
	}
}

func TestPipelineSkewRejection(t *testing.T) {
	tenantID := uuid.New()
	resolver := &fakeResolver{tenants: map[string]uuid.UUID{"acme": tenantID}}

	// bt is a year in the future relative to receipt
	future := time.Now().Add(365 * 24 * time.Hour).Unix()
	src := make(chan mqtt.Message, 1)
	rec := &recordingStore{}
	p := New(Options{
		Source:         src,
		Resolver:       resolver,
		Repo:           rec,
		BatchMaxAge:    20 * time.Millisecond,
		SkewPast:       7 * 24 * time.Hour,
		SkewFuture:     5 * time.Minute,
		DecodeWorkers:  1,
		WriterPoolSize: 1,
	})
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	src <- mqtt.Message{
		Topic:      "tenants/acme/sites/plant/assets/pump-7/telemetry",
		Payload:    []byte(`[{"bn":"d1","bt":` + strconv.FormatInt(future, 10) + `},{"n":"x","v":1}]`),
		ReceivedAt: time.Now().UTC(),
	}
	close(src)
	if err := <-done; err != nil {
		t.Fatalf("pipeline run: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.readings) != 0 {
		t.Fatalf("skewed reading must be rejected")
	}
	if len(rec.errors) != 1 || rec.errors[0].Kind != string(model.ErrTimestampSkew) {
		t.Fatalf("expected a timestamp-skew row, got %+v", rec.errors)
	}
}

func TestPipelineStopsOnSystemicWriteFailure(t *testing.T) {
	tenantID := uuid.New()
	resolver := &fakeResolver{tenants: map[string]uuid.UUID{"acme": tenantID}}

	src := make(chan mqtt.Message, 1)
	st := &failingStore{}
	p := New(Options{
		Source:         src,
		Resolver:       resolver,
		Repo:           st,
		DecodeWorkers:  1,
		WriterPoolSize: 1,
		BatchMaxAge:    20 * time.Millisecond,
		SkewPast:       10 * 365 * 24 * time.Hour,
		SkewFuture:     5 * time.Minute,
	})
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	// the source stays open: a live broker session must not keep a dead
	// store alive
	src <- mqtt.Message{
		Topic:      "tenants/acme/sites/plant/assets/pump-7/telemetry",
		Payload:    []byte(`[{"bn":"d1","bt":1696640052},{"n":"x","v":1}]`),
		ReceivedAt: time.Now().UTC(),
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected the systemic error to surface from Run")
		}
		if !strings.Contains(err.Error(), "database unreachable") {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pipeline kept running after a systemic write failure")
	}
	close(src)
}

func TestPipelineStaleBaseTimeFallsBackToWrapperTS(t *testing.T) {
	tenantID := uuid.New()
	resolver := &fakeResolver{tenants: map[string]uuid.UUID{"acme": tenantID}}

	received := time.Now().UTC()
	fresh := received.Add(-time.Minute).Truncate(time.Second)
	stale := received.Add(-30 * 24 * time.Hour).Unix()
	payload := `{"ts":` + strconv.FormatInt(fresh.UnixMilli(), 10) + `,"client_id":"dev-1","payload":[` +
		`{"bn":"dev-1","bt":` + strconv.FormatInt(stale, 10) + `},{"n":"x","v":1}]}`

	src := make(chan mqtt.Message, 1)
	rec := &recordingStore{}
	p := New(Options{
		Source:         src,
		Resolver:       resolver,
		Repo:           rec,
		DecodeWorkers:  1,
		WriterPoolSize: 1,
		BatchMaxAge:    20 * time.Millisecond,
		SkewPast:       7 * 24 * time.Hour,
		SkewFuture:     5 * time.Minute,
	})
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	src <- mqtt.Message{
		Topic:      "tenants/acme/sites/plant/assets/pump-7/telemetry",
		Payload:    []byte(payload),
		ReceivedAt: received,
	}
	close(src)
	if err := <-done; err != nil {
		t.Fatalf("pipeline run: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errors) != 0 {
		t.Fatalf("stale bt with a valid wrapper ts must not reject: %+v", rec.errors)
	}
	if len(rec.readings) != 1 {
		t.Fatalf("expected 1 reading, got %d", len(rec.readings))
	}
	if !rec.readings[0].TS.Equal(fresh) {
		t.Fatalf("reading should persist under the wrapper ts %s, got %s", fresh, rec.readings[0].TS)
	}
}

func TestPipelineRejectsOffsetOutsideTolerance(t *testing.T) {
	tenantID := uuid.New()
	resolver := &fakeResolver{tenants: map[string]uuid.UUID{"acme": tenantID}}

	received := time.Now().UTC()
	base := received.Add(-time.Minute).Unix()
	// base time is fine; the second record's offset lands an hour ahead
	payload := `[{"bn":"d1","bt":` + strconv.FormatInt(base, 10) + `},` +
		`{"n":"a","v":1},{"n":"b","v":2,"t":3600}]`

	src := make(chan mqtt.Message, 1)
	rec := &recordingStore{}
	p := New(Options{
		Source:         src,
		Resolver:       resolver,
		Repo:           rec,
		DecodeWorkers:  1,
		WriterPoolSize: 1,
		BatchMaxAge:    20 * time.Millisecond,
		SkewPast:       7 * 24 * time.Hour,
		SkewFuture:     5 * time.Minute,
	})
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	src <- mqtt.Message{
		Topic:      "tenants/acme/sites/plant/assets/pump-7/telemetry",
		Payload:    []byte(payload),
		ReceivedAt: received,
	}
	close(src)
	if err := <-done; err != nil {
		t.Fatalf("pipeline run: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.readings) != 0 {
		t.Fatalf("offset past the future bound must reject the message, got %d readings", len(rec.readings))
	}
	if len(rec.errors) != 1 || rec.errors[0].Kind != string(model.ErrTimestampSkew) {
		t.Fatalf("expected a timestamp-skew row, got %+v", rec.errors)
	}
}
