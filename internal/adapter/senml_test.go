package adapter

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/traksense/ingest-core/internal/decode"
	"github.com/traksense/ingest-core/internal/model"
)

var chillerKey = model.TopicKey{
	TenantSlug: "umc",
	Site:       "Hospital São Lucas",
	Asset:      "CHILLER-001",
	Kind:       model.KindTelemetry,
}

func mustDecode(t *testing.T, payload string) *decode.Document {
	t.Helper()
	doc, err := decode.Decode([]byte(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return doc
}

func TestSenMLChillerSample(t *testing.T) {
	doc := mustDecode(t, `[{"bn":"F80332010002C873","bt":1762878783},{"n":"rssi","u":"dBW","v":-48},{"n":"temperatura_saida","u":"Cel","v":5.12}]`)
	received := time.Date(2025, 11, 11, 16, 34, 0, 0, time.UTC)

	env, err := (&SenML{}).Normalize(doc, chillerKey, received)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if env.DeviceID != "F80332010002C873" {
		t.Fatalf("device = %q", env.DeviceID)
	}
	if env.AssetTag != "CHILLER-001" || env.Site != "Hospital São Lucas" {
		t.Fatalf("topic scope lost: %+v", env)
	}
	want := time.Date(2025, 11, 11, 16, 33, 3, 0, time.UTC)
	if !env.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %s, want %s", env.Timestamp, want)
	}
	if len(env.Points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(env.Points))
	}
	rssi, temp := env.Points[0], env.Points[1]
	if rssi.Name != "rssi" || rssi.Type != model.PointNum || rssi.Num != -48 || rssi.Unit != "dBW" {
		t.Fatalf("rssi point wrong: %+v", rssi)
	}
	if temp.Name != "temperatura_saida" || temp.Num != 5.12 || temp.Unit != "Cel" {
		t.Fatalf("temperature point wrong: %+v", temp)
	}
}

func TestSenMLRecordOffsets(t *testing.T) {
	doc := mustDecode(t, `[{"bn":"d1","bt":1000},{"n":"a","v":1},{"n":"b","v":2,"t":30}]`)
	env, err := (&SenML{}).Normalize(doc, chillerKey, time.Unix(1000, 0).UTC())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if env.Points[0].Offset != 0 {
		t.Fatalf("first record should use base time")
	}
	if env.Points[1].Offset != 30*time.Second {
		t.Fatalf("t offset = %s", env.Points[1].Offset)
	}
}

func TestSenMLBoolAndTextRecords(t *testing.T) {
	doc := mustDecode(t, `[{"bn":"d1","bt":1000},{"n":"door","vb":true},{"n":"mode","vs":"eco"}]`)
	env, err := (&SenML{}).Normalize(doc, chillerKey, time.Unix(1000, 0).UTC())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if env.Points[0].Type != model.PointBool || !env.Points[0].Bool {
		t.Fatalf("vb record: %+v", env.Points[0])
	}
	if env.Points[1].Type != model.PointText || env.Points[1].Text != "eco" {
		t.Fatalf("vs record: %+v", env.Points[1])
	}
}

func TestSenMLRejectsValuelessRecord(t *testing.T) {
	doc := mustDecode(t, `[{"bn":"d1","bt":1000},{"n":"ghost"}]`)
	_, err := (&SenML{}).Normalize(doc, chillerKey, time.Now().UTC())
	var f *model.Failure
	if !errors.As(err, &f) || f.Kind != model.ErrSchemaValidation {
		t.Fatalf("expected schema-validation, got %v", err)
	}
}

func TestSenMLRejectsNamelessRecord(t *testing.T) {
	doc := mustDecode(t, `[{"bn":"d1","bt":1000},{"v":3.2}]`)
	_, err := (&SenML{}).Normalize(doc, chillerKey, time.Now().UTC())
	var f *model.Failure
	if !errors.As(err, &f) || f.Kind != model.ErrSchemaValidation {
		t.Fatalf("expected schema-validation, got %v", err)
	}
}

func TestSenMLRejectsNonFiniteValue(t *testing.T) {
	v := math.Inf(1)
	doc := &decode.Document{Records: []decode.Record{
		{BaseName: "d1", BaseTime: 1000},
		{Name: "x", Value: &v},
	}}
	_, err := (&SenML{}).Normalize(doc, chillerKey, time.Unix(1000, 0).UTC())
	var f *model.Failure
	if !errors.As(err, &f) || f.Kind != model.ErrValueOutOfRange {
		t.Fatalf("expected value-out-of-range, got %v", err)
	}
}
