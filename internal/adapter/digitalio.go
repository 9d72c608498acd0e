package adapter

import (
	"time"

	"github.com/traksense/ingest-core/internal/decode"
	"github.com/traksense/ingest-core/internal/model"
)

func init() {
	a := &DigitalIO{}
	defaultRegistry.RegisterShape(ShapeVendorFlat, a)
	defaultRegistry.RegisterVendor("dio", a)
}

// DigitalIO normalizes the flat inverter schema published under a DATA
// envelope. Fixed transformations: VAR0/VAR1 are tenths, INPUT1/INPUT2
// derive a run-state enum and a fault flag, RELE coerces to boolean.
type DigitalIO struct{}

func (a *DigitalIO) Name() string { return "vendor-digital-io" }

func (a *DigitalIO) Normalize(doc *decode.Document, key model.TopicKey, receivedAt time.Time) (*model.Envelope, error) {
	obj := doc.Object
	if obj == nil {
		return nil, &model.Failure{Kind: model.ErrSchemaValidation, Reason: "payload is not a DATA object"}
	}
	data, ok := obj["DATA"].(map[string]any)
	if !ok {
		return nil, &model.Failure{Kind: model.ErrSchemaValidation, Reason: "DATA field is missing or not an object"}
	}

	var baseSec float64
	if v, ok := numField(data, "TS"); ok {
		baseSec = v
	}

	input1, ok1 := numField(data, "INPUT1")
	input2, ok2 := numField(data, "INPUT2")
	if !ok1 || !ok2 {
		return nil, &model.Failure{Kind: model.ErrSchemaValidation, Reason: "digital-io payload requires INPUT1 and INPUT2"}
	}

	env := &model.Envelope{
		DeviceID:   deviceIDFor(doc, key),
		AssetTag:   key.Asset,
		Site:       key.Site,
		Timestamp:  decode.ResolveTime(baseSec, doc, receivedAt),
		ReceivedAt: receivedAt,
		Meta:       map[string]any{},
	}

	fault := input2 != 0
	status := "STOP"
	switch {
	case fault:
		status = "FAULT"
	case input1 != 0:
		status = "RUN"
	}
	env.Points = append(env.Points,
		model.Point{Name: "status", Type: model.PointEnum, Text: status},
		model.Point{Name: "fault", Type: model.PointBool, Bool: fault},
	)

	if v, ok := numField(data, "WRSSI"); ok {
		env.Points = append(env.Points, model.Point{Name: "rssi", Type: model.PointNum, Num: v, Unit: "dBm"})
	}
	if v, ok := numField(data, "UPTIME"); ok {
		env.Points = append(env.Points, model.Point{Name: "uptime", Type: model.PointNum, Num: v, Unit: "s"})
	}
	if v, ok := numField(data, "CNTSERR"); ok {
		env.Points = append(env.Points, model.Point{Name: "cntserr", Type: model.PointNum, Num: v})
	}
	if v, ok := numField(data, "VAR0"); ok {
		env.Points = append(env.Points, model.Point{Name: "var0", Type: model.PointNum, Num: v / 10})
	}
	if v, ok := numField(data, "VAR1"); ok {
		env.Points = append(env.Points, model.Point{Name: "var1", Type: model.PointNum, Num: v / 10})
	}
	if v, ok := numField(data, "RELE"); ok {
		env.Points = append(env.Points, model.Point{Name: "rele", Type: model.PointBool, Bool: v != 0})
	}

	for k, v := range data {
		switch k {
		case "TS", "INPUT1", "INPUT2", "WRSSI", "UPTIME", "CNTSERR", "VAR0", "VAR1", "RELE":
			continue
		}
		switch v.(type) {
		case string, float64, bool:
			env.Meta[k] = v
		}
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func deviceIDFor(doc *decode.Document, key model.TopicKey) string {
	if doc.ClientID != "" {
		return doc.ClientID
	}
	return key.Asset
}

func numField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return n, true
}
