package adapter

import (
	"fmt"
	"strings"
	"time"

	"github.com/traksense/ingest-core/internal/decode"
	"github.com/traksense/ingest-core/internal/model"
)

func init() {
	a := &StructuredSensors{}
	defaultRegistry.RegisterShape(ShapeSensors, a)
	defaultRegistry.RegisterVendor("structured", a)
}

// StructuredSensors normalizes the object form with an explicit sensors
// list: each entry carries sensor_id, value, unit and a declared type. A
// value whose JSON kind does not match the declared type is rejected.
type StructuredSensors struct{}

func (a *StructuredSensors) Name() string { return "structured-sensors" }

// reserved top-level fields that never become metadata
var sensorsReserved = map[string]bool{
	"sensors": true, "ts": true, "client_id": true, "payload": true, "vendor": true,
}

func (a *StructuredSensors) Normalize(doc *decode.Document, key model.TopicKey, receivedAt time.Time) (*model.Envelope, error) {
	obj := doc.Object
	if obj == nil {
		return nil, &model.Failure{Kind: model.ErrSchemaValidation, Reason: "payload is not a sensors object"}
	}
	rawList, ok := obj["sensors"].([]any)
	if !ok || len(rawList) == 0 {
		return nil, &model.Failure{Kind: model.ErrSchemaValidation, Reason: "sensors list is missing or empty"}
	}

	deviceID := doc.ClientID
	if deviceID == "" {
		deviceID = key.Asset
	}

	env := &model.Envelope{
		DeviceID:   deviceID,
		AssetTag:   key.Asset,
		Site:       key.Site,
		Timestamp:  decode.ResolveTime(0, doc, receivedAt),
		ReceivedAt: receivedAt,
		Meta:       map[string]any{},
	}

	// Scalars outside the sensors list ride along as metadata (firmware,
	// rssi, model).
	for k, v := range obj {
		if sensorsReserved[k] {
			continue
		}
		switch v.(type) {
		case string, float64, bool, nil:
			env.Meta[k] = v
		}
	}

	for i, raw := range rawList {
		entry, ok := raw.(map[string]any)
		if !ok {
			return nil, &model.Failure{Kind: model.ErrSchemaValidation, Reason: fmt.Sprintf("sensors[%d] is not an object", i)}
		}
		name, _ := entry["sensor_id"].(string)
		if strings.TrimSpace(name) == "" {
			return nil, &model.Failure{Kind: model.ErrSchemaValidation, Reason: fmt.Sprintf("sensors[%d] has no sensor_id", i)}
		}
		unit, _ := entry["unit"].(string)
		declared, _ := entry["type"].(string)

		p, err := coercePoint(name, declared, entry["value"], unit)
		if err != nil {
			return nil, err
		}
		env.Points = append(env.Points, p)
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func coercePoint(name, declared string, value any, unit string) (model.Point, error) {
	p := model.Point{Name: name, Unit: unit}
	switch strings.ToLower(strings.TrimSpace(declared)) {
	case "num", "number", "float", "int", "":
		n, ok := value.(float64)
		if !ok {
			return p, wrongKind(name, "num", value)
		}
		p.Type = model.PointNum
		p.Num = n
	case "bool", "boolean":
		b, ok := value.(bool)
		if !ok {
			return p, wrongKind(name, "bool", value)
		}
		p.Type = model.PointBool
		p.Bool = b
	case "enum":
		s, ok := value.(string)
		if !ok {
			return p, wrongKind(name, "enum", value)
		}
		p.Type = model.PointEnum
		p.Text = s
	case "text", "string":
		s, ok := value.(string)
		if !ok {
			return p, wrongKind(name, "text", value)
		}
		p.Type = model.PointText
		p.Text = s
	default:
		return p, &model.Failure{Kind: model.ErrSchemaValidation, Reason: fmt.Sprintf("sensor %q declares unknown type %q", name, declared)}
	}
	return p, nil
}

func wrongKind(name, declared string, value any) error {
	return &model.Failure{
		Kind:   model.ErrSchemaValidation,
		Reason: fmt.Sprintf("sensor %q declares type %s but value is %T", name, declared, value),
	}
}
