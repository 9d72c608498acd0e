package adapter

import (
	"fmt"
	"strings"
	"time"

	"github.com/traksense/ingest-core/internal/decode"
	"github.com/traksense/ingest-core/internal/model"
)

func init() {
	a := &SenML{}
	defaultRegistry.RegisterShape(ShapeSenML, a)
	defaultRegistry.RegisterVendor("senml", a)
}

// SenML normalizes the generic SenML-style array: the first record carries
// the base name (device id) and base time, subsequent records carry one
// measurement each. A record with t holds an offset in seconds from the
// base time.
type SenML struct{}

func (a *SenML) Name() string { return "generic-senml" }

func (a *SenML) Normalize(doc *decode.Document, key model.TopicKey, receivedAt time.Time) (*model.Envelope, error) {
	recs := doc.Records
	if len(recs) == 0 {
		return nil, &model.Failure{Kind: model.ErrSchemaValidation, Reason: "senml array is empty"}
	}

	base := recs[0]
	deviceID := strings.TrimSpace(base.BaseName)
	if deviceID == "" {
		deviceID = key.Asset
	}
	if deviceID == "" {
		return nil, &model.Failure{Kind: model.ErrSchemaValidation, Reason: "senml base record has no bn and topic has no device segment"}
	}

	baseTS := decode.ResolveTime(base.BaseTime, doc, receivedAt)

	env := &model.Envelope{
		DeviceID:   deviceID,
		AssetTag:   key.Asset,
		Site:       key.Site,
		Timestamp:  baseTS,
		ReceivedAt: receivedAt,
		Meta:       map[string]any{},
	}
	if doc.ClientID != "" {
		env.Meta["client_id"] = doc.ClientID
	}

	for i, rec := range recs[1:] {
		if strings.TrimSpace(rec.Name) == "" {
			return nil, &model.Failure{Kind: model.ErrSchemaValidation, Reason: fmt.Sprintf("senml record %d has no name", i+1)}
		}
		p := model.Point{Name: rec.Name, Unit: rec.Unit}
		switch {
		case rec.Value != nil:
			p.Type = model.PointNum
			p.Num = *rec.Value
		case rec.Bool != nil:
			p.Type = model.PointBool
			p.Bool = *rec.Bool
		case rec.String != "":
			p.Type = model.PointText
			p.Text = rec.String
		default:
			return nil, &model.Failure{Kind: model.ErrSchemaValidation, Reason: fmt.Sprintf("senml record %q carries no v, vb or vs", rec.Name)}
		}
		if rec.Time != nil {
			p.Offset = time.Duration(*rec.Time * float64(time.Second))
		}
		env.Points = append(env.Points, p)
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}
