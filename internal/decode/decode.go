// Package decode deserializes raw MQTT payloads into the loose document
// forms the adapter registry selects on. It does no vendor interpretation.
package decode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/traksense/ingest-core/internal/model"
)

// Record is one SenML-style record. The first record of an array carries the
// base name and base time; later records carry measurements.
type Record struct {
	BaseName string   `json:"bn,omitempty"`
	BaseTime float64  `json:"bt,omitempty"`
	Name     string   `json:"n,omitempty"`
	Unit     string   `json:"u,omitempty"`
	Value    *float64 `json:"v,omitempty"`
	Bool     *bool    `json:"vb,omitempty"`
	String   string   `json:"vs,omitempty"`
	Time     *float64 `json:"t,omitempty"`
}

// Document is the decoded form of a payload: exactly one of Records or
// Object is populated. Wrapper metadata (ts, client_id) is lifted out when
// the payload used the `{"ts": ..., "payload": ...}` envelope.
type Document struct {
	Records []Record
	Object  map[string]any

	// Root keeps the full top-level object when the wrapper shape was
	// unwrapped, so consumers of the wrapper fields themselves (acks)
	// still see them after Object narrows to the inner payload.
	Root map[string]any

	WrapperTS time.Time
	HasTS     bool
	ClientID  string

	// SkewPast/SkewFuture gate the time-source fallback in ResolveTime.
	// Zero bounds disable the gate.
	SkewPast   time.Duration
	SkewFuture time.Duration
}

// Decode parses payload bytes. The wrapper shape is unwrapped one level:
// a `payload` field holding either a SenML array or a nested object.
func Decode(payload []byte) (*Document, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, &model.Failure{Kind: model.ErrJSONParse, Reason: "empty payload"}
	}

	if trimmed[0] == '[' {
		var recs []Record
		if err := json.Unmarshal(trimmed, &recs); err != nil {
			return nil, parseFailure(err)
		}
		return &Document{Records: recs}, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, parseFailure(err)
	}

	doc := &Document{Object: obj, Root: obj}
	if cid, ok := obj["client_id"].(string); ok {
		doc.ClientID = cid
	}
	if rawTS, ok := obj["ts"]; ok {
		ts, err := ParseFlexTime(rawTS)
		if err != nil {
			return nil, &model.Failure{Kind: model.ErrSchemaValidation, Reason: fmt.Sprintf("ts field: %v", err)}
		}
		doc.WrapperTS = ts
		doc.HasTS = true
	}

	inner, hasPayload := obj["payload"]
	if !hasPayload {
		return doc, nil
	}
	switch v := inner.(type) {
	case []any:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, parseFailure(err)
		}
		var recs []Record
		if err := json.Unmarshal(raw, &recs); err != nil {
			return nil, parseFailure(err)
		}
		doc.Records = recs
		doc.Object = nil
	case map[string]any:
		doc.Object = v
	default:
		return nil, &model.Failure{Kind: model.ErrSchemaValidation, Reason: fmt.Sprintf("payload field has unsupported type %T", inner)}
	}
	return doc, nil
}

// ParseFlexTime accepts milliseconds since epoch (JSON number) or an
// ISO-8601 string with explicit offset. The result is always UTC.
func ParseFlexTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case float64:
		ms := int64(t)
		return time.UnixMilli(ms).UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			parsed, err = time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return time.Time{}, fmt.Errorf("not an RFC3339 timestamp: %q", t)
			}
		}
		return parsed.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

// EpochSeconds converts a possibly fractional seconds-since-epoch value.
func EpochSeconds(sec float64) time.Time {
	whole := int64(sec)
	frac := sec - float64(whole)
	return time.Unix(whole, int64(frac*float64(time.Second))).UTC()
}

// ResolveTime picks the observation base time. Device-supplied base time
// wins when present and within the skew tolerance, then the wrapper ts,
// then the broker receipt time. When every candidate is out of tolerance
// the first one is returned unchanged so the downstream skew check rejects
// the message under the source that actually won.
func ResolveTime(baseTime float64, doc *Document, receivedAt time.Time) time.Time {
	var candidates []time.Time
	if baseTime > 0 {
		candidates = append(candidates, EpochSeconds(baseTime))
	}
	if doc != nil && doc.HasTS {
		candidates = append(candidates, doc.WrapperTS)
	}
	if len(candidates) == 0 {
		return receivedAt.UTC()
	}
	if doc != nil && (doc.SkewPast > 0 || doc.SkewFuture > 0) {
		for _, c := range candidates {
			if model.CheckSkew(c, receivedAt, doc.SkewPast, doc.SkewFuture) == nil {
				return c
			}
		}
	}
	return candidates[0]
}

func parseFailure(err error) error {
	return &model.Failure{Kind: model.ErrJSONParse, Reason: err.Error()}
}
