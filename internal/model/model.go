package model

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageKind is the last topic segment of a recognized topic.
type MessageKind string

const (
	KindTelemetry    MessageKind = "telemetry"
	KindAck          MessageKind = "ack"
	KindEvent        MessageKind = "event"
	KindCommandReply MessageKind = "command-reply"
)

// ParseMessageKind maps a topic segment to a known kind.
func ParseMessageKind(s string) (MessageKind, bool) {
	switch MessageKind(s) {
	case KindTelemetry, KindAck, KindEvent, KindCommandReply:
		return MessageKind(s), true
	}
	return "", false
}

// TopicKey is the parsed form of a topic. Segments are preserved verbatim:
// site names may contain spaces and non-ASCII bytes, and case is significant.
type TopicKey struct {
	TenantSlug string
	Site       string
	Asset      string
	Kind       MessageKind
}

// PointType tags which value field of a Point is meaningful.
type PointType string

const (
	PointNum  PointType = "num"
	PointBool PointType = "bool"
	PointEnum PointType = "enum"
	PointText PointType = "text"
)

// Point is one named measurement inside an envelope. Offset shifts this
// point from the envelope base timestamp (SenML per-record t).
type Point struct {
	Name   string
	Type   PointType
	Num    float64
	Bool   bool
	Text   string
	Unit   string
	Offset time.Duration
}

// Validate checks the point invariants: non-empty name, value kind matching
// the type tag, and finite numerics.
func (p Point) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return &Failure{Kind: ErrSchemaValidation, Reason: "point has empty name"}
	}
	switch p.Type {
	case PointNum:
		if math.IsNaN(p.Num) || math.IsInf(p.Num, 0) {
			return &Failure{Kind: ErrValueOutOfRange, Reason: fmt.Sprintf("point %q value is not finite", p.Name)}
		}
	case PointBool, PointEnum, PointText:
	default:
		return &Failure{Kind: ErrSchemaValidation, Reason: fmt.Sprintf("point %q has unknown type %q", p.Name, p.Type)}
	}
	return nil
}

// Envelope is a normalized batch of points from one message.
type Envelope struct {
	TenantID   uuid.UUID
	DeviceID   string
	AssetTag   string
	Site       string
	Timestamp  time.Time
	ReceivedAt time.Time
	Points     []Point
	Meta       map[string]any
}

// Validate enforces the envelope invariants: at least one point, absolute
// UTC timestamp, every point valid.
func (e *Envelope) Validate() error {
	if len(e.Points) == 0 {
		return &Failure{Kind: ErrSchemaValidation, Reason: "envelope carries no points"}
	}
	if e.Timestamp.IsZero() {
		return &Failure{Kind: ErrSchemaValidation, Reason: "envelope has no observation timestamp"}
	}
	if e.DeviceID == "" {
		return &Failure{Kind: ErrSchemaValidation, Reason: "envelope has no device id"}
	}
	for _, p := range e.Points {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Ack is a normalized command acknowledgement.
type Ack struct {
	TenantID   uuid.UUID
	DeviceID   string
	CmdID      string
	OK         bool
	ExecutedAt time.Time
	Payload    map[string]any
	ReceivedAt time.Time
}

// IngestFailure records a message rejected by some pipeline stage. TenantID
// stays nil when the tenant could not be established.
type IngestFailure struct {
	TenantID   *uuid.UUID
	Topic      string
	Payload    []byte
	Kind       ErrorKind
	Reason     string
	OccurredAt time.Time
}

// CheckSkew validates an observation time against the broker receipt time.
// Out-of-order arrival inside the tolerance is always accepted.
func CheckSkew(observed, receivedAt time.Time, maxPast, maxFuture time.Duration) error {
	if observed.Before(receivedAt.Add(-maxPast)) || observed.After(receivedAt.Add(maxFuture)) {
		return &Failure{
			Kind:   ErrTimestampSkew,
			Reason: fmt.Sprintf("observation time %s outside tolerance of receipt %s", observed.UTC().Format(time.RFC3339), receivedAt.UTC().Format(time.RFC3339)),
		}
	}
	return nil
}
