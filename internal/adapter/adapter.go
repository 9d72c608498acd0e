// Package adapter holds the vendor normalization contract and its registry.
//
// Adapters are pure: no I/O, no shared state, deterministic. The registry is
// built at startup; adding a vendor means adding one file whose init
// registers the new adapter.
package adapter

import (
	"strings"
	"sync"
	"time"

	"github.com/traksense/ingest-core/internal/decode"
	"github.com/traksense/ingest-core/internal/model"
)

// Adapter converts a decoded document into a normalized envelope or a
// validation failure.
type Adapter interface {
	Name() string
	Normalize(doc *decode.Document, key model.TopicKey, receivedAt time.Time) (*model.Envelope, error)
}

// Shape classifies a decoded document so shapeful payloads select an
// adapter without a vendor tag.
type Shape string

const (
	ShapeSenML      Shape = "senml"
	ShapeSensors    Shape = "sensors"
	ShapeVendorFlat Shape = "vendor-flat"
)

// DetectShape inspects a document's structure.
func DetectShape(doc *decode.Document) (Shape, bool) {
	if doc.Records != nil {
		return ShapeSenML, true
	}
	if doc.Object != nil {
		if _, ok := doc.Object["sensors"]; ok {
			return ShapeSensors, true
		}
		if _, ok := doc.Object["DATA"]; ok {
			return ShapeVendorFlat, true
		}
	}
	return "", false
}

type prefixRule struct {
	prefix  string
	adapter Adapter
}

// Registry maps signatures to adapters. Selection order: explicit vendor tag
// in the payload, then document shape, then topic prefix.
type Registry struct {
	mu       sync.RWMutex
	byVendor map[string]Adapter
	byShape  map[Shape]Adapter
	prefixes []prefixRule
}

func NewRegistry() *Registry {
	return &Registry{
		byVendor: make(map[string]Adapter),
		byShape:  make(map[Shape]Adapter),
	}
}

func (r *Registry) RegisterVendor(tag string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byVendor[strings.ToLower(tag)] = a
}

func (r *Registry) RegisterShape(s Shape, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byShape[s] = a
}

func (r *Registry) RegisterTopicPrefix(prefix string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes = append(r.prefixes, prefixRule{prefix: prefix, adapter: a})
}

// Select picks the adapter for a decoded document.
func (r *Registry) Select(doc *decode.Document, topic string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if doc.Object != nil {
		if tag, ok := doc.Object["vendor"].(string); ok {
			if a, ok := r.byVendor[strings.ToLower(strings.TrimSpace(tag))]; ok {
				return a, nil
			}
		}
	}
	if shape, ok := DetectShape(doc); ok {
		if a, ok := r.byShape[shape]; ok {
			return a, nil
		}
	}
	for _, rule := range r.prefixes {
		if strings.HasPrefix(topic, rule.prefix) {
			return rule.adapter, nil
		}
	}
	return nil, &model.Failure{Kind: model.ErrSchemaValidation, Reason: "no adapter matches payload signature"}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry populated by adapter init
// functions.
func Default() *Registry { return defaultRegistry }
