// Package route turns MQTT topic strings into structured keys.
//
// Segments are split on '/' only and preserved verbatim: site names may
// legitimately contain spaces and non-ASCII bytes ("Hospital São Lucas"),
// and case is significant. Operators wanting URL-safe segments impose a
// naming convention upstream; the router does not normalize.
package route

import (
	"fmt"
	"strings"

	"github.com/traksense/ingest-core/internal/model"
)

const rootSegment = "tenants"

// Parse recognizes three topic shapes:
//
//	tenants/{tenant}/sites/{site}/assets/{asset-tag}/{kind}
//	tenants/{tenant}/{asset-or-device}
//	tenants/{tenant}/{site}/{device-id}/{kind}
//
// Anything else fails with topic-unrecognized.
func Parse(topic string) (model.TopicKey, error) {
	segs := strings.Split(topic, "/")
	if len(segs) < 3 || segs[0] != rootSegment {
		return model.TopicKey{}, unrecognized(topic, "unknown shape")
	}
	tenant := segs[1]
	if tenant == "" {
		return model.TopicKey{}, unrecognized(topic, "empty tenant segment")
	}

	switch len(segs) {
	case 7:
		// tenants/{tenant}/sites/{site}/assets/{asset-tag}/{kind}
		if segs[2] != "sites" || segs[4] != "assets" {
			return model.TopicKey{}, unrecognized(topic, "unknown shape")
		}
		kind, ok := model.ParseMessageKind(segs[6])
		if !ok {
			return model.TopicKey{}, unrecognized(topic, fmt.Sprintf("unknown message kind %q", segs[6]))
		}
		if segs[3] == "" || segs[5] == "" {
			return model.TopicKey{}, unrecognized(topic, "empty segment")
		}
		return model.TopicKey{TenantSlug: tenant, Site: segs[3], Asset: segs[5], Kind: kind}, nil
	case 3:
		// tenants/{tenant}/{asset-or-device} — kind inferred as telemetry.
		if segs[2] == "" {
			return model.TopicKey{}, unrecognized(topic, "empty segment")
		}
		return model.TopicKey{TenantSlug: tenant, Asset: segs[2], Kind: model.KindTelemetry}, nil
	case 5:
		// tenants/{tenant}/{site}/{device-id}/{kind} — legacy device topic.
		kind, ok := model.ParseMessageKind(segs[4])
		if !ok {
			return model.TopicKey{}, unrecognized(topic, fmt.Sprintf("unknown message kind %q", segs[4]))
		}
		if segs[2] == "" || segs[3] == "" {
			return model.TopicKey{}, unrecognized(topic, "empty segment")
		}
		return model.TopicKey{TenantSlug: tenant, Site: segs[2], Asset: segs[3], Kind: kind}, nil
	}
	return model.TopicKey{}, unrecognized(topic, "unknown shape")
}

func unrecognized(topic, detail string) error {
	return &model.Failure{Kind: model.ErrTopicUnrecognized, Reason: fmt.Sprintf("topic %q: %s", topic, detail)}
}
