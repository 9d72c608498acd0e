// Package pipeline wires the ingest stages: broker channel → router/decoder
// workers → per-sink batchers → writer pool. All coordination happens over
// bounded channels; the channels are the backpressure.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/traksense/ingest-core/internal/adapter"
	"github.com/traksense/ingest-core/internal/decode"
	"github.com/traksense/ingest-core/internal/model"
	"github.com/traksense/ingest-core/internal/mqtt"
	"github.com/traksense/ingest-core/internal/observability"
	"github.com/traksense/ingest-core/internal/registry"
	"github.com/traksense/ingest-core/internal/route"
)

// TenantResolver answers slug lookups; registry.Resolver in production.
type TenantResolver interface {
	Resolve(ctx context.Context, slug string) (uuid.UUID, error)
}

type Options struct {
	Source         <-chan mqtt.Message
	Resolver       TenantResolver
	Registry       *adapter.Registry
	Repo           Store
	DecodeWorkers  int
	WriterPoolSize int
	QueueCapacity  int
	BatchMaxPoints int
	BatchMaxAge    time.Duration
	SkewPast       time.Duration
	SkewFuture     time.Duration
	Tracker        *observability.ReadyTracker
}

type Pipeline struct {
	opts Options
	repo Store

	envCh   chan *model.Envelope
	ackCh   chan *model.Ack
	failCh  chan *model.IngestFailure
	flushCh chan Flush

	fatalOnce sync.Once
	fatal     error
}

func New(opts Options) *Pipeline {
	if opts.Registry == nil {
		opts.Registry = adapter.Default()
	}
	if opts.DecodeWorkers <= 0 {
		opts.DecodeWorkers = 4
	}
	if opts.WriterPoolSize <= 0 {
		opts.WriterPoolSize = 4
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 50000
	}
	if opts.BatchMaxPoints <= 0 {
		opts.BatchMaxPoints = 800
	}
	if opts.BatchMaxAge <= 0 {
		opts.BatchMaxAge = 250 * time.Millisecond
	}
	return &Pipeline{
		opts:    opts,
		repo:    opts.Repo,
		envCh:   make(chan *model.Envelope, opts.QueueCapacity),
		ackCh:   make(chan *model.Ack, 4096),
		failCh:  make(chan *model.IngestFailure, 4096),
		flushCh: make(chan Flush, opts.WriterPoolSize*2),
	}
}

// Run processes until the source channel closes or a writer reports a
// systemic failure, then drains every stage: decoder workers stop reading
// the broker channel, batchers flush what they hold, writers empty the
// flush channel. The caller bounds the whole drain with its context
// deadline.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sample := make(chan struct{})
	go p.sampleQueue(sample)

	var decoders sync.WaitGroup
	for i := 0; i < p.opts.DecodeWorkers; i++ {
		decoders.Add(1)
		go func() {
			defer decoders.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-p.opts.Source:
					if !ok {
						return
					}
					p.process(ctx, msg)
				}
			}
		}()
	}

	var batchers sync.WaitGroup
	batchers.Add(3)
	go func() {
		defer batchers.Done()
		b := &batcher[*model.Envelope]{
			in:        p.envCh,
			maxWeight: p.opts.BatchMaxPoints,
			maxAge:    p.opts.BatchMaxAge,
			weigh:     func(e *model.Envelope) int { return len(e.Points) },
			emit:      func(buf []*model.Envelope) { p.flushCh <- Flush{Kind: sinkPoints, Envelopes: buf} },
		}
		b.run()
	}()
	go func() {
		defer batchers.Done()
		b := &batcher[*model.Ack]{
			in:        p.ackCh,
			maxWeight: p.opts.BatchMaxPoints,
			maxAge:    p.opts.BatchMaxAge,
			weigh:     func(*model.Ack) int { return 1 },
			emit:      func(buf []*model.Ack) { p.flushCh <- Flush{Kind: sinkAcks, Acks: buf} },
		}
		b.run()
	}()
	go func() {
		defer batchers.Done()
		b := &batcher[*model.IngestFailure]{
			in:        p.failCh,
			maxWeight: p.opts.BatchMaxPoints,
			maxAge:    p.opts.BatchMaxAge,
			weigh:     func(*model.IngestFailure) int { return 1 },
			emit:      func(buf []*model.IngestFailure) { p.flushCh <- Flush{Kind: sinkErrors, Failures: buf} },
		}
		b.run()
	}()

	var writers sync.WaitGroup
	for i := 0; i < p.opts.WriterPoolSize; i++ {
		writers.Add(1)
		go func(id int) {
			defer writers.Done()
			for f := range p.flushCh {
				if err := p.writeFlush(ctx, f); err != nil {
					// a flush that burned its retry budget is systemic:
					// stop intake so the process can exit instead of
					// acking messages into a dead store
					p.fatalOnce.Do(func() {
						p.fatal = err
						cancel()
					})
					slog.Error("writer flush failed", "writer", id, "sink", f.Kind.String(), "error", err)
				}
			}
		}(i)
	}

	decoders.Wait()
	close(p.envCh)
	close(p.ackCh)
	close(p.failCh)
	batchers.Wait()
	close(p.flushCh)
	writers.Wait()
	close(sample)
	return p.fatal
}

func (p *Pipeline) sampleQueue(done <-chan struct{}) {
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			fill := len(p.envCh)
			observability.QueueSize.Set(float64(fill))
			if p.opts.Tracker != nil {
				p.opts.Tracker.Observe(fill)
			}
		case <-done:
			return
		}
	}
}

func (p *Pipeline) process(ctx context.Context, msg mqtt.Message) {
	key, err := route.Parse(msg.Topic)
	if err != nil {
		p.fail(ctx, nil, msg, err)
		return
	}

	tenantID, err := p.opts.Resolver.Resolve(ctx, key.TenantSlug)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownTenant) {
			p.fail(ctx, nil, msg, &model.Failure{
				Kind:   model.ErrTenantUnknown,
				Reason: "tenant slug " + key.TenantSlug + " did not resolve",
			})
			return
		}
		p.fail(ctx, nil, msg, &model.Failure{
			Kind:   model.ErrTenantUnknown,
			Reason: "tenant slug " + key.TenantSlug + ": registry lookup failed: " + err.Error(),
		})
		return
	}
	observability.MessagesTotal.Inc()

	doc, err := decode.Decode(msg.Payload)
	if err != nil {
		p.fail(ctx, &tenantID, msg, err)
		return
	}
	doc.SkewPast, doc.SkewFuture = p.opts.SkewPast, p.opts.SkewFuture

	switch key.Kind {
	case model.KindAck, model.KindCommandReply:
		ack, err := normalizeAck(doc, key, tenantID, msg.ReceivedAt)
		if err != nil {
			p.fail(ctx, &tenantID, msg, err)
			return
		}
		select {
		case p.ackCh <- ack:
		case <-ctx.Done():
		}
	default:
		a, err := p.opts.Registry.Select(doc, msg.Topic)
		if err != nil {
			p.fail(ctx, &tenantID, msg, err)
			return
		}
		env, err := a.Normalize(doc, key, msg.ReceivedAt)
		if err != nil {
			p.fail(ctx, &tenantID, msg, err)
			return
		}
		env.TenantID = tenantID
		if err := model.CheckSkew(env.Timestamp, msg.ReceivedAt, p.opts.SkewPast, p.opts.SkewFuture); err != nil {
			p.fail(ctx, &tenantID, msg, err)
			return
		}
		// per-record offsets can push individual points past the bounds
		// the base timestamp satisfied
		for _, pt := range env.Points {
			if pt.Offset == 0 {
				continue
			}
			if err := model.CheckSkew(env.Timestamp.Add(pt.Offset), msg.ReceivedAt, p.opts.SkewPast, p.opts.SkewFuture); err != nil {
				p.fail(ctx, &tenantID, msg, err)
				return
			}
		}
		select {
		case p.envCh <- env:
		case <-ctx.Done():
		}
	}
}

// fail routes a rejected message to the error sink with its stable reason.
func (p *Pipeline) fail(ctx context.Context, tenantID *uuid.UUID, msg mqtt.Message, err error) {
	f, ok := model.AsFailure(err)
	if !ok {
		f = &model.Failure{Kind: model.ErrSchemaValidation, Reason: err.Error()}
	}
	observability.ErrorsTotal.WithLabelValues(string(f.Kind)).Inc()
	slog.Debug("message rejected", "topic", msg.Topic, "kind", string(f.Kind), "reason", f.Reason)

	var tid *uuid.UUID
	if tenantID != nil && *tenantID != uuid.Nil {
		id := *tenantID
		tid = &id
	}
	select {
	case p.failCh <- &model.IngestFailure{
		TenantID:   tid,
		Topic:      msg.Topic,
		Payload:    msg.Payload,
		Kind:       f.Kind,
		Reason:     f.Reason,
		OccurredAt: msg.ReceivedAt,
	}:
	case <-ctx.Done():
	}
}

func normalizeAck(doc *decode.Document, key model.TopicKey, tenantID uuid.UUID, receivedAt time.Time) (*model.Ack, error) {
	// the ack fields live at the top level; an ack's own payload bag is a
	// wrapper the decoder unwraps, so read the preserved root
	obj := doc.Root
	if obj == nil {
		obj = doc.Object
	}
	if obj == nil {
		return nil, &model.Failure{Kind: model.ErrSchemaValidation, Reason: "ack payload is not an object"}
	}
	cmdID, _ := obj["cmd_id"].(string)
	if cmdID == "" {
		return nil, &model.Failure{Kind: model.ErrSchemaValidation, Reason: "ack payload has no cmd_id"}
	}
	okVal, has := obj["ok"].(bool)
	if !has {
		return nil, &model.Failure{Kind: model.ErrSchemaValidation, Reason: "ack payload has no boolean ok"}
	}

	execAt := receivedAt.UTC()
	if raw, ok := obj["ts_exec"]; ok {
		ts, err := decode.ParseFlexTime(raw)
		if err != nil {
			return nil, &model.Failure{Kind: model.ErrSchemaValidation, Reason: "ack ts_exec: " + err.Error()}
		}
		execAt = ts
	}

	deviceID := doc.ClientID
	if deviceID == "" {
		deviceID = key.Asset
	}
	payload, _ := obj["payload"].(map[string]any)

	return &model.Ack{
		TenantID:   tenantID,
		DeviceID:   deviceID,
		CmdID:      cmdID,
		OK:         okVal,
		ExecutedAt: execAt,
		Payload:    payload,
		ReceivedAt: receivedAt,
	}, nil
}
