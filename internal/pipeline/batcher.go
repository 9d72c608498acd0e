package pipeline

import (
	"time"

	"github.com/traksense/ingest-core/internal/model"
)

type sinkKind int

const (
	sinkPoints sinkKind = iota
	sinkAcks
	sinkErrors
)

func (k sinkKind) String() string {
	switch k {
	case sinkPoints:
		return "points"
	case sinkAcks:
		return "acks"
	case sinkErrors:
		return "errors"
	}
	return "unknown"
}

// Flush is one batch handed to the writer pool. Exactly one of the slices
// is populated, matching Kind. Items keep arrival order within the flush.
type Flush struct {
	Kind      sinkKind
	Envelopes []*model.Envelope
	Acks      []*model.Ack
	Failures  []*model.IngestFailure
}

// batcher accumulates items and flushes when either the weight bound or the
// age bound (measured from the first item of the current batch) is reached.
// The input channel closing triggers a final flush regardless of fill.
type batcher[T any] struct {
	in        <-chan T
	maxWeight int
	maxAge    time.Duration
	weigh     func(T) int
	emit      func([]T)
}

func (b *batcher[T]) run() {
	var (
		buf    []T
		weight int
	)
	timer := time.NewTimer(b.maxAge)
	if !timer.Stop() {
		<-timer.C
	}
	flush := func() {
		if len(buf) == 0 {
			return
		}
		b.emit(buf)
		buf = nil
		weight = 0
	}

	for {
		select {
		case item, ok := <-b.in:
			if !ok {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				flush()
				return
			}
			if len(buf) == 0 {
				timer.Reset(b.maxAge)
			}
			buf = append(buf, item)
			weight += b.weigh(item)
			if weight >= b.maxWeight {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				flush()
			}
		case <-timer.C:
			flush()
		}
	}
}
