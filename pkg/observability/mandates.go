package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/trustagent/mandates/pkg/mandate"
)

// Mandate attribute keys.
var (
	AttrMandateKind  = attribute.Key("ap2.mandate.kind")
	AttrMandateEvent = attribute.Key("ap2.mandate.event")
	AttrMandateFrom  = attribute.Key("ap2.mandate.from")
	AttrMandateTo    = attribute.Key("ap2.mandate.to")
	AttrRejectReason = attribute.Key("ap2.mandate.reject_reason")
	AttrSweep        = attribute.Key("ap2.sweep")
)

type mandateInstruments struct {
	created     metric.Int64Counter
	transitions metric.Int64Counter
	rejections  metric.Int64Counter
	sweepItems  metric.Int64Counter
	sweepTime   metric.Float64Histogram
}

func newMandateInstruments(m metric.Meter) (*mandateInstruments, error) {
	var (
		in  mandateInstruments
		err error
	)
	if in.created, err = m.Int64Counter("ap2.mandates.created",
		metric.WithDescription("Mandates created"),
		metric.WithUnit("{mandate}")); err != nil {
		return nil, err
	}
	if in.transitions, err = m.Int64Counter("ap2.mandates.transitions",
		metric.WithDescription("Lifecycle transitions applied"),
		metric.WithUnit("{transition}")); err != nil {
		return nil, err
	}
	if in.rejections, err = m.Int64Counter("ap2.mandates.rejections",
		metric.WithDescription("Lifecycle transitions refused"),
		metric.WithUnit("{transition}")); err != nil {
		return nil, err
	}
	if in.sweepItems, err = m.Int64Counter("ap2.sweep.affected",
		metric.WithDescription("Mandates changed by lifecycle sweeps"),
		metric.WithUnit("{mandate}")); err != nil {
		return nil, err
	}
	if in.sweepTime, err = m.Float64Histogram("ap2.sweep.duration",
		metric.WithDescription("Lifecycle sweep duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &in, nil
}

// MandateObserver records registry events as OTel metrics. It satisfies
// protocol.Observer.
type MandateObserver struct {
	in *mandateInstruments
}

// MandateObserver returns the registry observer backed by this provider.
func (p *Provider) MandateObserver() *MandateObserver {
	return &MandateObserver{in: p.mandates}
}

func (o *MandateObserver) MandateCreated(kind mandate.Kind) {
	o.in.created.Add(context.Background(), 1, metric.WithAttributes(AttrMandateKind.String(string(kind))))
}

func (o *MandateObserver) Transitioned(kind mandate.Kind, ev mandate.Event, from, to mandate.Status) {
	o.in.transitions.Add(context.Background(), 1, metric.WithAttributes(
		AttrMandateKind.String(string(kind)),
		AttrMandateEvent.String(string(ev)),
		AttrMandateFrom.String(string(from)),
		AttrMandateTo.String(string(to)),
	))
}

func (o *MandateObserver) TransitionRejected(kind mandate.Kind, ev mandate.Event, reason string) {
	o.in.rejections.Add(context.Background(), 1, metric.WithAttributes(
		AttrMandateKind.String(string(kind)),
		AttrMandateEvent.String(string(ev)),
		AttrRejectReason.String(reason),
	))
}

func (o *MandateObserver) SweepCompleted(sweep string, affected int, elapsed time.Duration) {
	attrs := metric.WithAttributes(AttrSweep.String(sweep))
	o.in.sweepItems.Add(context.Background(), int64(affected), attrs)
	o.in.sweepTime.Record(context.Background(), elapsed.Seconds(), attrs)
}
