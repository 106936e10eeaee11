package protocol

import (
	"time"

	"github.com/trustagent/mandates/pkg/mandate"
)

// Observer receives registry events, typically to export metrics.
type Observer interface {
	MandateCreated(kind mandate.Kind)
	Transitioned(kind mandate.Kind, ev mandate.Event, from, to mandate.Status)
	TransitionRejected(kind mandate.Kind, ev mandate.Event, reason string)
	SweepCompleted(sweep string, affected int, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) MandateCreated(mandate.Kind) {}
func (nopObserver) Transitioned(mandate.Kind, mandate.Event, mandate.Status, mandate.Status) {}
func (nopObserver) TransitionRejected(mandate.Kind, mandate.Event, string) {}
func (nopObserver) SweepCompleted(string, int, time.Duration) {}

// Observers fans events out to every non-nil observer.
func Observers(obs ...Observer) Observer {
	var out multiObserver
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	switch len(out) {
	case 0:
		return nopObserver{}
	case 1:
		return out[0]
	}
	return out
}

type multiObserver []Observer

func (m multiObserver) MandateCreated(kind mandate.Kind) {
	for _, o := range m {
		o.MandateCreated(kind)
	}
}

func (m multiObserver) Transitioned(kind mandate.Kind, ev mandate.Event, from, to mandate.Status) {
	for _, o := range m {
		o.Transitioned(kind, ev, from, to)
	}
}

func (m multiObserver) TransitionRejected(kind mandate.Kind, ev mandate.Event, reason string) {
	for _, o := range m {
		o.TransitionRejected(kind, ev, reason)
	}
}

func (m multiObserver) SweepCompleted(sweep string, affected int, elapsed time.Duration) {
	for _, o := range m {
		o.SweepCompleted(sweep, affected, elapsed)
	}
}
