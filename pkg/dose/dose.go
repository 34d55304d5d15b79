package dose

import (
	"fmt"
	"math"
	"time"
)

type Type string

const (
	Bolus     Type = "bolus"
	TempBasal Type = "tempBasal"
)

const (
	UnitUnits        = "U"
	UnitUnitsPerHour = "U/hour"

	// BolusRate is how fast an immediate bolus is delivered, in U/s
	BolusRate = 0.025
	pulseSize = 0.05
)

// UnfinalizedDose is delivery the controller started and the pod has not
// yet reported as finished.
type UnfinalizedDose struct {
	Type       Type          `toml:"type"`
	StartTime  time.Time     `toml:"start_time"`
	Duration   time.Duration `toml:"duration"`
	Units      float64       `toml:"units"`
	Rate       float64       `toml:"rate,omitempty"` // U/hour, temp basal only
	CancelTime time.Time     `toml:"cancel_time"`
	// Certain is false when the command that started the dose was never acknowledged
	Certain bool `toml:"certain"`
	// IsReconciled is set once a pod status showed the delivery running
	IsReconciled bool `toml:"is_reconciled"`
}

func NewBolus(units float64, start time.Time, certain bool) UnfinalizedDose {
	return UnfinalizedDose{
		Type:      Bolus,
		StartTime: start,
		Duration:  time.Duration(math.Round(units / BolusRate * float64(time.Second))),
		Units:     units,
		Certain:   certain,
	}
}

func NewTempBasal(rate float64, duration time.Duration, start time.Time, certain bool) UnfinalizedDose {
	return UnfinalizedDose{
		Type:      TempBasal,
		StartTime: start,
		Duration:  duration,
		Units:     rate * duration.Hours(),
		Rate:      rate,
		Certain:   certain,
	}
}

func (d UnfinalizedDose) IsCancelled() bool {
	return !d.CancelTime.IsZero()
}

// EndTime is the cancellation time when there is one, the scheduled end otherwise
func (d UnfinalizedDose) EndTime() time.Time {
	if d.IsCancelled() {
		return d.CancelTime
	}
	return d.StartTime.Add(d.Duration)
}

// IsFinished reports whether the dose should be over at t, going by the local schedule only
func (d UnfinalizedDose) IsFinished(t time.Time) bool {
	return !t.Before(d.EndTime())
}

// Cancel records a confirmed cancellation at t. unitsNotDelivered is what
// the pod reported as left of a bolus; for temp basals the delivered
// volume follows from the shortened duration.
func (d *UnfinalizedDose) Cancel(t time.Time, unitsNotDelivered float64) {
	if t.Before(d.StartTime) {
		t = d.StartTime
	}
	if d.IsFinished(t) {
		return
	}
	d.CancelTime = t
	switch d.Type {
	case Bolus:
		d.Units = math.Max(0, roundToPulse(d.Units-unitsNotDelivered))
	case TempBasal:
		d.Units = d.Rate * t.Sub(d.StartTime).Hours()
	}
}

func roundToPulse(units float64) float64 {
	return math.Round(units/pulseSize) * pulseSize
}

// Finalized converts the dose into what the host records
func (d UnfinalizedDose) Finalized() Dose {
	ret := Dose{
		Type:      d.Type,
		StartTime: d.StartTime,
		EndTime:   d.EndTime(),
	}
	switch d.Type {
	case TempBasal:
		ret.Value = d.Rate
		ret.Unit = UnitUnitsPerHour
	default:
		ret.Value = d.Units
		ret.Unit = UnitUnits
	}
	return ret
}

func (d UnfinalizedDose) String() string {
	certain := ""
	if !d.Certain {
		certain = " (uncertain)"
	}
	if d.Type == TempBasal {
		return fmt.Sprintf("temp basal %.3fU/h for %s at %s%s", d.Rate, d.Duration, d.StartTime.Format(time.RFC3339), certain)
	}
	return fmt.Sprintf("bolus %.2fU at %s%s", d.Units, d.StartTime.Format(time.RFC3339), certain)
}

// Dose is a finished delivery, as reported to the host
type Dose struct {
	Type      Type      `toml:"type" json:"type"`
	StartTime time.Time `toml:"start_time" json:"startTime"`
	EndTime   time.Time `toml:"end_time" json:"endTime"`
	Value     float64   `toml:"value" json:"value"`
	Unit      string    `toml:"unit" json:"unit"`
}

// SyncIdentifier is the key hosts dedupe reported doses with
func (d Dose) SyncIdentifier() string {
	return fmt.Sprintf("%s %s %s", d.Type, d.StartTime.UTC().Format(time.RFC3339Nano), formatValue(d.Value))
}

// Units is the insulin volume the dose represents
func (d Dose) Units() float64 {
	if d.Type == TempBasal {
		return d.Value * d.EndTime.Sub(d.StartTime).Hours()
	}
	return d.Value
}

func formatValue(v float64) string {
	return fmt.Sprintf("%.3f", v)
}
