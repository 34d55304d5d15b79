package dose

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/avereha/podmanager/pkg/response"
	"github.com/google/go-cmp/cmp"
)

var start = time.Date(2020, 6, 1, 10, 0, 0, 0, time.UTC)

func TestUnfinalizedDose_EndTime(t *testing.T) {
	bolus := NewBolus(2.5, start, true)
	if want := start.Add(100 * time.Second); !bolus.EndTime().Equal(want) {
		t.Errorf("bolus EndTime() = %v, want %v", bolus.EndTime(), want)
	}

	temp := NewTempBasal(1.2, 30*time.Minute, start, false)
	if want := start.Add(30 * time.Minute); !temp.EndTime().Equal(want) {
		t.Errorf("temp basal EndTime() = %v, want %v", temp.EndTime(), want)
	}
	temp.Cancel(start.Add(10*time.Minute), 0)
	if want := start.Add(10 * time.Minute); !temp.EndTime().Equal(want) {
		t.Errorf("cancelled EndTime() = %v, want %v", temp.EndTime(), want)
	}
	if math.Abs(temp.Units-0.2) > 1e-9 {
		t.Errorf("cancelled Units = %v, want 0.2", temp.Units)
	}
}

func TestUnfinalizedDose_CancelBolus(t *testing.T) {
	bolus := NewBolus(2.5, start, true)
	bolus.Cancel(start.Add(40*time.Second), 1.5)
	got := bolus.Finalized()
	want := Dose{Type: Bolus, StartTime: start, EndTime: start.Add(40 * time.Second), Value: 1, Unit: UnitUnits}
	if diff := cmp.Diff(want, got, cmp.Comparer(floatEqual)); diff != "" {
		t.Errorf("Finalized() mismatch (-want +got):\n%s", diff)
	}

	done := NewBolus(1, start, true)
	done.Cancel(start.Add(time.Hour), 0)
	if done.IsCancelled() {
		t.Error("cancelling a finished bolus should not record a cancellation")
	}
}

func floatEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

type fakeReporter struct {
	err     error
	batches [][]Dose
}

func (f *fakeReporter) ReportDoses(ctx context.Context, doses []Dose) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, doses)
	return nil
}

func TestReconciler_Finalize(t *testing.T) {
	r := NewReconciler(&fakeReporter{})
	bolus := NewBolus(1, start, false)
	temp := NewTempBasal(0.5, time.Hour, start, true)
	pending := []UnfinalizedDose{bolus, temp}

	tests := []struct {
		name        string
		status      response.DeliveryStatus
		finalized   []Dose
		stillActive []Type
	}{
		{"both running", response.DeliveryTempBasal | response.DeliveryBolus, nil, []Type{Bolus, TempBasal}},
		{"bolus over", response.DeliveryTempBasal, []Dose{bolus.Finalized()}, []Type{TempBasal}},
		{"temp basal over", response.DeliveryBasal | response.DeliveryBolus, []Dose{temp.Finalized()}, []Type{Bolus}},
		{"suspended", 0, []Dose{bolus.Finalized(), temp.Finalized()}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			finalized, still := r.Finalize(tt.status, pending)
			if diff := cmp.Diff(tt.finalized, finalized); diff != "" {
				t.Errorf("finalized mismatch (-want +got):\n%s", diff)
			}
			var types []Type
			for _, d := range still {
				types = append(types, d.Type)
				if !d.IsReconciled || !d.Certain {
					t.Errorf("running %s should be reconciled and certain", d.Type)
				}
			}
			if diff := cmp.Diff(tt.stillActive, types); diff != "" {
				t.Errorf("still pending mismatch (-want +got):\n%s", diff)
			}

			again, stillAgain := r.Finalize(tt.status, pending)
			if diff := cmp.Diff(finalized, again); diff != "" {
				t.Errorf("second Finalize() mismatch (-first +second):\n%s", diff)
			}
			if diff := cmp.Diff(still, stillAgain); diff != "" {
				t.Errorf("second Finalize() pending mismatch (-first +second):\n%s", diff)
			}
		})
	}
	if pending[0].IsReconciled || pending[1].IsReconciled {
		t.Error("Finalize() modified its input")
	}
}

func TestReconciler_Report(t *testing.T) {
	reporter := &fakeReporter{}
	r := NewReconciler(reporter)
	doses := []Dose{NewBolus(1, start, true).Finalized()}

	if !r.Report(context.Background(), nil) {
		t.Error("Report() of nothing should succeed")
	}
	if !r.Report(context.Background(), doses) || len(reporter.batches) != 1 {
		t.Errorf("Report() = false, batches %d", len(reporter.batches))
	}
	reporter.err = errors.New("offline")
	if r.Report(context.Background(), doses) {
		t.Error("Report() should fail when the host does")
	}
}

func TestDose_SyncIdentifier(t *testing.T) {
	a := NewBolus(1, start, true).Finalized()
	b := NewBolus(1, start.In(time.FixedZone("x", 3600)), false).Finalized()
	if a.SyncIdentifier() != b.SyncIdentifier() {
		t.Errorf("same dose, different identifiers: %q %q", a.SyncIdentifier(), b.SyncIdentifier())
	}
	c := NewBolus(1.05, start, true).Finalized()
	if a.SyncIdentifier() == c.SyncIdentifier() {
		t.Errorf("different doses share identifier %q", a.SyncIdentifier())
	}
	temp := NewTempBasal(1, 30*time.Minute, start, true).Finalized()
	if temp.Units() != 0.5 {
		t.Errorf("temp basal Units() = %v", temp.Units())
	}
}
