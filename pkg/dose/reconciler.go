package dose

import (
	"context"

	"github.com/avereha/podmanager/pkg/response"

	log "github.com/sirupsen/logrus"
)

// Reporter receives finalized doses. An error means none of them were stored.
type Reporter interface {
	ReportDoses(ctx context.Context, doses []Dose) error
}

type Reconciler struct {
	reporter Reporter
}

func NewReconciler(reporter Reporter) *Reconciler {
	return &Reconciler{reporter: reporter}
}

// Finalize splits pending into the doses the delivery status shows as over
// and those still running. It does not modify pending.
func (r *Reconciler) Finalize(status response.DeliveryStatus, pending []UnfinalizedDose) (finalized []Dose, stillPending []UnfinalizedDose) {
	for _, d := range pending {
		running := false
		switch d.Type {
		case Bolus:
			running = status.Bolusing()
		case TempBasal:
			running = status.TempBasalRunning()
		}
		if running {
			d.IsReconciled = true
			d.Certain = true
			stillPending = append(stillPending, d)
			continue
		}
		finalized = append(finalized, d.Finalized())
	}
	return finalized, stillPending
}

// Report hands doses to the host. It returns true when the host took them
// and they can be forgotten.
func (r *Reconciler) Report(ctx context.Context, doses []Dose) bool {
	if len(doses) == 0 {
		return true
	}
	if err := r.reporter.ReportDoses(ctx, doses); err != nil {
		log.Warnf("Could not report %d doses, keeping them for the next pass: %v", len(doses), err)
		return false
	}
	log.Infof("Reported %d doses", len(doses))
	return true
}
