package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/avereha/podmanager/pkg/basal"
	"github.com/avereha/podmanager/pkg/manager"
	"github.com/avereha/podmanager/pkg/pair"
	"github.com/avereha/podmanager/pkg/pod"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return uint32(v), nil
}

func parseUnits(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func newPairCmd(a *app) *cobra.Command {
	var (
		address      string
		controllerID string
		timeZone     string
		basalRate    float64
		force        bool
	)
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair a new pod and store its state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			if _, err := a.store.Load(); err == nil && !force {
				return fmt.Errorf("%s already holds a pod, use --force to replace it", a.store.Filename())
			}
			podAddress, err := parseID(address)
			if err != nil {
				return err
			}
			if podAddress == 0 {
				return errors.New("pod address can't be 0")
			}
			pdmID, err := parseID(controllerID)
			if err != nil {
				return err
			}
			tz, err := time.LoadLocation(timeZone)
			if err != nil {
				return err
			}

			state := pod.NewState(podAddress, tz)
			state.ControllerID = pdmID
			ltk, err := pair.Run(cmd.Context(), a.link(nil), state.ControllerIDBytes(), state.ID())
			if err != nil {
				return fmt.Errorf("pairing: %w", err)
			}
			state.LTK = ltk
			state.ActivationTime = time.Now()
			if err := a.store.Save(state); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Paired pod %08x\n", podAddress)

			if basalRate <= 0 {
				return nil
			}
			m, err := a.openManager(cmd.Context(), true)
			if err != nil {
				return err
			}
			schedule := basal.NewSchedule([]basal.Entry{{Index: 0, TimeOffset: 0, Rate: basalRate}})
			if err := m.SetBasalSchedule(cmd.Context(), schedule); err != nil {
				return fmt.Errorf("program basal: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Basal %.2fU/h programmed\n", basalRate)
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "pod address, hex")
	cmd.Flags().StringVar(&controllerID, "controller-id", "fffffffe", "controller id, hex")
	cmd.Flags().StringVar(&timeZone, "time-zone", "UTC", "time zone for pump times")
	cmd.Flags().Float64Var(&basalRate, "basal", 0, "flat basal rate to program after pairing, U/h")
	cmd.Flags().BoolVar(&force, "force", false, "replace the stored pod")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func writeStatus(w io.Writer, status manager.Status) {
	fmt.Fprintf(w, "pod %s (%s %s %s)\n", status.Device.LocalIdentifier, status.Device.Manufacturer, status.Device.Model, status.Device.FirmwareVersion)
	fmt.Fprintf(w, "time zone: %s\n", status.TimeZone)
	fmt.Fprintf(w, "suspended: %v\n", status.IsSuspended)
	fmt.Fprintf(w, "bolusing: %v\n", status.IsBolusing)
	fmt.Fprintf(w, "temp basal: %v\n", status.IsTempBasalRunning)
	if status.ReservoirLevel != nil {
		fmt.Fprintf(w, "reservoir: %.0f%%\n", *status.ReservoirLevel*100)
	} else {
		fmt.Fprintf(w, "reservoir: above 50U\n")
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Refresh and show the pump status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			m, err := a.openManager(cmd.Context(), true)
			if err != nil {
				return err
			}
			m.AssertCurrentData(cmd.Context())
			writeStatus(cmd.OutOrStdout(), m.Status())
			return nil
		},
	}
}

func newBolusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bolus <units>",
		Short: "Deliver an immediate bolus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			units, err := parseUnits(args[0])
			if err != nil {
				return err
			}
			m, err := a.openManager(cmd.Context(), true)
			if err != nil {
				return err
			}
			err = m.EnactBolus(cmd.Context(), units, func(rounded float64, _ time.Time) {
				fmt.Fprintf(cmd.OutOrStdout(), "Delivering %.2fU\n", rounded)
			})
			var bolusErr *manager.SetBolusError
			if errors.As(err, &bolusErr) && !bolusErr.Certain {
				fmt.Fprintln(cmd.OutOrStdout(), "The bolus may have started, check the status before trying again")
			}
			return err
		},
	}
}

func newTempBasalCmd(a *app) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "temp-basal <U/h>",
		Short: "Set a temp basal; a zero duration cancels the running one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			rate, err := parseUnits(args[0])
			if err != nil {
				return err
			}
			m, err := a.openManager(cmd.Context(), true)
			if err != nil {
				return err
			}
			d, err := m.EnactTempBasal(cmd.Context(), rate, duration)
			if err != nil {
				return err
			}
			if duration <= 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Temp basal cancelled")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Temp basal %.2f%s until %s\n", d.Value, d.Unit, d.EndTime.In(m.State().Location()).Format("15:04"))
			return nil
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 30*time.Minute, "temp basal duration")
	return cmd
}

func newSuspendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "suspend",
		Short: "Stop all insulin delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			m, err := a.openManager(cmd.Context(), true)
			if err != nil {
				return err
			}
			suspended, err := m.SuspendDelivery(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "suspended: %v\n", suspended)
			return nil
		},
	}
}

func newResumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume the basal schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			m, err := a.openManager(cmd.Context(), true)
			if err != nil {
				return err
			}
			resumed, err := m.ResumeDelivery(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resumed: %v\n", resumed)
			return nil
		},
	}
}

func newStateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the stored pump manager state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			m, err := a.openManager(cmd.Context(), false)
			if err != nil {
				return err
			}
			raw, err := m.RawState()
			if err != nil {
				return err
			}
			data, err := toml.Marshal(raw)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
