package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avereha/podmanager/pkg/api"
	"github.com/avereha/podmanager/pkg/manager"

	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		listen string
		tick   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the pump data current and serve the websocket api",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m, err := a.openManager(ctx, true)
			if err != nil {
				return err
			}
			srv := api.New(m)
			defer srv.Close()

			go keepCurrent(ctx, m, tick)
			if listen == "" {
				listen = a.cfg.API.Listen
			}
			return srv.ListenAndServe(ctx, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "api listen address, overrides api.listen")
	cmd.Flags().DurationVar(&tick, "tick", time.Minute, "how often to check on the pump")
	return cmd
}

func keepCurrent(ctx context.Context, m *manager.Manager, every time.Duration) {
	m.AssertCurrentData(ctx)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.DeviceTimerDidTick(ctx)
			m.AssertCurrentData(ctx)
		}
	}
}
