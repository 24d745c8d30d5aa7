package commands

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/navid-fn/coinmap/internal/interrupt"
	"github.com/navid-fn/coinmap/internal/observability"
	"github.com/navid-fn/coinmap/internal/schedule"
)

func newWatchCommand(app *App) *cobra.Command {
	var (
		runNow      bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Rebuild the mapping every day at SCHEDULE_HOUR",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, stop := interrupt.Watch(app.Logger)
			defer stop()

			if metricsAddr != "" {
				app.buildMetrics()
				srv := &http.Server{Addr: metricsAddr, Handler: observability.Handler(app.Registry)}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						app.Logger.WithError(err).Error("Metrics server stopped")
					}
				}()
				defer func() {
					shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
					defer done()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			return runWatch(cmd.Context(), app, token, runNow, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&runNow, "now", false, "run one build before waiting for the schedule")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9100)")
	return cmd
}

// runWatch runs builds on the daily schedule until token is cancelled. The
// token only cuts the wait between runs short; a build in progress sees it
// through its interrupter and finishes the current coin before stopping.
func runWatch(ctx context.Context, app *App, token *interrupt.Token, runNow bool, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-token.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	job := func(ctx context.Context) error {
		outcome, err := app.RunBuild(context.WithoutCancel(ctx), false, token)
		if outcome != nil {
			PrintSummary(out, outcome)
		}
		return err
	}

	if runNow {
		if err := job(ctx); err != nil {
			app.Logger.WithError(err).Error("Initial build failed")
		}
	}

	daily := schedule.NewDaily(app.Config.Mapping.ScheduleHour, app.Config.Mapping.ScheduleTimezone)
	return daily.Run(ctx, app.Logger.WithField("command", "watch"), job)
}
