package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jward/isg"
	"github.com/jward/isg/internal/metrics"
)

func newWatchCmd(g *globals) *cobra.Command {
	var (
		metricsAddr string
		debounce    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch [root]",
		Short: "Keep the graph current as files change",
		Long:  "Watches the root recursively and commits one generation per settled file change. Runs until interrupted or until the store fails; a store failure exits 2.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, g, firstArg(args))
			if err != nil {
				return err
			}
			if debounce > 0 {
				a.cfg.Debounce = debounce
			}
			if metricsAddr != "" {
				a.metrics = metrics.New()
			}
			e, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			grp, ctx := errgroup.WithContext(cmd.Context())
			if metricsAddr != "" {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           metricsMux(a.metrics),
					ReadHeaderTimeout: 5 * time.Second,
					BaseContext:       func(net.Listener) context.Context { return ctx },
				}
				grp.Go(func() error {
					a.logger.Info("serving metrics", "addr", metricsAddr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("metrics server: %w", err)
					}
					return nil
				})
				grp.Go(func() error {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
			}
			grp.Go(func() error {
				return e.Watch(ctx, isg.WithDebounce(a.cfg.Debounce))
			})
			err = grp.Wait()
			if err != nil && cmd.Context().Err() != nil && errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9464)")
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "per-file quiet period before extraction (default: config, then 150ms)")
	return cmd
}

func metricsMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}
