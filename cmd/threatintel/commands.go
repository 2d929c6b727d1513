package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/SiriusScan/threat-intel/sirius/orchestrator"
	"github.com/SiriusScan/threat-intel/sirius/queue"
	"github.com/spf13/cobra"
)

func newServeCmd(c *cli) *cobra.Command {
	var runNow bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hourly scheduler and the manual-trigger listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(c.cfg, c.log, true)
			if err != nil {
				return err
			}
			defer a.Close()
			o := a.orchestrator

			if err := o.Start(ctx); err != nil {
				return err
			}
			if runNow {
				if err := o.TriggerManualIngestion(ctx); err != nil {
					c.log.Warn("Initial ingestion not started", "error", err)
				}
			}
			if c.cfg.Queue.URL != "" {
				go queue.ListenWithRetry(ctx, c.cfg.Queue.URL, queue.TriggerQueue, o.TriggerHandler(ctx))
			}

			c.log.Info("Threat-intel engine running", "next_ingestion", o.Status().NextIngestion)
			<-ctx.Done()

			c.log.Info("Shutting down, waiting for active cycle")
			o.Shutdown()
			return nil
		},
	}
	cmd.Flags().BoolVar(&runNow, "run-now", false, "start an ingestion cycle immediately")
	return cmd
}

func newIngestCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Run a single ingestion and correlation cycle and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(c.cfg, c.log, false)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.orchestrator.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func newStatusCmd(c *cli) *cobra.Command {
	var (
		history int
		reset   bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status and last cycle report mirrored in valkey",
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, publisher := openStatus(c.cfg, c.log)
			if publisher == nil {
				return fmt.Errorf("status requires a reachable valkey (valkey.address)")
			}
			defer kv.Close()

			ctx := cmd.Context()
			if reset {
				n, err := publisher.Reset(ctx)
				if err != nil {
					return err
				}
				c.log.Info("Cleared status mirror", "keys", n)
				return nil
			}

			out := struct {
				Status    *orchestrator.Status `json:"status,omitempty"`
				LastCycle *orchestrator.Report `json:"lastCycle,omitempty"`
				History   []json.RawMessage    `json:"history,omitempty"`
			}{}

			var status orchestrator.Status
			if err := publisher.ReadStatus(ctx, &status); err == nil {
				out.Status = &status
			}
			var last orchestrator.Report
			if err := publisher.ReadLastCycle(ctx, &last); err == nil {
				out.LastCycle = &last
			}
			if history > 0 {
				h, err := publisher.CycleHistory(ctx, history)
				if err != nil {
					return err
				}
				out.History = h
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().IntVar(&history, "history", 0, "also print the last N cycle reports")
	cmd.Flags().BoolVar(&reset, "reset", false, "delete the mirrored status and cycle history instead of printing them")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
