package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/luftsport/nif-integration/pkg/api"
)

func ctlClient() *api.Client {
	return api.NewClient(cfg.Control.Host, cfg.Control.Port)
}

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Control a running sync daemon",
}

func init() {
	ctlCmd.AddCommand(ctlStatusCmd)
	ctlCmd.AddCommand(ctlStartCmd)
	ctlCmd.AddCommand(ctlStopCmd)
	ctlCmd.AddCommand(ctlRebootCmd)
	ctlCmd.AddCommand(ctlHaltCmd)
	ctlCmd.AddCommand(ctlWorkersCmd)
	ctlCmd.AddCommand(ctlWorkerCmd)
	ctlCmd.AddCommand(ctlLogsCmd)
	ctlCmd.AddCommand(ctlFailedCmd)
}

var ctlStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and fleet status",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := ctlClient().Status(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Daemon running: %v\n", status.Status)
		fmt.Printf("Workers started: %v\n", status.WorkersStarted)
		return nil
	},
}

var ctlStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker fleet",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ctlClient().StartWorkers(context.Background()); err != nil {
			return err
		}
		fmt.Println("Workers starting")
		return nil
	},
}

var ctlStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the worker fleet, keep the daemon running",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ctlClient().StopWorkers(context.Background()); err != nil {
			return err
		}
		fmt.Println("Workers stopped")
		return nil
	},
}

var ctlRebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Stop and start the worker fleet",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ctlClient().RebootWorkers(context.Background()); err != nil {
			return err
		}
		fmt.Println("Workers rebooted")
		return nil
	},
}

var ctlHaltCmd = &cobra.Command{
	Use:   "halt",
	Short: "Shut down the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ctlClient().Shutdown(context.Background()); err != nil {
			return err
		}
		fmt.Println("Daemon shutting down")
		return nil
	},
}

var ctlWorkersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List all workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, err := ctlClient().Workers(context.Background())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tNAME\tALIVE\tSTATE\tMODE\tMESSAGES\tERRORS\tMISFIRES\tNEXT RUN")
		for _, snap := range workers {
			next := "-"
			if snap.NextRunTime != nil {
				next = snap.NextRunTime.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%d\t%s\t%v\t%s\t%s\t%d\t%d\t%d\t%s\n",
				snap.Index, snap.Name, snap.Alive, snap.State, snap.Mode,
				snap.Messages, snap.SyncErrors, snap.Misfires, next)
		}
		return w.Flush()
	},
}

var ctlWorkerCmd = &cobra.Command{
	Use:   "worker <index> [log|restart]",
	Short: "Show, restart or fetch logs for one worker",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("%q is not a worker index", args[0])
		}

		client := ctlClient()
		ctx := context.Background()

		if len(args) == 2 {
			switch args[1] {
			case "restart":
				if err := client.RestartWorker(ctx, index); err != nil {
					return err
				}
				fmt.Println("Worker restarted")
				return nil
			case "log":
				records, err := client.WorkerLog(ctx, index)
				if err != nil {
					return err
				}
				for _, rec := range records {
					fmt.Printf("%s  %s  %s\n", rec.Time.Format(time.RFC3339), rec.Level, rec.Message)
				}
				return nil
			default:
				return fmt.Errorf("unknown action %q", args[1])
			}
		}

		snap, err := client.Worker(ctx, index)
		if err != nil {
			return err
		}
		fmt.Printf("Name:        %s\n", snap.Name)
		fmt.Printf("Tenant:      %d\n", snap.TenantID)
		fmt.Printf("Alive:       %v\n", snap.Alive)
		fmt.Printf("State:       %s/%s\n", snap.State, snap.Mode)
		fmt.Printf("Reason:      %s\n", snap.Reason)
		fmt.Printf("Uptime:      %ds\n", snap.UptimeSeconds)
		fmt.Printf("Messages:    %d\n", snap.Messages)
		fmt.Printf("Errors:      %d\n", snap.SyncErrors)
		fmt.Printf("Misfires:    %d\n", snap.Misfires)
		if snap.WindowFrom != nil && snap.WindowTo != nil {
			fmt.Printf("Window:      %s -> %s\n",
				snap.WindowFrom.Format(time.RFC3339), snap.WindowTo.Format(time.RFC3339))
		}
		if snap.NextRunTime != nil {
			fmt.Printf("Next run:    %s\n", snap.NextRunTime.Format(time.RFC3339))
		}
		return nil
	},
}

var ctlLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show retained error logs for all workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		logs, err := ctlClient().Logs(context.Background())
		if err != nil {
			return err
		}
		for _, wl := range logs {
			if len(wl.Log) == 0 {
				continue
			}
			fmt.Printf("=== %s ===\n", wl.Name)
			for _, rec := range wl.Log {
				fmt.Printf("%s  %s  %s\n", rec.Time.Format(time.RFC3339), rec.Level, rec.Message)
			}
		}
		return nil
	},
}

var ctlFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List tenants whose workers could not start",
	RunE: func(cmd *cobra.Command, args []string) error {
		failed, err := ctlClient().FailedTenants(context.Background())
		if err != nil {
			return err
		}
		if len(failed) == 0 {
			fmt.Println("No failed tenants")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CLUB ID\tNAME")
		for _, t := range failed {
			fmt.Fprintf(w, "%d\t%s\n", t.TenantID, t.Name)
		}
		return w.Flush()
	},
}
