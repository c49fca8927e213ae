/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	syscall "golang.org/x/sys/unix"

	"github.com/DamoyY/Khronos/daemon"
)

var (
	runConfigFlag         string
	runServersFlag        []string
	runMonitoringPortFlag int
)

func init() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runConfigFlag, "config", "c", "", "path to the config")
	runCmd.Flags().StringSliceVarP(&runServersFlag, "server", "s", nil, "NTP server to sync from. Repeat for multiple. Overrides config")
	runCmd.Flags().IntVarP(&runMonitoringPortFlag, "monitoringport", "m", 0, "port to start monitoring http server on")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the virtual clock daemon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ConfigureVerbosity()

		setFlags := map[string]bool{
			"monitoringport": cmd.Flags().Changed("monitoringport"),
		}
		cfg, err := daemon.PrepareConfig(runConfigFlag, runServersFlag, runMonitoringPortFlag, setFlags)
		if err != nil {
			return err
		}

		stats := daemon.NewStats()
		if cfg.MonitoringPort > 0 {
			go stats.Start(cfg.MonitoringPort)
		}

		d, err := daemon.New(cfg, stats, daemon.NewTerminal(os.Stdout))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Println("Press Ctrl+C to exit.")
		if err := d.Run(ctx); err != nil {
			return err
		}
		fmt.Println()
		printSummary(stats.Summary())
		return nil
	},
}

func printSummary(sum daemon.Summary) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{
		"syncs", "errors", "offset mean(ms)", "offset stddev(ms)", "delay mean(ms)", "drift(ppm)", "q",
	})
	table.Append([]string{
		fmt.Sprintf("%d", sum.Syncs),
		fmt.Sprintf("%d", sum.SyncErrors),
		fmt.Sprintf("%.3f", sum.OffsetMean*1000),
		fmt.Sprintf("%.3f", sum.OffsetStddev*1000),
		fmt.Sprintf("%.3f", sum.DelayMean*1000),
		fmt.Sprintf("%.2f", sum.LastDriftPPM),
		fmt.Sprintf("%.1e", sum.LastQ),
	})
	table.Render()
}
