// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/gomlx/imclassify/checkpoints"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <checkpoint.json>",
	Short: "Print a summary of a saved checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		record, err := checkpoints.Load(args[0])
		if err != nil {
			return err
		}
		info, err := os.Stat(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Checkpoint %s (%s)\n", args[0], humanize.Bytes(uint64(info.Size())))
		fmt.Printf("  model:    %s\n", record.Model)
		fmt.Printf("  epoch:    %d\n", record.Epoch)
		fmt.Printf("  %s (%s): %.6f\n", record.Monitor, record.Mode, record.Value)
		if record.RunID != "" {
			fmt.Printf("  run:      %s\n", record.RunID)
		}
		fmt.Printf("  created:  %s (%s)\n", record.CreatedAt.Format("2006-01-02 15:04:05 MST"),
			humanize.Time(record.CreatedAt))
		fmt.Printf("  weights:  %d tensors\n", len(record.Weights))
		var total int
		for _, w := range record.Weights {
			fmt.Printf("    %-20s %v (%s values)\n", w.Name, w.Dims, humanize.Comma(int64(len(w.Data))))
			total += len(w.Data)
		}
		fmt.Printf("  total parameters: %s\n", humanize.Comma(int64(total)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
