// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// imclassify trains and inspects image classification models configured
// from a YAML file.
package main

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var rootCmd = &cobra.Command{
	Use:   "imclassify",
	Short: "Train image classifiers from folder datasets",
	Long: `imclassify trains image classification models on datasets laid out as
root/<split>/<label>/<image> directories, driven by a YAML configuration.`,
	SilenceUsage: true,
}

func main() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	defer klog.Flush()
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}
