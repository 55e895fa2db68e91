package main

import "github.com/spf13/cobra"

var manifestPath string

var rootCmd = &cobra.Command{
	Use:           "promptlab",
	Short:         "Run, stream and evaluate LLM prompt jobs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pluginsCmd)

	rootCmd.PersistentFlags().StringVar(&manifestPath, "manifest", "", "Path to a metric plugin manifest (overrides PROMPTLAB_METRICS_MANIFEST_PATH)")
}
