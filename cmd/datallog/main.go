package main

import (
	"fmt"
	"os"

	"github.com/cuemby/datallog-core/internal/log"
	"github.com/cuemby/datallog-core/internal/metrics"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, redLine(err))
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "datallog",
	Short: "Run and publish datallog step-graph pipelines",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Override DATALLOG_LOG_LEVEL for this invocation")
	rootCmd.PersistentFlags().String("metrics-addr", "", "If set, serve Prometheus metrics on this address (off by default)")
	cobra.OnInitialize(initLogging, initMetrics)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pushCmd)
}

func initMetrics() {
	addr, _ := rootCmd.PersistentFlags().GetString("metrics-addr")
	if addr == "" {
		return
	}
	go func() {
		if err := metrics.Serve(addr); err != nil {
			log.Logger.Warn().Err(err).Str("addr", addr).Msg("metrics server exited")
		}
	}()
}

func initLogging() {
	levelFlag, _ := rootCmd.PersistentFlags().GetString("log-level")
	level := os.Getenv("DATALLOG_LOG_LEVEL")
	if levelFlag != "" {
		level = levelFlag
	}

	log.Init(log.Config{Level: mapLogLevel(level)})
}

func mapLogLevel(s string) log.Level {
	switch s {
	case "DEBUG", "debug":
		return log.DebugLevel
	case "WARNING", "warning", "warn":
		return log.WarnLevel
	case "ERROR", "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// redLine renders the single-line stderr summary: a red-highlighted line
// naming the primary error kind, with detail left to the log file.
func redLine(err error) string {
	return "\033[31mError: " + err.Error() + "\033[0m"
}
