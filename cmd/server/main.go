// cmd/server is the node daemon entrypoint.
//
// Example — 3-node cluster on one host:
//
//	./server --config node-a.yaml
//	./server --config node-b.yaml
//	./server --config node-c.yaml
//
// The config file enumerates the node identity, bind addresses, static
// peer list, protocol timers and replication factor. A handful of flags
// override the file for quick local runs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"distributed-search/internal/config"
	"distributed-search/internal/logging"
	"distributed-search/internal/node"
)

func main() {
	var (
		configPath string
		nodeID     string
		bindHTTP   string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "server",
		Short: "Distributed file-search node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if nodeID != "" {
				cfg.NodeID = nodeID
			}
			if bindHTTP != "" {
				cfg.BindHTTP = bindHTTP
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, err := logging.New(cfg.NodeID, cfg.LogLevel)
			if err != nil {
				return err
			}

			n, err := node.New(cfg, log)
			if err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}
			if err := n.Start(); err != nil {
				return fmt.Errorf("start: %w", err)
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			sig := <-stop
			log.Info().Str("signal", sig.String()).Msg("signal received")

			n.Shutdown(context.Background())
			return nil
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the node YAML configuration")
	root.Flags().StringVar(&nodeID, "id", "", "Override node_id from the config file")
	root.Flags().StringVar(&bindHTTP, "http", "", "Override bind_http from the config file")
	root.Flags().StringVar(&logLevel, "log-level", "", "Override log_level (debug, info, warn, error)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
