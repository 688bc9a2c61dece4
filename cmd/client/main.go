// cmd/client is the operator CLI built with Cobra.
//
// Usage:
//
//	searchcli put "contents of the document"     --server http://localhost:8080
//	searchcli search "query terms" --max 5       --server http://localhost:8080
//	searchcli status                             --server http://localhost:8080
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"distributed-search/internal/client"
)

var (
	serverAddr string
	credential string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "searchcli",
		Short: "CLI client for the distributed search cluster",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:8080", "Node HTTP address")
	root.PersistentFlags().StringVar(&credential, "credential", "",
		"Opaque credential sent as the Authorization header")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(putCmd(), searchCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── put ──────────────────────────────────────────────────────────────────────

func putCmd() *cobra.Command {
	var docID string
	cmd := &cobra.Command{
		Use:   "put <content>",
		Short: "Store a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, credential, timeout)
			resp, err := c.Put(context.Background(), docID, args[0], nil)
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&docID, "id", "", "Explicit doc_id (assigned by the primary when empty)")
	return cmd
}

// ─── search ───────────────────────────────────────────────────────────────────

func searchCmd() *cobra.Command {
	var maxResults int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a distributed search",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, credential, timeout)
			resp, err := c.Search(context.Background(), args[0], maxResults)
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxResults, "max", 10, "Maximum results")
	return cmd
}

// ─── status ───────────────────────────────────────────────────────────────────

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show node role, term, leader and peer view",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, credential, timeout)
			resp, err := c.Status(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

func prettyPrint(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
