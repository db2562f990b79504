// cmd/client is the CLI entry-point built with Cobra.
//
// Usage:
//
//	kvcli put mykey "hello world"      --server http://localhost:8080
//	kvcli get mykey                    --server http://localhost:8080
//	kvcli delete mykey                 --server http://localhost:8080
//	kvcli cluster nodes                --server http://localhost:8080
package main

import (
	"context"
	"github.com/ringkv/ringkv/internal/client"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "kvcli",
		Short: "CLI client for the distributed KV store",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:8080", "KV store server address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(putCmd(), getCmd(), deleteCmd(), clusterCmd(), debugCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── put ──────────────────────────────────────────────────────────────────────

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store a key-value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			resp, err := c.Put(context.Background(), args[0], args[1])
			if err != nil {
				return err
			}
			prettyPrint(resp)
			fmt.Printf("served by: %s\n", c.ServedBy())
			return nil
		},
	}
}

// ─── get ──────────────────────────────────────────────────────────────────────

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Retrieve a value by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			resp, err := c.Get(context.Background(), args[0])
			if err == client.ErrNotFound {
				fmt.Printf("key %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			prettyPrint(resp)
			fmt.Printf("served by: %s\n", c.ServedBy())
			return nil
		},
	}
}

// ─── delete ───────────────────────────────────────────────────────────────────

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			if err := c.Delete(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %q (served by %s)\n", args[0], c.ServedBy())
			return nil
		},
	}
}

// ─── cluster ──────────────────────────────────────────────────────────────────

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster management commands",
	}

	// cluster nodes
	cmd.AddCommand(&cobra.Command{
		Use:   "nodes",
		Short: "List all cluster nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			ctx := context.Background()
			// Simple GET to /cluster/nodes
			resp, err := c.GetRaw(ctx, "/cluster/nodes")
			if err != nil {
				return err
			}
			fmt.Println(resp)
			return nil
		},
	})

	// cluster join
	joinCmd := &cobra.Command{
		Use:   "join <nodeID> <address>",
		Short: "Join a node to the cluster",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			return c.JoinCluster(context.Background(), args[0], args[1])
		},
	}

	// cluster leave
	leaveCmd := &cobra.Command{
		Use:   "leave <nodeID>",
		Short: "Remove a node from the cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			return c.LeaveCluster(context.Background(), args[0])
		},
	}

	// cluster ring
	ringCmd := &cobra.Command{
		Use:   "ring",
		Short: "Dump the static hash ring (node ownership)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			resp, err := c.GetRaw(context.Background(), "/cluster/ring")
			if err != nil {
				return err
			}
			fmt.Println(resp)
			return nil
		},
	}

	// cluster neighborhood
	neighborhoodCmd := &cobra.Command{
		Use:   "neighborhood",
		Short: "Show the node's RM-TMan-converged predecessor/successor lists",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			resp, err := c.GetRaw(context.Background(), "/debug/neighborhood")
			if err != nil {
				return err
			}
			fmt.Println(resp)
			return nil
		},
	}

	cmd.AddCommand(joinCmd, leaveCmd, ringCmd, neighborhoodCmd)
	return cmd
}

// ─── debug ────────────────────────────────────────────────────────────────────

func debugCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Ring-maintenance debug/introspection commands",
	}

	// debug state <pid>
	cmd.AddCommand(&cobra.Command{
		Use:   "state <pid>",
		Short: "Fetch a component process's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			resp, err := c.GetRaw(context.Background(), "/debug/state/"+args[0])
			if err != nil {
				return err
			}
			fmt.Println(resp)
			return nil
		},
	})

	// debug protosched <trace>
	cmd.AddCommand(&cobra.Command{
		Use:   "protosched <trace>",
		Short: "Show ProtoSched fan-out accounting for a trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			resp, err := c.GetRaw(context.Background(), "/debug/protosched/"+args[0])
			if err != nil {
				return err
			}
			fmt.Println(resp)
			return nil
		},
	})

	// debug breakpoint <set|del|step|cont|barrier> [name] [match-tag]
	cmd.AddCommand(&cobra.Command{
		Use:   "breakpoint <set|del|step|cont|barrier> [name] [match-tag]",
		Short: "Control the overlay process's breakpoint scheduler",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]string{"command": args[0]}
			if len(args) > 1 {
				req["name"] = args[1]
			}
			if len(args) > 2 {
				req["match_tag"] = args[2]
			}
			c := client.New(serverAddr, timeout)
			resp, err := c.PostRaw(context.Background(), "/debug/breakpoint", req)
			if err != nil {
				return err
			}
			if resp != "" {
				fmt.Println(resp)
			}
			return nil
		},
	})

	return cmd
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
