package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/DigZan/CarPi/internal/store"
)

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage known Bluetooth devices",
	}
	cmd.AddCommand(devicesListCmd())
	return cmd
}

func devicesListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known devices",
		Run: func(cmd *cobra.Command, args []string) {
			db := openStore()
			defer db.Close()
			devices, err := db.ListDevices(context.Background())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error listing devices: %s\n", err)
				os.Exit(1)
			}
			printDevices(devices, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func trustCmd() *cobra.Command {
	var revoke bool
	cmd := &cobra.Command{
		Use:   "trust [address]",
		Short: "Trust a device (or revoke with --revoke)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			db := openStore()
			defer db.Close()
			address := args[0]
			if err := db.SetTrusted(context.Background(), address, !revoke); err != nil {
				fmt.Fprintf(os.Stderr, "Error updating trust: %s\n", err)
				os.Exit(1)
			}
			if revoke {
				fmt.Printf("Trust revoked for %s\n", address)
			} else {
				fmt.Printf("Trusted %s\n", address)
			}
		},
	}
	cmd.Flags().BoolVar(&revoke, "revoke", false, "revoke trust instead of granting it")
	return cmd
}

func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Inspect pairing state",
	}
	cmd.AddCommand(pairPendingCmd())
	return cmd
}

// pairPendingCmd lists devices the daemon has seen but nobody has
// trusted yet, i.e. the ones a pairing attempt would prompt for.
func pairPendingCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List seen but untrusted devices",
		Run: func(cmd *cobra.Command, args []string) {
			db := openStore()
			defer db.Close()
			devices, err := db.ListDevices(context.Background())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error listing devices: %s\n", err)
				os.Exit(1)
			}
			pending := devices[:0]
			for _, d := range devices {
				if !d.Trusted {
					pending = append(pending, d)
				}
			}
			printDevices(pending, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func printDevices(devices []store.Device, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(devices, "", "  ")
		fmt.Println(string(data))
		return
	}
	if len(devices) == 0 {
		fmt.Println("No devices.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tTRUSTED\tLAST SEEN")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", d.Address, d.Name, d.Trusted, d.LastSeen.Format("2006-01-02 15:04"))
	}
	w.Flush()
}
