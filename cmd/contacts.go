package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func contactsCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "contacts [address]",
		Short: "List synced contacts for a device",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			db := openStore()
			defer db.Close()
			contacts, err := db.ListContacts(context.Background(), args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error listing contacts: %s\n", err)
				os.Exit(1)
			}
			if jsonOutput {
				data, _ := json.MarshalIndent(contacts, "", "  ")
				fmt.Println(string(data))
				return
			}
			if len(contacts) == 0 {
				fmt.Println("No contacts.")
				return
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tNUMBER")
			for _, c := range contacts {
				fmt.Fprintf(w, "%s\t%s\n", c.Name, c.Number)
			}
			w.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
