// Command breakglassctl edits a team policy file offline, applying the same
// reconciliation the chat workflow publishes.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"breakglass/pkg/policydoc"
	"breakglass/pkg/reconcile"
)

func main() {
	if err := rootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "breakglassctl",
		Short:         "Inspect and reconcile break-glass policy files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.AddCommand(reconcileCmd(), entriesCmd())
	return cmd
}

func reconcileCmd() *cobra.Command {
	var (
		file   string
		emails []string
		at     string
		write  bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Grant a week of access to the given emails",
		Long: `Reconcile a policy file against a desired email list.

Every production account gets a BreakGlass write entry for each email, expiring
seven days from now. Existing entries keep their position and get a new expiry;
entries for other emails are left alone.

Examples:
  breakglassctl reconcile --file teams/payments/payments.json --email a@x.com
  breakglassctl reconcile --file payments.json --email a@x.com --email b@x.com --write
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--now must be RFC3339: %w", err)
				}
				now = parsed
			}
			return runReconcile(cmd.OutOrStdout(), file, emails, now, write)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Policy file to reconcile")
	cmd.Flags().StringArrayVar(&emails, "email", nil, "Email to grant (repeatable)")
	cmd.Flags().StringVar(&at, "now", "", "Reference time in RFC3339 (default: current time)")
	cmd.Flags().BoolVar(&write, "write", false, "Write the result back to the file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runReconcile(out io.Writer, file string, emails []string, now time.Time, write bool) error {
	doc, err := readDocument(file)
	if err != nil {
		return err
	}
	res, err := reconcile.Reconcile(doc, emails, now)
	if err != nil {
		return err
	}
	for _, d := range res.Diagnostics {
		fmt.Fprintf(out, "warning: %s\n", d)
	}
	if !res.Changed {
		fmt.Fprintln(out, "no changes")
		return nil
	}
	for _, e := range res.Added {
		fmt.Fprintf(out, "added     %s\n", e)
	}
	for _, e := range res.Refreshed {
		fmt.Fprintf(out, "refreshed %s\n", e)
	}
	if !write {
		_, err := out.Write(res.Output)
		return err
	}
	info, err := os.Stat(file)
	if err != nil {
		return err
	}
	if err := os.WriteFile(file, res.Output, info.Mode().Perm()); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", file)
	return nil
}

func entriesCmd() *cobra.Command {
	var (
		file   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "List break-glass entries of the production accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(file)
			if err != nil {
				return err
			}
			entries, err := doc.EntriesFor()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				type row struct {
					Email  string `json:"email"`
					Expiry string `json:"expiry"`
				}
				rows := make([]row, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, row{Email: e.Email, Expiry: e.RawExpiry})
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%s\t%s\n", e.Email, e.RawExpiry)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Policy file to read")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output entries as JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readDocument(file string) (*policydoc.Document, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return policydoc.Parse(raw)
}
