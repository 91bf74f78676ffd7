package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fernandinhomartins40/urbansend/internal/suppression"
)

var suppressionCmd = &cobra.Command{
	Use:   "suppression",
	Short: "Suppression list management commands",
}

var suppressionTenant string

func init() {
	suppressionCmd.PersistentFlags().StringVarP(&suppressionTenant, "tenant", "t", "", "tenant id (empty targets the global list)")

	addCmd := &cobra.Command{
		Use:   "add [address]",
		Short: "Suppress an address",
		Args:  cobra.ExactArgs(1),
		RunE:  runSuppressionAdd,
	}
	addCmd.Flags().String("reason", "manual suppression", "reason recorded with the entry")
	suppressionCmd.AddCommand(addCmd)

	suppressionCmd.AddCommand(&cobra.Command{
		Use:   "remove [address]",
		Short: "Remove a suppression entry",
		Args:  cobra.ExactArgs(1),
		RunE:  runSuppressionRemove,
	})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List suppression entries",
		RunE:  runSuppressionList,
	}
	listCmd.Flags().Int("limit", 100, "maximum entries to show")
	listCmd.Flags().Int("offset", 0, "entries to skip")
	suppressionCmd.AddCommand(listCmd)
}

func runSuppressionAdd(cmd *cobra.Command, args []string) error {
	deps, err := openAdminDeps()
	if err != nil {
		return err
	}
	defer deps.close()

	reason, _ := cmd.Flags().GetString("reason")
	svc := suppression.NewService(deps.store, nil)
	if err := svc.Record(cmd.Context(), suppressionTenant, args[0], suppression.TypeManual, reason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Suppressed %s\n", suppression.NormalizeAddress(args[0]))
	return nil
}

func runSuppressionRemove(cmd *cobra.Command, args []string) error {
	deps, err := openAdminDeps()
	if err != nil {
		return err
	}
	defer deps.close()

	svc := suppression.NewService(deps.store, nil)
	if err := svc.Remove(cmd.Context(), suppressionTenant, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", suppression.NormalizeAddress(args[0]))
	return nil
}

func runSuppressionList(cmd *cobra.Command, args []string) error {
	deps, err := openAdminDeps()
	if err != nil {
		return err
	}
	defer deps.close()

	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	svc := suppression.NewService(deps.store, nil)
	entries, err := svc.List(cmd.Context(), suppressionTenant, limit, offset)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No suppression entries")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tTYPE\tREASON\tCREATED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Address, e.Type, e.Reason, e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
