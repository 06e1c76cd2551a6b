package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newRatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Print the points rate table",
		Args:  cobra.NoArgs,
		RunE:  runRates,
	}
	cmd.Flags().StringVar(&flagRateTable, "rate-table", "", "TOML rate table (default: built-in table)")
	return cmd
}

func runRates(cmd *cobra.Command, args []string) error {
	estimator, err := estimatorFromFlag()
	if err != nil {
		return err
	}
	table := estimator.Table()

	if isJSON() {
		return printJSON(cmd.OutOrStdout(), table)
	}

	categories := make([]string, 0, len(table.Categories))
	for category := range table.Categories {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	conditions := make([]string, 0, len(table.Conditions))
	for condition := range table.Conditions {
		conditions = append(conditions, condition)
	}
	sort.Strings(conditions)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tBASE POINTS")
	for _, category := range categories {
		fmt.Fprintf(w, "%s\t%d\n", category, table.Categories[category])
	}
	fmt.Fprintln(w, "\nCONDITION\tMULTIPLIER")
	for _, condition := range conditions {
		fmt.Fprintf(w, "%s\t%.2f\n", condition, table.Conditions[condition])
	}
	fmt.Fprintf(w, "(other)\t%.2f\n", table.UnknownConditionMultiplier)
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Fallback category: %s, default condition: %s\n", table.FallbackCategory, table.DefaultCondition)
	return nil
}
