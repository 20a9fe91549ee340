package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/sw33tLie/motscan/pkg/storage"
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Prints the MOT status breakdown of the vehicles in the database.",
	Long:  "Prints the MOT status breakdown of the vehicles in the database. EXPIRED and DUE_SOON are computed against today's date.",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := newScanner(db, nil, nil, nil).Stats(cmd.Context())
		if err != nil {
			return err
		}

		if stats.Total == 0 {
			fmt.Println("No vehicles in the database. Add some with 'motscan db add'.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "STATUS\tVEHICLES\t")
		for _, c := range stats.Counts {
			fmt.Fprintf(w, "%s\t%d\t\n", c.Status, c.Count)
		}
		fmt.Fprintln(w, " \t \t")
		fmt.Fprintf(w, "TOTAL\t%d\t\n", stats.Total)
		w.Flush()

		fmt.Printf("\nDue soon means expiring between %s and %s.\n", stats.Today, stats.DueSoonUntil)

		run, err := db.LatestRun(cmd.Context())
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		finished := "still running"
		if run.FinishedAt != nil {
			finished = run.FinishedAt.Local().Format(time.RFC1123)
		}
		fmt.Printf("Last scan %s: %s, %d/%d processed (%d ok, %d failed), finished %s.\n",
			run.ID, orDash(run.StopReason), run.Processed, run.Total, run.Succeeded, run.Failed, finished)
		return nil
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
