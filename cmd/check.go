package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/sw33tLie/motscan/internal/utils"
	"github.com/sw33tLie/motscan/pkg/dvsa"
	"github.com/sw33tLie/motscan/pkg/registration"
	"github.com/sw33tLie/motscan/pkg/scanner"
	"github.com/sw33tLie/motscan/pkg/storage"
)

// checkCmd implements: motscan check <registration>...
var checkCmd = &cobra.Command{
	Use:   "check <registration>...",
	Short: "Look up the MOT status of individual registrations",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tokens, client, err := newDVSA(nil)
		if err != nil {
			return err
		}
		if _, err := tokens.Token(cmd.Context()); err != nil {
			return err
		}

		save, _ := cmd.Flags().GetBool("save")
		var (
			db     *storage.DB
			writer *scanner.Writer
		)
		if save {
			db, _, err = openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()
			writer = scanner.NewWriter(scanner.WriterConfig{
				Store:         db,
				DueSoonWindow: time.Duration(viper.GetInt("scan.duesoondays")) * day,
				AdvisoryTypes: viper.GetStringSlice("scan.advisorytypes"),
			})
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "REGISTRATION\tOUTCOME\tSTATUS\tEXPIRY\tLAST TEST\tVEHICLE\tATTEMPTS\t")

		for _, raw := range args {
			res := registration.Validate(raw)
			out := dvsa.Outcome{Kind: dvsa.OutcomeInvalidFormat}
			if res.IsValid {
				out = client.FetchStatus(cmd.Context(), res.Cleaned)
			}
			status, _ := scanner.StatusFor(out)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t\n",
				res.Cleaned, out.Detail(), status, expiryOf(out), testDateOf(out), vehicleOf(out), out.Attempts)

			if writer != nil && res.Cleaned != "" && out.Terminal() {
				if err := saveCheck(cmd, db, writer, res.Cleaned, out); err != nil {
					utils.Log.Errorf("%s: %v", res.Cleaned, err)
				}
			}
		}
		w.Flush()
		return nil
	},
}

func saveCheck(cmd *cobra.Command, db *storage.DB, writer *scanner.Writer, reg string, out dvsa.Outcome) error {
	var vehicleMake, model string
	if out.Result != nil {
		vehicleMake, model = out.Result.Make, out.Result.Model
	}
	if _, err := db.UpsertVehicle(cmd.Context(), reg, vehicleMake, model); err != nil {
		return err
	}
	v, err := db.GetVehicle(cmd.Context(), reg)
	if err != nil {
		return err
	}
	change, err := writer.Apply(cmd.Context(), v, out)
	if err != nil {
		return err
	}
	if change.StatusChanged() {
		utils.Log.Infof("%s: %s -> %s", reg, change.Previous, change.Current)
	}
	return nil
}

func expiryOf(out dvsa.Outcome) string {
	if out.Result == nil || !out.Result.HasValidPass {
		return "-"
	}
	return out.Result.Selected.ExpiryDate.Format("2006-01-02")
}

func testDateOf(out dvsa.Outcome) string {
	if out.Result == nil || out.Result.Selected == nil || out.Result.Selected.CompletedDate.IsZero() {
		return "-"
	}
	return out.Result.Selected.CompletedDate.Format("2006-01-02") + " " + out.Result.Selected.TestResult
}

func vehicleOf(out dvsa.Outcome) string {
	if out.Result == nil {
		return "-"
	}
	if v := strings.TrimSpace(out.Result.Make + " " + out.Result.Model); v != "" {
		return v
	}
	return "-"
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().Bool("save", false, "Store the results in the database")
}
