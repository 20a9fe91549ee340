package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/sw33tLie/motscan/internal/utils"
	"github.com/sw33tLie/motscan/pkg/scanner"
)

// scanCmd implements: motscan scan
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Refresh MOT status for every stale vehicle in the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return fmt.Errorf("unknown command: '%s'. See 'motscan scan --help'", args[0])
		}

		db, dbPath, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		lock, err := utils.NewScanLock(dbPath)
		if err != nil {
			return err
		}
		if err := lock.Lock(); err != nil {
			return err
		}
		defer lock.Unlock()

		tokens, client, err := newDVSA(nil)
		if err != nil {
			return err
		}
		s := newScanner(db, tokens, client, nil)

		opts := scanOptionsFromFlags(cmd)
		snap, err := s.Start(cmd.Context(), opts)
		if err != nil {
			if isAuthError(err) {
				return fmt.Errorf("DVSA rejected the configured credentials: %w", err)
			}
			return err
		}
		if snap.Total == 0 {
			utils.Log.Info("All vehicles are fresh, nothing to scan.")
		}

		interval, _ := cmd.Flags().GetDuration("progress")
		watchScan(s, interval)

		final := s.Status()
		printScanSummary(final)
		switch final.StopReason {
		case scanner.StopReasonAuthError:
			return fmt.Errorf("scan aborted: DVSA authentication failed")
		case scanner.StopReasonStoreError:
			return fmt.Errorf("scan aborted: database error")
		}
		return nil
	},
}

// watchScan logs progress until the job completes. The first SIGINT stops
// the job after the current page; a second one aborts in-flight lookups.
func watchScan(s *scanner.Scanner, interval time.Duration) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	finished := make(chan struct{})
	go func() {
		s.Wait()
		close(finished)
	}()

	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	interrupted := false
	for {
		select {
		case <-finished:
			return
		case <-ticker.C:
			logProgress(s.Status())
		case <-sigs:
			if !interrupted {
				interrupted = true
				utils.Log.Warn("Stopping after the current batch. Press Ctrl+C again to abort.")
				if err := s.Stop(); err != nil {
					utils.Log.Debugf("Stop: %v", err)
				}
				continue
			}
			utils.Log.Warn("Aborting in-flight lookups...")
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			s.Shutdown(ctx)
		}
	}
}

func logProgress(snap scanner.Snapshot) {
	eta := "unknown"
	if snap.ETAKnown {
		eta = snap.ETA.Round(time.Second).String()
	}
	utils.Log.Infof("%d/%d processed (%d ok, %d failed), current %s, ETA %s",
		snap.Processed, snap.Total, snap.Succeeded, snap.Failed, snap.Current, eta)
}

func printScanSummary(snap scanner.Snapshot) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "JOB\t%s\n", snap.ID)
	fmt.Fprintf(w, "RESULT\t%s\n", snap.StopReason)
	fmt.Fprintf(w, "CANDIDATES\t%d\n", snap.Total)
	fmt.Fprintf(w, "PROCESSED\t%d\n", snap.Processed)
	fmt.Fprintf(w, "SUCCEEDED\t%d\n", snap.Succeeded)
	fmt.Fprintf(w, "FAILED\t%d\n", snap.Failed)
	if snap.StartedAt != nil && snap.FinishedAt != nil {
		fmt.Fprintf(w, "DURATION\t%s\n", snap.FinishedAt.Sub(*snap.StartedAt).Round(time.Second))
	}
	w.Flush()

	if len(snap.Errors) > 0 {
		fmt.Printf("\nLast %d errors:\n", len(snap.Errors))
		for _, e := range snap.Errors {
			fmt.Printf("  %s  %s  %s\n", e.At.Format(time.RFC3339), e.Registration, e.Message)
		}
	}
}

func scanOptionsFromFlags(cmd *cobra.Command) scanner.Options {
	opts := scanOptions()
	if cmd.Flags().Changed("concurrency") {
		opts.Concurrency, _ = cmd.Flags().GetInt("concurrency")
	}
	if cmd.Flags().Changed("batch-size") {
		opts.BatchSize, _ = cmd.Flags().GetInt("batch-size")
	}
	if cmd.Flags().Changed("delay") {
		opts.InterBatchDelay, _ = cmd.Flags().GetDuration("delay")
	}
	if cmd.Flags().Changed("staleness-days") {
		days, _ := cmd.Flags().GetInt("staleness-days")
		opts.StalenessThreshold = time.Duration(days) * day
	}
	opts.Resume, _ = cmd.Flags().GetBool("resume")
	opts.Limit, _ = cmd.Flags().GetInt("limit")
	return opts
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().Int("concurrency", 5, "Number of concurrent lookups (overrides scan.concurrency)")
	scanCmd.Flags().Int("batch-size", 50, "Vehicles per batch (overrides scan.batchsize)")
	scanCmd.Flags().Duration("delay", time.Second, "Pause between batches (overrides scan.interbatchdelayms)")
	scanCmd.Flags().Int("staleness-days", 7, "Skip vehicles checked within this many days (overrides scan.stalenessthresholddays)")
	scanCmd.Flags().Bool("resume", false, "Continue after the last vehicle of a previously stopped scan")
	scanCmd.Flags().Int("limit", 0, "Process at most this many vehicles (0 = no limit)")
	scanCmd.Flags().Duration("progress", 10*time.Second, "Progress log interval")
}
