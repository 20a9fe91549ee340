package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/sw33tLie/motscan/internal/server"
	"github.com/sw33tLie/motscan/internal/utils"
	"github.com/sw33tLie/motscan/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP control API (scan start/stop/status, stats, metrics)",
	RunE: func(cmd *cobra.Command, args []string) error {
		listenAddr, _ := cmd.Flags().GetString("listen")

		db, dbPath, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		// Scans started over HTTP count as the scanning process for this DB.
		lock, err := utils.NewScanLock(dbPath)
		if err != nil {
			return err
		}
		if err := lock.Lock(); err != nil {
			return err
		}
		defer lock.Unlock()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m := metrics.New(reg)

		tokens, client, err := newDVSA(m)
		if err != nil {
			return err
		}
		s := newScanner(db, tokens, client, m)

		srv := server.New(s, db, reg, viper.GetString("server.username"), viper.GetString("server.password"))
		srv.Defaults = scanOptions()
		srv.DueSoonWindow = time.Duration(viper.GetInt("scan.duesoondays")) * day
		if srv.Username == "" && srv.Password == "" {
			utils.Log.Warn("server.username and server.password are not set, the API is unauthenticated")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		serveErr := srv.ListenAndServe(ctx, listenAddr)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			utils.Log.Warnf("Scan did not stop cleanly: %v", err)
		}
		return serveErr
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
}
