package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/sw33tLie/motscan/internal/utils"
	"github.com/sw33tLie/motscan/pkg/dvsa"
	"github.com/sw33tLie/motscan/pkg/metrics"
	"github.com/sw33tLie/motscan/pkg/scanner"
	"github.com/sw33tLie/motscan/pkg/storage"
)

const day = 24 * time.Hour

// openDB opens the database selected by --dbpath.
func openDB(cmd *cobra.Command) (*storage.DB, string, error) {
	dbPath, _ := cmd.Flags().GetString("dbpath")
	absPath, err := utils.GetAbsDBPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	db, err := storage.Open(absPath)
	if err != nil {
		return nil, "", fmt.Errorf("opening %s: %w", absPath, err)
	}
	return db, absPath, nil
}

func requireCredentials() error {
	var missing []string
	for _, key := range []string{"dvsa.clientid", "dvsa.clientsecret", "dvsa.apikey"} {
		if viper.GetString(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing DVSA credentials %v. Configure them in ~/.motscan.yaml or .env", missing)
	}
	return nil
}

// newDVSA builds the token manager and status client from config. m may be
// nil.
func newDVSA(m *metrics.Collector) (*dvsa.TokenManager, *dvsa.Client, error) {
	if err := requireCredentials(); err != nil {
		return nil, nil, err
	}

	authRetries := viper.GetInt("dvsa.authretries")
	if authRetries <= 0 {
		authRetries = dvsa.NoRetries
	}

	tokenCfg := dvsa.TokenConfig{
		TokenURL:     viper.GetString("dvsa.tokenurl"),
		ClientID:     viper.GetString("dvsa.clientid"),
		ClientSecret: viper.GetString("dvsa.clientsecret"),
		Scope:        viper.GetString("dvsa.scope"),
		Retries:      authRetries,
		RetryDelay:   time.Duration(viper.GetInt("dvsa.authretrydelayms")) * time.Millisecond,
		Timeout:      time.Duration(viper.GetInt("scan.requesttimeoutms")) * time.Millisecond,
		Log:          utils.Log,
	}
	if m != nil {
		tokenCfg.OnRefresh = m.TokenRefreshed
	}
	tokens := dvsa.NewTokenManager(tokenCfg)
	utils.Log.Debugf("Using DVSA client %s", utils.MaskSecret(tokenCfg.ClientID))

	clientCfg := dvsa.Config{
		BaseURL:           viper.GetString("dvsa.baseurl"),
		APIKey:            viper.GetString("dvsa.apikey"),
		MaxRetries:        viper.GetInt("scan.maxretries"),
		BackoffBase:       time.Duration(viper.GetInt("scan.backoffbasems")) * time.Millisecond,
		RequestTimeout:    time.Duration(viper.GetInt("scan.requesttimeoutms")) * time.Millisecond,
		RequestsPerSecond: viper.GetFloat64("scan.requestspersecond"),
		Log:               utils.Log,
	}
	if m != nil {
		clientCfg.Observer = m
	}
	return tokens, dvsa.NewClient(clientCfg, tokens), nil
}

// newScanner wires a Scanner. tokens, client and m may be nil for read-only
// use such as stats.
func newScanner(db *storage.DB, tokens *dvsa.TokenManager, client *dvsa.Client, m *metrics.Collector) *scanner.Scanner {
	cfg := scanner.Config{
		Store:         db,
		Log:           utils.Log,
		DueSoonWindow: time.Duration(viper.GetInt("scan.duesoondays")) * day,
		AdvisoryTypes: viper.GetStringSlice("scan.advisorytypes"),
	}
	if tokens != nil {
		cfg.Tokens = tokens
	}
	if client != nil {
		cfg.Fetcher = client
	}
	if m != nil {
		cfg.Metrics = m
	}
	return scanner.New(cfg)
}

// scanOptions reads scan options from config.
func scanOptions() scanner.Options {
	return scanner.Options{
		Concurrency:        viper.GetInt("scan.concurrency"),
		BatchSize:          viper.GetInt("scan.batchsize"),
		InterBatchDelay:    time.Duration(viper.GetInt("scan.interbatchdelayms")) * time.Millisecond,
		StalenessThreshold: time.Duration(viper.GetInt("scan.stalenessthresholddays")) * day,
		ErrorBufferSize:    viper.GetInt("scan.errorbuffersize"),
	}
}

func isAuthError(err error) bool {
	return errors.Is(err, dvsa.ErrAuth)
}
