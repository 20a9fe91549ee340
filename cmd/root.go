package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/sw33tLie/motscan/internal/utils"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

var cfgFile string

const (
	LOGO = `
  __  __  ___ _____ ___  ___   _   _  _
 |  \/  |/ _ \_   _/ __|/ __| /_\ | \| |
 | |\/| | (_) || | \__ \ (__ / _ \| .' |
 |_|  |_|\___/ |_| |___/\___/_/ \_\_|\_|

`
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "motscan",
	Short: "Bulk MOT status scanner for garage vehicle records.",
	Long: LOGO + `motscan refreshes the MOT expiry status of every vehicle in a local database
by querying the DVSA MOT History API, within its rate limits.`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.motscan.yaml)")

	// Global flags
	rootCmd.PersistentFlags().String("dbpath", "", "Path to SQLite DB file (default: ~/.config/motscan/motscan.sqlite)")
	rootCmd.PersistentFlags().StringP("loglevel", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")
}

// initConfig reads in .env, the config file and ENV variables if set.
func initConfig() {
	// Credentials usually live in a .env next to the database.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Printf("Error reading .env: %s\n", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".motscan")
		viper.SetConfigType("yaml")
	}

	// dvsa.clientsecret can be given as DVSA_CLIENTSECRET.
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; create it with defaults.
			home, _ := homedir.Dir()
			configPath := home + "/.motscan.yaml"
			if err := viper.SafeWriteConfigAs(configPath); err != nil {
				fmt.Printf("Error creating config file: %s", err)
			}
		}
	}

	// Init log library
	levelString, _ := rootCmd.PersistentFlags().GetString("loglevel")
	utils.SetLogLevel(levelString)
}

func setDefaults() {
	viper.SetDefault("dvsa.clientid", "")
	viper.SetDefault("dvsa.clientsecret", "")
	viper.SetDefault("dvsa.apikey", "")
	viper.SetDefault("dvsa.scope", "")
	viper.SetDefault("dvsa.tokenurl", "")
	viper.SetDefault("dvsa.baseurl", "")
	viper.SetDefault("dvsa.authretries", 3)
	viper.SetDefault("dvsa.authretrydelayms", 500)

	viper.SetDefault("scan.concurrency", 5)
	viper.SetDefault("scan.batchsize", 50)
	viper.SetDefault("scan.interbatchdelayms", 1000)
	viper.SetDefault("scan.maxretries", 2)
	viper.SetDefault("scan.requesttimeoutms", 10000)
	viper.SetDefault("scan.stalenessthresholddays", 7)
	viper.SetDefault("scan.requestspersecond", 10)
	viper.SetDefault("scan.backoffbasems", 500)
	viper.SetDefault("scan.duesoondays", 30)
	viper.SetDefault("scan.errorbuffersize", 50)
	viper.SetDefault("scan.advisorytypes", []string{"ADVISORY"})

	viper.SetDefault("server.username", "")
	viper.SetDefault("server.password", "")
}
