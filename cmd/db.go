package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/sw33tLie/motscan/internal/utils"
	"github.com/sw33tLie/motscan/pkg/registration"
	"github.com/sw33tLie/motscan/pkg/storage"
)

// dbCmd represents the db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Interact with the motscan database",
}

// shellCmd represents the shell command
var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive shell to the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("dbpath")
		dbPath, err := utils.GetAbsDBPath(dbPath)
		if err != nil {
			return err
		}

		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return fmt.Errorf("database file not found: %s", dbPath)
		}

		// Check if sqlite3 is in PATH
		sqlitePath, err := exec.LookPath("sqlite3")
		if err != nil {
			return fmt.Errorf("sqlite3 command not found in your PATH. Please install it to use the db shell")
		}

		// Print schema first
		fmt.Println("--> Database schema:")
		schemaCmd := exec.Command(sqlitePath, dbPath, ".schema")
		schemaCmd.Stdout = os.Stdout
		schemaCmd.Stderr = os.Stderr
		if err := schemaCmd.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: couldn't retrieve schema: %v\n", err)
		}
		fmt.Println("\n--> Starting interactive shell... (Ctrl+D to exit)")

		c := exec.Command(sqlitePath, dbPath)
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr

		return c.Run()
	},
}

// addCmd imports registrations, from arguments or a file with one per line.
var addCmd = &cobra.Command{
	Use:   "add [registration...]",
	Short: "Add vehicles to the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		regs := append([]string{}, args...)

		file, _ := cmd.Flags().GetString("file")
		if file != "" {
			fromFile, err := readLines(file)
			if err != nil {
				return err
			}
			regs = append(regs, fromFile...)
		}
		if len(regs) == 0 {
			return fmt.Errorf("no registrations given. Pass them as arguments or with --file")
		}

		db, _, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		var added, existing, invalid int
		for _, raw := range regs {
			res := registration.Validate(raw)
			if res.Cleaned == "" {
				continue
			}
			if !res.IsValid {
				// Stored anyway; the next scan classifies it without a lookup.
				utils.Log.Warnf("%s does not look like a UK registration", res.Cleaned)
				invalid++
			}
			ok, err := db.UpsertVehicle(cmd.Context(), res.Cleaned, "", "")
			if err != nil {
				return err
			}
			if ok {
				added++
			} else {
				existing++
			}
		}

		fmt.Printf("Added %d vehicles (%d already present, %d with an unrecognised format).\n", added, existing, invalid)
		return nil
	},
}

// listCmd prints stored vehicles.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List vehicles and their last known MOT status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		status, _ := cmd.Flags().GetString("status")
		search, _ := cmd.Flags().GetString("search")
		limit, _ := cmd.Flags().GetInt("limit")

		vehicles, err := db.ListVehicles(cmd.Context(), storage.ListOptions{
			Status: storage.InspectionStatus(strings.ToUpper(status)),
			Search: registration.Clean(search),
			Limit:  limit,
		})
		if err != nil {
			return err
		}
		if len(vehicles) == 0 {
			fmt.Println("No vehicles found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "REGISTRATION\tSTATUS\tEXPIRY\tMAKE\tMODEL\tLAST CHECKED\t")
		for _, v := range vehicles {
			expiry, checked := "-", "never"
			if v.ExpiryDate != nil {
				expiry = v.ExpiryDate.Format("2006-01-02")
			}
			if v.LastCheckedAt != nil {
				checked = v.LastCheckedAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t\n", v.Registration, orDash(string(v.Status)), expiry, orDash(v.Make), orDash(v.Model), checked)
		}
		w.Flush()
		return nil
	},
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(shellCmd)
	dbCmd.AddCommand(addCmd)
	dbCmd.AddCommand(listCmd)

	addCmd.Flags().StringP("file", "f", "", "File with one registration per line")
	listCmd.Flags().String("status", "", "Only vehicles with this stored status (VALID, UNKNOWN, NOT_FOUND, INVALID_FORMAT, UNCHECKED)")
	listCmd.Flags().String("search", "", "Registration substring")
	listCmd.Flags().Int("limit", 100, "Maximum rows (0 = all)")
}
