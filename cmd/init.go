package cmd

import (
	"bufio"
	"fmt"
	"github.com/AshutoshRajSingh/Zeta/zeta"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"log"
	"strings"
	"syscall"
)

// readPassword reads a password without echoing it. Tests replace it.
var readPassword = func() ([]byte, error) {
	return term.ReadPassword(int(syscall.Stdin))
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or migrate the database and set the admin API credentials",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if cfg.Database == "" || cfg.DatabaseType == "" {
			log.Fatal("ZETA_DATABASE and ZETA_DATABASE_TYPE (sqlite or postgres) must be set")
		}

		db, err := zeta.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("error creating database: %v", err)
		}

		runtimeConfig, created, err := zeta.InitRuntimeConfig(ctx, db)
		if err != nil {
			log.Fatal(err)
		}
		if created {
			fmt.Fprintln(out, "Created default runtime config.")
		}

		if runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != "" {
			fmt.Fprintln(out, "Admin credentials are already set.")
			fmt.Fprintln(out, "Initialization complete, start the bot with 'zeta run'.")
			return
		}

		fmt.Fprintln(out, "Admin credentials are not set.")
		fmt.Fprint(out, "Admin username: ")
		username, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		username = strings.TrimSpace(username)

		password, err := promptPassword(cmd)
		if err != nil {
			log.Fatalf("error reading password: %v", err)
		}

		if err = zeta.SetAdminCredentials(ctx, db, &runtimeConfig, username, password); err != nil {
			log.Fatalf("error setting admin credentials: %v", err)
		}
		fmt.Fprintln(out, "Admin credentials saved.")
		fmt.Fprintln(out, "Initialization complete, start the bot with 'zeta run'.")
	},
}

// promptPassword asks for the password twice, until both entries match
func promptPassword(cmd *cobra.Command) (string, error) {
	out := cmd.OutOrStdout()
	for {
		fmt.Fprint(out, "Admin password: ")
		password, err := readPassword()
		if err != nil {
			return "", err
		}
		fmt.Fprintln(out)

		fmt.Fprint(out, "Confirm password: ")
		confirm, err := readPassword()
		if err != nil {
			return "", err
		}
		fmt.Fprintln(out)

		if string(password) == string(confirm) {
			return string(password), nil
		}
		fmt.Fprintln(out, "Passwords do not match, try again.")
	}
}

//nolint:gochecknoinits // cobra registration
func init() {
	rootCmd.AddCommand(initCmd)
}
