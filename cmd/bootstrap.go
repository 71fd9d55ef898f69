package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Create the initial admin account from MDM_BOOTSTRAP_ADMIN_* settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		b := cfg.Bootstrap
		if b.AdminUsername == "" || b.AdminPassword == "" {
			return eris.New("bootstrap requires MDM_BOOTSTRAP_ADMIN_USERNAME and MDM_BOOTSTRAP_ADMIN_PASSWORD")
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(b.AdminPassword), bcrypt.DefaultCost)
		if err != nil {
			return eris.Wrap(err, "hash admin password")
		}

		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}

		created, err := st.EnsureUser(cmd.Context(), b.AdminUsername, b.AdminEmail, string(hash))
		if err != nil {
			return err
		}
		if created {
			zap.L().Info("admin account created", zap.String("username", b.AdminUsername))
			fmt.Printf("created admin account %q\n", b.AdminUsername)
		} else {
			fmt.Printf("admin account %q already exists, nothing to do\n", b.AdminUsername)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(bootstrapCmd)
}
