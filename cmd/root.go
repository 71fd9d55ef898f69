package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/masterdata-cli/internal/config"
	"github.com/sells-group/masterdata-cli/internal/model"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "masterdata-cli",
	Short: "Master-data maintenance service",
	Long:  "Maintains temporal master data (municipalities, persons, postcodes, holidays): validity-period editing, bulk CSV/XLSX/ZIP uploads, CSV downloads, and a token-guarded admin API.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return model.ValidateRegistry()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
