package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/fuelwatch/internal/config"
	"github.com/opensource-finance/fuelwatch/internal/domain"
	"github.com/opensource-finance/fuelwatch/internal/evaluation"
	"github.com/opensource-finance/fuelwatch/internal/repository"
	"github.com/opensource-finance/fuelwatch/internal/rules"
)

var reevaluateFlags struct {
	database string
	vehicle  string
	verbose  bool
}

var reevaluateCmd = &cobra.Command{
	Use:   "reevaluate",
	Short: "Re-run the evaluation of closed vouchers",
	Long: `Re-run rule checks and consumption analysis over every closed voucher,
oldest first, directly against the fuelwatch database. Review status of
existing anomalies is kept. Database settings come from the FUELWATCH_
environment unless --db is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var loadArgs []string
		if reevaluateFlags.database != "" {
			loadArgs = append(loadArgs, "-d", reevaluateFlags.database)
		}
		cfg, err := config.Load(loadArgs)
		if err != nil {
			return err
		}

		slog.SetDefault(config.NewLogger(cfg.Logging, os.Stderr))

		return reevaluate(cmd.Context(), cfg, reevaluateFlags.vehicle, reevaluateFlags.verbose)
	},
}

func init() {
	reevaluateCmd.Flags().StringVarP(&reevaluateFlags.database, "db", "d", "", "SQLite path or postgres:// URI")
	reevaluateCmd.Flags().StringVar(&reevaluateFlags.vehicle, "vehicle", "", "only re-evaluate vouchers of this vehicle")
	reevaluateCmd.Flags().BoolVarP(&reevaluateFlags.verbose, "verbose", "v", false, "print every voucher")
	rootCmd.AddCommand(reevaluateCmd)
}

func reevaluate(ctx context.Context, cfg *domain.Config, vehicleID string, verbose bool) error {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()

	engine, err := rules.NewEngine(cfg.Detection, nil, 20)
	if err != nil {
		return fmt.Errorf("initialize rule engine: %w", err)
	}
	defer engine.Close()

	dbRules, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	if err := engine.LoadRules(dbRules); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	processor := evaluation.NewProcessor(repo, engine, cfg.Detection, nil)

	vouchers, err := repo.ListClosedVouchers(ctx, vehicleID)
	if err != nil {
		return fmt.Errorf("list closed vouchers: %w", err)
	}

	start := time.Now()
	var flagged, failed int
	for _, v := range vouchers {
		eval, err := processor.Process(ctx, v.ID)
		if err != nil {
			failed++
			slog.Warn("re-evaluation failed", "voucher_id", v.ID, "error", err)
			continue
		}
		if eval.Status == domain.StatusFlagged {
			flagged++
		}
		if verbose {
			fmt.Printf("%-12s | %-10s | %-8s | risk=%d anomalies=%d\n",
				v.Number, v.VehicleID, eval.Status, eval.RiskScore, len(eval.Anomalies))
		}
	}

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Printf("\n%s\n", cyan("=== Re-evaluation ==="))
	fmt.Printf("   Closed vouchers: %d\n", len(vouchers))
	fmt.Printf("   Flagged:         %s\n", red(flagged))
	fmt.Printf("   Failed:          %d\n", failed)
	fmt.Printf("   Duration:        %v\n\n", time.Since(start).Round(time.Millisecond))

	if failed > 0 {
		return fmt.Errorf("%d vouchers failed to re-evaluate", failed)
	}
	return nil
}
