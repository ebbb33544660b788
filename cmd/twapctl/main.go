package main

import (
	fpmath "PerpOracle/internal/math"
	"PerpOracle/internal/oracle"
	"PerpOracle/internal/scenario"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "twapctl",
	Short:         "Offline tools for the PerpOracle TWAP accumulator",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay a YAML scenario through a fresh oracle",
	Example: `  # Replay a scenario and print each step
  twapctl simulate -f scenarios/first-window.yaml`,
	RunE: runSimulate,
}

var capCmd = &cobra.Command{
	Use:   "cap",
	Short: "Show the step cap applied to a price",
	Example: `  # 5% against a 100.00 baseline: a write that closes one window (capped 105.00)
  twapctl cap --baseline 100.00 --price 200.00 --bps 500

  # Each extra closed window adds a step: two windows closed at once (capped 110.00)
  twapctl cap --baseline 100.00 --price 200.00 --bps 500 --windows 1`,
	RunE: runCap,
}

var (
	scenarioFile string

	capBaseline string
	capPrice    string
	capBps      uint64
	capWindows  uint64
)

func init() {
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(capCmd)

	simulateCmd.Flags().StringVarP(&scenarioFile, "file", "f", "", "scenario YAML file")
	simulateCmd.MarkFlagRequired("file")

	capCmd.Flags().StringVar(&capBaseline, "baseline", "", "window TWAP baseline (decimal)")
	capCmd.Flags().StringVar(&capPrice, "price", "", "incoming price (decimal)")
	capCmd.Flags().Uint64Var(&capBps, "bps", 500, "max basis points per step")
	capCmd.Flags().Uint64Var(&capWindows, "windows", 0, "full windows closed beyond the first (0 for a single-window rollover)")
	capCmd.MarkFlagRequired("baseline")
	capCmd.MarkFlagRequired("price")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runSimulate(cmd *cobra.Command, args []string) error {
	s, err := scenario.LoadFile(scenarioFile)
	if err != nil {
		return err
	}
	res, err := scenario.Run(s)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if res.Name != "" {
		fmt.Fprintf(out, "scenario: %s\n", res.Name)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AT_MS\tPRICE\tPHASE\tCAPPED\tWINDOW_TWAP\tTWAP\tTOTAL\tRESULT")
	for _, st := range res.Steps {
		twap := "-"
		if st.TWAP != nil {
			twap = fmt.Sprintf("%d", *st.TWAP)
		}
		result := "ok"
		switch {
		case len(st.Mismatches) > 0:
			result = "FAIL"
		case st.Err != "":
			result = "err:" + st.Err
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%s\t%s\t%s\n",
			st.AtMs, st.Price, st.Phase, st.CappedPrice, st.WindowTWAP, twap, st.Total, result)
	}
	w.Flush()

	for _, st := range res.Steps {
		for _, m := range st.Mismatches {
			fmt.Fprintf(out, "  at_ms=%d: %s\n", st.AtMs, m)
		}
	}

	if !res.Passed() {
		return fmt.Errorf("scenario expectations failed")
	}
	return nil
}

func runCap(cmd *cobra.Command, args []string) error {
	baseline, err := fpmath.PriceConfig.ParseDecimal(capBaseline)
	if err != nil {
		return fmt.Errorf("baseline: %w", err)
	}
	price, err := fpmath.PriceConfig.ParseDecimal(capPrice)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}

	capped := oracle.CapPriceChange(baseline, price, capBps, capWindows)
	fmt.Fprintf(cmd.OutOrStdout(), "input=%s capped=%s baseline=%s bps=%d windows=%d\n",
		fpmath.PriceConfig.FormatDecimal(price),
		fpmath.PriceConfig.FormatDecimal(capped),
		fpmath.PriceConfig.FormatDecimal(baseline),
		capBps, capWindows)
	return nil
}
