// Binary orbctl is an interactive console for the config file and the kill switch.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"orb-go/internal/config"
	"orb-go/internal/execution"
)

func main() {
	path := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	reader := bufio.NewReader(os.Stdin)
	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	for {
		fmt.Println("\n=== ORB Control ===")
		fmt.Println("1) Show configuration summary")
		fmt.Println("2) Edit risk and sizing knobs")
		fmt.Println("3) Edit universe")
		fmt.Println("4) Toggle kill switch")
		fmt.Println("5) Save config")
		fmt.Println("6) Launch service")
		fmt.Println("7) Reload config from disk")
		fmt.Println("0) Exit")
		fmt.Print("Select option: ")

		input, err := reader.ReadString('\n')
		if err == io.EOF {
			return
		}
		switch strings.TrimSpace(input) {
		case "1":
			printSummary(os.Stdout, cfg)
		case "2":
			editRisk(reader, cfg)
		case "3":
			editUniverse(reader, cfg)
		case "4":
			toggleKillSwitch(cfg)
		case "5":
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(os.Stderr, "not saved, config invalid: %v\n", err)
			} else if err := config.Save(*path, cfg); err != nil {
				fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
			} else {
				fmt.Println("config saved")
			}
		case "6":
			launchService(reader, *path)
		case "7":
			reloaded, err := config.Load(*path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "reload failed: %v\n", err)
			} else {
				cfg = reloaded
				fmt.Println("config reloaded")
			}
		case "0":
			return
		default:
			fmt.Println("unknown option")
		}
	}
}

func printSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "\n--- Configuration Summary ---")
	fmt.Fprintf(w, "Universe (%d): %s\n", len(cfg.Universe), strings.Join(cfg.Universe, ", "))
	fmt.Fprintf(w, "Session: %s %s-%s, opening range %s\n", cfg.Session.Zone, cfg.Session.Open, cfg.Session.Close, cfg.Session.OpeningRange)
	fmt.Fprintf(w, "Top N: %d per side (%s)\n", cfg.Strategy.TopN, cfg.Strategy.SideMode)
	fmt.Fprintf(w, "Stop: %.2f x ATR | target: %.2fR\n", cfg.Strategy.StopFractionOfATR, cfg.Strategy.TargetRMultiple)
	fmt.Fprintf(w, "Daily risk budget: %.2f%% | per trade: %.2f%%\n", cfg.Risk.DailyRiskBudgetPct*100, cfg.Risk.RiskPerTradePct*100)
	fmt.Fprintf(w, "Filters: price >= $%.2f | avg volume >= %.0f | ATR >= %.2f | max %.2f%% of volume\n",
		cfg.Strategy.Filters.MinPrice, cfg.Strategy.Filters.MinAvgVolume, cfg.Strategy.Filters.MinATR, cfg.Strategy.Filters.MaxPctOfVolume*100)
	fmt.Fprintf(w, "Dry run: %t | max retries: %d\n", cfg.Execution.DryRun, cfg.Execution.MaxRetries)
	fmt.Fprintf(w, "Kill switch: %t (%s)\n", execution.NewKillSwitch(cfg.KillSwitchFile()).Engaged(), cfg.KillSwitchFile())
}

func editRisk(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Risk / Sizing ---")
	cfg.Strategy.TopN = int(promptFloat(reader, "Top N per side", float64(cfg.Strategy.TopN)))
	cfg.Risk.DailyRiskBudgetPct = promptPercent(reader, "Daily risk budget (%)", cfg.Risk.DailyRiskBudgetPct)
	cfg.Risk.RiskPerTradePct = promptPercent(reader, "Risk per trade (%, 0 = budget / top N)", cfg.Risk.RiskPerTradePct)
	cfg.Strategy.StopFractionOfATR = promptFloat(reader, "Stop as a fraction of ATR", cfg.Strategy.StopFractionOfATR)
	cfg.Strategy.TargetRMultiple = promptFloat(reader, "Target R multiple", cfg.Strategy.TargetRMultiple)
	cfg.Strategy.Filters.MaxPctOfVolume = promptPercent(reader, "Max share of average volume (%)", cfg.Strategy.Filters.MaxPctOfVolume)
}

func editUniverse(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Universe ---")
	fmt.Printf("Current symbols: %s\n", strings.Join(cfg.Universe, ", "))
	fmt.Print("Enter symbols comma-separated (blank to keep): ")
	if line, _ := reader.ReadString('\n'); strings.TrimSpace(line) != "" {
		cfg.Universe = nil
		for _, p := range strings.Split(strings.TrimSpace(line), ",") {
			if trimmed := strings.ToUpper(strings.TrimSpace(p)); trimmed != "" {
				cfg.Universe = append(cfg.Universe, trimmed)
			}
		}
	}
}

func toggleKillSwitch(cfg *config.Config) {
	ks := execution.NewKillSwitch(cfg.KillSwitchFile())
	next := !ks.Engaged()
	if err := ks.Set(next); err != nil {
		fmt.Fprintf(os.Stderr, "kill switch: %v\n", err)
		return
	}
	fmt.Printf("kill switch engaged: %t\n", next)
}

func launchService(reader *bufio.Reader, path string) {
	fmt.Println("Launching orb service (Ctrl+C to stop)...")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "run", "./cmd/orb", "serve", "-config", path)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start service: %v\n", err)
		return
	}

	go func() {
		_ = cmd.Wait()
		cancel()
	}()

	fmt.Print("\nPress ENTER to stop the service and return to menu...")
	_, _ = reader.ReadString('\n')
	cancel()
	time.Sleep(500 * time.Millisecond)
}

func promptFloat(reader *bufio.Reader, label string, current float64) float64 {
	fmt.Printf("%s [%.4g]: ", label, current)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	val, err := strconv.ParseFloat(line, 64)
	if err != nil {
		fmt.Printf("invalid number, keeping %.4g\n", current)
		return current
	}
	return val
}

func promptPercent(reader *bufio.Reader, label string, current float64) float64 {
	pct := promptFloat(reader, label, current*100)
	return pct / 100
}
