package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"askhuman/internal/config"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your askhuman setup",
		Long: `Verifies that the configuration loads, the selected transport has its
credentials, and the local listen addresses are free. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("askhuman doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			r := &doctorReport{}

			// 1. Config file exists (env-only setups are allowed)
			if _, err := os.Stat(cfgPath); err != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s, using defaults and environment", cfgPath))
			} else {
				r.pass("Config file", cfgPath)
			}

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			// 3. Transport credentials and routing
			if err := config.RequireRunnable(cfg); err != nil {
				r.fail("Transport: "+cfg.Question.Transport, err.Error())
			} else {
				r.pass("Transport: "+cfg.Question.Transport,
					fmt.Sprintf("asking %s in %s", cfg.Question.ExpectedAuthor, cfg.Question.Destination))
			}

			// 4. Listen addresses
			switch cfg.Question.Transport {
			case "websocket":
				r.checkAddr("WebSocket addr", cfg.Transports.WebSocket.Addr)
			case "webhook":
				r.checkAddr("Webhook addr", cfg.Transports.Webhook.Addr)
			}
			if cfg.Metrics.Enabled {
				r.checkAddr("Metrics addr", cfg.Metrics.Addr)
			}

			// 5. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.summary()
		},
	}
}

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *doctorReport) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *doctorReport) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func (r *doctorReport) checkAddr(check, addr string) {
	if err := checkAddr(addr); err != nil {
		r.warn(check, fmt.Sprintf("%s may be in use: %v", addr, err))
		return
	}
	r.pass(check, addr+" available")
}

func (r *doctorReport) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running askhuman.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\naskhuman should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! Run 'askhuman serve' to expose the ask_human tool.\n")
	}
	return nil
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
