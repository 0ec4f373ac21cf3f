package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"scanbot/internal/config"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

// doctorReport counts check outcomes and prints one line per check.
type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the scanbot installation",
		Long: `Verifies that the configuration, pipeline interpreter and script, work
directory, history database and channels are set up. Reports pass/fail for
each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("scanbot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r doctorReport

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'scanbot init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
				return nil
			}
			r.pass("Config validation", "valid")

			checkPipeline(&r, cfg.Pipeline)

			if cfg.History.Enabled {
				if err := checkDatabase(cfg.History.DBPath); err != nil {
					r.fail("History database", err.Error())
				} else {
					r.pass("History database", cfg.History.DBPath)
				}
			} else {
				r.warn("History database", "disabled")
			}

			switch {
			case !cfg.Channels.Discord.Enabled && !cfg.Channels.Telegram.Enabled:
				r.fail("Channels", "no channels enabled")
			default:
				if cfg.Channels.Discord.Enabled {
					r.pass("Channel: discord", "token configured")
				}
				if cfg.Channels.Telegram.Enabled {
					r.pass("Channel: telegram", "token configured")
				}
			}

			if cfg.Metrics.Enabled {
				if err := checkListen(cfg.Metrics.Listen); err != nil {
					r.warn("Metrics listen", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
				} else {
					r.pass("Metrics listen", cfg.Metrics.Listen+" available")
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running scanbot.\n")
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned > 0 {
				fmt.Printf("\nscanbot should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! scanbot is ready to run.\n")
			}
			return nil
		},
	}
}

func checkPipeline(r *doctorReport, p config.PipelineConfig) {
	if path, err := exec.LookPath(p.Interpreter); err != nil {
		r.fail("Interpreter", fmt.Sprintf("%s not found on PATH", p.Interpreter))
	} else {
		r.pass("Interpreter", path)
	}

	if info, err := os.Stat(p.Script); err != nil {
		r.fail("Pipeline script", fmt.Sprintf("not found: %s", p.Script))
	} else if info.IsDir() {
		r.fail("Pipeline script", fmt.Sprintf("is a directory: %s", p.Script))
	} else {
		r.pass("Pipeline script", p.Script)
	}

	if err := checkWritableDir(p.WorkDir); err != nil {
		r.fail("Work directory", err.Error())
	} else {
		r.pass("Work directory", p.WorkDir)
	}

	if !p.Exclusive {
		r.warn("Exclusive runs", "disabled; concurrent runs share the pipeline's store")
	}
	if p.TimeoutSeconds == 0 {
		r.warn("Pipeline timeout", "none; a hung pipeline blocks its attachment forever")
	}
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
