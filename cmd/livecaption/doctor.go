package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agleyzer/livecaption/internal/config"
	"github.com/agleyzer/livecaption/internal/journal"
	"github.com/agleyzer/livecaption/internal/transcode"
)

type check struct {
	name   string
	ok     bool
	detail string
}

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check external dependencies and configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			checks := runChecks(cfg, ctx.configPath)

			rows := make([][]string, 0, len(checks))
			failed := 0
			for _, c := range checks {
				status := "ok"
				if !c.ok {
					status = "FAIL"
					failed++
				}
				rows = append(rows, []string{c.name, status, c.detail})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Check", "Status", "Detail"}, rows, nil))
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

func runChecks(cfg *config.Config, configPath string) []check {
	checks := []check{{name: "config", ok: true, detail: configPath}}

	if path, err := transcode.CheckBinary(cfg.Transcoder.FFmpegBinary); err != nil {
		checks = append(checks, check{name: "ffmpeg", detail: err.Error()})
	} else {
		checks = append(checks, check{name: "ffmpeg", ok: true, detail: path})
	}

	checks = append(checks, secretCheck("stt api key", cfg.STT.Primary.APIKey, "OPENAI_API_KEY"))
	if command := cfg.STT.Fallback.Command; command != "" {
		if path, err := exec.LookPath(command); err != nil {
			checks = append(checks, check{name: "stt fallback", detail: err.Error()})
		} else {
			checks = append(checks, check{name: "stt fallback", ok: true, detail: path})
		}
	}
	if len(cfg.Session.TargetLanguages) > 0 {
		checks = append(checks, secretCheck("translation api key", cfg.Translation.APIKey, "XL8_API_KEY"))
	}

	checks = append(checks, writableCheck("output dir", cfg.Session.OutputDir))

	if cfg.Journal.Enabled {
		store, err := journal.Open(cfg.Journal.Path, nil)
		if err != nil {
			checks = append(checks, check{name: "journal", detail: err.Error()})
		} else {
			_ = store.Close()
			checks = append(checks, check{name: "journal", ok: true, detail: cfg.Journal.Path})
		}
	}

	if cfg.Cluster.Enabled {
		cc := clusterConfig(cfg.Cluster)
		if err := cc.Validate(); err != nil {
			checks = append(checks, check{name: "cluster", detail: err.Error()})
		} else {
			checks = append(checks, check{name: "cluster", ok: true, detail: fmt.Sprintf("%s, %d peers", cc.BindAddr, len(cc.Peers))})
		}
	}
	return checks
}

func secretCheck(name, value, env string) check {
	if value == "" {
		return check{name: name, detail: "not set (config or " + env + ")"}
	}
	return check{name: name, ok: true, detail: "set"}
}

func writableCheck(name, dir string) check {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return check{name: name, detail: err.Error()}
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return check{name: name, detail: err.Error()}
	}
	f.Close()
	_ = os.Remove(f.Name())
	return check{name: name, ok: true, detail: filepath.Clean(dir)}
}
