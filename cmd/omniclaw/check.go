package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"omniclaw/internal/domain"
	"omniclaw/internal/infra/config"
	"omniclaw/internal/infra/logger"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runCheck executes all health checks and reports results.
func runCheck() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Data directory", Fn: checkDataDir},
		{Name: "Backends", Fn: checkBackends},
		{Name: "Channels", Fn: checkChannels},
		{Name: "Groups", Fn: checkGroups},
	}

	fmt.Println("omniclaw check")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func notLoaded() CheckResult {
	return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
}

// checkConfigFile returns a check that verifies the config file exists and parses correctly.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file not found at %s", cfgPath),
				Fix:     "Create config.yaml or pass --config PATH",
			}
		}
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file parse error: %v", cfgErr),
				Fix:     "Check config.yaml syntax",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkDataDir verifies the data directory can be created and written.
func checkDataDir(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", cfg.DataDir, err),
			Fix:     "Set data_dir to a writable location",
		}
	}
	f, err := os.CreateTemp(cfg.DataDir, ".check-*")
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", cfg.DataDir, err),
			Fix:     "Set data_dir to a writable location",
		}
	}
	name := f.Name()
	f.Close()
	os.Remove(name)

	abs, _ := filepath.Abs(cfg.DataDir)
	return CheckResult{Status: StatusPass, Message: abs + " is writable"}
}

// checkBackends initializes every enabled backend and reports which are usable.
func checkBackends(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	reg, err := buildBackends(cfg, logger.Discard())
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	initErr := reg.Initialize(ctx)
	defer reg.Shutdown(ctx)

	status := reg.Status()
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)

	var ok, down []string
	for _, name := range names {
		if err := status[name]; err != nil {
			down = append(down, fmt.Sprintf("%s (%v)", name, err))
		} else {
			ok = append(ok, name)
		}
	}

	if initErr != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: initErr.Error(),
			Fix:     "Enable the default backend or change backends.default",
		}
	}
	if len(down) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("usable: %s; unavailable: %s", strings.Join(ok, ", "), strings.Join(down, ", ")),
		}
	}
	return CheckResult{Status: StatusPass, Message: "usable: " + strings.Join(ok, ", ")}
}

// checkChannels verifies the configured channels can be constructed.
func checkChannels(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if len(cfg.Channels) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no channels configured; only scheduled tasks will run",
			Fix:     "Add a channel under channels:",
		}
	}
	chans, err := buildChannels(cfg, logger.Discard())
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	names := make([]string, 0, len(chans))
	for _, ch := range chans {
		names = append(names, ch.Name())
	}
	return CheckResult{Status: StatusPass, Message: "configured: " + strings.Join(names, ", ")}
}

// checkGroups verifies that groups exist, exactly one is main and every
// group names a configured channel.
func checkGroups(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if len(cfg.Groups) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no groups configured; incoming messages will be ignored",
			Fix:     "Add a group under groups:",
		}
	}

	channels := make(map[string]bool, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channels[ch.Type] = true
	}

	var mains int
	var problems []string
	for _, g := range cfg.Groups {
		if err := domain.ValidateFolder(g.Folder); err != nil {
			problems = append(problems, err.Error())
		}
		if g.IsMain {
			mains++
		}
		if !channels[g.Channel] {
			problems = append(problems, fmt.Sprintf("group %s uses unconfigured channel %q", g.Folder, g.Channel))
		}
	}
	if len(problems) > 0 {
		return CheckResult{Status: StatusFail, Message: strings.Join(problems, "; ")}
	}
	if mains != 1 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d groups, %d marked is_main", len(cfg.Groups), mains),
			Fix:     "Mark exactly one admin group with is_main: true",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d groups", len(cfg.Groups))}
}
