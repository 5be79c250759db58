// Command eyepop runs inference, watches events and probes service health
// from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/config"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/sdk"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	popID       string
	accountUUID string
	sandbox     bool
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:           "eyepop",
	Short:         "EyePop command line client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (.yaml, .toml or .json)")
	pf.StringVar(&popID, "pop", "", "pop id to attach to")
	pf.StringVar(&accountUUID, "accountUuid", "", "account uuid for data operations and account events")
	pf.BoolVar(&sandbox, "sandbox", false, "open a sandbox session (transient pop unless --pop is set)")
	pf.BoolVar(&debug, "debug", false, "verbose logging")

	rootCmd.AddCommand(inferCmd, eventsCmd, healthCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// loadConfig merges the config file, EYEPOP_* variables and flags, in that
// order of precedence from lowest to highest.
func loadConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if configPath != "" {
		c, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	cfg.ApplyEnv()
	if popID != "" {
		cfg.PopID = popID
	}
	if accountUUID != "" {
		cfg.AccountUUID = accountUUID
	}
	if sandbox {
		cfg.Sandbox = true
	}
	if debug {
		cfg.Debug = true
	}
	return cfg, nil
}

// connect builds an endpoint from the merged configuration and connects it.
// The returned function disconnects and closes it.
func connect(ctx context.Context) (*sdk.Endpoint, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	e, err := sdk.NewEndpoint(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := e.Connect(ctx); err != nil {
		_ = e.Disconnect(context.WithoutCancel(ctx))
		_ = e.Close()
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	return e, func() {
		_ = e.Disconnect(context.WithoutCancel(ctx))
		_ = e.Close()
	}, nil
}
