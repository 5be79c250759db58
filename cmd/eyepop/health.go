package main

import (
	"errors"
	"fmt"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/sdk"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the API and, when configured, the gRPC push endpoint",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		e, err := sdk.NewEndpoint(cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		hc := e.Healthcheck()
		doc, err := hc.HTTP(ctx)
		if err != nil {
			return err
		}
		color.Green("http: ok")
		for k, v := range doc {
			fmt.Printf("  %s: %v\n", k, v)
		}

		st, err := hc.GRPC(ctx)
		switch {
		case errors.Is(err, model.ErrUnsupportedOperation):
			color.HiBlack("grpc: not configured")
		case err != nil:
			return err
		default:
			color.Green("grpc: %s", st)
		}
		return nil
	},
}
