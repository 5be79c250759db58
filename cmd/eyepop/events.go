package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var eventsDataset string

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print pushed events until interrupted",
	Long: `Subscribes to account events (--accountUuid) and/or the events of one
dataset (--datasetUuid) and prints them as they arrive.`,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().StringVar(&eventsDataset, "datasetUuid", "", "dataset to watch")
}

func runEvents(cmd *cobra.Command, _ []string) error {
	if accountUUID == "" && eventsDataset == "" {
		return errors.New("one of --accountUuid or --datasetUuid is required")
	}
	ctx := cmd.Context()
	e, done, err := connect(ctx)
	if err != nil {
		return err
	}
	defer done()

	e.OnStateChanged(func(_, next model.State) {
		color.Yellow("state: %s", next)
	})

	show := func(ev model.Event) error {
		ts := color.HiBlackString(time.Now().Format("15:04:05"))
		fmt.Printf("%s %s %s %s\n", ts, color.CyanString(ev.Scope.String()), ev.ChangeType, string(ev.Payload))
		return nil
	}
	if accountUUID != "" {
		e.AddAccountEventHandler(show)
	}
	if eventsDataset != "" {
		e.AddDatasetEventHandler(eventsDataset, show)
	}

	color.Green("watching, press Ctrl-C to stop")
	<-ctx.Done()
	return nil
}
