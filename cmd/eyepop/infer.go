package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/storage"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	inferFile string
	inferURL  string
	inferJSON bool
)

var inferCmd = &cobra.Command{
	Use:   "infer",
	Short: "Run the pop on one image or video",
	Long: `Uploads a local file (--file) or submits a remote asset (--url) to the
session's pop and prints every prediction as it arrives.`,
	RunE: runInfer,
}

func init() {
	f := inferCmd.Flags()
	f.StringVar(&inferFile, "file", "", "local image or video")
	f.StringVar(&inferURL, "url", "", "remote asset url")
	f.BoolVar(&inferJSON, "json", false, "print raw prediction JSON")
	inferCmd.MarkFlagsMutuallyExclusive("file", "url")
	inferCmd.MarkFlagsOneRequired("file", "url")
}

func runInfer(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	e, done, err := connect(ctx)
	if err != nil {
		return err
	}
	defer done()

	stream, err := e.Process(ctx, storage.Params{Path: inferFile, URL: inferURL})
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	cyan.Printf("job %s on pop %s\n", stream.ID(), e.PopID())

	n := 0
	for p, err := range stream.All(ctx) {
		if err != nil {
			return err
		}
		n++
		if inferJSON {
			b, err := json.Marshal(p)
			if err != nil {
				return err
			}
			fmt.Println(string(b))
			continue
		}
		green.Printf("#%d ", n)
		fmt.Printf("%gx%g", p.SourceWidth, p.SourceHeight)
		if p.Seconds > 0 {
			fmt.Printf(" @%.2fs", p.Seconds)
		}
		fmt.Println()
		for _, o := range p.Objects {
			fmt.Printf("  %-16s %.2f  [%g,%g %gx%g]\n", o.ClassLabel, o.Confidence, o.X, o.Y, o.Width, o.Height)
		}
		for _, c := range p.Classes {
			fmt.Printf("  %-16s %.2f\n", c.ClassLabel, c.Confidence)
		}
	}
	if n == 0 {
		return errors.New("job finished without predictions")
	}
	fmt.Fprintf(os.Stderr, "%d predictions\n", n)
	return nil
}
