package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/amanullahtanweer/stream-transcriber/internal/sessionlog"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions stored in the session log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		summaries, err := sessionlog.List(cfg.SessionLog.Path)
		var malformed *sessionlog.MalformedLogError
		if errors.As(err, &malformed) {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		} else if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Printf("No sessions in %s\n", cfg.SessionLog.Path)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tSTART\tEND\tCHUNKS")
		for _, s := range summaries {
			if s.Err != nil {
				fmt.Fprintf(w, "%s\t-\t-\tunreadable: %v\n", s.Name, s.Err)
				continue
			}
			end := "interrupted"
			if s.End != nil {
				end = s.End.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", s.Name, s.Start.Format("2006-01-02 15:04:05"), end, s.Chunks)
		}
		return w.Flush()
	},
}
