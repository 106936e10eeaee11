package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/trustagent/mandates/pkg/protocol"
)

type sweepOutput struct {
	Command    string               `json:"command"`
	DurationMS int64                `json:"duration_ms"`
	Result     protocol.SweepResult `json:"result"`
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one lifecycle sweep (expire, then auto-approve) and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			start := time.Now()
			res, sweepErr := protocol.NewSweeper(a.Registry).RunOnce(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(sweepOutput{
				Command:    "sweep",
				DurationMS: time.Since(start).Milliseconds(),
				Result:     res,
			}); err != nil {
				return err
			}
			return sweepErr
		},
	}
}
