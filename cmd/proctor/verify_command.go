package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/proctorwatch/proctor-server/internal/events"
	"github.com/proctorwatch/proctor-server/internal/identity"
)

func newVerifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <image>",
		Short: "Match a single image against the enrolled gallery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			models := newModels(cfg)

			report, err := identity.Enroll(cmd.Context(), cfg.Enrollment.Dir, models)
			if err != nil {
				return fmt.Errorf("enroll %s: %w", cfg.Enrollment.Dir, err)
			}
			frame, err := identity.LoadImageFrame(args[0])
			if err != nil {
				return err
			}

			verifier := identity.NewVerifier(report.Gallery, models, cfg.Thresholds.MatchDistance)
			match, ok, err := verifier.Verify(cmd.Context(), frame)
			if err != nil {
				return fmt.Errorf("verify %s: %w", args[0], err)
			}
			if !ok {
				return fmt.Errorf("%s: no enrolled student within distance %.2f", args[0], verifier.Threshold())
			}
			fmt.Fprintln(cmd.OutOrStdout(), events.VerifiedMessage(match.SubjectID, match.Distance))
			return nil
		},
	}
}
