package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/proctorwatch/proctor-server/internal/config"
	"github.com/proctorwatch/proctor-server/internal/detector"
	"github.com/proctorwatch/proctor-server/internal/identity"
	"github.com/proctorwatch/proctor-server/internal/store"
)

func newModels(cfg *config.Config) *detector.HTTPClient {
	return detector.NewHTTPClient(cfg.Detector.URL, cfg.DetectorTimeout())
}

// studentsFrom maps an enrolled gallery onto store rows.
func studentsFrom(g *identity.Gallery, at time.Time) []store.Student {
	subjects := g.Subjects()
	out := make([]store.Student, 0, len(subjects))
	for _, s := range subjects {
		out = append(out, store.Student{Name: s.Name, Embeddings: len(s.Embeddings), EnrolledAt: at})
	}
	return out
}

func newEnrollCommand(ctx *commandContext) *cobra.Command {
	var dir string
	var sync bool

	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Build the student gallery and list what was enrolled",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("dir") {
				cfg.Enrollment.Dir = dir
			}

			report, err := identity.Enroll(cmd.Context(), cfg.Enrollment.Dir, newModels(cfg))
			if report != nil {
				printEnrollReport(cmd, report)
			}
			if err != nil {
				return fmt.Errorf("enroll %s: %w", cfg.Enrollment.Dir, err)
			}

			if sync {
				if err := syncStudents(cmd.Context(), cfg.Store.Path, report.Gallery); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Synced %d students to %s\n", report.Gallery.Len(), cfg.Store.Path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Enrollment directory (overrides enrollment.dir)")
	cmd.Flags().BoolVar(&sync, "sync", false, "Write the enrolled students to the attendance store")
	return cmd
}

func syncStudents(ctx context.Context, path string, g *identity.Gallery) error {
	if path == "" {
		return fmt.Errorf("store.path is not configured")
	}
	db, err := store.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.SyncStudents(ctx, studentsFrom(g, time.Now()))
}

func printEnrollReport(cmd *cobra.Command, report *identity.EnrollReport) {
	out := cmd.OutOrStdout()

	if report.Gallery != nil && report.Gallery.Len() > 0 {
		rows := make([][]string, 0, report.Gallery.Len())
		for i, s := range report.Gallery.Subjects() {
			rows = append(rows, []string{strconv.Itoa(i + 1), s.Name, strconv.Itoa(len(s.Embeddings))})
		}
		fmt.Fprintln(out, renderTable([]string{"#", "Student", "Embeddings"}, rows, []columnAlignment{alignRight, alignLeft, alignRight}))
	}

	if len(report.Skipped) > 0 {
		rows := make([][]string, 0, len(report.Skipped))
		for _, s := range report.Skipped {
			rows = append(rows, []string{s.Subject, filepath.Base(s.Path), s.Reason})
		}
		fmt.Fprintln(out, "Skipped images:")
		fmt.Fprintln(out, renderTable([]string{"Student", "Image", "Reason"}, rows, nil))
	}

	for _, name := range report.Excluded {
		fmt.Fprintf(out, "Excluded %s: no usable face\n", name)
	}
}
