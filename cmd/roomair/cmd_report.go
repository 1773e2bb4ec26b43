/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/roomair/internal/db"
	"github.com/friendsincode/roomair/internal/report"
	"github.com/friendsincode/roomair/internal/storage"
	"github.com/friendsincode/roomair/internal/usage"
)

var (
	reportRoom    string
	reportFrom    string
	reportTo      string
	reportSummary bool
	reportOut     string
	reportS3      bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Export the usage history as CSV",
	Long: `Export handled room requests as CSV.

The detail layout lists every request; --summary aggregates per room with the
latest bill. Output goes to stdout, a file, or the configured S3 bucket.

Examples:
  # Whole history to stdout
  roomair report

  # One room for March, summarized, into a file
  roomair report --room 101 --from 2026-03-01 --to 2026-04-01 --summary --out march.csv

  # Upload to ROOMAIR_S3_BUCKET under ROOMAIR_S3_PREFIX
  roomair report --summary --s3
`,
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportRoom, "room", "", "Only include this room")
	reportCmd.Flags().StringVar(&reportFrom, "from", "", "Start of window, inclusive (RFC 3339 or YYYY-MM-DD)")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "End of window, exclusive (RFC 3339 or YYYY-MM-DD)")
	reportCmd.Flags().BoolVar(&reportSummary, "summary", false, "Aggregate per room")
	reportCmd.Flags().StringVarP(&reportOut, "out", "o", "-", "Output file, - for stdout")
	reportCmd.Flags().BoolVar(&reportS3, "s3", false, "Upload to the configured S3 bucket instead of writing locally")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	filter := usage.Filter{RoomID: reportRoom}
	var err error
	if filter.From, err = parseReportTime(reportFrom); err != nil {
		return fmt.Errorf("invalid --from: %w", err)
	}
	if filter.To, err = parseReportTime(reportTo); err != nil {
		return fmt.Errorf("invalid --to: %w", err)
	}
	kind := report.KindDetail
	if reportSummary {
		kind = report.KindSummary
	}

	database, err := db.Connect(cfg, logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close(database)

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	data, err := report.Generate(ctx, database, filter, kind)
	if err != nil {
		return err
	}

	if reportS3 {
		store, err := storage.NewS3Store(ctx, storage.S3Config{
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			Endpoint:        cfg.S3Endpoint,
			Prefix:          cfg.S3Prefix,
			UsePathStyle:    cfg.S3UsePathStyle,
		}, logger)
		if err != nil {
			return err
		}
		key, err := report.Publish(ctx, store, report.Key(kind, filter, time.Now()), data)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "uploaded s3://%s/%s\n", cfg.S3Bucket, path.Join(cfg.S3Prefix, key))
		return nil
	}

	if reportOut == "-" || reportOut == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	dir, name := filepath.Split(reportOut)
	if dir == "" {
		dir = "."
	}
	if _, err := report.Publish(ctx, storage.NewFSStore(dir), name, data); err != nil {
		return err
	}
	logger.Info().Str("file", reportOut).Int("bytes", len(data)).Msg("report written")
	return nil
}

func parseReportTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.ParseInLocation(time.DateOnly, raw, time.UTC)
}

