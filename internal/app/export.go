package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roomwatch/internal/export"
)

// Export renders a historical range as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	loc, samples, err := a.fetchRange(ctx, opts.LocationID, opts.Range)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Str("location", loc.ID).Str("range", string(opts.Range)).Msg("no samples found for export range")
		return nil
	}

	downsampled := export.Downsample(samples, opts.MaxPoints)
	a.Logger.Info().Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting samples")

	now := time.Now()
	if opts.CSVPath != "" {
		tz, err := a.Config.HistoryTimeZone()
		if err != nil {
			return err
		}
		path := resolveExportPath(opts.CSVPath, loc.ID, opts, "csv", now)
		if err := export.WriteCSVFile(path, downsampled, tz); err != nil {
			return err
		}
		a.Logger.Info().Str("path", path).Msg("csv written")
	}

	if opts.PNGPath != "" {
		name := loc.Name
		if name == "" {
			name = loc.ID
		}
		path := resolveExportPath(opts.PNGPath, loc.ID, opts, "png", now)
		err := export.WritePNGFile(path, downsampled, export.ChartOptions{
			Title:      fmt.Sprintf("%s (%s)", name, opts.Range),
			Width:      a.Config.Export.Width,
			Height:     a.Config.Export.Height,
			Thresholds: a.Config.Thresholds,
		})
		if err != nil {
			return err
		}
		a.Logger.Info().Str("path", path).Msg("chart written")
	}

	return nil
}

// resolveExportPath expands "auto" into the default file name.
func resolveExportPath(path, locationID string, opts ExportOptions, ext string, now time.Time) string {
	if path != "auto" {
		return path
	}
	return export.FileName(locationID, opts.Range, ext, now)
}
