// Package export renders historical ranges as CSV tables and PNG charts.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"roomwatch/internal/history"
	"roomwatch/internal/telemetry"
)

// ErrNotEnoughData is returned when a chart would have fewer than two points.
var ErrNotEnoughData = errors.New("at least two samples are needed to draw a chart")

// TimestampLayout matches the controllers' own timestamp format.
const TimestampLayout = "2006-01-02 15:04:05"

var csvHeader = []string{"Timestamp", "Temperature (°C)", "Humidity (%)"}

// FileName builds the default export name, e.g. "room1_24h_2026-06-01.csv".
func FileName(locationID string, r history.Range, ext string, now time.Time) string {
	return fmt.Sprintf("room%s_%s_%s.%s", locationID, r, now.Format("2006-01-02"), ext)
}

// Downsample keeps at most max evenly spaced samples, always including the
// first and last.
func Downsample(samples []telemetry.Sample, max int) []telemetry.Sample {
	if max <= 0 || len(samples) <= max {
		return samples
	}
	if max == 1 {
		return samples[len(samples)-1:]
	}
	out := make([]telemetry.Sample, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		out = append(out, samples[idx])
	}
	return out
}

// WriteCSV writes one row per sample. Timestamps are rendered in tz; a metric
// missing from a sample leaves its cell empty.
func WriteCSV(w io.Writer, samples []telemetry.Sample, tz *time.Location) error {
	if tz == nil {
		tz = time.Local
	}
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, s := range samples {
		record := []string{
			s.Timestamp.In(tz).Format(TimestampLayout),
			cell(s, telemetry.MetricTemperature),
			cell(s, telemetry.MetricHumidity),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func cell(s telemetry.Sample, metric string) string {
	v, ok := s.Value(metric)
	if !ok {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ChartOptions style a PNG chart.
type ChartOptions struct {
	Title      string
	Width      int
	Height     int
	Thresholds map[string]float64
}

// WritePNG charts temperature on the left axis and humidity on the right,
// each with a dashed line at its threshold.
func WritePNG(w io.Writer, samples []telemetry.Sample, opts ChartOptions) error {
	if len(samples) < 2 {
		return ErrNotEnoughData
	}
	if opts.Width <= 0 {
		opts.Width = 1280
	}
	if opts.Height <= 0 {
		opts.Height = 480
	}

	temperature := collect(samples, telemetry.MetricTemperature)
	humidity := collect(samples, telemetry.MetricHumidity)
	if len(temperature.XValues) < 2 && len(humidity.XValues) < 2 {
		return ErrNotEnoughData
	}

	first, last := samples[0].Timestamp, samples[len(samples)-1].Timestamp
	var series []chart.Series
	if len(temperature.XValues) >= 2 {
		temperature.Name = "Temperature (°C)"
		temperature.Style = chart.Style{StrokeColor: drawing.ColorFromHex("e11d48"), StrokeWidth: 2}
		series = append(series, temperature)
		if limit, ok := opts.Thresholds[telemetry.MetricTemperature]; ok {
			series = append(series, thresholdLine("Temperature limit", first, last, limit, "e11d48", chart.YAxisPrimary))
		}
	}
	secondary := len(humidity.XValues) >= 2
	if secondary {
		humidity.Name = "Humidity (%)"
		humidity.Style = chart.Style{StrokeColor: drawing.ColorFromHex("2563eb"), StrokeWidth: 2}
		humidity.YAxis = chart.YAxisSecondary
		series = append(series, humidity)
		if limit, ok := opts.Thresholds[telemetry.MetricHumidity]; ok {
			series = append(series, thresholdLine("Humidity limit", first, last, limit, "2563eb", chart.YAxisSecondary))
		}
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Title:  opts.Title,
		Width:  opts.Width,
		Height: opts.Height,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatterWithFormat("01-02 15:04"),
		},
		YAxis: chart.YAxis{
			Name:           "Temperature (°C)",
			ValueFormatter: valueFormatter,
		},
		Series: series,
	}
	if secondary {
		graph.YAxisSecondary = chart.YAxis{
			Name:           "Humidity (%)",
			ValueFormatter: valueFormatter,
		}
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}
	return graph.Render(chart.PNG, w)
}

func collect(samples []telemetry.Sample, metric string) chart.TimeSeries {
	var ts chart.TimeSeries
	for _, s := range samples {
		if v, ok := s.Value(metric); ok {
			ts.XValues = append(ts.XValues, s.Timestamp)
			ts.YValues = append(ts.YValues, v)
		}
	}
	return ts
}

func thresholdLine(name string, from, to time.Time, limit float64, hex string, axis chart.YAxisType) chart.TimeSeries {
	return chart.TimeSeries{
		Name:    name,
		XValues: []time.Time{from, to},
		YValues: []float64{limit, limit},
		YAxis:   axis,
		Style: chart.Style{
			StrokeColor:     drawing.ColorFromHex(hex),
			StrokeWidth:     1,
			StrokeDashArray: []float64{5, 5},
		},
	}
}

// WriteCSVFile writes a CSV export to path, creating parent directories.
func WriteCSVFile(path string, samples []telemetry.Sample, tz *time.Location) error {
	return writeFile(path, func(w io.Writer) error { return WriteCSV(w, samples, tz) })
}

// WritePNGFile writes a PNG chart to path, creating parent directories.
func WritePNGFile(path string, samples []telemetry.Sample, opts ChartOptions) error {
	return writeFile(path, func(w io.Writer) error { return WritePNG(w, samples, opts) })
}

func writeFile(path string, render func(io.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
