package export

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"roomwatch/internal/history"
	"roomwatch/internal/telemetry"
)

func samples(n int) []telemetry.Sample {
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	out := make([]telemetry.Sample, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, telemetry.NewSample(start.Add(time.Duration(i)*30*time.Minute), map[string]float64{
			telemetry.MetricTemperature: 24 + float64(i)/2,
			telemetry.MetricHumidity:    55 + float64(i),
		}))
	}
	return out
}

func TestWriteCSV(t *testing.T) {
	rows := samples(2)
	rows = append(rows, telemetry.NewSample(rows[1].Timestamp.Add(time.Hour), map[string]float64{telemetry.MetricTemperature: 26.25}))

	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows, time.UTC); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := strings.Join([]string{
		"Timestamp,Temperature (°C),Humidity (%)",
		"2026-06-01 09:00:00,24,55",
		"2026-06-01 09:30:00,24.5,56",
		"2026-06-01 10:30:00,26.25,",
		"",
	}, "\n")
	if buf.String() != want {
		t.Fatalf("csv =\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestDownsampleKeepsEnds(t *testing.T) {
	in := samples(100)
	out := Downsample(in, 10)
	if len(out) != 10 {
		t.Fatalf("len = %d", len(out))
	}
	if !out[0].Timestamp.Equal(in[0].Timestamp) || !out[9].Timestamp.Equal(in[99].Timestamp) {
		t.Fatal("downsampling dropped an end point")
	}
	if got := Downsample(in[:5], 10); len(got) != 5 {
		t.Fatalf("short input changed: %d", len(got))
	}
}

func TestWritePNG(t *testing.T) {
	var buf bytes.Buffer
	err := WritePNG(&buf, samples(48), ChartOptions{
		Title:      "Room 1 24h",
		Thresholds: map[string]float64{telemetry.MetricTemperature: 29, telemetry.MetricHumidity: 85},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")) {
		t.Fatal("output is not a PNG")
	}
}

func TestWritePNGNeedsTwoSamples(t *testing.T) {
	if err := WritePNG(&bytes.Buffer{}, samples(1), ChartOptions{}); !errors.Is(err, ErrNotEnoughData) {
		t.Fatalf("err = %v", err)
	}
}

func TestWriteCSVFileCreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exports", FileName("1", history.Range24h, "csv", time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	if err := WriteCSVFile(path, samples(3), time.UTC); err != nil {
		t.Fatalf("write: %v", err)
	}
	if filepath.Base(path) != "room1_24h_2026-06-01.csv" {
		t.Fatalf("name = %s", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil || !strings.HasPrefix(string(data), "Timestamp,") {
		t.Fatalf("read: %v %q", err, data)
	}
}
