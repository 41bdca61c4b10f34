// Package chart renders the recent readings timeline as a self-contained
// go-echarts HTML page for quick visual inspection without a frontend build.
package chart

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/power.bench/internal/recorder"
)

const defaultPoints = 300

// ReadingSource supplies the readings to plot, newest first.
type ReadingSource interface {
	RecentReadings(limit int) ([]recorder.StoredReading, error)
}

// Handler serves the readings chart. Query params:
//   - points (optional; default 300, max 5000) caps the number of samples.
func Handler(source ReadingSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		points := defaultPoints
		if p := r.URL.Query().Get("points"); p != "" {
			if v, err := strconv.Atoi(p); err == nil && v > 0 && v <= 5000 {
				points = v
			}
		}

		stored, err := source.RecentReadings(points)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to load readings: %v", err), http.StatusInternalServerError)
			return
		}
		if len(stored) == 0 {
			http.Error(w, "no readings recorded yet", http.StatusNotFound)
			return
		}

		var buf bytes.Buffer
		if err := renderTimeline(&buf, stored); err != nil {
			http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	}
}

// renderTimeline plots the four measurement series in chronological order.
// Missing samples render as gaps rather than zeroes.
func renderTimeline(buf *bytes.Buffer, stored []recorder.StoredReading) error {
	// RecentReadings is newest-first; the x axis wants oldest-first.
	n := len(stored)
	timestamps := make([]string, n)
	voltage1 := make([]opts.LineData, n)
	voltage2 := make([]opts.LineData, n)
	current1 := make([]opts.LineData, n)
	current2 := make([]opts.LineData, n)
	for i, s := range stored {
		j := n - 1 - i
		reading := s.Reading
		timestamps[j] = reading.Timestamp.Format("15:04:05")
		voltage1[j] = lineValue(reading.CH1.Voltage)
		voltage2[j] = lineValue(reading.CH2.Voltage)
		current1[j] = lineValue(reading.CH1.Current)
		current2[j] = lineValue(reading.CH2.Current)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Supply Readings",
			Theme:     "dark",
			Width:     "1200px",
			Height:    "600px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Power Supply Readings",
			Subtitle: fmt.Sprintf("last %d samples", n),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)

	line.SetXAxis(timestamps).
		AddSeries("CH1 voltage (V)", voltage1).
		AddSeries("CH2 voltage (V)", voltage2).
		AddSeries("CH1 current (A)", current1).
		AddSeries("CH2 current (A)", current2).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))

	return line.Render(buf)
}

func lineValue(v *float64) opts.LineData {
	if v == nil {
		return opts.LineData{Value: nil}
	}
	return opts.LineData{Value: *v}
}
