// Command fit-inspect prints the raw record-field coverage of a FIT file and
// the activity the ingestion pipeline would store for it.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/muktihari/fit/decoder"
	"github.com/muktihari/fit/profile/typedef"

	"github.com/fitglue/ride-ingest/pkg/domain/activity"
	"github.com/fitglue/ride-ingest/pkg/domain/fit_parser"
)

type FieldStats struct {
	Count int
	Min   float64
	Max   float64
	Sum   float64
}

func (fs *FieldStats) Update(v float64) {
	if fs.Count == 0 {
		fs.Min, fs.Max = math.MaxFloat64, -math.MaxFloat64
	}
	fs.Count++
	fs.Sum += v
	fs.Min = math.Min(fs.Min, v)
	fs.Max = math.Max(fs.Max, v)
}

func (fs *FieldStats) Avg() float64 {
	if fs.Count == 0 {
		return 0
	}
	return fs.Sum / float64(fs.Count)
}

// toFloat reads a numeric field value. proto.Value keeps its payload
// unexported, so anything that is not a plain number goes through its printed
// form.
func toFloat(val interface{}) (float64, bool) {
	switch t := val.(type) {
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	var f float64
	if n, err := fmt.Sscanf(fmt.Sprint(val), "%f", &f); err == nil && n == 1 && !math.IsNaN(f) {
		return f, true
	}
	return 0, false
}

func main() {
	inputPath := flag.String("input", "", "Path to FIT file")
	flag.Parse()

	if *inputPath == "" {
		fmt.Println("Please provide input file with -input")
		os.Exit(1)
	}

	data, err := os.ReadFile(*inputPath)
	if err != nil {
		fmt.Printf("Failed to read file: %v\n", err)
		os.Exit(1)
	}

	if err := printFieldStats(data); err != nil {
		fmt.Printf("Failed to decode FIT file: %v\n", err)
		os.Exit(1)
	}
	printNormalized(data)
}

func printFieldStats(data []byte) error {
	fitData, err := decoder.New(bytes.NewReader(data)).Decode()
	if err != nil {
		return err
	}

	stats := map[string]*FieldStats{}
	records := 0
	for _, msg := range fitData.Messages {
		if msg.Num != typedef.MesgNumRecord {
			continue
		}
		records++
		for _, field := range msg.Fields {
			v, ok := toFloat(field.Value)
			if !ok {
				continue
			}
			s, ok := stats[field.Name]
			if !ok {
				s = &FieldStats{}
				stats[field.Name] = s
			}
			s.Update(v)
		}
	}

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("=== RECORDS: %d ===\n", records)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Field\tCount\tCoverage\tMin\tMax\tAvg")
	fmt.Fprintln(w, "-----\t-----\t--------\t---\t---\t---")
	for _, name := range names {
		s := stats[name]
		coverage := float64(s.Count) / float64(records) * 100
		fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%.2f\t%.2f\t%.2f\n", name, s.Count, coverage, s.Min, s.Max, s.Avg())
	}
	return w.Flush()
}

func printNormalized(data []byte) {
	fmt.Println("\n=== PIPELINE VIEW ===")
	rec, err := fit_parser.ParseFitFile(data)
	if err != nil {
		fmt.Printf("Decode error: %v\n", err)
		return
	}

	n, err := activity.Normalize(rec, activity.Source{UserID: "inspect", Provider: "garmin"})
	switch {
	case errors.Is(err, activity.ErrNonCycling):
		fmt.Printf("Skipped: sport %q is not cycling\n", rec.Session.Sport)
		return
	case err != nil:
		fmt.Printf("Normalize error: %v\n", err)
		return
	}

	a := n.Activity
	summary := activity.SummarizeTrack(n.TrackPoints)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Name\t%s\n", a.Name)
	fmt.Fprintf(w, "Type\t%s\n", a.Type)
	fmt.Fprintf(w, "Start\t%s\n", a.StartTime.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "Distance\t%.2f km\n", a.DistanceKm)
	fmt.Fprintf(w, "Duration\t%.0f s (moving %.0f s)\n", a.DurationSec, a.MovingTimeSec)
	fmt.Fprintf(w, "Speed\tavg %.1f / max %.1f km/h\n", a.AvgSpeedKmh, a.MaxSpeedKmh)
	fmt.Fprintf(w, "Elevation\t+%.0f / -%.0f m\n", a.ElevationGainM, a.ElevationLossM)
	fmt.Fprintf(w, "Heart rate\tavg %.0f / max %.0f\n", a.AvgHeartRate, a.MaxHeartRate)
	fmt.Fprintf(w, "Power\tavg %.0f / max %.0f W\n", a.AvgPower, a.MaxPower)
	fmt.Fprintf(w, "Track points\t%d (gps=%t)\n", summary.Count, a.HasGPS)
	if summary.Bounds != nil {
		b := summary.Bounds
		fmt.Fprintf(w, "Bounds\t%.5f,%.5f .. %.5f,%.5f\n", b.MinLat, b.MinLon, b.MaxLat, b.MaxLon)
	}
	w.Flush()
}
