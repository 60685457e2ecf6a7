// Command fit-gen writes a synthetic ride as a FIT file, for feeding the
// webhook pipeline in local runs.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fitglue/ride-ingest/pkg/domain/file_generators"
)

func main() {
	outputFile := flag.String("output", "ride.fit", "Path to output FIT file")
	sport := flag.String("sport", "cycling", "FIT sport (cycling, running, ...)")
	start := flag.String("start", "", "Start time, RFC3339 (default: one hour ago)")
	points := flag.Int("points", 3600, "Number of record samples")
	distanceKm := flag.Float64("distance-km", 30, "Total distance in km")
	duration := flag.Duration("duration", time.Hour, "Elapsed time")
	lat := flag.Float64("lat", 0, "Latitude of the first fix (default 51.5)")
	lon := flag.Float64("lon", 0, "Longitude of the first fix (default -0.12)")
	noGPS := flag.Bool("no-gps", false, "Omit positions (indoor ride)")
	flag.Parse()

	startTime := time.Now().Add(-*duration).UTC().Truncate(time.Second)
	if *start != "" {
		t, err := time.Parse(time.RFC3339, *start)
		if err != nil {
			log.Fatalf("Invalid -start: %v", err)
		}
		startTime = t
	}

	record := file_generators.SyntheticRide(file_generators.RideOptions{
		Sport:      *sport,
		StartTime:  startTime,
		Points:     *points,
		DistanceM:  *distanceKm * 1000,
		Duration:   *duration,
		OriginLat:  *lat,
		OriginLon:  *lon,
		WithoutGPS: *noGPS,
	})

	fitData, err := file_generators.GenerateFitFile(record)
	if err != nil {
		log.Fatalf("Failed to generate FIT file: %v", err)
	}

	if err := os.WriteFile(*outputFile, fitData, 0644); err != nil {
		log.Fatalf("Failed to write output file: %v", err)
	}

	fmt.Printf("Successfully wrote FIT file to %s (%d bytes, %d samples)\n", *outputFile, len(fitData), len(record.Samples))
}
