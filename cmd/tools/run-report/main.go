// Command run-report plots the decoded feedback stored in a run log.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/rtdecnef/internal/monitoring"
	"github.com/banshee-data/rtdecnef/internal/report"
	"github.com/banshee-data/rtdecnef/internal/runlog"
)

func main() {
	dbPath := flag.String("db", "", "Run log database (logs/run.db)")
	out := flag.String("out", ".", "Output directory")
	title := flag.String("title", "", "Plot title (default: database path)")
	runID := flag.String("run-id", "", "Only plot this run of the database")
	flag.Parse()

	log := monitoring.Logger()
	if *dbPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *title == "" {
		*title = *dbPath
	}

	rows, err := runlog.ReadTrials(*dbPath)
	if err != nil {
		log.WithError(err).Fatal("read run log")
	}
	if *runID != "" {
		kept := rows[:0]
		for _, r := range rows {
			if r.RunID == *runID {
				kept = append(kept, r)
			}
		}
		rows = kept
	}
	pts := report.FromRows(rows)
	if len(pts) == 0 {
		log.Fatal(report.ErrNoTrials)
	}
	if err := os.MkdirAll(*out, 0o755); err != nil {
		log.Fatal(err)
	}

	if err := report.WritePNG(pts, *title, filepath.Join(*out, "feedback.png")); err != nil {
		log.WithError(err).Fatal("write png")
	}
	f, err := os.Create(filepath.Join(*out, "feedback.html"))
	if err != nil {
		log.Fatal(err)
	}
	if err := report.WriteHTML(pts, *title, f); err != nil {
		f.Close()
		log.WithError(err).Fatal("write html")
	}
	if err := f.Close(); err != nil {
		log.Fatal(err)
	}

	s := report.Summarize(pts)
	fmt.Printf("trials=%d mean=%.3f sd=%.3f above_chance=%d\n", s.Trials, s.Mean, s.Std, s.AboveChance)
	for stim, mean := range s.ByStimulus {
		fmt.Printf("  %-20s %.3f\n", stim, mean)
	}
}
