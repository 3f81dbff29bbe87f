// Command frame-simulator replays recorded frames into the scanner output
// directory at the acquisition rate, for dry runs without a scanner.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/rtdecnef/internal/monitoring"
	"github.com/banshee-data/rtdecnef/internal/simulator"
)

func main() {
	src := flag.String("src", "", "Directory of recorded frames")
	dst := flag.String("dst", "", "Directory the session watches")
	pattern := flag.String("pattern", "*", "Glob selecting frames inside -src")
	tr := flag.Duration("tr", 2*time.Second, "Interval between frames")
	limit := flag.Int("limit", 0, "Stop after this many frames (0 = all)")
	clear := flag.Bool("clear", true, "Empty -dst before the first frame")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	log := monitoring.Logger()
	if err := monitoring.Configure(*logLevel, "text", os.Stderr); err != nil {
		log.Fatal(err)
	}
	if *src == "" || *dst == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := simulator.Run(ctx, simulator.Options{
		Src:     *src,
		Dst:     *dst,
		Pattern: *pattern,
		TR:      *tr,
		Limit:   *limit,
		Clear:   *clear,
	})
	if err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("simulation failed")
	}
	log.WithField("frames", n).Info("simulation finished")
}
