// Command stimulus-client plays the stimulus software side of a session:
// it announces trials, asks for feedback and prints what comes back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/rtdecnef/internal/monitoring"
	"github.com/banshee-data/rtdecnef/internal/session/protocol"
)

type script struct {
	Trials       int
	ITI          time.Duration // onset to onset
	FeedbackWait time.Duration // onset to feedback_start
	Stimuli      []string
	WaitPhases   bool
}

func main() {
	addr := flag.String("addr", "127.0.0.1:5000", "Session address")
	trials := flag.Int("trials", 10, "Number of trials")
	iti := flag.Duration("iti", 16*time.Second, "Onset to onset interval")
	wait := flag.Duration("feedback-after", 0, "Delay from onset to feedback_start")
	stimuli := flag.String("stimuli", "apple,pear", "Comma separated stimuli; ground truth is the position in this list")
	phases := flag.Bool("wait-phases", false, "Wait for heatup_done and baseline_done before the first trial")
	flag.Parse()

	log := monitoring.Logger()
	if err := monitoring.Configure("info", "text", os.Stderr); err != nil {
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := protocol.Dial(ctx, *addr)
	if err != nil {
		log.WithError(err).Fatal("connect")
	}
	defer c.Close()
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	sc := script{
		Trials:       *trials,
		ITI:          *iti,
		FeedbackWait: *wait,
		Stimuli:      strings.Split(*stimuli, ","),
		WaitPhases:   *phases,
	}
	if err := play(ctx, c, sc, log); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("session")
	}
}

func play(ctx context.Context, c *protocol.Client, sc script, log *logrus.Logger) error {
	if sc.WaitPhases {
		for _, want := range []string{protocol.TokenHeatupDone, protocol.TokenBaselineDone} {
			if err := expect(c, want); err != nil {
				return err
			}
			log.Info(want)
		}
	}

	for i := 1; i <= sc.Trials; i++ {
		start := time.Now()
		gt := rand.IntN(len(sc.Stimuli))
		if err := c.Send(protocol.Onset(i, gt, sc.Stimuli[gt])); err != nil {
			return err
		}
		if err := expect(c, protocol.TokenOK); err != nil {
			return fmt.Errorf("trial %d onset: %w", i, err)
		}
		if err := sleep(ctx, sc.FeedbackWait); err != nil {
			return err
		}

		if err := c.Send(protocol.Request{Type: protocol.FeedbackStart}); err != nil {
			return err
		}
		probs, err := collect(c)
		if err != nil {
			return fmt.Errorf("trial %d feedback: %w", i, err)
		}
		log.WithFields(logrus.Fields{
			"trial":    i,
			"stimulus": sc.Stimuli[gt],
			"feedback": probs,
			"took":     time.Since(start).Round(time.Millisecond),
		}).Info("trial done")

		if err := sleep(ctx, sc.ITI-time.Since(start)); err != nil {
			return err
		}
	}

	if err := c.Send(protocol.Request{Type: protocol.EndRun}); err != nil {
		return err
	}
	return expect(c, protocol.TokenOK)
}

// collect reads feedback until the closing ok. Phase tokens may interleave.
func collect(c *protocol.Client) ([]string, error) {
	var out []string
	for {
		resp, err := c.Receive()
		if err != nil {
			return out, err
		}
		switch {
		case resp.Is(protocol.TokenOK):
			return out, nil
		case resp.Is(protocol.TokenHeatupDone), resp.Is(protocol.TokenBaselineDone):
			continue
		default:
			out = append(out, resp.String())
		}
	}
}

func expect(c *protocol.Client, token string) error {
	for {
		resp, err := c.Receive()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("session closed while waiting for %s", token)
		}
		if err != nil {
			return err
		}
		if resp.Is(token) {
			return nil
		}
		if resp.Is(protocol.TokenHeatupDone) || resp.Is(protocol.TokenBaselineDone) {
			continue
		}
		return fmt.Errorf("want %s, got %s", token, resp)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
