package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cell-quantifier/internal/events"
	"cell-quantifier/internal/pipeline"
)

// progressPrinter renders run events as terminal lines. Progress lines are
// rate limited; status changes, failures and the final line always print.
type progressPrinter struct {
	out      io.Writer
	limiter  *rate.Limiter
	finished chan struct{}
	once     sync.Once
}

func newProgressPrinter(out io.Writer, limiter *rate.Limiter) *progressPrinter {
	return &progressPrinter{
		out:      out,
		limiter:  limiter,
		finished: make(chan struct{}),
	}
}

func (p *progressPrinter) handle(event events.Event) {
	switch payload := event.Payload.(type) {
	case pipeline.RunStarted:
		fmt.Fprintf(p.out, "run %s: %d images, %d ROIs\n", shortID(event.RunID), payload.Images, payload.TotalROIs)
	case pipeline.Progress:
		if payload.Done < payload.Total && !p.limiter.Allow() {
			return
		}
		eta := ""
		if payload.ETA > 0 {
			eta = fmt.Sprintf(", about %s left", payload.ETA.Round(time.Second))
		}
		fmt.Fprintf(p.out, "[%3.0f%%] %d/%d %s / %s%s\n",
			payload.Fraction*100, payload.Done, payload.Total, payload.Image, payload.ROI, eta)
	case pipeline.StatusChange:
		fmt.Fprintf(p.out, "%s: %s -> %s\n", payload.Image, payload.From, payload.To)
	case pipeline.ROIFailure:
		fmt.Fprintf(p.out, "failed %s / %s (#%d): %v\n", payload.Image, payload.ROI, payload.Index, payload.Err)
	case pipeline.Summary:
		p.once.Do(func() { close(p.finished) })
	}
}

func (p *progressPrinter) summarize(s pipeline.Summary) {
	if s.RunID == "" {
		return
	}
	fmt.Fprintln(p.out, s.Message)
	fmt.Fprintf(p.out, "  ROIs: %d processed, %d failed\n", s.ProcessedROIs, s.FailedROIs)
	fmt.Fprintf(p.out, "  images: %d completed, %d failed, %d unchanged\n", len(s.Completed), len(s.Failed), len(s.Reverted))
	fmt.Fprintf(p.out, "  rows appended: %d (%s)\n", len(s.Rows), s.Duration.Round(time.Millisecond))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
