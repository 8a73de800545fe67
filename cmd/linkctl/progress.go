package main

import (
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows a countdown on one terminal line until Stop.
// It is single-use.
type ProgressPrinter struct {
	out      io.Writer
	prefix   string
	duration time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewCountdownProgressPrinter(out io.Writer, prefix string, duration time.Duration) *ProgressPrinter {
	return &ProgressPrinter{
		out:      out,
		prefix:   prefix,
		duration: duration,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *ProgressPrinter) Start() {
	start := time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	fmt.Fprintf(p.out, "\r%s...   ", p.prefix)

	go func() {
		defer close(p.done)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				// Round to the nearest second, 0 once the countdown is over.
				remaining := int((p.duration - time.Since(start)).Seconds() + 0.5)
				if remaining < 0 {
					remaining = 0
				}
				fmt.Fprintf(p.out, "\r%s (%ds)   ", p.prefix, remaining)
			}
		}
	}()
}

// Stop clears the progress line. It is safe to call more than once.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
		fmt.Fprint(p.out, clearLineSequence)
	})
}
