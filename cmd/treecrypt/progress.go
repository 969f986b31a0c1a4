package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// barProgress renders engine progress as a byte progress bar.
type barProgress struct {
	mu          sync.Mutex
	out         io.Writer
	description string
	bar         *progressbar.ProgressBar
	files       int
	done        int
}

func newBarProgress(out io.Writer, description string) *barProgress {
	return &barProgress{out: out, description: description}
}

func (p *barProgress) Start(total int, totalBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files = total
	p.bar = progressbar.NewOptions64(
		totalBytes,
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionSetDescription(p.label()),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(p.out) }),
	)
}

func (p *barProgress) Advance(_ string, n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		_ = p.bar.Add64(n)
	}
}

func (p *barProgress) Done(string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	if p.bar != nil {
		p.bar.Describe(p.label())
	}
}

// Finish completes the bar even if some files stopped early
func (p *barProgress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

func (p *barProgress) label() string {
	return fmt.Sprintf("%s [%d/%d]", p.description, p.done, p.files)
}
