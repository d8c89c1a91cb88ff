package sync

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/septianibnyohan/gdrive-syncer/pkg/utils"
)

// Summary counts what one pass did.
type Summary struct {
	mu sync.Mutex

	Transferred int // files downloaded or documents exported
	Folders     int // folders created
	Refreshed   int // metadata-only updates
	Skipped     int
	Failed      int
	Unsupported int // documents without an export format
	ListErrors  int // folders whose listing failed
	Bytes       int64
	DiskFull    bool
	Duration    time.Duration
}

func (s *Summary) add(fn func(*Summary)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *Summary) processed() (int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.Transferred + s.Folders + s.Refreshed + s.Skipped + s.Failed + s.Unsupported
	return int64(n), s.Bytes
}

func formatSpeed(bytesPerSecond float64) string {
	return utils.FormatSize(int64(bytesPerSecond)) + "/s"
}

// Print writes a human readable report of the pass.
func (s *Summary) Print(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avgSpeed float64
	if secs := s.Duration.Seconds(); secs > 0 {
		avgSpeed = float64(s.Bytes) / secs
	}
	fmt.Fprintf(w, "Sync completed in %s:\n", utils.FormatDuration(s.Duration))
	fmt.Fprintf(w, "- Transferred: %d files (%s) at %s average\n",
		s.Transferred, utils.FormatSize(s.Bytes), formatSpeed(avgSpeed))
	fmt.Fprintf(w, "- Folders created: %d\n", s.Folders)
	fmt.Fprintf(w, "- Refreshed: %d\n", s.Refreshed)
	fmt.Fprintf(w, "- Skipped: %d (unsupported documents: %d)\n", s.Skipped, s.Unsupported)
	fmt.Fprintf(w, "- Failed: %d (unlistable folders: %d)\n", s.Failed, s.ListErrors)
	if s.DiskFull {
		fmt.Fprintln(w, "Warning: the local disk ran out of space during this pass")
	}
}

// progress is a bar whose total grows while the walk discovers items.
type progress struct {
	bar *pb.ProgressBar
}

func newProgress(show bool) *progress {
	if !show {
		return &progress{}
	}
	bar := pb.New64(0)
	bar.SetTemplate(`{{counters . }} {{bar . }} {{percent . }} {{string . "bytes"}} {{etime . }}`)
	bar.Set("bytes", utils.FormatSize(0))
	bar.Start()
	return &progress{bar: bar}
}

func (p *progress) found() {
	if p.bar != nil {
		p.bar.AddTotal(1)
	}
}

func (p *progress) done(sum *Summary) {
	if p.bar == nil {
		return
	}
	n, bytes := sum.processed()
	p.bar.SetCurrent(n)
	p.bar.Set("bytes", utils.FormatSize(bytes))
}

func (p *progress) finish() {
	if p.bar != nil {
		p.bar.Finish()
	}
}
