package printer

import (
	"fmt"
	"io"
	"sync"

	"fillwatch/internal/estimate"
)

// Printer writes the latest estimate as a single console line, overwritten in
// place on every report.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

func New(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) ReportFill(_ uint64, fill estimate.Fill) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintf(p.w, "%s\r", Line(fill))
	return err
}

// Line formats both sides of an estimate.
func Line(fill estimate.Fill) string {
	bid := "Insufficient bids"
	if fill.Sell.Sufficient {
		bid = fmt.Sprintf("Bid Avg = %s", fill.Sell.Price.StringFixed(8))
	}
	ask := "Insufficient asks"
	if fill.Buy.Sufficient {
		ask = fmt.Sprintf("Ask Avg = %s", fill.Buy.Price.StringFixed(8))
	}
	return fmt.Sprintf("For order size %s, %s, %s", fill.Size, bid, ask)
}
