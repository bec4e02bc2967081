package assembler

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/browser"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

// pseudoStream synthesizes deltas from DOM polling (Layer 3). Each tick reads
// the growing response text and emits the new suffix; once the page reports
// the response stable the stream finishes. The DOM never carries a structured
// finish reason, so the finish is always "stop" and truncation detection is
// left to the caller.
func pseudoStream(ctx context.Context, facade browser.Facade, delay time.Duration, ch chan<- interfaces.StreamEvent) {
	defer close(ch)

	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	emitted := ""
	readFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		text, err := facade.FinalText(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			readFailures++
			if readFailures >= 3 {
				ch <- interfaces.StreamEvent{
					Type:      interfaces.EventTransportError,
					ErrKind:   "transient_dom",
					ErrDetail: err.Error(),
				}
				return
			}
			continue
		}
		readFailures = 0

		if delta := growth(emitted, text); delta != "" {
			emitted = text
			select {
			case ch <- interfaces.StreamEvent{Type: interfaces.EventTextDelta, Text: delta}:
			case <-ctx.Done():
				return
			}
			continue
		}

		stable, err := facade.ResponseStable(ctx)
		if err != nil {
			log.Debugf("assembler: pseudo-stream stability check failed: %v", err)
			continue
		}
		if stable && emitted != "" {
			ch <- interfaces.StreamEvent{Type: interfaces.EventFinish, FinishReason: interfaces.FinishStop}
			return
		}
	}
}

// growth returns the new suffix of text beyond emitted. A rewrite that is not
// a pure extension replays nothing and waits for the next tick; the final
// read during finalization reconciles the full text.
func growth(emitted, text string) string {
	if strings.HasPrefix(text, emitted) {
		return text[len(emitted):]
	}
	return ""
}
