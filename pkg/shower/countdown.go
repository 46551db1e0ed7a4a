package shower

import "fmt"

// Progress is the countdown display state while the beam is unblanked.
type Progress struct {
	ElapsedMs        int64 `json:"elapsedMs"`
	TotalMs          int64 `json:"totalMs"`
	Percent          int   `json:"percent"`
	RemainingMinutes int   `json:"remainingMinutes"`
	RemainingSeconds int   `json:"remainingSeconds"`
	Done             bool  `json:"done"`
}

// ComputeProgress derives the display from elapsed and total milliseconds.
// Percent is floored and reaches 100 only once elapsed >= total; the
// remaining time is truncated to whole seconds before splitting into
// minutes and seconds.
func ComputeProgress(elapsedMs, totalMs int64) Progress {
	p := Progress{ElapsedMs: elapsedMs, TotalMs: totalMs}
	if totalMs <= 0 || elapsedMs >= totalMs {
		p.Percent = 100
		p.Done = true
		return p
	}
	if elapsedMs < 0 {
		elapsedMs = 0
	}

	p.Percent = int(elapsedMs * 100 / totalMs)
	remainingSecs := (totalMs - elapsedMs) / 1000
	p.RemainingMinutes = int(remainingSecs / 60)
	p.RemainingSeconds = int(remainingSecs % 60)
	return p
}

// Text is the overlay shown on the progress indicator.
func (p Progress) Text() string {
	if p.Done || p.TotalMs == 0 {
		return ""
	}
	return fmt.Sprintf("Time Remaining: %2d : %2d", p.RemainingMinutes, p.RemainingSeconds)
}
