package auction

import "time"

// Policy mengatur soft-close anti-sniping.
type Policy struct {
	Window time.Duration // bid di dalam window ini memicu perpanjangan
	Step   time.Duration // besar perpanjangan per trigger
	Cap    time.Duration // batas total perpanjangan dari originalEndTime
}

func DefaultPolicy() Policy {
	return Policy{
		Window: 2 * time.Minute,
		Step:   2 * time.Minute,
		Cap:    30 * time.Minute,
	}
}

// Extend menghitung end time baru untuk bid yang diterima pada `now`.
// Pure function: tidak pernah mengembalikan nilai lebih kecil dari a.EndTime
// (hasil di-clamp dengan max), dan total extension tidak melewati Cap.
func (p Policy) Extend(a *Auction, now time.Time) time.Time {
	if a.EndTime.Sub(now) >= p.Window {
		return a.EndTime
	}
	candidate := now.Add(p.Step)
	maxEnd := a.OriginalEndTime.Add(p.Cap)
	if candidate.After(maxEnd) {
		candidate = maxEnd
	}
	// endTime only grows
	if candidate.Before(a.EndTime) {
		return a.EndTime
	}
	return candidate
}
