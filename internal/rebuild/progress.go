// Package rebuild reconstructs a replaced or recovered account's blocks
// from the K surviving blocks of each affected stripe, and scrubs stripes
// for silent corruption, grounded on original_source/src/raid/rebuild.rs.
package rebuild

// Phase is the current stage of a rebuild or scrub run.
type Phase int

const (
	Starting Phase = iota
	Scanning
	Processing
	Uploading
	Completed
	Failed
)

func (p Phase) String() string {
	switch p {
	case Starting:
		return "starting"
	case Scanning:
		return "scanning"
	case Processing:
		return "processing"
	case Uploading:
		return "uploading"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Progress reports how far a rebuild or scrub run has gotten. AccountID is
// nil for a scrub (which is not scoped to one account).
type Progress struct {
	AccountID         *int
	TotalStripes      int
	ProcessedStripes  int
	SuccessfulStripes int
	FailedStripes     int
	Phase             Phase
}

// NewProgress starts a fresh progress tracker at phase Starting.
func NewProgress(accountID *int, totalStripes int) Progress {
	return Progress{AccountID: accountID, TotalStripes: totalStripes, Phase: Starting}
}

// Fraction returns processed/total, or 1.0 when there is nothing to do.
func (p Progress) Fraction() float64 {
	if p.TotalStripes == 0 {
		return 1.0
	}
	return float64(p.ProcessedStripes) / float64(p.TotalStripes)
}

// Percent returns Fraction scaled to an integer 0-100.
func (p Progress) Percent() int {
	return int(p.Fraction() * 100)
}

// ProgressCallback receives a Progress snapshot when a run starts
// processing, after each stripe, and when the run ends, letting a caller
// surface live status. The opsserver admin handlers pass nil.
type ProgressCallback func(Progress)

// ScrubResult reports one stripe's verification outcome.
type ScrubResult struct {
	StripeID       string
	Valid          bool
	VerifiedBlocks int
	MissingBlocks  int
	Error          string
}
