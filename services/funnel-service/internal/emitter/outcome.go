package emitter

type Status string

const (
	StatusRecorded Status = "recorded"
	StatusDropped  Status = "dropped"
)

// Drop reasons.
const (
	ReasonConsent  = "consent"
	ReasonError    = "error"
	ReasonTimeout  = "timeout"
	ReasonDisabled = "disabled"
	ReasonClosed   = "closed"
)

// Outcome reports what happened to one best-effort write.
type Outcome struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func Recorded() Outcome { return Outcome{Status: StatusRecorded} }

func Dropped(reason string) Outcome { return Outcome{Status: StatusDropped, Reason: reason} }

func (o Outcome) IsRecorded() bool { return o.Status == StatusRecorded }

// Result carries one outcome per destination of a funnel event. Record is set when the
// transition also wrote a consolidated journey or abandonment row.
type Result struct {
	Sink   Outcome  `json:"sink"`
	Vendor Outcome  `json:"vendor"`
	Record *Outcome `json:"record,omitempty"`
}

func droppedBoth(reason string) Result {
	return Result{Sink: Dropped(reason), Vendor: Dropped(reason)}
}
