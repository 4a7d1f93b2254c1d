package core

// AgentView is the merged agent row served to observers: identity plus the
// ledger and reputation columns joined on agent id.
type AgentView struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Credits   int64   `json:"credits"`
	Locked    int64   `json:"locked"`
	Completed int64   `json:"completed"`
	Failed    int64   `json:"failed"`
	Score     float64 `json:"score"`
}

// Snapshot is the observer bootstrap document sent on subscribe.
type Snapshot struct {
	Agents   []AgentView     `json:"agents"`
	Jobs     []*Job          `json:"jobs"`
	Bids     []*Bid          `json:"bids"`
	Evidence []*EvidenceItem `json:"evidence"`
}
