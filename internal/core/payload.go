package core

import "encoding/json"

// Known payload keys. Unknown keys are preserved verbatim for forward
// compatibility; these get typed accessors.
const (
	PayloadTimeoutSeconds  = "timeoutSeconds"
	PayloadAcceptedTerms   = "acceptedTerms"
	PayloadAcceptedPrice   = "acceptedPrice"
	PayloadNegotiation     = "negotiation"
	PayloadLastSubmission  = "lastSubmission"
	PayloadAutoVerify      = "autoVerify"
	PayloadRequiredKeyword = "requiredKeyword"
	PayloadGithub          = "github"
)

// EnsurePayload returns the job's payload map, allocating it on first use.
func (j *Job) EnsurePayload() map[string]any {
	if j.Payload == nil {
		j.Payload = make(map[string]any)
	}
	return j.Payload
}

// TimeoutSeconds reads payload.timeoutSeconds when finite and positive.
// The second return is false when the job carries no usable override.
func (j *Job) TimeoutSeconds() (int64, bool) {
	v, ok := j.Payload[PayloadTimeoutSeconds]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		if n > 0 {
			return int64(n), true
		}
	case int64:
		if n > 0 {
			return n, true
		}
	case float64:
		if n > 0 && n == n { // rejects NaN; json numbers are never Inf
			return int64(n), true
		}
	case json.Number:
		if f, err := n.Float64(); err == nil && f > 0 {
			return int64(f), true
		}
	}
	return 0, false
}

// AcceptedTerms reads payload.acceptedTerms, tolerating both the typed
// in-process form and the generic map form a JSON round-trip produces.
func (j *Job) AcceptedTerms() (*Terms, bool) {
	v, ok := j.Payload[PayloadAcceptedTerms]
	if !ok {
		return nil, false
	}
	switch t := v.(type) {
	case *Terms:
		return t, t != nil
	case Terms:
		return &t, true
	case map[string]any:
		var out Terms
		if remarshal(t, &out) {
			return &out, true
		}
	}
	return nil, false
}

// SetAcceptedContract records the negotiated contract on the job payload.
func (j *Job) SetAcceptedContract(price int64, terms Terms) {
	p := j.EnsurePayload()
	p[PayloadAcceptedPrice] = price
	p[PayloadAcceptedTerms] = terms
}

// Negotiation reads the payload.negotiation sub-document.
func (j *Job) Negotiation() (*Negotiation, bool) {
	v, ok := j.Payload[PayloadNegotiation]
	if !ok {
		return nil, false
	}
	switch n := v.(type) {
	case *Negotiation:
		return n, n != nil
	case map[string]any:
		var out Negotiation
		if remarshal(n, &out) {
			return &out, true
		}
	}
	return nil, false
}

// SetNegotiation stores the negotiation sub-document on the payload.
func (j *Job) SetNegotiation(n *Negotiation) {
	j.EnsurePayload()[PayloadNegotiation] = n
}

// RequiredKeyword reads payload.requiredKeyword for the keyword evaluator.
func (j *Job) RequiredKeyword() (string, bool) {
	s, ok := j.Payload[PayloadRequiredKeyword].(string)
	return s, ok && s != ""
}

// clonePayload deep-copies a payload map so readers on other goroutines
// never iterate a map a handler is still writing.
func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case *Negotiation:
		return t.clone()
	case *Terms:
		if t == nil {
			return (*Terms)(nil)
		}
		c := *t
		return &c
	default:
		// Value types boxed in the interface cannot be mutated through it.
		return v
	}
}

// remarshal converts a decoded-JSON map back into a typed sub-document.
func remarshal(in any, out any) bool {
	raw, err := json.Marshal(in)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}
