package entity

// CandidateKeyword is a deterministically produced keyword the LLM is
// permitted to cite in its verdict. CandidateID is an opaque stable hash,
// unique within a single request.
type CandidateKeyword struct {
	CandidateID string  `json:"candidateId"`
	Term        string  `json:"term"`
	Lemma       string  `json:"lemma"`
	Count       int     `json:"count"`
	Source      string  `json:"source"`
	Score       float64 `json:"score"`
}
