package entity

import (
	"encoding/json"
	"fmt"
)

// SentimentResult is the LLM's sentiment verdict for the email.
type SentimentResult struct {
	Value      Sentiment `json:"value"`
	Confidence float64   `json:"confidence"`
}

// PriorityResult is the LLM's priority verdict, with up to 6 supporting
// signal strings (e.g. "mentions deadline", "explicit urgency keyword").
type PriorityResult struct {
	Value      Priority `json:"value"`
	Confidence float64  `json:"confidence"`
	Signals    []string `json:"signals"`
}

// Span is a half-open [Start, End) character range into an EmailDocument's
// body. It marshals as the two-element `[start, end]` array the wire schema
// specifies, not as a `{start,end}` object.
type Span struct {
	Start int
	End   int
}

// MarshalJSON renders Span as `[start, end]`.
func (s Span) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{s.Start, s.End})
}

// UnmarshalJSON parses Span from a two-element `[start, end]` array.
func (s *Span) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("span: expected a two-element [start, end] array: %w", err)
	}
	s.Start, s.End = pair[0], pair[1]
	return nil
}

// KeywordInText cites one candidate the LLM used as supporting evidence
// for a topic. CandidateID must exist in the originating request's
// candidate set; the validation pipeline rejects any response that cites a
// candidate it was never offered.
type KeywordInText struct {
	CandidateID string `json:"candidateId"`
	Lemma       string `json:"lemma"`
	Count       int    `json:"count"`
	Spans       []Span `json:"spans,omitempty"`
}

// EvidenceItem is a short quotation from the email body supporting a topic
// assignment. Quote length is capped at 200 characters by the schema.
type EvidenceItem struct {
	Quote string `json:"quote"`
	Span  *Span  `json:"span,omitempty"`
}

// TopicResult is one multi-label topic assignment.
type TopicResult struct {
	LabelID        TopicLabel      `json:"labelId"`
	Confidence     float64         `json:"confidence"`
	KeywordsInText []KeywordInText `json:"keywordsInText"`
	Evidence       []EvidenceItem  `json:"evidence"`
}

// EmailTriageResponse is the LLM verdict after it has passed every stage of
// the validation pipeline. Topics is multi-label (1..5 entries).
type EmailTriageResponse struct {
	DictionaryVersion int             `json:"dictionaryVersion"`
	Sentiment         SentimentResult `json:"sentiment"`
	Priority          PriorityResult  `json:"priority"`
	Topics            []TopicResult   `json:"topics"`
}
