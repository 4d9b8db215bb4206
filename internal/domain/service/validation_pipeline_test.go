package service

import (
	"strings"
	"testing"

	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/entity"
)

// fakeSchemaChecker lets each test control stage 2's outcome directly,
// without pulling in the real jsonschema compiler.
type fakeSchemaChecker struct {
	violations []SchemaViolation
}

func (f fakeSchemaChecker) Validate(doc interface{}) []SchemaViolation {
	return f.violations
}

func newTestPipeline(cfg PipelineConfig) *ValidationPipeline {
	return NewValidationPipeline(cfg, fakeSchemaChecker{})
}

func baseRequest() entity.TriageRequest {
	return entity.TriageRequest{
		Email: entity.EmailDocument{
			UID:  "uid-1",
			Body: "Please send the invoice for order 42 as soon as possible.",
		},
		Candidates: []entity.CandidateKeyword{
			{CandidateID: "cand-1", Term: "invoice", Lemma: "invoice", Score: 0.9},
		},
		DictionaryVersion: 3,
	}
}

func validResponseJSON() string {
	return `{
		"dictionaryVersion": 3,
		"sentiment": {"value": "neutral", "confidence": 0.8},
		"priority": {"value": "medium", "confidence": 0.8, "signals": ["mentions invoice"]},
		"topics": [
			{
				"labelId": "FATTURAZIONE",
				"confidence": 0.9,
				"keywordsInText": [{"candidateId": "cand-1", "lemma": "invoice", "count": 1}],
				"evidence": [{"quote": "send the invoice"}]
			}
		]
	}`
}

func TestStage1ParseRejectsEmptyAndMalformed(t *testing.T) {
	p := newTestPipeline(DefaultPipelineConfig())

	tests := []string{"", "   ", "{not json", `"just a string"`, "[1,2,3]"}
	for _, content := range tests {
		_, _, err := p.Validate(content, baseRequest())
		if !IsValidationError(err) {
			t.Errorf("content %q: expected ValidationError, got %v", content, err)
		}
		ve, _ := AsValidationError(err)
		if ve.Kind != ValidationJSONParse {
			t.Errorf("content %q: Kind = %v, want ValidationJSONParse", content, ve.Kind)
		}
	}
}

func TestStage2SchemaViolationsFailClosed(t *testing.T) {
	p := NewValidationPipeline(DefaultPipelineConfig(), fakeSchemaChecker{
		violations: []SchemaViolation{{Path: "/topics", Message: "required"}},
	})

	_, _, err := p.Validate(validResponseJSON(), baseRequest())
	ve, ok := AsValidationError(err)
	if !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Kind != ValidationSchema {
		t.Errorf("Kind = %v, want ValidationSchema", ve.Kind)
	}
}

func TestStage3DictionaryVersionMismatch(t *testing.T) {
	p := newTestPipeline(DefaultPipelineConfig())
	req := baseRequest()
	req.DictionaryVersion = 99

	_, _, err := p.Validate(validResponseJSON(), req)
	ve, ok := AsValidationError(err)
	if !ok || ve.Kind != ValidationBusinessRule {
		t.Fatalf("expected business-rule ValidationError, got %v", err)
	}
	if ve.Details["ruleName"] != "dictionaryVersionMatch" {
		t.Errorf("ruleName = %v, want dictionaryVersionMatch", ve.Details["ruleName"])
	}
}

func TestStage3CandidateIDMustExistInRequest(t *testing.T) {
	p := newTestPipeline(DefaultPipelineConfig())
	req := baseRequest()
	req.Candidates = nil // no candidates offered at all

	_, _, err := p.Validate(validResponseJSON(), req)
	ve, ok := AsValidationError(err)
	if !ok || ve.Kind != ValidationBusinessRule {
		t.Fatalf("expected business-rule ValidationError, got %v", err)
	}
	if ve.Details["ruleName"] != "candidateIdExistsInInput" {
		t.Errorf("ruleName = %v, want candidateIdExistsInInput (anti-hallucination)", ve.Details["ruleName"])
	}
}

func TestStage3RejectsUnknownTopicLabel(t *testing.T) {
	p := newTestPipeline(DefaultPipelineConfig())
	bad := strings.Replace(validResponseJSON(), "FATTURAZIONE", "NOTAREALTOPIC", 1)

	_, _, err := p.Validate(bad, baseRequest())
	ve, ok := AsValidationError(err)
	if !ok || ve.Details["ruleName"] != "topicLabelInEnum" {
		t.Fatalf("expected topicLabelInEnum violation, got %v", err)
	}
}

func TestValidResponsePassesWithNoWarnings(t *testing.T) {
	p := newTestPipeline(DefaultPipelineConfig())
	resp, warnings, err := p.Validate(validResponseJSON(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp == nil {
		t.Fatal("expected a decoded response")
	}
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}
}

func TestStage4LowConfidenceProducesWarningNotFailure(t *testing.T) {
	p := newTestPipeline(DefaultPipelineConfig())
	lowConf := strings.Replace(validResponseJSON(), `"confidence": 0.8, "signals"`, `"confidence": 0.01, "signals"`, 1)

	resp, warnings, err := p.Validate(lowConf, baseRequest())
	if err != nil {
		t.Fatalf("low confidence must only warn, got error: %v", err)
	}
	if resp == nil {
		t.Fatal("expected a decoded response")
	}
	found := false
	for _, w := range warnings {
		if strings.Contains(w, "priority confidence") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a priority-confidence warning, got %v", warnings)
	}
}

func TestVerifyEvidencePresenceWarnsWhenQuoteMissingFromBody(t *testing.T) {
	p := newTestPipeline(DefaultPipelineConfig())
	req := baseRequest()
	resp := entity.EmailTriageResponse{
		DictionaryVersion: req.DictionaryVersion,
		Sentiment:         entity.SentimentResult{Value: entity.SentimentNeutral, Confidence: 0.9},
		Priority:          entity.PriorityResult{Value: entity.PriorityMedium, Confidence: 0.9, Signals: []string{"x"}},
		Topics: []entity.TopicResult{{
			LabelID:    entity.TopicFatturazione,
			Confidence: 0.9,
			KeywordsInText: []entity.KeywordInText{{CandidateID: "cand-1", Lemma: "invoice", Count: 1}},
			Evidence:       []entity.EvidenceItem{{Quote: "this text is not in the body anywhere"}},
		}},
	}

	warnings := p.verifyEvidencePresence(DefaultPipelineConfig(), resp, req.Email.Body)
	if len(warnings) == 0 {
		t.Fatal("expected a warning for a quote absent from the body")
	}
}

func TestVerifySpanCoherenceFlagsOutOfBoundsSpan(t *testing.T) {
	p := newTestPipeline(DefaultPipelineConfig())
	body := "short body"
	resp := entity.EmailTriageResponse{
		Topics: []entity.TopicResult{{
			KeywordsInText: []entity.KeywordInText{{
				CandidateID: "cand-1",
				Spans:       []entity.Span{{Start: 5, End: 9999}},
			}},
		}},
	}

	warnings := p.verifySpanCoherence(resp, body)
	if len(warnings) == 0 {
		t.Fatal("expected a warning for an out-of-bounds span")
	}
}

func TestUpdateConfigRaisesConfidenceThresholdOnNextValidate(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.MinConfidenceWarningThreshold = 0.0
	p := newTestPipeline(cfg)

	_, warnings, err := p.Validate(validResponseJSON(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, w := range warnings {
		if strings.Contains(w, "confidence") {
			t.Fatalf("did not expect a confidence warning with threshold 0, got %q", w)
		}
	}

	raised := cfg
	raised.MinConfidenceWarningThreshold = 0.9
	p.UpdateConfig(raised)

	_, warnings, err = p.Validate(validResponseJSON(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, w := range warnings {
		if strings.Contains(w, "confidence") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a confidence warning after raising the threshold via UpdateConfig")
	}
}
