package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/entity"
)

// SchemaViolation is one formatted schema error path, shaped to match
// infrastructure/llm.ValidationErrorPath without importing the
// infrastructure package from the domain layer.
type SchemaViolation struct {
	Path    string
	Message string
}

// SchemaChecker is the minimal capability the validation pipeline needs from
// a compiled JSON Schema. infrastructure/llm.SchemaValidator implements it.
type SchemaChecker interface {
	Validate(doc interface{}) []SchemaViolation
}

// PipelineConfig toggles stage-4 thresholds and the optional verifiers.
type PipelineConfig struct {
	MinConfidenceWarningThreshold float64
	EnableEvidencePresenceCheck   bool
	EnableKeywordPresenceCheck    bool
}

// DefaultPipelineConfig returns the canonical defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MinConfidenceWarningThreshold: 0.2,
		EnableEvidencePresenceCheck:   true,
		EnableKeywordPresenceCheck:    true,
	}
}

// ValidationPipeline runs four stages (parse, schema, business rules,
// quality) plus three verifiers (evidence, keyword, span coherence).
// Stages 1-3 hard-fail with a *ValidationError; stage 4 and the verifiers
// only ever accumulate warnings.
type ValidationPipeline struct {
	mu     sync.RWMutex
	cfg    PipelineConfig
	schema SchemaChecker
}

// NewValidationPipeline constructs the pipeline around a shared, read-only
// compiled schema.
func NewValidationPipeline(cfg PipelineConfig, schema SchemaChecker) *ValidationPipeline {
	return &ValidationPipeline{cfg: cfg, schema: schema}
}

// UpdateConfig replaces the stage-4 threshold and verifier toggles in
// place, under a write lock, so the hot-reload Watcher can push new values
// without reconstructing the pipeline.
func (p *ValidationPipeline) UpdateConfig(cfg PipelineConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

func (p *ValidationPipeline) snapshotConfig() PipelineConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Validate runs all four stages against raw LLM content for the given
// request, returning the validated response and accumulated warnings, or a
// *ValidationError from stage 1-3.
func (p *ValidationPipeline) Validate(content string, req entity.TriageRequest) (*entity.EmailTriageResponse, []string, error) {
	parsed, err := p.stage1Parse(content)
	if err != nil {
		return nil, nil, err
	}

	if violations := p.schema.Validate(parsed); len(violations) > 0 {
		return nil, nil, p.stage2Error(violations)
	}

	resp, err := p.decode(parsed)
	if err != nil {
		return nil, nil, &ValidationError{
			Kind:    ValidationSchema,
			Message: "schema-valid document failed to decode into response shape",
			Details: map[string]interface{}{"error": err.Error()},
		}
	}

	if err := p.stage3BusinessRules(*resp, req); err != nil {
		return nil, nil, err
	}

	cfg := p.snapshotConfig()
	warnings := p.stage4Quality(cfg, *resp)
	warnings = append(warnings, p.verifyEvidencePresence(cfg, *resp, req.Email.Body)...)
	warnings = append(warnings, p.verifyKeywordPresence(cfg, *resp, req)...)
	warnings = append(warnings, p.verifySpanCoherence(*resp, req.Email.Body)...)

	return resp, warnings, nil
}

// stage1Parse rejects empty input, syntactically invalid JSON, and any
// top-level value that is not an object.
func (p *ValidationPipeline) stage1Parse(content string) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, &ValidationError{
			Kind:    ValidationJSONParse,
			Message: "empty or whitespace-only content",
			Details: map[string]interface{}{"preview": preview(content)},
		}
	}

	var v interface{}
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil, &ValidationError{
			Kind:    ValidationJSONParse,
			Message: "invalid JSON: " + err.Error(),
			Details: map[string]interface{}{"preview": preview(content)},
		}
	}

	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, &ValidationError{
			Kind:    ValidationJSONParse,
			Message: "top-level JSON value is not an object",
			Details: map[string]interface{}{"preview": preview(content)},
		}
	}
	return obj, nil
}

func preview(s string) string {
	if len(s) > 500 {
		return s[:500]
	}
	return s
}

// stage2Error formats schema violations into a single ValidationError,
// keeping at most the first 10 error paths.
func (p *ValidationPipeline) stage2Error(violations []SchemaViolation) *ValidationError {
	if len(violations) > 10 {
		violations = violations[:10]
	}
	paths := make([]string, len(violations))
	for i, v := range violations {
		paths[i] = fmt.Sprintf("%s: %s", v.Path, v.Message)
	}
	return &ValidationError{
		Kind:    ValidationSchema,
		Message: fmt.Sprintf("%d schema violation(s)", len(violations)),
		Details: map[string]interface{}{"violations": paths},
	}
}

func (p *ValidationPipeline) decode(parsed map[string]interface{}) (*entity.EmailTriageResponse, error) {
	raw, err := json.Marshal(parsed)
	if err != nil {
		return nil, err
	}
	var resp entity.EmailTriageResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// stage3BusinessRules fails fast on the first violated rule, including
// the anti-hallucination rule candidateIdExistsInInput: every cited
// candidateId must exist in the request's candidate set.
func (p *ValidationPipeline) stage3BusinessRules(resp entity.EmailTriageResponse, req entity.TriageRequest) *ValidationError {
	if resp.DictionaryVersion != req.DictionaryVersion {
		return &ValidationError{
			Kind:    ValidationBusinessRule,
			Message: "dictionaryVersionMatch failed",
			Details: map[string]interface{}{
				"ruleName":       "dictionaryVersionMatch",
				"invalidValue":   resp.DictionaryVersion,
				"fieldPath":      "dictionaryVersion",
				"expectedValues": []int{req.DictionaryVersion},
			},
		}
	}

	if !entity.IsValidSentiment(resp.Sentiment.Value) {
		return &ValidationError{
			Kind:    ValidationBusinessRule,
			Message: "sentimentInEnum failed",
			Details: map[string]interface{}{
				"ruleName":     "sentimentInEnum",
				"invalidValue": resp.Sentiment.Value,
				"fieldPath":    "sentiment.value",
			},
		}
	}

	if !entity.IsValidPriority(resp.Priority.Value) {
		return &ValidationError{
			Kind:    ValidationBusinessRule,
			Message: "priorityInEnum failed",
			Details: map[string]interface{}{
				"ruleName":     "priorityInEnum",
				"invalidValue": resp.Priority.Value,
				"fieldPath":    "priority.value",
			},
		}
	}

	validCandidateIDs := make(map[string]bool, len(req.Candidates))
	for _, c := range req.Candidates {
		validCandidateIDs[c.CandidateID] = true
	}

	for ti, topic := range resp.Topics {
		if !entity.IsValidTopic(topic.LabelID) {
			return &ValidationError{
				Kind:    ValidationBusinessRule,
				Message: "topicLabelInEnum failed",
				Details: map[string]interface{}{
					"ruleName":       "topicLabelInEnum",
					"invalidValue":   topic.LabelID,
					"fieldPath":      fmt.Sprintf("topics[%d].labelId", ti),
					"expectedValues": entity.ValidTopics,
				},
			}
		}
		for ki, kw := range topic.KeywordsInText {
			if !validCandidateIDs[kw.CandidateID] {
				return &ValidationError{
					Kind:    ValidationBusinessRule,
					Message: "candidateIdExistsInInput failed",
					Details: map[string]interface{}{
						"ruleName":     "candidateIdExistsInInput",
						"invalidValue": kw.CandidateID,
						"fieldPath":    fmt.Sprintf("topics[%d].keywordsInText[%d].candidateId", ti, ki),
					},
				}
			}
		}
	}

	return nil
}

// stage4Quality never fails: low confidence, duplicates, and
// completeness gaps are reported as warnings only.
func (p *ValidationPipeline) stage4Quality(cfg PipelineConfig, resp entity.EmailTriageResponse) []string {
	var warnings []string
	threshold := cfg.MinConfidenceWarningThreshold

	if resp.Sentiment.Confidence < threshold {
		warnings = append(warnings, fmt.Sprintf("sentiment confidence %.3f below threshold %.3f", resp.Sentiment.Confidence, threshold))
	}
	if resp.Priority.Confidence < threshold {
		warnings = append(warnings, fmt.Sprintf("priority confidence %.3f below threshold %.3f", resp.Priority.Confidence, threshold))
	}
	if len(resp.Priority.Signals) == 0 {
		warnings = append(warnings, "priority.signals is empty")
	}

	seenLabels := map[entity.TopicLabel]bool{}
	for i, topic := range resp.Topics {
		if topic.Confidence < threshold {
			warnings = append(warnings, fmt.Sprintf("topics[%d].confidence %.3f below threshold %.3f", i, topic.Confidence, threshold))
		}
		if seenLabels[topic.LabelID] {
			warnings = append(warnings, fmt.Sprintf("duplicate topic labelId %q", topic.LabelID))
		}
		seenLabels[topic.LabelID] = true

		if len(topic.KeywordsInText) == 0 {
			warnings = append(warnings, fmt.Sprintf("topics[%d] has empty keywordsInText", i))
		}
		if len(topic.Evidence) == 0 {
			warnings = append(warnings, fmt.Sprintf("topics[%d] has empty evidence", i))
		}

		seenCandidates := map[string]bool{}
		for _, kw := range topic.KeywordsInText {
			if seenCandidates[kw.CandidateID] {
				warnings = append(warnings, fmt.Sprintf("topics[%d] has duplicate candidateId %q", i, kw.CandidateID))
			}
			seenCandidates[kw.CandidateID] = true
		}

		seenQuotes := map[string]bool{}
		for _, ev := range topic.Evidence {
			norm := strings.ToLower(strings.TrimSpace(ev.Quote))
			if seenQuotes[norm] {
				warnings = append(warnings, fmt.Sprintf("topics[%d] has duplicate evidence quote", i))
			}
			seenQuotes[norm] = true
			if len(ev.Quote) > 180 {
				warnings = append(warnings, fmt.Sprintf("topics[%d] evidence quote length %d approaches the 200 cap", i, len(ev.Quote)))
			}
		}
	}
	return warnings
}

// verifyEvidencePresence checks each evidence quote occurs (case
// insensitively) in the body, and that a provided span matches the quote.
func (p *ValidationPipeline) verifyEvidencePresence(cfg PipelineConfig, resp entity.EmailTriageResponse, body string) []string {
	if !cfg.EnableEvidencePresenceCheck {
		return nil
	}
	lowerBody := strings.ToLower(body)
	var warnings []string
	for i, topic := range resp.Topics {
		for j, ev := range topic.Evidence {
			if !strings.Contains(lowerBody, strings.ToLower(ev.Quote)) {
				warnings = append(warnings, fmt.Sprintf("topics[%d].evidence[%d] quote not found in body", i, j))
				continue
			}
			if ev.Span != nil {
				if ev.Span.Start < 0 || ev.Span.End > len(body) || ev.Span.Start >= ev.Span.End {
					continue
				}
				spanText := strings.ToLower(strings.TrimSpace(body[ev.Span.Start:ev.Span.End]))
				if spanText != strings.ToLower(strings.TrimSpace(ev.Quote)) {
					warnings = append(warnings, fmt.Sprintf("topics[%d].evidence[%d] span text does not match quote", i, j))
				}
			}
		}
	}
	return warnings
}

// verifyKeywordPresence checks each selected keyword's term/lemma occurs in
// the body, and that any provided spans are in-bounds.
func (p *ValidationPipeline) verifyKeywordPresence(cfg PipelineConfig, resp entity.EmailTriageResponse, req entity.TriageRequest) []string {
	if !cfg.EnableKeywordPresenceCheck {
		return nil
	}
	byID := make(map[string]entity.CandidateKeyword, len(req.Candidates))
	for _, c := range req.Candidates {
		byID[c.CandidateID] = c
	}
	lowerBody := strings.ToLower(req.Email.Body)

	var warnings []string
	for i, topic := range resp.Topics {
		for j, kw := range topic.KeywordsInText {
			cand, ok := byID[kw.CandidateID]
			if ok {
				if !strings.Contains(lowerBody, strings.ToLower(cand.Term)) && !strings.Contains(lowerBody, strings.ToLower(cand.Lemma)) {
					warnings = append(warnings, fmt.Sprintf("topics[%d].keywordsInText[%d] term/lemma not found in body", i, j))
				}
			}
			for _, sp := range kw.Spans {
				if sp.Start < 0 || sp.End > len(req.Email.Body) || sp.Start >= sp.End {
					warnings = append(warnings, fmt.Sprintf("topics[%d].keywordsInText[%d] has an out-of-bounds span", i, j))
				}
			}
		}
	}
	return warnings
}

// verifySpanCoherence always runs (it is cheap and universally useful),
// checking every span anywhere in the response is a well-formed
// [0, len(body)) range.
func (p *ValidationPipeline) verifySpanCoherence(resp entity.EmailTriageResponse, body string) []string {
	var warnings []string
	check := func(where string, sp *entity.Span) {
		if sp == nil {
			return
		}
		if sp.Start < 0 || sp.End > len(body) || sp.Start >= sp.End {
			warnings = append(warnings, fmt.Sprintf("%s has incoherent span [%d,%d) for body length %d", where, sp.Start, sp.End, len(body)))
		}
	}
	for i, topic := range resp.Topics {
		for j, kw := range topic.KeywordsInText {
			for k := range kw.Spans {
				check(fmt.Sprintf("topics[%d].keywordsInText[%d].spans[%d]", i, j, k), &kw.Spans[k])
			}
		}
		for j, ev := range topic.Evidence {
			check(fmt.Sprintf("topics[%d].evidence[%d].span", i, j), ev.Span)
		}
	}
	return warnings
}
