package service

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/entity"
)

// AssemblyMode selects the body/candidate budget an assembly run uses.
type AssemblyMode string

const (
	ModeNormal AssemblyMode = "normal"
	ModeShrink AssemblyMode = "shrink"
)

// AssemblerConfig holds the two pairs of limits the assembler selects
// between, plus the redaction flag.
type AssemblerConfig struct {
	BodyCharLimit        int
	ShrinkBodyLimit      int
	CandidateTopN        int
	ShrinkTopN           int
	RedactForLLM         bool
	SystemPromptTemplate string
	UserPromptTemplate   string
}

// DefaultAssemblerConfig returns the canonical defaults.
func DefaultAssemblerConfig() AssemblerConfig {
	return AssemblerConfig{
		BodyCharLimit:   8000,
		ShrinkBodyLimit: 4000,
		CandidateTopN:   100,
		ShrinkTopN:      50,
		RedactForLLM:    false,
	}
}

// AssemblyMetadata reports what the assembler actually did, for the audit
// trail and for asserting the shrink-mode budgets from outside.
type AssemblyMetadata struct {
	TruncationApplied  bool
	OriginalBodyLength int
	FinalBodyLength    int
	PiiRedacted        bool
	PiiKeptCount       int
	CandidateCount     int
	ShrinkMode         bool
}

// PromptAssembler is a pure, side-effect-free transform from a
// TriageRequest and mode into the exact (systemPrompt, userPrompt, schema)
// triple the LLM Gateway will send, plus PII-fixed-up audit metadata. It
// holds no request-scoped state; templates and schema are loaded once at
// construction and shared read-only thereafter.
type PromptAssembler struct {
	cfg          AssemblerConfig
	schema       map[string]interface{}
	topicList    []entity.TopicLabel
	userTemplate *template.Template
}

// NewPromptAssembler constructs an assembler with templates and schema
// already resolved; both are treated as immutable for the assembler's
// lifetime. If cfg.UserPromptTemplate is set, it is parsed once here rather
// than on every Assemble call; a malformed template falls back to the
// built-in renderer
// rather than failing construction, since template loading is best-effort
// customization on top of a working default.
func NewPromptAssembler(cfg AssemblerConfig, schema map[string]interface{}) *PromptAssembler {
	a := &PromptAssembler{
		cfg:       cfg,
		schema:    schema,
		topicList: entity.ValidTopics,
	}
	if strings.TrimSpace(cfg.UserPromptTemplate) != "" {
		if tmpl, err := template.New("user-prompt").Parse(cfg.UserPromptTemplate); err == nil {
			a.userTemplate = tmpl
		}
	}
	return a
}

// userPromptData is the fixed set of fields a custom UserPromptTemplate may
// reference.
type userPromptData struct {
	DictionaryVersion int
	Subject           string
	From              string
	Body              string
	TopicLabels       []string
	Candidates        []entity.CandidateKeyword
}

// Assemble runs the full assembly pass: sentence-boundary truncation, PII-span
// fixup, optional redaction, candidate selection, and template rendering.
func (a *PromptAssembler) Assemble(req entity.TriageRequest, mode AssemblyMode) (systemPrompt, userPrompt string, schema map[string]interface{}, meta AssemblyMetadata) {
	limit, topN := a.limitsFor(mode)

	body := req.Email.Body
	truncated, applied := truncateAtSentenceBoundary(body, limit)

	pii := fixupPiiSpans(req.Email.Pii, len(truncated))

	redactedBody := truncated
	piiRedactedCount := 0
	if a.cfg.RedactForLLM {
		redactedBody, piiRedactedCount = redactPii(truncated, pii)
	}

	candidates := a.selectCandidates(req.Candidates, topN, truncated, pii)

	systemPrompt = a.renderSystemPrompt()
	userPrompt = a.renderUserPrompt(req, redactedBody, candidates)

	meta = AssemblyMetadata{
		TruncationApplied:  applied,
		OriginalBodyLength: len(body),
		FinalBodyLength:    len(redactedBody),
		PiiRedacted:        a.cfg.RedactForLLM,
		PiiKeptCount:       len(pii) - piiRedactedCount,
		CandidateCount:     len(candidates),
		ShrinkMode:         mode == ModeShrink,
	}
	return systemPrompt, userPrompt, a.schema, meta
}

func (a *PromptAssembler) limitsFor(mode AssemblyMode) (limit, topN int) {
	if mode == ModeShrink {
		return a.cfg.ShrinkBodyLimit, a.cfg.ShrinkTopN
	}
	return a.cfg.BodyCharLimit, a.cfg.CandidateTopN
}

// truncateAtSentenceBoundary cuts body to at most limit characters,
// preferring the last sentence boundary in the prefix, then the last
// whitespace at or past 0.8*limit, then a hard cut. Returns the truncated
// body and whether truncation actually occurred.
func truncateAtSentenceBoundary(body string, limit int) (string, bool) {
	if len(body) <= limit {
		return body, false
	}

	prefix := body[:limit]

	// Scan for the last sentence-ending punctuation followed by whitespace
	// or end-of-string within the prefix.
	bestCut := -1
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 == len(prefix) {
				bestCut = i + 1
			} else if isSpace(prefix[i+1]) {
				bestCut = i + 1
			}
		}
	}
	if bestCut >= 0 {
		return body[:bestCut], true
	}

	// No sentence boundary: try the last whitespace, if it is at or past
	// 0.8*limit.
	minBoundary := int(0.8 * float64(limit))
	lastSpace := -1
	for i := len(prefix) - 1; i >= 0; i-- {
		if isSpace(prefix[i]) {
			lastSpace = i
			break
		}
	}
	if lastSpace >= minBoundary {
		return body[:lastSpace], true
	}

	// Hard cut.
	return body[:limit], true
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// fixupPiiSpans drops spans fully past the truncation point, clamps spans
// that straddle it, and keeps spans fully inside unchanged.
func fixupPiiSpans(pii []entity.PiiEntity, truncatedLen int) []entity.PiiEntity {
	out := make([]entity.PiiEntity, 0, len(pii))
	for _, p := range pii {
		if p.Start >= truncatedLen {
			continue
		}
		if p.End > truncatedLen {
			p.End = truncatedLen
		}
		out = append(out, p)
	}
	return out
}

// redactPii walks entities in reverse start order and replaces each
// in-bounds span with a redaction marker, so earlier spans remain valid
// during in-place substitution.
func redactPii(body string, pii []entity.PiiEntity) (string, int) {
	ordered := make([]entity.PiiEntity, len(pii))
	copy(ordered, pii)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start > ordered[j].Start })

	out := body
	redacted := 0
	for _, p := range ordered {
		if p.Start < 0 || p.End > len(out) || p.Start >= p.End {
			continue
		}
		marker := fmt.Sprintf("[REDACTED_%s]", strings.ToUpper(p.Type))
		out = out[:p.Start] + marker + out[p.End:]
		redacted++
	}
	return out, redacted
}

// selectCandidates keeps the topN best-scoring candidates. The incoming
// list is score-sorted by convention, but upstream does not prove it, so a
// stable re-sort by Score descending runs before slicing; if redaction is
// enabled, any candidate whose term/lemma matches the (pre-redaction) text
// of an in-bounds PII span is dropped too.
func (a *PromptAssembler) selectCandidates(candidates []entity.CandidateKeyword, topN int, truncatedBody string, pii []entity.PiiEntity) []entity.CandidateKeyword {
	sorted := make([]entity.CandidateKeyword, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	if topN < len(sorted) {
		sorted = sorted[:topN]
	}

	if !a.cfg.RedactForLLM {
		return sorted
	}

	piiText := map[string]bool{}
	for _, p := range pii {
		if p.Start < 0 || p.End > len(truncatedBody) || p.Start >= p.End {
			continue
		}
		piiText[strings.ToLower(truncatedBody[p.Start:p.End])] = true
	}

	filtered := sorted[:0:0]
	for _, c := range sorted {
		if piiText[strings.ToLower(c.Term)] || piiText[strings.ToLower(c.Lemma)] {
			continue
		}
		filtered = append(filtered, c)
	}
	return filtered
}

func (a *PromptAssembler) renderSystemPrompt() string {
	if a.cfg.SystemPromptTemplate != "" {
		return a.cfg.SystemPromptTemplate
	}
	var sb strings.Builder
	sb.WriteString("You are an e-mail triage classifier. Respond with a single JSON object ")
	sb.WriteString("matching the provided schema exactly. Never invent candidateId values ")
	sb.WriteString("that were not given to you. Never include any field not in the schema.")
	return sb.String()
}

func (a *PromptAssembler) renderUserPrompt(req entity.TriageRequest, body string, candidates []entity.CandidateKeyword) string {
	if a.userTemplate != nil {
		labels := make([]string, len(a.topicList))
		for i, t := range a.topicList {
			labels[i] = string(t)
		}
		data := userPromptData{
			DictionaryVersion: req.DictionaryVersion,
			Subject:           req.Email.Subject,
			From:              req.Email.FromAddr,
			Body:              body,
			TopicLabels:       labels,
			Candidates:        candidates,
		}
		var sb strings.Builder
		if err := a.userTemplate.Execute(&sb, data); err == nil {
			return sb.String()
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "dictionaryVersion: %d\n", req.DictionaryVersion)
	fmt.Fprintf(&sb, "subject: %s\n", req.Email.Subject)
	fmt.Fprintf(&sb, "from: %s\n", req.Email.FromAddr)
	sb.WriteString("body:\n")
	sb.WriteString(body)
	sb.WriteString("\n\n")

	sb.WriteString("allowed topic labels: ")
	labels := make([]string, len(a.topicList))
	for i, t := range a.topicList {
		labels[i] = string(t)
	}
	sb.WriteString(strings.Join(labels, ", "))
	sb.WriteString("\n\n")

	sb.WriteString("candidates (id | term | lemma | count | score):\n")
	for _, c := range candidates {
		fmt.Fprintf(&sb, "%s | %s | %s | %d | %.4f\n", c.CandidateID, c.Term, c.Lemma, c.Count, c.Score)
	}
	return sb.String()
}
