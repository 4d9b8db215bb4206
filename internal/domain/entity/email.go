package entity

// PiiEntity is a span of detected personally-identifiable information inside
// an EmailDocument's body. Spans are half-open: [Start, End).
type PiiEntity struct {
	Type            string  `json:"type"`
	Start           int     `json:"start"`
	End             int     `json:"end"`
	Confidence      float64 `json:"confidence"`
	DetectionMethod string  `json:"detectionMethod"`
}

// PipelineVersions records the upstream component versions that produced an
// EmailDocument, frozen at ingestion time.
type PipelineVersions struct {
	CanonicalizerVersion string `json:"canonicalizerVersion"`
	NerVersion           string `json:"nerVersion"`
	StoplistVersion      string `json:"stoplistVersion,omitempty"`
}

// EmailDocument is the canonical, PII-annotated (but not PII-redacted) email
// produced by the upstream preprocessor. The core treats every field as
// authoritative and never re-derives it.
type EmailDocument struct {
	UID              string           `json:"uid"`
	Subject          string           `json:"subject"`
	FromAddr         string           `json:"fromAddr"`
	Body             string           `json:"body"`
	Pii              []PiiEntity      `json:"pii"`
	PipelineVersions PipelineVersions `json:"pipelineVersions"`
}
