package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/entity"
)

// Renderer formats TriageResult/DLQEntry values for terminal output, in
// both a compact one-line summary and a full YAML export.
type Renderer struct{}

// NewRenderer constructs a Renderer. It carries no state; width-dependent
// rendering lives in the TUI instead.
func NewRenderer() *Renderer { return &Renderer{} }

// RenderResultSummary renders one line per result: status icon, uid, and
// the headline verdict fields.
func (r *Renderer) RenderResultSummary(result entity.TriageResult) string {
	icon := lipgloss.NewStyle().Foreground(colorGreen).Render("✓")
	uidStyle := lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	metaStyle := lipgloss.NewStyle().Foreground(colorGray)

	return fmt.Sprintf("%s %s  priority=%s sentiment=%s retries=%d %s",
		icon,
		uidStyle.Render(result.RequestUID),
		priorityBadge(string(result.Response.Priority.Value)),
		result.Response.Sentiment.Value,
		result.RetriesUsed,
		metaStyle.Render(fmt.Sprintf("(%dms)", result.ProcessingDurationMs)),
	)
}

// RenderDLQSummary renders one line per DLQ entry.
func (r *Renderer) RenderDLQSummary(entry entity.DLQEntry) string {
	icon := lipgloss.NewStyle().Foreground(colorRed).Render("✗")
	uidStyle := lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	metaStyle := lipgloss.NewStyle().Foreground(colorGray)

	return fmt.Sprintf("%s %s  %s attempts=%d %s",
		icon,
		uidStyle.Render(entry.Request.Email.UID),
		entry.FinalErrorKind,
		entry.RetryMetadata.TotalAttempts,
		metaStyle.Render(entry.Timestamp.Format("2006-01-02T15:04:05Z")),
	)
}

// RenderYAML marshals any result/entry to a human-readable YAML document
// for `triagectl triage --output yaml` and `triagectl dlq replay`.
func (r *Renderer) RenderYAML(v interface{}) (string, error) {
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\n") + "\n", nil
}
