package cli

import (
	"fmt"
	"runtime"

	"github.com/charmbracelet/lipgloss"
)

const cliVersion = "0.1.0"

// banner palette.
var (
	colorCyan   = lipgloss.Color("#00D7FF")
	colorGray   = lipgloss.Color("#6C6C6C")
	colorWhite  = lipgloss.Color("#FFFFFF")
	colorDim    = lipgloss.Color("#4E4E4E")
	colorGreen  = lipgloss.Color("#00FF87")
	colorYellow = lipgloss.Color("#FFD75F")
	colorRed    = lipgloss.Color("#FF5F5F")
)

// logoLines is a compact block logo for "TRIAGECTL".
var logoLines = []string{
	"▀█▀ █▀█ █ █▀█ █▀▀ █▀▀ ▀█▀ █░░",
	"░█░ █▀▄ █ █▀█ █▄█ ██▄ ░█░ █▄▄",
}

var logoGradient = []lipgloss.Color{
	lipgloss.Color("#00FFFF"),
	lipgloss.Color("#009FFF"),
}

// BannerInfo carries the dynamic stats shown in the startup banner.
type BannerInfo struct {
	Model       string
	GatewayAddr string
	Workers     int
}

// RenderBanner returns the styled startup banner.
func RenderBanner(info BannerInfo) string {
	labelStyle := lipgloss.NewStyle().Foreground(colorGray)
	valueStyle := lipgloss.NewStyle().Foreground(colorWhite)
	tipStyle := lipgloss.NewStyle().Foreground(colorDim)
	versionStyle := lipgloss.NewStyle().Foreground(colorCyan)

	var logo string
	for i, line := range logoLines {
		c := logoGradient[i%len(logoGradient)]
		logo += lipgloss.NewStyle().Foreground(c).Bold(true).Render(line) + "\n"
	}

	ver := versionStyle.Render(fmt.Sprintf("  v%s", cliVersion))
	modelLine := fmt.Sprintf("  %s %s", labelStyle.Render("Model  "), valueStyle.Render(info.Model))
	gwLine := fmt.Sprintf("  %s %s", labelStyle.Render("Gateway"), valueStyle.Render(info.GatewayAddr))
	workerLine := fmt.Sprintf("  %s %s", labelStyle.Render("Workers"), valueStyle.Render(fmt.Sprintf("%d", info.Workers)))
	envLine := fmt.Sprintf("  %s %s/%s", labelStyle.Render("Env    "), labelStyle.Render(runtime.GOOS), labelStyle.Render(runtime.GOARCH))
	tips := tipStyle.Render("  triagectl serve · triagectl triage <file> · triagectl inspect")

	return fmt.Sprintf("\n%s%s\n\n%s\n%s\n%s\n%s\n\n%s\n",
		logo, ver, modelLine, gwLine, workerLine, envLine, tips)
}

func priorityBadge(value string) string {
	style := lipgloss.NewStyle().Bold(true)
	switch value {
	case "urgent":
		return style.Foreground(colorRed).Render(value)
	case "high":
		return style.Foreground(colorYellow).Render(value)
	default:
		return style.Foreground(colorGreen).Render(value)
	}
}
