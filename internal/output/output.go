// Package output provides styled terminal output helpers (success, error,
// warning, amounts, budget bars) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
	"golang.org/x/term"

	"github.com/marcus/spendbook/internal/models"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	typeStyles   = map[models.TxType]lipgloss.Style{
		models.TypeIncome:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.TypeExpense:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		models.TypeInvestment: lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
	}
)

const defaultWidth = 80

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

// JSON outputs data as JSON
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Title renders s bold.
func Title(s string) string {
	return titleStyle.Render(s)
}

// Subtle renders s dimmed.
func Subtle(s string) string {
	return subtleStyle.Render(s)
}

// TerminalWidth returns the current terminal width or a fallback when unavailable.
func TerminalWidth(fallback int) int {
	if fallback <= 0 {
		fallback = defaultWidth
	}
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}
	if cols := os.Getenv("COLUMNS"); cols != "" {
		if parsed, err := strconv.Atoi(cols); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// FormatAmount renders d with two decimals and thousands separators,
// followed by the currency code when given: "1,234.50 EUR".
func FormatAmount(d decimal.Decimal, currency string) string {
	fixed := d.Abs().StringFixed(2)
	whole, frac, _ := strings.Cut(fixed, ".")
	n, err := strconv.ParseInt(whole, 10, 64)
	if err == nil {
		whole = humanize.Comma(n)
	}
	s := whole + "." + frac
	if d.IsNegative() && fixed != "0.00" {
		s = "-" + s
	}
	if currency != "" {
		s += " " + currency
	}
	return s
}

// FormatType formats a transaction type with color
func FormatType(t models.TxType) string {
	style, ok := typeStyles[t]
	if !ok {
		return string(t)
	}
	return style.Render(string(t))
}

// FormatTransaction formats one transaction on a line:
// date, type, amount, category, description.
func FormatTransaction(tx models.Transaction, category, currency string) string {
	parts := []string{
		subtleStyle.Render(tx.Date),
		fmt.Sprintf("%-10s", FormatType(tx.Type)),
		fmt.Sprintf("%14s", FormatAmount(tx.Amount, currency)),
	}
	if category != "" {
		parts = append(parts, titleStyle.Render(category))
	}
	if tx.Description != "" {
		parts = append(parts, tx.Description)
	}
	if tx.RecurringID != "" {
		parts = append(parts, subtleStyle.Render("(recurring)"))
	}
	if tx.PendingSync == 1 {
		parts = append(parts, warningStyle.Render("*"))
	}
	return strings.Join(parts, "  ")
}

// ShortID shortens a record id for display.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ProgressBar renders pct (0-100, may exceed) as a bar of width cells,
// green under 80%, amber to 100% and red above.
func ProgressBar(pct decimal.Decimal, width int) string {
	if width <= 0 {
		width = 20
	}
	p := pct.InexactFloat64()
	filled := int(p / 100 * float64(width))
	filled = max(0, min(filled, width))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	style := successStyle
	switch {
	case p > 100:
		style = errorStyle
	case p >= 80:
		style = warningStyle
	}
	return style.Render(bar) + fmt.Sprintf(" %s%%", pct.StringFixed(1))
}

// FormatTimeAgo formats a time as a human-readable "ago" string; older
// than a week shows the date.
func FormatTimeAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	if time.Since(t) < time.Minute {
		return "just now"
	}
	if time.Since(t) >= 7*24*time.Hour {
		return t.Format("2006-01-02")
	}
	return humanize.Time(t)
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nBUDGETS:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// KeyValue renders aligned "key: value" lines.
func KeyValue(pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		width = max(width, len(p[0]))
	}
	var sb strings.Builder
	for _, p := range pairs {
		sb.WriteString(fmt.Sprintf("%-*s  %s\n", width+1, p[0]+":", p[1]))
	}
	return sb.String()
}
