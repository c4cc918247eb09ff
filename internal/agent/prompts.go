package agent

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/quotebot/internal/browser"
)

const plannerSystemPrompt = `You operate a web browser on behalf of a freight forwarder.
You receive an instruction, the current page (URL, title, visible text, and numbered interactive elements), and the steps already taken.
Reply with a single JSON object:
  {"status": "continue" | "done" | "fail", "steps": [...], "summary": "...", "reason": "..."}

Step types:
  - navigate: {"type": "navigate", "url": "https://..."}
  - click:    {"type": "click", "ref": 12}
  - type:     {"type": "type", "ref": 4, "text": "Mumbai"}   (replaces the field content)
  - select:   {"type": "select", "ref": 9, "text": "40 Dry Standard"}   (native <select> only)
  - press:    {"type": "press", "ref": 4, "key": "Enter"}   (Enter, Tab, Escape, ArrowDown, ArrowUp)
  - wait:     {"type": "wait", "wait_ms": 1500}

Rules:
  - Address elements by their number in brackets using "ref". Use "selector" only for elements not listed.
  - Element numbers are only valid for the page you were shown. After navigation or a click that changes the page, return "continue" so you see the new page.
  - Autocomplete fields: type the text, wait for suggestions, then click the matching suggestion in the next round.
  - Set "status" to "done" with a short "summary" once the instruction is fully complete on the current page.
  - Set "status" to "fail" with a "reason" quoting any error text the page shows if the instruction cannot be completed.
  - Never invent data that the instruction did not give you.`

const extractorSystemPrompt = `You read data from a web page for a freight forwarder.
Use only information visible on the page. Do not guess values that are not shown; omit optional fields instead.
Reply with JSON only.`

func plannerUserPrompt(instruction string, state browser.PageState, history []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Instruction:\n%s\n\n", strings.TrimSpace(instruction))

	if len(history) > 0 {
		sb.WriteString("Steps taken so far:\n")
		start := 0
		if len(history) > historyLines {
			start = len(history) - historyLines
		}
		for _, line := range history[start:] {
			sb.WriteString("- ")
			sb.WriteString(line)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Current page:\n")
	sb.WriteString(state.Render(maxPageText, maxElements))
	sb.WriteString("\nRespond with the JSON plan for the next steps.")
	return sb.String()
}

func extractorUserPrompt(instruction string, state browser.PageState) string {
	return fmt.Sprintf("Instruction:\n%s\n\nPage:\nURL: %s\nTitle: %s\n\n%s",
		strings.TrimSpace(instruction), state.URL, state.Title, truncate(state.Text, maxPageText*2))
}
