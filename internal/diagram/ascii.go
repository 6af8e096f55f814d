package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a step state.
func statusTag(state string) string {
	switch state {
	case "COMPLETED":
		return "[OK]"
	case "FAILED":
		return "[FAIL]"
	case "CANCELLED":
		return "[CANCEL]"
	case "RUNNING":
		return "[RUN]"
	case "RETRY_SCHEDULED":
		return "[RETRY]"
	case "SKIPPED":
		return "[SKIP]"
	case "PENDING", "READY":
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders m one level per row, with box-drawing characters.
func RenderASCII(m *Model) string {
	var b strings.Builder

	if m.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", m.Title)
	}
	for i, level := range m.Levels {
		var boxes []asciiBox
		for _, id := range level {
			if n := findNode(m.Nodes, id); n != nil {
				boxes = append(boxes, makeBox(n))
			}
		}
		renderBoxRow(&b, boxes)
		if i < len(m.Levels)-1 {
			renderConnector(&b, len(boxes))
		}
	}
	return b.String()
}

// asciiBox holds the rendered lines of a single box.
type asciiBox struct {
	lines []string
	width int
}

// makeBox creates an ASCII box for a node.
func makeBox(node *Node) asciiBox {
	contentLines := strings.Split(node.Label, "\n")

	if node.Status != nil {
		if tag := statusTag(node.Status.State); tag != "" {
			contentLines = append(contentLines, tag)
		}
		if node.Status.Attempts > 1 {
			contentLines = append(contentLines, fmt.Sprintf("x%d", node.Status.Attempts))
		}
		if node.Status.DurationMs > 0 {
			contentLines = append(contentLines, fmt.Sprintf("%dms", node.Status.DurationMs))
		}
		if node.Status.Mock {
			contentLines = append(contentLines, "mock")
		}
	}

	// Calculate width.
	maxLen := 0
	for _, line := range contentLines {
		if len(line) > maxLen {
			maxLen = len(line)
		}
	}
	width := maxLen + 4 // 2 border + 2 padding

	// Build box lines.
	var lines []string
	top := "\u250c" + strings.Repeat("\u2500", width-2) + "\u2510"
	bot := "\u2514" + strings.Repeat("\u2500", width-2) + "\u2518"
	lines = append(lines, top)
	for _, content := range contentLines {
		padded := content + strings.Repeat(" ", maxLen-len(content))
		lines = append(lines, "\u2502 "+padded+" \u2502")
	}
	lines = append(lines, bot)

	return asciiBox{lines: lines, width: width}
}

// renderBoxRow writes boxes side by side.
func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	if len(boxes) == 0 {
		return
	}

	// Find max height.
	maxHeight := 0
	for _, box := range boxes {
		if len(box.lines) > maxHeight {
			maxHeight = len(box.lines)
		}
	}

	// Render line by line.
	for row := 0; row < maxHeight; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ") // gap between boxes
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

// renderConnector draws a vertical connector between levels.
func renderConnector(b *strings.Builder, boxCount int) {
	if boxCount == 0 {
		return
	}
	// Simple center connector.
	b.WriteString("       \u2502\n")
	b.WriteString("       \u25bc\n")
}

// findNode looks up a node by ID in the model's node list.
func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
