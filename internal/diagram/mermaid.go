package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders m as a Mermaid flowchart.
func RenderMermaid(m *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if m.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", m.Title)
	}

	for i, level := range m.Levels {
		if i == 0 || i == len(m.Levels)-1 {
			continue
		}
		fmt.Fprintf(&b, "    subgraph wave_%d[\"wave %d\"]\n", i-1, i-1)
		for _, id := range level {
			if n := findNode(m.Nodes, id); n != nil {
				fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(n))
			}
		}
		b.WriteString("    end\n")
	}
	for _, n := range m.Nodes {
		if n.Kind == NodeKindStart || n.Kind == NodeKindEnd {
			fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(n))
		}
	}

	for _, e := range m.Edges {
		fmt.Fprintf(&b, "    %s --> %s\n", mermaidSafeID(e.From), mermaidSafeID(e.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef retrying fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, n := range m.Nodes {
		if n.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(n.Status.State); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(n.ID), cls)
		}
	}
	return b.String()
}

func mermaidNodeDef(n *Node) string {
	id := mermaidSafeID(n.ID)
	label := strings.ReplaceAll(n.Label, "\n", "<br/>")
	if n.Status != nil && n.Status.Mock {
		label += "<br/>(mock)"
	}
	switch n.Kind {
	case NodeKindGuarded:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID replaces characters Mermaid does not accept in ids.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func mermaidStatusClass(state string) string {
	switch state {
	case "COMPLETED":
		return "completed"
	case "FAILED", "CANCELLED":
		return "failed"
	case "RUNNING":
		return "running"
	case "RETRY_SCHEDULED":
		return "retrying"
	case "PENDING", "READY":
		return "pending"
	case "SKIPPED":
		return "skipped"
	default:
		return ""
	}
}
