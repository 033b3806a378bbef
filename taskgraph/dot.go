package taskgraph

import (
	"fmt"
	"io"

	"github.com/alexbibov/lexgine/task"
)

// dotStyle is the fixed shape/colour mapping used by WriteDOT, grounded on
// the source engine's own kind-to-appearance table.
type dotStyle struct {
	shape     string
	fillColor string
	fontColor string
}

var kindStyles = map[task.Kind]dotStyle{
	task.KindCPU:         {shape: "box", fillColor: "lightblue", fontColor: "black"},
	task.KindGPUDraw:     {shape: "oval", fillColor: "yellow", fontColor: "black"},
	task.KindGPUCompute:  {shape: "hexagon", fillColor: "red", fontColor: "white"},
	task.KindGPUCopy:     {shape: "diamond", fillColor: "gray", fontColor: "white"},
	task.KindOther:       {shape: "triangle", fillColor: "white", fontColor: "black"},
	task.KindExit:        {shape: "doublecircle", fillColor: "black", fontColor: "white"},
}

func styleFor(k task.Kind) dotStyle {
	if s, ok := kindStyles[k]; ok {
		return s
	}
	return dotStyle{shape: "box", fillColor: "white", fontColor: "black"}
}

// WriteDOT serialises g to Graphviz DOT. This is a diagnostic contract: the
// textual format is human-oriented and not stable across versions, but the
// node and edge sets it describes are deterministic for a fixed graph,
// since both are emitted sorted by the nodes' stable ids.
func (g *Graph) WriteDOT(w io.Writer) error {
	sorted := byID(g.nodes)

	if _, err := fmt.Fprintf(w, "digraph %q {\n", g.name); err != nil {
		return err
	}

	for _, n := range sorted {
		style := styleFor(n.task.Kind())
		if _, err := fmt.Fprintf(w,
			"  n%d [label=%q, shape=%s, style=filled, fillcolor=%s, fontcolor=%s];\n",
			n.id, n.task.Name(), style.shape, style.fillColor, style.fontColor,
		); err != nil {
			return err
		}
	}

	for _, n := range sorted {
		deps := append([]*Node{}, n.dependents...)
		for _, dst := range byID(deps) {
			if _, err := fmt.Fprintf(w, "  n%d -> n%d;\n", n.id, dst.id); err != nil {
				return err
			}
		}
	}

	_, err := fmt.Fprintln(w, "}")
	return err
}
