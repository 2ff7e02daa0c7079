package arena

import (
	"fmt"

	"github.com/awalterschulze/gographviz"
)

// DumpDOT renders the subtree reachable from root as Graphviz DOT,
// labeling each node with its visit count and mean value. A debugging
// aid in the spirit of the teacher's mcts.Node.Format/t.log habit,
// generalized to a graph export since the node storage is, in fact, a
// graph.
func (s *Storage) DumpDOT(root Index) string {
	g := gographviz.NewGraph()
	g.SetName("tree")
	g.SetDir(true)

	if root == Nil {
		return g.String()
	}

	var walk func(idx Index)
	visited := make(map[Index]bool)
	walk = func(idx Index) {
		if visited[idx] {
			return
		}
		visited[idx] = true
		n := s.Node(idx)
		label := fmt.Sprintf(`"n%d\nN=%d V=%.3f"`, idx, n.VisitCount(), n.MeanValue())
		_ = g.AddNode("tree", nodeName(idx), map[string]string{"label": label})

		for _, entry := range n.ChildEntries() {
			_ = g.AddNode("tree", nodeName(entry.Idx), nil)
			_ = g.AddEdge(nodeName(idx), nodeName(entry.Idx), true,
				map[string]string{"label": fmt.Sprintf(`"a%d"`, entry.Key.Action)})
			walk(entry.Idx)
		}
	}
	walk(root)
	return g.String()
}

func nodeName(idx Index) string {
	return fmt.Sprintf("n%d", idx)
}
