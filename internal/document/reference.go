package document

import "fmt"

// MaxLinkDepth bounds traversal of document-to-document links. Context
// documents may link to research documents that link back; the graph can
// contain cycles, so traversal carries an explicit depth counter instead of
// recursing freely.
const MaxLinkDepth = 2

// Reference is an explicit link to another persisted document.
type Reference struct {
	Path string `json:"path"`
	ID   string `json:"id"`
}

// Resolver loads a referenced document and its outgoing links.
type Resolver interface {
	Load(ref Reference) (*Document, []Reference, error)
}

// ResolveGraph walks the reference graph breadth-first up to maxDepth,
// returning the visited references in discovery order. Cycles are cut by the
// visited set; depth is enforced by the explicit counter, never by
// recursion.
func ResolveGraph(resolver Resolver, roots []Reference, maxDepth int) ([]Reference, error) {
	if maxDepth < 0 {
		return nil, fmt.Errorf("negative link depth %d", maxDepth)
	}
	if maxDepth > MaxLinkDepth {
		maxDepth = MaxLinkDepth
	}
	type frame struct {
		ref   Reference
		depth int
	}
	visited := make(map[string]bool)
	var out []Reference
	queue := make([]frame, 0, len(roots))
	for _, r := range roots {
		queue = append(queue, frame{ref: r, depth: 0})
	}
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		key := f.ref.Path + "#" + f.ref.ID
		if visited[key] {
			continue
		}
		visited[key] = true
		out = append(out, f.ref)
		if f.depth >= maxDepth {
			continue
		}
		_, links, err := resolver.Load(f.ref)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", key, err)
		}
		for _, link := range links {
			queue = append(queue, frame{ref: link, depth: f.depth + 1})
		}
	}
	return out, nil
}
