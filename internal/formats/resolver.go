package formats

import (
	"container/heap"
	"fmt"

	"alembic/internal/services"
)

// DefaultMaxHops bounds path length when the caller does not supply a limit.
const DefaultMaxHops = 3

type candidate struct {
	format string
	path   Path
	cost   int
	// trail is the full format sequence, used for deterministic ordering.
	trail string
}

type frontier []candidate

func (f frontier) Len() int { return len(f) }

func (f frontier) Less(i, j int) bool {
	if f[i].cost != f[j].cost {
		return f[i].cost < f[j].cost
	}
	if len(f[i].path) != len(f[j].path) {
		return len(f[i].path) < len(f[j].path)
	}
	return f[i].trail < f[j].trail
}

func (f frontier) Swap(i, j int) { f[i], f[j] = f[j], f[i] }

func (f *frontier) Push(x any) { *f = append(*f, x.(candidate)) }

func (f *frontier) Pop() any {
	old := *f
	n := len(old)
	item := old[n-1]
	*f = old[:n-1]
	return item
}

// Resolve finds the cheapest conversion path from source to target using at
// most maxHops edges. Ties on cost are broken by hop count, then by
// lexicographic order of the traversed format sequence, so the result is
// stable across runs. A maxHops of zero or below falls back to
// DefaultMaxHops.
func (g *Graph) Resolve(source, target string, maxHops int) (Path, error) {
	source = NormalizeID(source)
	target = NormalizeID(target)
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	if _, ok := g.formats[source]; !ok {
		return nil, services.Wrap(services.ErrValidation, "formats", "resolve", fmt.Sprintf("unknown source format %q", source), nil)
	}
	if _, ok := g.formats[target]; !ok {
		return nil, services.Wrap(services.ErrValidation, "formats", "resolve", fmt.Sprintf("unknown target format %q", target), nil)
	}
	if source == target {
		return nil, services.Wrap(services.ErrValidation, "formats", "resolve", "source and target formats are identical", nil)
	}

	pending := &frontier{{format: source, trail: source}}
	heap.Init(pending)
	// visited is keyed per hop count so a costlier but shorter prefix can
	// still win when the cheap route would exceed the hop budget.
	type visit struct {
		format string
		hops   int
	}
	settled := make(map[visit]struct{})

	for pending.Len() > 0 {
		current := heap.Pop(pending).(candidate)
		if current.format == target {
			return current.path, nil
		}
		key := visit{format: current.format, hops: len(current.path)}
		if _, done := settled[key]; done {
			continue
		}
		settled[key] = struct{}{}
		if len(current.path) >= maxHops {
			continue
		}
		for _, edge := range g.edges[current.format] {
			if onTrail(current.path, source, edge.Target) {
				continue
			}
			next := candidate{
				format: edge.Target,
				path:   append(append(Path{}, current.path...), edge),
				cost:   current.cost + edge.Cost,
				trail:  current.trail + "->" + edge.Target,
			}
			heap.Push(pending, next)
		}
	}
	return nil, services.Wrap(services.ErrNoPath, "formats", "resolve",
		fmt.Sprintf("no conversion path from %s to %s within %d hops", source, target, maxHops), nil)
}

func onTrail(path Path, source, format string) bool {
	if format == source {
		return true
	}
	for _, edge := range path {
		if edge.Target == format {
			return true
		}
	}
	return false
}
