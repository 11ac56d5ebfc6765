package registry

// Leak describes a live object unreachable from any external reference
type Leak struct {
	ID    ID     `json:"id"`
	Label string `json:"label,omitempty"`
}

// SweepResult summarizes one sweep pass
type SweepResult struct {
	Live   int    `json:"live"`
	Leaked []Leak `json:"leaked,omitempty"`
	Cycles [][]ID `json:"cycles,omitempty"`
}

// Clean reports whether the sweep found no leaks
func (sr SweepResult) Clean() bool {
	return len(sr.Leaked) == 0
}

// Sweep walks the object graph from every externally retained object.
// Live objects the walk never reaches are leaks: nothing outside the
// registry can release them anymore, only edges among themselves keep
// them alive. The reference cycles sustaining them are reported.
func (r *Registry[T]) Sweep() SweepResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	marked := make(map[uint32]bool)
	var stack []uint32
	for i, s := range r.slots {
		if s.live && s.external > 0 {
			stack = append(stack, uint32(i))
		}
	}
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if marked[idx] {
			continue
		}
		marked[idx] = true
		for _, e := range r.slots[idx].out {
			dst := r.slots[e.Index]
			if dst.live && dst.gen == e.Gen && !marked[e.Index] {
				stack = append(stack, e.Index)
			}
		}
	}

	result := SweepResult{Live: r.live}
	var leaked []uint32
	for i, s := range r.slots {
		if s.live && !marked[uint32(i)] {
			result.Leaked = append(result.Leaked, Leak{
				ID:    ID{Index: uint32(i), Gen: s.gen},
				Label: s.label,
			})
			leaked = append(leaked, uint32(i))
		}
	}
	result.Cycles = r.findCycles(leaked)
	return result
}

// findCycles runs Tarjan's strongly connected components over the
// leaked subgraph, iteratively. Components of more than one object,
// or single objects owning themselves, are the cycles keeping the
// leaks alive. Callers hold at least the read lock.
func (r *Registry[T]) findCycles(nodes []uint32) [][]ID {
	if len(nodes) == 0 {
		return nil
	}
	inSet := make(map[uint32]bool, len(nodes))
	for _, n := range nodes {
		inSet[n] = true
	}

	index := make(map[uint32]int, len(nodes))
	low := make(map[uint32]int, len(nodes))
	onStack := make(map[uint32]bool, len(nodes))
	var sccStack []uint32
	next := 0
	var cycles [][]ID

	type frame struct {
		node uint32
		edge int
	}

	for _, root := range nodes {
		if _, seen := index[root]; seen {
			continue
		}
		index[root] = next
		low[root] = next
		next++
		sccStack = append(sccStack, root)
		onStack[root] = true
		callStack := []frame{{node: root}}

		for len(callStack) > 0 {
			f := &callStack[len(callStack)-1]
			s := r.slots[f.node]
			advanced := false
			for f.edge < len(s.out) {
				e := s.out[f.edge]
				f.edge++
				dst := r.slots[e.Index]
				if !inSet[e.Index] || !dst.live || dst.gen != e.Gen {
					continue
				}
				if _, seen := index[e.Index]; !seen {
					index[e.Index] = next
					low[e.Index] = next
					next++
					sccStack = append(sccStack, e.Index)
					onStack[e.Index] = true
					callStack = append(callStack, frame{node: e.Index})
					advanced = true
					break
				}
				if onStack[e.Index] && index[e.Index] < low[f.node] {
					low[f.node] = index[e.Index]
				}
			}
			if advanced {
				continue
			}

			finished := *f
			callStack = callStack[:len(callStack)-1]
			if len(callStack) > 0 {
				parent := &callStack[len(callStack)-1]
				if low[finished.node] < low[parent.node] {
					low[parent.node] = low[finished.node]
				}
			}
			if low[finished.node] != index[finished.node] {
				continue
			}

			var comp []uint32
			for {
				n := sccStack[len(sccStack)-1]
				sccStack = sccStack[:len(sccStack)-1]
				onStack[n] = false
				comp = append(comp, n)
				if n == finished.node {
					break
				}
			}
			if len(comp) > 1 || r.hasSelfEdge(comp[0]) {
				cycle := make([]ID, 0, len(comp))
				for i := len(comp) - 1; i >= 0; i-- {
					n := comp[i]
					cycle = append(cycle, ID{Index: n, Gen: r.slots[n].gen})
				}
				cycles = append(cycles, cycle)
			}
		}
	}
	return cycles
}

func (r *Registry[T]) hasSelfEdge(idx uint32) bool {
	s := r.slots[idx]
	for _, e := range s.out {
		if e.Index == idx && e.Gen == s.gen {
			return true
		}
	}
	return false
}
