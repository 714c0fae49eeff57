package txn

// topoOrder returns plan indices ordered so a referenced entry's write
// lands before its referrer's, with every DELETE pushed to the end
// regardless of dependencies (spec.md §4.8 step 3: "deletes last;
// creates/updates sorted by dependency order ... cycles allowed"). A cycle
// doesn't fail the sort — write order inside one atomically-committed
// transaction doesn't affect the invariants any reader can observe — the
// walk just stops at the back edge, so the entry where it entered the cycle
// is placed after the others in that cycle.
func topoOrder(plans []*plannedEntry) ([]int, error) {
	n := len(plans)
	visited := make([]bool, n)
	inStack := make([]bool, n)
	var order []int

	var visit func(i int)
	visit = func(i int) {
		if visited[i] || inStack[i] {
			return // already placed, or a cycle back to an ancestor: stop recursing
		}
		inStack[i] = true
		for _, dep := range plans[i].dependsOn {
			if dep >= 0 && dep < n {
				visit(dep)
			}
		}
		inStack[i] = false
		visited[i] = true
		order = append(order, i)
	}

	var deletes []int
	var rest []int
	for i, p := range plans {
		if p.request.Method == "DELETE" {
			deletes = append(deletes, i)
		} else {
			rest = append(rest, i)
		}
	}
	for _, i := range rest {
		visit(i)
	}
	order = append(order, deletes...)
	return order, nil
}
