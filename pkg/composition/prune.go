package composition

// PruneOrphans drops the object and interface types that have no owning
// subgraph among the inputs, together with every field, interface and union
// member referring to them. The scheduler applies it when subgraphs were
// excluded, so extensions of types owned by an excluded subgraph do not fail
// the composition of the remaining subgraphs.
//
// The input documents are not modified. The names of the dropped types are
// returned sorted.
func PruneOrphans(subgraphs []Subgraph) ([]Subgraph, []string) {
	out := make([]Subgraph, len(subgraphs))
	initial := map[string]struct{}{}
	for i, s := range subgraphs {
		out[i] = s
		if s.Document == nil {
			continue
		}
		out[i].Document = s.Document.clone()
		for name := range s.Document.Types {
			initial[name] = struct{}{}
		}
	}

	removed := map[string]struct{}{}
	for {
		changed := false

		for _, name := range orphanTypes(out) {
			for _, s := range out {
				if s.Document != nil {
					delete(s.Document.Types, name)
				}
			}
			changed = true
		}

		present := declaredTypes(out)
		for name := range initial {
			if _, ok := present[name]; !ok {
				removed[name] = struct{}{}
			}
		}

		for _, s := range out {
			if s.Document != nil && s.Document.pruneReferences(removed) {
				changed = true
			}
		}

		if !changed {
			break
		}
	}

	return out, sortedKeys(removed)
}

func declaredTypes(subgraphs []Subgraph) map[string]struct{} {
	present := map[string]struct{}{}
	for _, s := range subgraphs {
		if s.Document == nil {
			continue
		}
		for name := range s.Document.Types {
			present[name] = struct{}{}
		}
	}
	return present
}

// orphanTypes returns the composite types every subgraph only extends.
func orphanTypes(subgraphs []Subgraph) []string {
	owned := map[string]bool{}
	for _, s := range subgraphs {
		if s.Document == nil {
			continue
		}
		for name, t := range s.Document.Types {
			if (t.Kind != KindObject && t.Kind != KindInterface) || isRootType(name) {
				continue
			}
			owned[name] = owned[name] || !t.Extension
		}
	}

	var orphans []string
	for _, name := range sortedKeys(owned) {
		if !owned[name] {
			orphans = append(orphans, name)
		}
	}
	return orphans
}

func (d *SchemaDocument) clone() *SchemaDocument {
	c := *d
	c.Types = make(map[string]*TypeDef, len(d.Types))
	for name, t := range d.Types {
		tc := *t
		tc.Fields = append([]*FieldDef(nil), t.Fields...)
		tc.Interfaces = append([]string(nil), t.Interfaces...)
		tc.Members = append([]string(nil), t.Members...)
		c.Types[name] = &tc
	}
	return &c
}

// pruneReferences removes whatever refers to a removed type. A composite type
// left without fields and a union left without members are removed as well.
// It reports whether the document changed.
func (d *SchemaDocument) pruneReferences(removed map[string]struct{}) bool {
	isRemoved := func(name string) bool {
		_, ok := removed[name]
		return ok
	}

	changed := false
	for name, t := range d.Types {
		fields := make([]*FieldDef, 0, len(t.Fields))
		for _, f := range t.Fields {
			if isRemoved(f.Type.Name()) || referencesRemovedArgument(f, isRemoved) {
				continue
			}
			fields = append(fields, f)
		}

		// @requires must stay satisfiable within the subgraph
		kept := make([]*FieldDef, 0, len(fields))
		for _, f := range fields {
			if f.Requires != nil && !declaresAll(fields, f.Requires.Names()) {
				continue
			}
			kept = append(kept, f)
		}

		if len(kept) != len(t.Fields) {
			t.Fields = kept
			changed = true
		}

		if interfaces := withoutRemoved(t.Interfaces, isRemoved); len(interfaces) != len(t.Interfaces) {
			t.Interfaces = interfaces
			changed = true
		}
		if members := withoutRemoved(t.Members, isRemoved); len(members) != len(t.Members) {
			t.Members = members
			changed = true
		}

		switch {
		case (t.Kind == KindObject || t.Kind == KindInterface) && len(t.Fields) == 0,
			t.Kind == KindUnion && len(t.Members) == 0:
			delete(d.Types, name)
			changed = true
		}
	}
	return changed
}

func referencesRemovedArgument(f *FieldDef, isRemoved func(string) bool) bool {
	for _, arg := range f.Arguments {
		if isRemoved(arg.Type.Name()) {
			return true
		}
	}
	return false
}

func declaresAll(fields []*FieldDef, names []string) bool {
	for _, n := range names {
		found := false
		for _, f := range fields {
			if f.Name == n {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func withoutRemoved(names []string, isRemoved func(string) bool) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !isRemoved(n) {
			out = append(out, n)
		}
	}
	return out
}
