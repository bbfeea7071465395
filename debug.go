package bonsaidb

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

type DumpFlags uint64

const (
	DumpFiles = DumpFlags(1 << iota)
	DumpStats
	DumpEngines
	DumpIndexRows
	DumpTrees

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the file registry, the index engines and the Bonsai trees as
// seen by op. Meant for tests and debugging.
func (op *AtomicOperation) Dump(f DumpFlags) string {
	var buf strings.Builder
	files := op.Files()
	names := slices.Sorted(maps.Keys(files))

	if f.Contains(DumpFiles) {
		fmt.Fprintln(&buf, rpadf('=', "== files (%d) ", len(files)))
		for _, name := range names {
			pages, err := op.FilledUpTo(files[name])
			if err != nil {
				fmt.Fprintf(&buf, "file.%s = #%d ** ERROR: %v\n", name, files[name], err)
				continue
			}
			fmt.Fprintf(&buf, "file.%s = #%d (%d pages)\n", name, files[name], pages)
			if f.Contains(DumpStats) {
				if b := op.tx.Bucket(pagesBucket, fileSub(files[name])); b != nil {
					st := b.Stats()
					fmt.Fprintf(&buf, "file.%s.stats: keys = %d, inuse = %d, alloc = %d\n", name, st.KeyN, st.LeafInuse, st.TotalAlloc())
				}
			}
		}
	}

	if f.Contains(DumpEngines) {
		engines := op.EngineNames()
		fmt.Fprintln(&buf, rpadf('=', "== engines (%d) ", len(engines)))
		for _, name := range engines {
			op.dumpEngine(&buf, f, name)
		}
	}

	if f.Contains(DumpTrees) {
		fmt.Fprintln(&buf, dumpSep1)
		for _, name := range names {
			if _, ok := parseGlobalCollectionFile(name); !ok {
				continue
			}
			tree, ok := op.db.collections.trees.Load(files[name])
			if !ok {
				fmt.Fprintf(&buf, "tree.%s ** NOT LOADED\n", name)
				continue
			}
			size, err := tree.Size(op)
			if err != nil {
				fmt.Fprintf(&buf, "tree.%s ** ERROR: %v\n", name, err)
				continue
			}
			fmt.Fprintf(&buf, "tree.%s: entries = %d\n", name, size)
		}
	}
	return buf.String()
}

func (op *AtomicOperation) dumpEngine(w *strings.Builder, f DumpFlags, name string) {
	prefix := "engine." + name
	d, _, err := op.loadEngineData(name)
	if err != nil {
		fmt.Fprintf(w, "%s ** ERROR: %v\n", prefix, err)
		return
	}
	fmt.Fprintf(w, "%s (id %d, api v%d, %s, multivalue=%v)\n", prefix, d.ID, d.APIVersion, d.Algorithm, d.Multivalue)
	if !f.Contains(DumpStats) && !f.Contains(DumpIndexRows) {
		return
	}

	e, err := op.db.LoadIndexEngine(op, name)
	if err != nil {
		fmt.Fprintf(w, "%s ** ERROR: %v\n", prefix, err)
		return
	}
	var t ValuesTransformer
	if d.APIVersion == EngineAPIVersion0 && d.Multivalue {
		t = MultiValuesTransformer
	}
	if f.Contains(DumpStats) {
		n, err := e.Size(op, t)
		if err != nil {
			fmt.Fprintf(w, "%s.stats ** ERROR: %v\n", prefix, err)
		} else {
			fmt.Fprintf(w, "%s.stats: values = %d\n", prefix, n)
		}
	}
	if f.Contains(DumpIndexRows) {
		fmt.Fprintln(w, dumpSep2)
		c := e.Stream(op, t)
		defer c.Close()
		var pos int
		for c.Next() {
			pos++
			fmt.Fprintf(w, "%s.%d: %v => %v\n", prefix, pos, c.Key(), c.Value())
		}
		if err := c.Err(); err != nil {
			fmt.Fprintf(w, "%s ** ERROR: %v\n", prefix, err)
		}
	}
}

func rpadf(pad rune, format string, args ...any) string {
	s := fmt.Sprintf(format, args...)
	return rpad(s, 80, pad)
}
