package bonsaidb

import (
	"strings"
	"testing"
)

func TestDump(t *testing.T) {
	db := setup(t)
	e := createEngine[SingleValueIndexEngine](t, db, uniqueData("people", EngineAPIVersion1))
	var bag *BTreeBonsaiGlobal
	write(t, db, func(op *AtomicOperation) {
		ensure(e.Put(op, "alice", NewRID(3, 1)))
		bag = must(db.Collections().CreateBTree(op, 3))
		must(bag.Put(op, NewRID(3, 1), 2))
	})

	read(t, db, func(op *AtomicOperation) {
		s := op.Dump(DumpAll)
		for _, want := range []string{
			"file.global_collection_3.grb = #",
			"file.global_collection_3.grb.stats: keys = ",
			"engine.people (id 1, api v1, SBTREE, multivalue=false)",
			"engine.people.stats: values = 1",
			"engine.people.1: alice => #3:1",
			"tree.global_collection_3.grb: entries = 1",
		} {
			if !strings.Contains(s, want) {
				t.Errorf("dump lacks %q:\n%s", want, s)
			}
		}

		s = op.Dump(DumpEngines)
		if strings.Contains(s, "file.") || strings.Contains(s, ".stats") {
			t.Errorf("engines-only dump:\n%s", s)
		}
	})
}
