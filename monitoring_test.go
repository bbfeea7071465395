package bonsaidb

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetrics(t *testing.T) {
	db := setup(t)
	createEngine[SingleValueIndexEngine](t, db, uniqueData("m", EngineAPIVersion1))

	reg := prometheus.NewRegistry()
	ensure(db.RegisterMetrics(reg))

	families := must(reg.Gather())
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, name := range []string{"bonsaidb_index_engines", "bonsaidb_writes_total", "bonsaidb_bonsai_cached_trees"} {
		require.True(t, names[name], name)
	}
	deepEqual(t, testutil.CollectAndCount(newDBCollector(db)), 8)
	require.Error(t, db.RegisterMetrics(reg), "second registration of the database collector")
}
