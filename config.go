package bonsaidb

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ConfigKey is a named integer setting with a default.
type ConfigKey struct {
	Name        string
	Description string
	Default     int64
	Min         int64
	HasMin      bool
	Max         int64
	HasMax      bool
}

var (
	PageSizeKey = &ConfigKey{
		Name:        "storage.diskCache.pageSize",
		Description: "Size of a page of a paged file, in bytes",
		Default:     8192,
		Min:         128,
		HasMin:      true,
		Max:         1 << 20, // B-tree nodes count entries in a uint16
		HasMax:      true,
	}
	EmbeddedToTreeThresholdKey = &ConfigKey{
		Name:        "ridBag.embeddedToSbtreeBonsaiThreshold",
		Description: "Size at which an embedded RID bag is converted into a tree-backed one",
		Default:     40,
	}
	TreeToEmbeddedThresholdKey = &ConfigKey{
		Name:        "ridBag.sbtreeBonsaiToEmbeddedThreshold",
		Description: "Size at which a tree-backed RID bag is converted back into an embedded one, -1 to never convert",
		Default:     -1,
	}
	LinkBagCacheSizeKey = &ConfigKey{
		Name:        "sbtreebonsai.linkBagCache.size",
		Description: "Number of loaded Bonsai tree handles kept in memory",
		Default:     100000,
		Min:         1,
		HasMin:      true,
	}
	LinkBagCacheEvictionSizeKey = &ConfigKey{
		Name:        "sbtreebonsai.linkBagCache.evictionSize",
		Description: "Number of Bonsai tree handles evicted at once when the cache is full",
		Default:     1000,
		Min:         1,
		HasMin:      true,
	}
	LockStripesKey = &ConfigKey{
		Name:        "index.lockStripes",
		Description: "Number of key-scoped lock stripes per index engine",
		Default:     64,
		Min:         1,
		HasMin:      true,
	}
	NormalizationIntervalKey = &ConfigKey{
		Name:        "freeSpaceMap.normalizationInterval",
		Description: "Granularity of free space tracking in bytes, 0 to derive it from the page size",
		Default:     0,
		Min:         0,
		HasMin:      true,
	}
)

var allConfigKeys = []*ConfigKey{
	PageSizeKey,
	EmbeddedToTreeThresholdKey,
	TreeToEmbeddedThresholdKey,
	LinkBagCacheSizeKey,
	LinkBagCacheEvictionSizeKey,
	LockStripesKey,
	NormalizationIntervalKey,
}

const envPrefix = "BONSAIDB_"

func lookupConfigKey(name string) *ConfigKey {
	for _, k := range allConfigKeys {
		if strings.EqualFold(k.Name, name) {
			return k
		}
	}
	return nil
}

// EnvName returns the environment variable that overrides the key,
// e.g. BONSAIDB_STORAGE_DISKCACHE_PAGESIZE.
func (k *ConfigKey) EnvName() string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(k.Name, ".", "_"))
}

func (k *ConfigKey) validate(v int64) error {
	if k.HasMin && v < k.Min {
		return configErrf(k.Name, nil, "%d is below the minimum of %d", v, k.Min)
	}
	if k.HasMax && v > k.Max {
		return configErrf(k.Name, nil, "%d is above the maximum of %d", v, k.Max)
	}
	return nil
}

// ContextConfiguration holds the settings of one database. Values come from
// the key defaults, then an optional YAML file, then the environment, then
// explicit Set calls; later layers win.
type ContextConfiguration struct {
	mu     sync.RWMutex
	values map[string]int64
}

func NewContextConfiguration() *ContextConfiguration {
	return &ContextConfiguration{values: make(map[string]int64)}
}

func (c *ContextConfiguration) GetInt64(key *ConfigKey) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.values[key.Name]; ok {
		return v
	}
	return key.Default
}

func (c *ContextConfiguration) GetInt(key *ConfigKey) int {
	return int(c.GetInt64(key))
}

func (c *ContextConfiguration) IsSet(key *ConfigKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.values[key.Name]
	return ok
}

func (c *ContextConfiguration) Set(key *ConfigKey, v int64) error {
	if err := key.validate(v); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key.Name] = v
	return nil
}

// LoadYAML reads settings from a YAML document. Both dotted names and nested
// maps are accepted:
//
//	storage.diskCache.pageSize: 4096
//	ridBag:
//	  embeddedToSbtreeBonsaiThreshold: 10
func (c *ContextConfiguration) LoadYAML(r io.Reader) error {
	var doc map[string]any
	err := yaml.NewDecoder(r).Decode(&doc)
	if err == io.EOF {
		return nil
	} else if err != nil {
		return configErrf("yaml", err, "")
	}

	flat := make(map[string]any)
	flattenYAML("", doc, flat)
	for name, raw := range flat {
		key := lookupConfigKey(name)
		if key == nil {
			return configErrf(name, nil, "unknown configuration key")
		}
		v, err := yamlInt(raw)
		if err != nil {
			return configErrf(name, err, "")
		}
		if err := c.Set(key, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *ContextConfiguration) LoadYAMLFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.LoadYAML(f)
}

func flattenYAML(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flattenYAML(name, sub, out)
		} else {
			out[name] = v
		}
	}
}

func yamlInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("%v (%T) is not an integer", raw, raw)
	}
}

// LoadEnv applies BONSAIDB_* overrides. Pass nil to use os.LookupEnv.
func (c *ContextConfiguration) LoadEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, key := range allConfigKeys {
		s, ok := lookup(key.EnvName())
		if !ok || s == "" {
			continue
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return configErrf(key.EnvName(), err, "")
		}
		if err := c.Set(key, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *ContextConfiguration) PageSize() int {
	return c.GetInt(PageSizeKey)
}

// NormalizationInterval returns the free space map granularity for pages of
// the given size.
func (c *ContextConfiguration) NormalizationInterval(pageSize int) int {
	if v := c.GetInt(NormalizationIntervalKey); v > 0 {
		return v
	}
	ni := pageSize / 256
	if ni < 1 {
		ni = 1
	}
	return ni
}

// Snapshot returns the effective value of every known key.
func (c *ContextConfiguration) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(allConfigKeys))
	for _, k := range allConfigKeys {
		out[k.Name] = c.GetInt64(k)
	}
	return out
}
