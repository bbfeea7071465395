/*
Package bonsaidb implements the index storage layer of a document database
on top of a key-value store (Bolt, Pebble, or an in-memory map).

We implement:

1. Paged files, read and written page by page inside atomic operations,
with a free space map tracking how much room each page has left.

2. Bonsai trees, B-trees shared by many RID bags. Every bag owns a
contiguous range of EdgeKeys in the shared tree of its cluster.

3. RID containers, the values of multi-value indexes. Small containers are
embedded in the index row; large ones move into a Bonsai tree.

4. Index engines with a value-oriented API (version 0) and a RID-oriented
API (version 1), both with unique and non-unique variants.

# Technical Details

**Atomic operations.**
Every read and write happens inside an AtomicOperation, which wraps one
transaction of the underlying store. Pages are cached for the duration of
the operation and written back on commit. Locks taken inside an operation are
held until it ends.

**Buckets.**
Files, pages, index rows and metadata live in separate buckets. Bolt supports
nested buckets natively; the Pebble and memory backends simulate them with key
prefixes.

**RID bag ids.**
RID bags in a shared tree are identified by negative ids handed out by a
per-database counter. The counter is recovered on open from the smallest key
stored in any shared tree.

**Index rows.**
Keys are encoded so that byte order matches key order. Non-unique version 1
engines append the RID to the encoded key, so the RIDs of one key are adjacent.
Null keys live in a separate bucket and are never returned by range scans.
*/
package bonsaidb
