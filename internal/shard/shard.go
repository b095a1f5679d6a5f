// Package shard maps symbols onto a fixed number of lock shards.
package shard

import "hash/fnv"

// Count is the number of shards used by the keyed tables.
const Count = 32

// For returns the shard index for a symbol.
func For(symbol string) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % Count)
}
