package sharding

import "github.com/cespare/xxhash/v2"

// Index assigns a key to one of n shards. n < 1 is treated as a single shard.
func Index(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}
