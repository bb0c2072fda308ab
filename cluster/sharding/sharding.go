package sharding

import (
	"hash/fnv"
	"strconv"
	"strings"
)

// NumShards is the shard count used when none is configured
const NumShards = 8192

// FixedShardPrefix marks object IDs of the form "shard#<n>/<id>" that are
// pinned to shard n
const FixedShardPrefix = "shard#"

// GetShardID computes the shard ID for a given object ID using FNV-1a hash.
// Object IDs of the form "shard#<n>/<id>" with n in [0, numShards) map to n.
func GetShardID(objectID string, numShards int) int {
	if shardID, ok := parseFixedShard(objectID, numShards); ok {
		return shardID
	}

	hasher := fnv.New32a()
	hasher.Write([]byte(objectID))
	return int(hasher.Sum32() % uint32(numShards))
}

func parseFixedShard(objectID string, numShards int) (int, bool) {
	rest, ok := strings.CutPrefix(objectID, FixedShardPrefix)
	if !ok {
		return 0, false
	}
	digits, _, found := strings.Cut(rest, "/")
	if !found || digits == "" {
		return 0, false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	shardID, err := strconv.Atoi(digits)
	if err != nil || shardID >= numShards {
		return 0, false
	}
	return shardID, true
}
