package sharding

import (
	"fmt"
	"testing"
)

const testNumShards = 64 // Use smaller shard count for tests

func TestGetShardID_RangeAndConsistency(t *testing.T) {
	testCases := []string{
		"exampleObjectID",
		"",
		"object-with-dashes",
		"object.with.dots",
		"path/to/object",
		"unicode-测试-test",
	}

	for _, objectID := range testCases {
		shardID := GetShardID(objectID, testNumShards)
		if shardID < 0 || shardID >= testNumShards {
			t.Fatalf("GetShardID(%s) = %d, want value in range [0, %d)", objectID, shardID, testNumShards)
		}
		if again := GetShardID(objectID, testNumShards); again != shardID {
			t.Fatalf("GetShardID(%s) should be consistent: got %d and %d", objectID, shardID, again)
		}
	}
}

func TestGetShardID_Distribution(t *testing.T) {
	shardCounts := make(map[int]int)
	for i := 0; i < 10000; i++ {
		shardCounts[GetShardID(fmt.Sprintf("object-%d", i), testNumShards)]++
	}

	// With 10000 objects every one of 64 shards should be hit
	if len(shardCounts) != testNumShards {
		t.Fatalf("Expected objects in all %d shards, got %d", testNumShards, len(shardCounts))
	}
}

func TestGetShardID_FixedShard(t *testing.T) {
	testCases := []struct {
		objectID      string
		expectedShard int
	}{
		{"shard#0/object-123", 0},
		{"shard#5/test-object", 5},
		{"shard#63/another-obj", 63},
		{"shard#10/", 10},
		{"shard#5/sub/object", 5},
	}

	for _, tc := range testCases {
		t.Run(tc.objectID, func(t *testing.T) {
			if shardID := GetShardID(tc.objectID, testNumShards); shardID != tc.expectedShard {
				t.Fatalf("GetShardID(%s) = %d, want %d", tc.objectID, shardID, tc.expectedShard)
			}
		})
	}
}

func TestGetShardID_FixedShard_InvalidFormatsFallBackToHash(t *testing.T) {
	testCases := []string{
		"shard#/object",
		"shard#5",
		"shard#-1/object",
		"shard#64/object",
		"shard#abc/object",
		"shared#5/object",
		"shard# 5/object",
	}

	for _, objectID := range testCases {
		t.Run(objectID, func(t *testing.T) {
			if _, ok := parseFixedShard(objectID, testNumShards); ok {
				t.Fatalf("parseFixedShard(%s) accepted an invalid format", objectID)
			}
			shardID := GetShardID(objectID, testNumShards)
			if shardID < 0 || shardID >= testNumShards {
				t.Fatalf("GetShardID(%s) = %d, want value in range [0, %d)", objectID, shardID, testNumShards)
			}
		})
	}
}

func BenchmarkGetShardID(b *testing.B) {
	for i := 0; i < b.N; i++ {
		GetShardID("benchmark-test-object-12345", testNumShards)
	}
}

func BenchmarkGetShardID_FixedShard(b *testing.B) {
	for i := 0; i < b.N; i++ {
		GetShardID("shard#42/benchmark-test-object-12345", testNumShards)
	}
}
