package sharding

import (
	"context"
	"testing"

	"github.com/xiaonanln/rcuvar/util/testutil"
)

func TestShardMapper_PostgresHistory(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping postgres integration test in short mode")
	}
	db := testutil.CreateTestDatabase(t)
	ctx := context.Background()

	sm := NewShardMapper(nil, testNumShards, WithHistoryStore(db))
	defer sm.Close()

	if _, err := sm.UpdateShardMapping(ctx, []string{"node1", "node2"}); err != nil {
		t.Fatalf("UpdateShardMapping failed: %v", err)
	}
	if _, err := sm.MoveShard(ctx, 3, "node1"); err != nil {
		t.Fatalf("MoveShard failed: %v", err)
	}

	records, err := db.ListShardMappingVersions(ctx, 10)
	if err != nil {
		t.Fatalf("ListShardMappingVersions failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 recorded versions, got %d", len(records))
	}

	restored := NewShardMapper(nil, testNumShards, WithHistoryStore(db))
	defer restored.Close()
	loaded, err := restored.LoadShardMapping(ctx)
	if err != nil {
		t.Fatalf("LoadShardMapping failed: %v", err)
	}
	if loaded.Version != 2 {
		t.Fatalf("Expected version 2, got %d", loaded.Version)
	}
	if node, _ := restored.GetNodeForShard(3); node != "node1" {
		t.Errorf("Shard 3 restored on %s, want node1", node)
	}
}
