package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBlockList(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b := NewBlockList()

	assert.False(t, b.IsBlocked("indexer", now))

	b.Block("indexer", now.Add(60*time.Second))
	assert.True(t, b.IsBlocked("indexer", now.Add(59*time.Second)), "冷却期内应被阻止")

	// 较早的到期时间不会缩短冷却期
	b.Block("indexer", now.Add(10*time.Second))
	assert.True(t, b.IsBlocked("indexer", now.Add(30*time.Second)))

	b.Block("mailer", now.Add(5*time.Second))
	blocked := b.Purge(now.Add(6 * time.Second))
	assert.Equal(t, []BlockInfo{{ServiceName: "indexer", BlockedUntil: now.Add(60 * time.Second)}}, blocked, "过期条目应被清理")

	assert.False(t, b.IsBlocked("indexer", now.Add(60*time.Second)), "到期后应解除阻止")
	assert.Empty(t, b.Purge(now.Add(60*time.Second)))
}
