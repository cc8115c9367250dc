package chat

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSONL = `{"user_name":"You","character_name":"Seraphina","create_date":"2024-05-01T10:00:00Z"}
{"name":"Seraphina","is_user":false,"is_system":false,"mes":"Welcome to the glade.","extra":{"qvink_memory":{"memory":"Seraphina greets the traveler.","include":"short","remember":true}}}
{"name":"You","is_user":true,"is_system":false,"mes":"Where am I?","extra":{}}
{"name":"Seraphina","is_user":false,"is_system":false,"mes":"Second take","swipe_id":1,"swipes":["First take","Second take"],"swipe_info":[{"extra":{"qvink_memory":{"memory":"first summary"}}},{"extra":{}}],"extra":{"qvink_memory":{"memory":"second summary","exclude":true}}}
{"name":"Narrator","is_user":false,"is_system":true,"mes":"Night falls.","extra":{"type":"narrator"}}
`

func TestImportJSONL(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		n, err := ImportJSONL(ctx, strings.NewReader(sampleJSONL), s)
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		meta, err := s.Metadata(ctx)
		require.NoError(t, err)
		assert.Equal(t, "You", meta.UserName)
		assert.Equal(t, "Seraphina", meta.CharacterName)

		first, err := s.Get(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, RoleAssistant, first.Role)
		assert.Equal(t, "Seraphina greets the traveler.", first.Record.Summary)
		assert.True(t, first.Record.Remember)
		assert.Equal(t, TierShort, first.Record.Tier)
		assert.Equal(t, Fingerprint(first.Text), first.Record.ContentHash)

		user, err := s.Get(ctx, 1)
		require.NoError(t, err)
		assert.True(t, user.IsUser())
		assert.Equal(t, Record{}, user.Record)

		swiped, err := s.Get(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, 1, swiped.SwipeID)
		assert.Equal(t, "Second take", swiped.Text)
		assert.Equal(t, "second summary", swiped.Record.Summary)
		assert.True(t, swiped.Record.Exclude)
		require.Len(t, swiped.Swipes, 2)
		assert.Equal(t, "first summary", swiped.Swipes[0].Record.Summary)

		narrator, err := s.Get(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, KindNarrator, narrator.Kind)
		assert.True(t, narrator.IsSystem())
	})
}

func TestImportJSONL_WithoutHeader(t *testing.T) {
	s := NewMemoryStore("conv-test")
	data := `{"name":"You","is_user":true,"mes":"hello"}` + "\n"
	n, err := ImportJSONL(context.Background(), strings.NewReader(data), s)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestImportJSONL_BadLine(t *testing.T) {
	s := NewMemoryStore("conv-test")
	data := `{"user_name":"You"}` + "\n" + `{"mes": ` + "\n"
	_, err := ImportJSONL(context.Background(), strings.NewReader(data), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestExportJSONL_ReimportsRecords(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryStore("conv-src")
	_, err := ImportJSONL(ctx, strings.NewReader(sampleJSONL), src)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, ExportJSONL(ctx, &buf, src))

	dst := NewMemoryStore("conv-dst")
	n, err := ImportJSONL(ctx, &buf, dst)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	want, err := src.Snapshot(ctx)
	require.NoError(t, err)
	got, err := dst.Snapshot(ctx)
	require.NoError(t, err)
	for i := range want {
		assert.Equal(t, want[i].Text, got[i].Text)
		assert.Equal(t, want[i].Record, got[i].Record)
	}
}
