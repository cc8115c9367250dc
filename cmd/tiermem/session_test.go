package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/tiermem/pkg/chat"
	"github.com/dotsetgreg/tiermem/pkg/injection"
	"github.com/dotsetgreg/tiermem/pkg/memory"
)

type scriptedBackend struct {
	mu    sync.Mutex
	calls int
}

func (b *scriptedBackend) Generate(ctx context.Context, req memory.GenerateRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return "A short summary.", nil
}

func (b *scriptedBackend) ChatStyle() bool { return true }

func newTestSession(t *testing.T) (*session, *bytes.Buffer, *scriptedBackend) {
	t.Helper()
	s := memory.DefaultSettings()
	s.MessageLengthThreshold = 0
	backend := &scriptedBackend{}
	conv, err := memory.NewConversation(memory.ConversationOptions{
		ID:       "repl",
		Store:    chat.NewMemoryStore("repl"),
		Backend:  backend,
		Sink:     injection.NewRegistry(),
		Settings: s,
	})
	require.NoError(t, err)
	out := &bytes.Buffer{}
	return &session{conv: conv, out: out}, out, backend
}

func TestSessionAppendsAndSummarizes(t *testing.T) {
	ctx := context.Background()
	sess, out, backend := newTestSession(t)

	require.NoError(t, sess.exec(ctx, "Hello there, where am I?"))
	assert.Equal(t, 0, backend.calls, "user messages are not summarized by default")

	require.NoError(t, sess.exec(ctx, "/assistant You are in a quiet glade at the edge of the forest."))
	assert.Equal(t, 1, backend.calls)
	assert.Contains(t, out.String(), "summarized 1, failed 0, aborted 0")

	rec, err := sess.conv.Memory(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "A short summary.", rec.Summary)

	out.Reset()
	require.NoError(t, sess.exec(ctx, "/get"))
	assert.Equal(t, "A short summary.\n", out.String())
}

func TestSessionSummarizeSkipsCurrentUnlessForced(t *testing.T) {
	ctx := context.Background()
	sess, _, backend := newTestSession(t)
	require.NoError(t, sess.conv.SetEnabled(ctx, true))
	_, err := sess.conv.Store().Append(ctx, chat.Message{Role: chat.RoleAssistant, Name: "Bot", Text: "The storm rolls in over the hills."})
	require.NoError(t, err)

	require.NoError(t, sess.exec(ctx, "/summarize -1"))
	require.Equal(t, 1, backend.calls)
	require.NoError(t, sess.exec(ctx, "/summarize 0"))
	assert.Equal(t, 1, backend.calls)
	require.NoError(t, sess.exec(ctx, "/resummarize 0"))
	assert.Equal(t, 2, backend.calls)
}

func TestSessionRecordCommands(t *testing.T) {
	ctx := context.Background()
	sess, out, _ := newTestSession(t)
	for _, text := range []string{"First event happens here.", "Second event happens here."} {
		_, err := sess.conv.Store().Append(ctx, chat.Message{Role: chat.RoleAssistant, Name: "Bot", Text: text})
		require.NoError(t, err)
	}

	require.NoError(t, sess.exec(ctx, "/set 0 The first thing."))
	require.NoError(t, sess.exec(ctx, "/remember 0"))
	rec, err := sess.conv.Memory(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "The first thing.", rec.Summary)
	assert.True(t, rec.Edited)
	assert.True(t, rec.Remember)

	require.NoError(t, sess.exec(ctx, "/remember 0"))
	rec, err = sess.conv.Memory(ctx, 0)
	require.NoError(t, err)
	assert.False(t, rec.Remember)

	out.Reset()
	require.NoError(t, sess.exec(ctx, "/history"))
	assert.Contains(t, out.String(), "-> The first thing.")

	out.Reset()
	require.NoError(t, sess.exec(ctx, "/preview"))
	assert.Contains(t, out.String(), "== long-term")
	assert.Contains(t, out.String(), "== short-term")
}

func TestSessionDisable(t *testing.T) {
	ctx := context.Background()
	sess, _, backend := newTestSession(t)
	require.NoError(t, sess.exec(ctx, "/disable"))
	require.NoError(t, sess.exec(ctx, "/assistant A long message that would normally be summarized."))
	assert.Equal(t, 0, backend.calls)
	enabled, err := sess.conv.Enabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestSessionErrors(t *testing.T) {
	ctx := context.Background()
	sess, out, _ := newTestSession(t)

	assert.ErrorIs(t, sess.exec(ctx, "/quit"), errQuit)
	assert.Error(t, sess.exec(ctx, "/bogus"))
	assert.Error(t, sess.exec(ctx, "/assistant"))
	assert.ErrorIs(t, sess.exec(ctx, "/edit 3 text"), chat.ErrNotFound)
	assert.NoError(t, sess.exec(ctx, "   "))

	require.NoError(t, sess.exec(ctx, "/help"))
	assert.Contains(t, out.String(), "/summarize")
}

func TestRunLine(t *testing.T) {
	ctx := context.Background()
	sess, out, _ := newTestSession(t)

	assert.False(t, runLine(ctx, sess, "/nope"))
	assert.Contains(t, out.String(), "Error: unknown command /nope")
	assert.True(t, runLine(ctx, sess, "/exit"))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.True(t, runLine(cancelled, sess, "/help"))
}

func TestSimpleInteractiveMode(t *testing.T) {
	ctx := context.Background()
	sess, out, _ := newTestSession(t)
	in := strings.NewReader("hello there\n/quit\nnever read\n")
	require.NoError(t, simpleInteractiveMode(ctx, sess, in))
	assert.Contains(t, out.String(), "Goodbye!")

	n, err := sess.conv.Store().Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestParseIndices(t *testing.T) {
	cases := []struct {
		args []string
		n    int
		want []int
		err  bool
	}{
		{args: []string{"0", "2"}, n: 3, want: []int{0, 2}},
		{args: []string{"-1"}, n: 3, want: []int{2}},
		{args: []string{"1..3"}, n: 5, want: []int{1, 2, 3}},
		{args: []string{"-3..-1"}, n: 5, want: []int{2, 3, 4}},
		{args: []string{"5"}, n: 5, err: true},
		{args: []string{"x"}, n: 5, err: true},
		{args: nil, n: 5, want: nil},
	}
	for _, tc := range cases {
		got, err := parseIndices(tc.args, tc.n)
		if tc.err {
			assert.Error(t, err, "args %v", tc.args)
			continue
		}
		require.NoError(t, err, "args %v", tc.args)
		assert.Equal(t, tc.want, got, "args %v", tc.args)
	}

	_, err := parseIndices([]string{"9"}, 2)
	assert.True(t, errors.Is(err, chat.ErrNotFound))
}

func TestParseRange(t *testing.T) {
	start, end, err := parseRange(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, start)
	assert.Equal(t, -1, end)

	start, end, err = parseRange([]string{"-5", "-2"})
	require.NoError(t, err)
	assert.Equal(t, -5, start)
	assert.Equal(t, -2, end)

	_, _, err = parseRange([]string{"a"})
	assert.Error(t, err)
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "a b…", clip("a\nbcdef", 4))
}
