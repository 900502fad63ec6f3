package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolchat/pkg/errutil"
	"schoolchat/pkg/types"
)

// stepClock returns the given instants in order, then repeats the last.
func stepClock(instants ...time.Time) func() time.Time {
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := instants[0]
		if len(instants) > 1 {
			instants = instants[1:]
		}
		return t
	}
}

func newTestService(t *testing.T, opts Options) (*Service, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend()
	svc := NewService(backend, opts)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, backend
}

func TestService_AppendAssignsOrdering(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})

	first, err := svc.Append(ctx, "group:G1", "Amina", "u-1", "hello")
	require.NoError(t, err)
	second, err := svc.Append(ctx, "group:G1", "Yanis", "u-2", "hi")
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.False(t, second.Timestamp.Before(first.Timestamp))
	assert.Equal(t, "u-1", first.UserRef)
	assert.Equal(t, time.UTC, first.Timestamp.Location())
}

func TestService_TimestampNeverGoesBackwards(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, Options{Now: stepClock(t0, t0.Add(-time.Minute), t0.Add(time.Second))})

	a, err := svc.Append(ctx, "year:3", "X", "", "one")
	require.NoError(t, err)
	b, err := svc.Append(ctx, "year:3", "X", "", "two")
	require.NoError(t, err)
	c, err := svc.Append(ctx, "year:3", "X", "", "three")
	require.NoError(t, err)

	assert.Equal(t, t0, a.Timestamp)
	assert.Equal(t, t0, b.Timestamp, "clock skew must not reorder the channel")
	assert.Equal(t, t0.Add(time.Second), c.Timestamp)
	assert.True(t, a.Before(b))
	assert.True(t, b.Before(c))
}

func TestService_SequencesArePerChannel(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})

	g, err := svc.Append(ctx, "group:G1", "X", "", "a")
	require.NoError(t, err)
	y, err := svc.Append(ctx, "year:3", "X", "", "b")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), g.Seq)
	assert.Equal(t, uint64(1), y.Seq)
}

func TestService_AppendValidation(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		sender  string
		body    string
		code    string
	}{
		{name: "empty body", channel: "group:G1", sender: "X", body: "", code: errutil.CodeMessageEmpty},
		{name: "whitespace body", channel: "group:G1", sender: "X", body: " \t\n ", code: errutil.CodeMessageEmpty},
		{name: "too long", channel: "group:G1", sender: "X", body: strings.Repeat("é", 11), code: errutil.CodeMessageTooLong},
		{name: "bad channel", channel: "class:G1", sender: "X", body: "hi", code: errutil.CodeChannelInvalid},
		{name: "no sender", channel: "group:G1", sender: "  ", body: "hi", code: errutil.CodeSenderMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			svc, _ := newTestService(t, Options{MaxBodyLength: 10})

			msg, err := svc.Append(ctx, tt.channel, tt.sender, "", tt.body)
			assert.Nil(t, msg)
			errutil.AssertErrorCode(t, err, tt.code)
			assert.True(t, errutil.IsValidation(err))

			if tt.code != errutil.CodeChannelInvalid {
				history, err := svc.History(ctx, tt.channel, 0)
				require.NoError(t, err)
				assert.Empty(t, history)
			}
		})
	}
}

func TestService_BodyStoredVerbatim(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	msg, err := svc.Append(context.Background(), "group:G1", "  Amina ", "", "  spaced  ")
	require.NoError(t, err)
	assert.Equal(t, "  spaced  ", msg.Content)
	assert.Equal(t, "Amina", msg.User)
}

func TestService_HistoryOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, Options{Now: stepClock(t0, t0.Add(time.Second), t0.Add(2*time.Second), t0.Add(3*time.Second))})

	for i := 1; i <= 4; i++ {
		_, err := svc.Append(ctx, "group:G1", "X", "", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	all, err := svc.History(ctx, "group:G1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, contents(all))

	recent, err := svc.History(ctx, "group:G1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m4"}, contents(recent))

	more, err := svc.History(ctx, "group:G1", 10)
	require.NoError(t, err)
	assert.Len(t, more, 4)

	negative, err := svc.History(ctx, "group:G1", -5)
	require.NoError(t, err)
	assert.Len(t, negative, 4)
}

func TestService_HistoryUnknownChannelIsEmpty(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	msgs, err := svc.History(context.Background(), "year:2030", 0)
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestService_HistoryInvalidChannel(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	_, err := svc.History(context.Background(), "nope", 0)
	errutil.AssertErrorCode(t, err, errutil.CodeChannelInvalid)
}

func TestService_StoreUnavailable(t *testing.T) {
	ctx := context.Background()
	svc, backend := newTestService(t, Options{})

	_, err := svc.Append(ctx, "group:G1", "X", "", "before")
	require.NoError(t, err)

	backend.SetUnavailable(true)
	_, err = svc.Append(ctx, "group:G1", "X", "", "during")
	errutil.AssertErrorCode(t, err, errutil.CodeStoreUnavailable)
	assert.True(t, errutil.IsRetryable(err))

	_, err = svc.History(ctx, "group:G1", 0)
	assert.True(t, errutil.IsStoreUnavailable(err))
	assert.True(t, errutil.IsStoreUnavailable(svc.HealthCheck(ctx)))

	backend.SetUnavailable(false)
	after, err := svc.Append(ctx, "group:G1", "X", "", "after")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), after.Seq, "failed append must not consume a sequence number")

	history, err := svc.History(ctx, "group:G1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"before", "after"}, contents(history))
	assert.NoError(t, svc.HealthCheck(ctx))
}

// failingLatest fails the first Latest call only.
type failingLatest struct {
	*MemoryBackend
	failed bool
}

func (f *failingLatest) Latest(ctx context.Context, channelID string) (*types.Message, error) {
	if !f.failed {
		f.failed = true
		return nil, errors.New("connection reset")
	}
	return f.MemoryBackend.Latest(ctx, channelID)
}

func TestService_ReloadsAfterLatestFailure(t *testing.T) {
	ctx := context.Background()
	backend := &failingLatest{MemoryBackend: NewMemoryBackend()}
	require.NoError(t, backend.Insert(ctx, &types.Message{ChannelID: "group:G1", User: "X", Content: "old", Seq: 7, Timestamp: time.Now().UTC()}))
	svc := NewService(backend, Options{})

	_, err := svc.Append(ctx, "group:G1", "X", "", "first try")
	errutil.AssertErrorCode(t, err, errutil.CodeStoreUnavailable)

	msg, err := svc.Append(ctx, "group:G1", "X", "", "second try")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), msg.Seq)
}

func TestService_ConcurrentAppendsAreTotallyOrdered(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})

	const senders, perSender = 8, 25
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := svc.Append(ctx, "group:G1", fmt.Sprintf("user%d", s), "", fmt.Sprintf("%d-%d", s, i))
				assert.NoError(t, err)
			}
		}(s)
	}
	wg.Wait()

	history, err := svc.History(ctx, "group:G1", 0)
	require.NoError(t, err)
	require.Len(t, history, senders*perSender)

	next := make(map[string]int)
	for i, m := range history {
		assert.Equal(t, uint64(i+1), m.Seq)
		if i > 0 {
			assert.True(t, history[i-1].Before(m))
		}
		// Each sender's messages keep their program order.
		var s, n int
		_, err := fmt.Sscanf(m.Content, "%d-%d", &s, &n)
		require.NoError(t, err)
		assert.Equal(t, next[m.User], n)
		next[m.User] = n + 1
	}
}

func contents(msgs []*types.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}
