package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestList(kind Kind, opts Options) (*List, *testClock) {
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	l := New(kind, opts)
	l.SetClock(clock.Now)
	return l, clock
}

type mockPersister struct {
	mock.Mock
}

func (m *mockPersister) Save(ctx context.Context, list Kind, e Entry) error {
	return m.Called(ctx, list, e).Error(0)
}

func (m *mockPersister) Delete(ctx context.Context, list Kind, t Type, key string) error {
	return m.Called(ctx, list, t, key).Error(0)
}

func (m *mockPersister) LoadActive(ctx context.Context, list Kind, now time.Time) ([]Entry, error) {
	args := m.Called(ctx, list, now)
	entries, _ := args.Get(0).([]Entry)
	return entries, args.Error(1)
}

func (m *mockPersister) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockPersister) Ping(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockPersister) Close() error                   { return nil }
func (m *mockPersister) Backend() string                { return "mock" }

func TestBlacklistIPDeniesUntilExpiry(t *testing.T) {
	l, clock := newTestList(Blacklist, Options{})
	ctx := context.Background()

	require.NoError(t, l.Add(ctx, TypeIP, "127.0.0.1", 2*time.Second, "bad"))

	matches := l.Lookup("127.0.0.1", "baddie", "")
	require.Len(t, matches, 1)
	assert.Equal(t, "127.0.0.1/32", matches[0].Key)
	assert.Equal(t, "Temporarily blacklisted IP Address - try again later", l.Message(matches[0].Type))

	clock.Advance(2 * time.Second)
	assert.Empty(t, l.Lookup("127.0.0.1", "baddie", ""), "expired entries must not match before a purge")
	assert.Empty(t, l.Entries())
}

func TestNetmaskMatchesMappedAddresses(t *testing.T) {
	l, clock := newTestList(Blacklist, Options{})
	ctx := context.Background()

	require.NoError(t, l.Add(ctx, TypeIP, "193.168.0.0/16", 10*time.Second, "range"))

	assert.Len(t, l.Lookup("193.168.12.1", "", ""), 1)
	assert.Len(t, l.Lookup("::ffff:193.168.255.254", "", ""), 1)
	assert.Empty(t, l.Lookup("193.169.0.1", "", ""))

	clock.Advance(11 * time.Second)
	assert.Empty(t, l.Lookup("193.168.12.1", "", ""))
}

func TestNetmaskKeysAreCanonical(t *testing.T) {
	l, _ := newTestList(Blacklist, Options{})
	ctx := context.Background()

	require.NoError(t, l.Add(ctx, TypeIP, "10.1.2.3/8", time.Minute, ""))
	_, ok := l.Get(TypeIP, "10.0.0.0/8")
	assert.True(t, ok)

	require.NoError(t, l.Add(ctx, TypeIP, "::ffff:114.31.193.200", time.Minute, ""))
	_, ok = l.Get(TypeIP, "114.31.193.200")
	assert.True(t, ok)

	require.NoError(t, l.Add(ctx, TypeIP, "::ffff:10.20.0.0/112", time.Minute, ""))
	_, ok = l.Get(TypeIP, "10.20.0.0/16")
	assert.True(t, ok)

	// Longest prefix first.
	m := l.Lookup("10.20.1.1", "", "")
	require.Len(t, m, 2)
	assert.Equal(t, "10.20.0.0/16", m[0].Key)
	assert.Equal(t, "10.0.0.0/8", m[1].Key)
}

func TestIPLoginScoping(t *testing.T) {
	l, _ := newTestList(Blacklist, Options{})
	ctx := context.Background()

	require.NoError(t, l.Add(ctx, TypeIPLogin, "1.2.3.4:pairtest", time.Minute, ""))

	m := l.Lookup("1.2.3.4", "pairtest", "")
	require.Len(t, m, 1)
	assert.Equal(t, TypeIPLogin, m[0].Type)

	assert.Empty(t, l.Lookup("1.2.3.4", "other", ""))
	assert.Empty(t, l.Lookup("1.2.3.5", "pairtest", ""))
	assert.Len(t, l.Lookup("::ffff:1.2.3.4", "pairtest", ""), 1)
}

func TestJA3Entries(t *testing.T) {
	l, _ := newTestList(Whitelist, Options{})
	ctx := context.Background()

	require.NoError(t, l.Add(ctx, TypeJA3, "fp1", time.Minute, ""))
	require.NoError(t, l.Add(ctx, TypeIPJA3, "2001:db8::1:fp2", time.Minute, ""))

	assert.Len(t, l.Lookup("", "", "fp1"), 1)
	m := l.Lookup("2001:db8::1", "", "fp2")
	require.Len(t, m, 1)
	assert.Equal(t, "Whitelisted IP/JA3 Tuple", l.Message(m[0].Type))
}

func TestAddValidation(t *testing.T) {
	l, _ := newTestList(Blacklist, Options{})
	ctx := context.Background()

	assert.ErrorIs(t, l.Add(ctx, TypeIP, "1.2.3.4", 0, ""), ErrInvalidExpiry)
	assert.ErrorIs(t, l.Add(ctx, TypeIP, "nope", time.Minute, ""), ErrInvalidKey)
	assert.ErrorIs(t, l.Add(ctx, TypeIPLogin, "justalogin", time.Minute, ""), ErrInvalidKey)
	assert.ErrorIs(t, l.Add(ctx, TypeLogin, "", time.Minute, ""), ErrInvalidKey)
	assert.Equal(t, 0, l.Len())
}

func TestDelete(t *testing.T) {
	l, clock := newTestList(Blacklist, Options{})
	ctx := context.Background()

	assert.ErrorIs(t, l.Delete(ctx, TypeLogin, "ghost"), ErrNotFound)

	require.NoError(t, l.Add(ctx, TypeLogin, "baddie", time.Hour, ""))
	require.NoError(t, l.Delete(ctx, TypeLogin, "baddie"))
	assert.Empty(t, l.Lookup("", "baddie", ""))

	require.NoError(t, l.Add(ctx, TypeLogin, "baddie", time.Second, ""))
	clock.Advance(time.Second)
	assert.ErrorIs(t, l.Delete(ctx, TypeLogin, "baddie"), ErrNotFound)
}

func TestSinkAndEvents(t *testing.T) {
	l, clock := newTestList(Blacklist, Options{})
	ctx := context.Background()

	var muts []Mutation
	var events []string
	l.SetSink(func(m Mutation) { muts = append(muts, m) })
	l.SetEventHandler(func(e Event) { events = append(events, e.Name) })

	require.NoError(t, l.Add(ctx, TypeLogin, "a", time.Second, "r"))
	require.NoError(t, l.Add(ctx, TypeLogin, "b", time.Hour, "r"))
	require.NoError(t, l.Delete(ctx, TypeLogin, "b"))

	// Replicated mutations are neither re-emitted nor announced.
	require.NoError(t, l.ApplyReplicated(ctx, Mutation{List: Blacklist, Op: OpAdd, Type: TypeLogin, Key: "c", Expires: clock.Now().Add(time.Hour)}))
	_, ok := l.Get(TypeLogin, "c")
	assert.True(t, ok)

	clock.Advance(2 * time.Second)
	purged := l.Purge()
	require.Len(t, purged, 1)
	assert.Equal(t, "a", purged[0].Key)

	require.Len(t, muts, 3)
	assert.Equal(t, OpAdd, muts[0].Op)
	assert.Equal(t, clock.Now().Add(-time.Second), muts[0].Expires)
	assert.Equal(t, OpDelete, muts[2].Op)
	assert.Equal(t, []string{"addbl", "addbl", "delbl", "expirebl"}, events)
	assert.Equal(t, 1, l.Len())
}

func TestReplicatedExpiredAddIsIgnored(t *testing.T) {
	l, clock := newTestList(Blacklist, Options{})
	err := l.ApplyReplicated(context.Background(), Mutation{Op: OpAdd, Type: TypeLogin, Key: "x", Expires: clock.Now()})
	require.NoError(t, err)
	assert.Equal(t, 0, l.Len())
}

func TestPersistFailureRollsBack(t *testing.T) {
	p := &mockPersister{}
	l, _ := newTestList(Blacklist, Options{Persister: p, Persist: true})
	ctx := context.Background()

	p.On("Save", mock.Anything, Blacklist, mock.MatchedBy(func(e Entry) bool { return e.Key == "keep" })).Return(nil).Once()
	require.NoError(t, l.Add(ctx, TypeLogin, "keep", time.Hour, "first"))

	p.On("Save", mock.Anything, Blacklist, mock.Anything).Return(errors.New("disk full")).Once()
	err := l.Add(ctx, TypeLogin, "keep", time.Hour, "second")
	require.Error(t, err)

	e, ok := l.Get(TypeLogin, "keep")
	require.True(t, ok)
	assert.Equal(t, "first", e.Reason, "failed replace must restore the previous entry")

	p.On("Delete", mock.Anything, Blacklist, TypeLogin, "keep").Return(errors.New("disk full")).Once()
	require.Error(t, l.Delete(ctx, TypeLogin, "keep"))
	_, ok = l.Get(TypeLogin, "keep")
	assert.True(t, ok, "failed delete must keep the entry")

	p.AssertExpectations(t)
}

func TestReplicatedEntriesPersistOnlyWhenConfigured(t *testing.T) {
	p := &mockPersister{}
	l, clock := newTestList(Blacklist, Options{Persister: p, Persist: true})
	ctx := context.Background()

	require.NoError(t, l.ApplyReplicated(ctx, Mutation{Op: OpAdd, Type: TypeLogin, Key: "r", Expires: clock.Now().Add(time.Hour)}))
	p.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything)

	l2, clock2 := newTestList(Blacklist, Options{Persister: p, PersistReplicated: true})
	p.On("Save", mock.Anything, Blacklist, mock.Anything).Return(nil).Once()
	require.NoError(t, l2.ApplyReplicated(ctx, Mutation{Op: OpAdd, Type: TypeLogin, Key: "r", Expires: clock2.Now().Add(time.Hour)}))
	p.AssertExpectations(t)
}

func TestLoadRestoresActiveEntries(t *testing.T) {
	p := &mockPersister{}
	l, clock := newTestList(Blacklist, Options{Persister: p, Persist: true})

	p.On("LoadActive", mock.Anything, Blacklist, clock.Now()).Return([]Entry{
		{Type: TypeIP, Key: "10.0.0.1", Reason: "persisted", Expires: clock.Now().Add(time.Hour)},
		{Type: TypeLogin, Key: "old", Expires: clock.Now().Add(-time.Second)},
		{Type: TypeIPLogin, Key: "broken", Expires: clock.Now().Add(time.Hour)},
	}, nil)

	n, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, ok := l.Get(TypeIP, "10.0.0.1/32")
	require.True(t, ok)
	assert.True(t, e.Persistent)
	assert.Equal(t, int64(3600), e.ExpireSecs(clock.Now()))
}

func TestCounts(t *testing.T) {
	l, _ := newTestList(Blacklist, Options{})
	ctx := context.Background()
	require.NoError(t, l.Add(ctx, TypeIP, "1.1.1.1", time.Minute, ""))
	require.NoError(t, l.Add(ctx, TypeIP, "2.0.0.0/8", time.Minute, ""))
	require.NoError(t, l.Add(ctx, TypeLogin, "x", time.Minute, ""))

	c := l.Counts()
	assert.Equal(t, 2, c[TypeIP])
	assert.Equal(t, 1, c[TypeLogin])
	assert.Equal(t, 0, c[TypeJA3])
}

func TestTargetResolve(t *testing.T) {
	tests := []struct {
		target  Target
		typ     Type
		key     string
		wantErr bool
	}{
		{Target{IP: "127.0.0.1"}, TypeIP, "127.0.0.1/32", false},
		{Target{Netmask: "193.168.0.0/16"}, TypeIP, "193.168.0.0/16", false},
		{Target{IP: "::ffff:1.2.3.4", Login: "bob"}, TypeIPLogin, "1.2.3.4:bob", false},
		{Target{IP: "1.2.3.4", JA3: "fp"}, TypeIPJA3, "1.2.3.4:fp", false},
		{Target{Login: "bob"}, TypeLogin, "bob", false},
		{Target{JA3: "fp"}, TypeJA3, "fp", false},
		{Target{}, "", "", true},
		{Target{IP: "bogus"}, TypeIP, "", true},
	}
	for _, tt := range tests {
		typ, key, err := tt.target.Resolve()
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidKey)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.typ, typ)
		assert.Equal(t, tt.key, key)
	}
}

func TestTTLBounds(t *testing.T) {
	ttl, err := TTL(60)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	ttl, err = TTL(MaxExpireSecs)
	require.NoError(t, err)
	assert.Positive(t, ttl)

	for _, secs := range []int64{0, -1, MaxExpireSecs + 1, 18446744074} {
		_, err := TTL(secs)
		assert.ErrorIs(t, err, ErrInvalidExpiry, secs)
	}
}

func TestDisplayKey(t *testing.T) {
	l, _ := newTestList(Blacklist, Options{})
	ctx := context.Background()
	require.NoError(t, l.Add(ctx, TypeIP, "198.51.100.9", time.Minute, ""))
	require.NoError(t, l.Add(ctx, TypeIP, "2001:db8::1", time.Minute, ""))
	require.NoError(t, l.Add(ctx, TypeIP, "203.0.113.0/24", time.Minute, ""))
	require.NoError(t, l.Add(ctx, TypeLogin, "bob", time.Minute, ""))

	var got []string
	for _, e := range l.Entries() {
		got = append(got, e.DisplayKey())
	}
	assert.ElementsMatch(t, []string{"198.51.100.9", "2001:db8::1", "203.0.113.0/24", "bob"}, got)
}
