package presence

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(logger)
}

// =============================================================================
// Identify Tests
// =============================================================================

func TestRegistry_Identify_AddsEntry(t *testing.T) {
	r := newTestRegistry()
	user := uuid.New()

	assert.True(t, r.Identify(user, "c1"))

	conn, ok := r.Lookup(user)
	assert.True(t, ok)
	assert.Equal(t, ConnID("c1"), conn)
	assert.Equal(t, []Entry{{UserID: user, ConnID: "c1"}}, r.Snapshot())
}

func TestRegistry_Identify_FirstConnectionWins(t *testing.T) {
	r := newTestRegistry()
	user := uuid.New()

	require.True(t, r.Identify(user, "c1"))
	assert.False(t, r.Identify(user, "c2"), "second identify for the same user must be ignored")

	conn, ok := r.Lookup(user)
	assert.True(t, ok)
	assert.Equal(t, ConnID("c1"), conn)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Identify_SameConnTwiceIsNoop(t *testing.T) {
	r := newTestRegistry()
	user := uuid.New()

	require.True(t, r.Identify(user, "c1"))
	assert.False(t, r.Identify(user, "c1"))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Identify_ConnCannotRebindToAnotherUser(t *testing.T) {
	r := newTestRegistry()
	alice, bob := uuid.New(), uuid.New()

	require.True(t, r.Identify(alice, "c1"))
	assert.False(t, r.Identify(bob, "c1"))

	_, ok := r.Lookup(bob)
	assert.False(t, ok)
	owner, ok := r.UserFor("c1")
	assert.True(t, ok)
	assert.Equal(t, alice, owner)
}

// =============================================================================
// Disconnect Tests
// =============================================================================

func TestRegistry_Disconnect_RemovesEntry(t *testing.T) {
	r := newTestRegistry()
	user := uuid.New()

	require.True(t, r.Identify(user, "c1"))
	assert.True(t, r.Disconnect("c1"))

	_, ok := r.Lookup(user)
	assert.False(t, ok)
	assert.Empty(t, r.Snapshot())
}

func TestRegistry_Disconnect_BeforeIdentifyIsNoop(t *testing.T) {
	r := newTestRegistry()
	calls := 0
	r.Subscribe(func([]Entry) { calls++ })

	assert.False(t, r.Disconnect("never-identified"))
	assert.Equal(t, 0, calls)
}

func TestRegistry_Disconnect_AllowsNewConnectionToIdentify(t *testing.T) {
	r := newTestRegistry()
	user := uuid.New()

	require.True(t, r.Identify(user, "c1"))
	require.True(t, r.Disconnect("c1"))
	assert.True(t, r.Identify(user, "c2"))

	conn, _ := r.Lookup(user)
	assert.Equal(t, ConnID("c2"), conn)
}

func TestRegistry_Disconnect_KeepsOtherEntriesInOrder(t *testing.T) {
	r := newTestRegistry()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	r.Identify(a, "ca")
	r.Identify(b, "cb")
	r.Identify(c, "cc")

	r.Disconnect("cb")

	assert.Equal(t, []Entry{{UserID: a, ConnID: "ca"}, {UserID: c, ConnID: "cc"}}, r.Snapshot())
}

// =============================================================================
// Subscription Tests
// =============================================================================

func TestRegistry_Subscribe_ReceivesFullSetOnChange(t *testing.T) {
	r := newTestRegistry()
	a, b := uuid.New(), uuid.New()

	var got [][]Entry
	r.Subscribe(func(entries []Entry) { got = append(got, entries) })

	r.Identify(a, "ca")
	r.Identify(b, "cb")
	r.Identify(a, "ca2") // ignored, no notification
	r.Disconnect("ca")

	require.Len(t, got, 3)
	assert.Len(t, got[0], 1)
	assert.Len(t, got[1], 2)
	assert.Equal(t, []Entry{{UserID: b, ConnID: "cb"}}, got[2])
}

func TestRegistry_Unsubscribe_StopsNotifications(t *testing.T) {
	r := newTestRegistry()
	calls := 0
	unsubscribe := r.Subscribe(func([]Entry) { calls++ })

	r.Identify(uuid.New(), "c1")
	unsubscribe()
	r.Identify(uuid.New(), "c2")

	assert.Equal(t, 1, calls)
}

func TestRegistry_Snapshot_IsACopy(t *testing.T) {
	r := newTestRegistry()
	user := uuid.New()
	r.Identify(user, "c1")

	snap := r.Snapshot()
	snap[0].ConnID = "tampered"

	conn, _ := r.Lookup(user)
	assert.Equal(t, ConnID("c1"), conn)
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestRegistry_Close(t *testing.T) {
	r := newTestRegistry()
	calls := 0
	r.Subscribe(func([]Entry) { calls++ })
	r.Identify(uuid.New(), "c1")

	r.Close()

	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Identify(uuid.New(), "c2"))
	assert.False(t, r.Disconnect("c1"))
	assert.Equal(t, 1, calls)
}

func TestRegistry_IsolatedInstances(t *testing.T) {
	r1, r2 := newTestRegistry(), newTestRegistry()
	user := uuid.New()

	r1.Identify(user, "c1")

	_, ok := r2.Lookup(user)
	assert.False(t, ok)
}

// =============================================================================
// Concurrency Tests
// =============================================================================

func TestRegistry_ConcurrentIdentifyDisconnect_NoLostUpdates(t *testing.T) {
	for round := 0; round < 50; round++ {
		r := newTestRegistry()
		stable := uuid.New()
		churn := uuid.New()
		require.True(t, r.Identify(churn, "churn"))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Identify(stable, "stable")
		}()
		go func() {
			defer wg.Done()
			r.Disconnect("churn")
		}()
		wg.Wait()

		conn, ok := r.Lookup(stable)
		require.True(t, ok, "round %d: identify lost", round)
		assert.Equal(t, ConnID("stable"), conn)
		_, ok = r.Lookup(churn)
		assert.False(t, ok, "round %d: disconnect lost", round)
		assert.Equal(t, 1, r.Len())
	}
}

func TestRegistry_RandomInterleavings_KeepUniqueness(t *testing.T) {
	r := newTestRegistry()
	users := make([]uuid.UUID, 8)
	for i := range users {
		users[i] = uuid.New()
	}

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 500; i++ {
				conn := ConnID(fmt.Sprintf("c%d", rng.Intn(24)))
				if rng.Intn(2) == 0 {
					r.Identify(users[rng.Intn(len(users))], conn)
				} else {
					r.Disconnect(conn)
				}
			}
		}(int64(w))
	}
	wg.Wait()

	seenUsers := map[uuid.UUID]bool{}
	seenConns := map[ConnID]bool{}
	for _, e := range r.Snapshot() {
		assert.False(t, seenUsers[e.UserID], "duplicate user %s", e.UserID)
		assert.False(t, seenConns[e.ConnID], "duplicate conn %s", e.ConnID)
		seenUsers[e.UserID] = true
		seenConns[e.ConnID] = true

		conn, ok := r.Lookup(e.UserID)
		assert.True(t, ok)
		assert.Equal(t, e.ConnID, conn)
	}
}
