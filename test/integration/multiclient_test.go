// Package integration contains integration tests for multi-client scenarios.
package integration

import (
	"fmt"
	"testing"
	"time"

	"github.com/Tyrowin/courier/internal/client"
	"github.com/Tyrowin/courier/internal/storage"
	"github.com/Tyrowin/courier/test/testhelpers"
)

// TestManyClientsPairwiseMessaging connects several clients and has each
// one message its neighbor, verifying every message arrives at the right
// peer and only there.
func TestManyClientsPairwiseMessaging(t *testing.T) {
	_, _, port := testhelpers.StartRouter(t)

	const clients = 4
	transports := make([]*client.Transport, clients)
	rosters := make([]*storage.MemoryRoster, clients)
	for i := 0; i < clients; i++ {
		transports[i], rosters[i] = testhelpers.ConnectClient(t, fmt.Sprintf("user%d", i), port)
	}

	for i := 0; i < clients; i++ {
		to := fmt.Sprintf("user%d", (i+1)%clients)
		if err := transports[i].SendMessage(to, fmt.Sprintf("ping from user%d", i)); err != nil {
			t.Fatalf("user%d send: %v", i, err)
		}
	}

	for i := 0; i < clients; i++ {
		from := fmt.Sprintf("user%d", (i+clients-1)%clients)
		n := testhelpers.WaitForNotification(t, transports[i], client.NotifyNewMessage, 3*time.Second)
		if n.From != from {
			t.Errorf("user%d notified about %q, want %q", i, n.From, from)
		}
	}

	// Each roster holds exactly one sent and one received message.
	for i, roster := range rosters {
		if got := len(roster.History()); got != 2 {
			t.Errorf("user%d history has %d entries, want 2", i, got)
		}
	}
}

// TestKnownUsersRefreshSeesEveryone verifies that a freshly connected
// client learns about all earlier registrations through its initial
// refresh.
func TestKnownUsersRefreshSeesEveryone(t *testing.T) {
	_, _, port := testhelpers.StartRouter(t)

	testhelpers.ConnectClient(t, "alice", port)
	testhelpers.ConnectClient(t, "bob", port)
	_, roster := testhelpers.ConnectClient(t, "carol", port)

	users := roster.ListKnownUsers()
	if len(users) != 3 {
		t.Errorf("Known users = %v, want alice, bob, carol", users)
	}
}

// TestDepartedClientFreesUsername verifies that a username becomes
// claimable again after its session exits.
func TestDepartedClientFreesUsername(t *testing.T) {
	_, store, port := testhelpers.StartRouter(t)

	first, _ := testhelpers.ConnectClient(t, "alice", port)
	first.Shutdown()
	testhelpers.WaitFor(t, 2*time.Second, "the first session to deregister", func() bool {
		return len(store.ListActiveUsers()) == 0
	})

	second, _ := testhelpers.ConnectClient(t, "alice", port)
	if second.State() != client.StateActive {
		t.Errorf("Second claim of a freed username not active: %v", second.State())
	}
}
