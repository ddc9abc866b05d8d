package e2e

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/relaygate/services/gateway/store"
)

// seedThread writes a conversation directly into the shared store under
// the identity the Nop auth provider assigns to every CLI request.
func seedThread(t *testing.T, messages store.MessageStore, threadID string, turns int) {
	t.Helper()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < turns; i++ {
		role := "user"
		content := "What is a fixed window?"
		if i%2 == 1 {
			role = "assistant"
			content = "A counter that resets every interval."
		}
		if err := messages.SaveMessage(context.Background(), &store.Message{
			ThreadID:  threadID,
			Identity:  "local-user",
			Role:      role,
			Content:   content,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}
}

// TestThreads_ListAndDelete walks the admin surface end to end: list a
// seeded thread, delete it, and observe the empty index.
func TestThreads_ListAndDelete(t *testing.T) {
	ts, messages := startGateway(t, 10, []string{"unused"})
	seedThread(t, messages, "window-basics", 2)

	listOut := runCLI(t, ts.URL, "", "threads", "list")
	if !strings.Contains(listOut, "ID: window-basics") {
		t.Errorf("list should show the seeded thread, got:\n%s", listOut)
	}
	if !strings.Contains(listOut, "Messages: 2") {
		t.Errorf("list should count both turns, got:\n%s", listOut)
	}

	// Piped stdin means no confirmation prompt.
	deleteOut := runCLI(t, ts.URL, "", "threads", "delete", "window-basics")
	if !strings.Contains(deleteOut, "Successfully deleted thread: window-basics") {
		t.Errorf("delete should report success, got:\n%s", deleteOut)
	}

	emptyOut := runCLI(t, ts.URL, "", "threads", "list")
	if !strings.Contains(emptyOut, "No threads found.") {
		t.Errorf("deleted thread should leave an empty index, got:\n%s", emptyOut)
	}
}

// TestStatus_FreshWindow reads the rate diagnostics for an identity that
// has not consumed any quota.
func TestStatus_FreshWindow(t *testing.T) {
	ts, _ := startGateway(t, 5, []string{"unused"})

	output := runCLI(t, ts.URL, "", "status")

	if !strings.Contains(output, "limit=5 used=0 remaining=5") {
		t.Errorf("fresh identity should have the full budget, got:\n%s", output)
	}
}
