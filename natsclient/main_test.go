package natsclient

import (
	"fmt"
	"os"
	"testing"
)

// sharedNATS is set when INTEGRATION_TESTS is enabled.
var sharedNATS *TestClient

func TestMain(m *testing.M) {
	if os.Getenv("INTEGRATION_TESTS") != "" {
		tc, err := NewSharedTestClient()
		if err != nil {
			fmt.Printf("Failed to start NATS container: %v\n", err)
			os.Exit(1)
		}
		sharedNATS = tc
	}

	code := m.Run()

	if sharedNATS != nil {
		_ = sharedNATS.Terminate()
	}
	os.Exit(code)
}

func requireNATS(t *testing.T) *TestClient {
	t.Helper()
	if sharedNATS == nil {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}
	return sharedNATS
}
