// Package testnats runs a NATS server in a container for tests of the ledger
// event producer and the bank payment consumer.
package testnats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const image = "nats:2.10-alpine"

var (
	shared     *NATSContainer
	sharedOnce sync.Once
)

type NATSContainer struct {
	Container testcontainers.Container
	URL       string
}

// SetupSharedNATS starts one server per test binary. Tests must pick their own
// subjects (see Subject) since the server outlives individual subtests.
func SetupSharedNATS(t *testing.T) *NATSContainer {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	sharedOnce.Do(func() {
		shared = start(t)
	})

	require.NotNil(t, shared, "shared nats container failed to start")
	return shared
}

func start(t *testing.T) *NATSContainer {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForListeningPort("4222/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)

	endpoint, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)

	return &NATSContainer{Container: container, URL: endpoint}
}

func (nc *NATSContainer) Cleanup(t *testing.T) {
	t.Helper()

	if nc.Container == nil {
		return
	}
	if err := nc.Container.Terminate(context.Background()); err != nil {
		t.Logf("failed to terminate nats container: %s", err)
	}
}

// Connect opens a client connection that is closed when the test ends.
func (nc *NATSContainer) Connect(t *testing.T) *nats.Conn {
	t.Helper()

	conn, err := nats.Connect(nc.URL, nats.Name("test-"+t.Name()))
	require.NoError(t, err)

	t.Cleanup(conn.Close)

	return conn
}

// Subject derives a subject under prefix that is unique to the running test.
func Subject(t *testing.T, prefix string) string {
	token := strings.NewReplacer("/", "_", " ", "_", ".", "_", "*", "_", ">", "_").Replace(t.Name())
	return fmt.Sprintf("%s.%s", prefix, strings.ToLower(token))
}

// RequestJSON sends payload as JSON and decodes the reply into out. It retries
// until a responder is attached to subject or the timeout expires.
func RequestJSON(t *testing.T, conn *nats.Conn, subject string, payload, out any) {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msg, err := conn.Request(subject, data, time.Second)
		if err != nil {
			return false
		}
		return json.Unmarshal(msg.Data, out) == nil
	}, 10*time.Second, 100*time.Millisecond, "no reply on %s", subject)
}
