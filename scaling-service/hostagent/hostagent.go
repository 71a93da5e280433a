/*
Package hostagent is the client side of the contract between the scaling
service and the agent that runs on every host. The scaling service only ever
initiates one call: asking a host to drain its mandelboxes and shut down.
Everything else flows the other way, through heartbeats.
*/
package hostagent // import "github.com/whisthq/whist/backend/fleet/scaling-service/hostagent"

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
)

// Agent is implemented by anything that can ask a host to drain and shut down.
type Agent interface {
	DrainAndShutdown(ctx context.Context, ip string) error
}

// Client calls the agent's HTTPS server on the configured port.
type Client struct {
	http      *retryablehttp.Client
	port      int
	authToken string
	timeout   time.Duration
}

// NewClient returns a client that authenticates with authToken and gives up
// on a host after timeout, retries included.
func NewClient(port int, authToken string, timeout time.Duration) *Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = leveledLogger{}
	client.HTTPClient.Transport = &http.Transport{
		// Agents serve self-signed certificates generated at boot.
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true}, // #nosec G402
		TLSHandshakeTimeout: timeout,
	}

	return &Client{
		http:      client,
		port:      port,
		authToken: authToken,
		timeout:   timeout,
	}
}

// DrainAndShutdown asks the agent at ip to stop accepting mandelboxes and
// shut its instance down once they are done. Any non-2xx response is an error.
func (c *Client) DrainAndShutdown(ctx context.Context, ip string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := "https://" + net.JoinHostPort(ip, strconv.Itoa(c.port)) + "/drain_and_shutdown"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return utils.MakeError("couldn't create drain request for %s: %s", ip, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return utils.MakeError("couldn't reach host agent at %s: %w", ip, err)
	}
	defer resp.Body.Close()
	// Drain the body so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return utils.MakeError("host agent at %s rejected drain request with status %d", ip, resp.StatusCode)
	}

	logger.Infow("Host agent accepted drain request", []interface{}{zap.String("ip", ip)})
	return nil
}

// leveledLogger sends retryablehttp's logs to whistlogger. Per-request
// messages are dropped, only retries and failures are interesting.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	logger.Errorf("%s %v", msg, keysAndValues)
}

func (leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	logger.Warningf("%s %v", msg, keysAndValues)
}

func (leveledLogger) Info(msg string, keysAndValues ...interface{}) {}

func (leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	logger.Debugf("%s %v", msg, keysAndValues)
}

var _ retryablehttp.LeveledLogger = leveledLogger{}
