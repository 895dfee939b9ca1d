package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Start requests the daemon to start the pipeline.
func (c *Client) Start() (*StartResponse, error) {
	var resp StartResponse
	if err := c.client.Call("Capstan.Start", StartRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop requests the daemon to stop the pipeline.
func (c *Client) Stop() (*StopResponse, error) {
	var resp StopResponse
	if err := c.client.Call("Capstan.Stop", StopRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.client.Call("Capstan.Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CaptureStart begins recording a new tape project.
func (c *Client) CaptureStart(req CaptureStartRequest) (*CaptureStartResponse, error) {
	var resp CaptureStartResponse
	if err := c.client.Call("Capstan.CaptureStart", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CaptureStop ends the active capture session.
func (c *Client) CaptureStop() (*CaptureStopResponse, error) {
	var resp CaptureStopResponse
	if err := c.client.Call("Capstan.CaptureStop", CaptureStopRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CaptureStatus retrieves the current capture snapshot.
func (c *Client) CaptureStatus() (*CaptureStatusResponse, error) {
	var resp CaptureStatusResponse
	if err := c.client.Call("Capstan.CaptureStatus", CaptureStatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeckDetect probes for a connected deck.
func (c *Client) DeckDetect() (*DeckDetectResponse, error) {
	var resp DeckDetectResponse
	if err := c.client.Call("Capstan.DeckDetect", DeckDetectRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeckTransport issues a manual transport verb.
func (c *Client) DeckTransport(action string) (*DeckTransportResponse, error) {
	var resp DeckTransportResponse
	req := DeckTransportRequest{Action: action}
	if err := c.client.Call("Capstan.DeckTransport", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Enqueue queues a captured project for post-processing.
func (c *Client) Enqueue(project, profile string) (*EnqueueResponse, error) {
	var resp EnqueueResponse
	req := EnqueueRequest{Project: project, Profile: profile}
	if err := c.client.Call("Capstan.Enqueue", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pending lists unprocessed projects under the import root.
func (c *Client) Pending() (*PendingResponse, error) {
	var resp PendingResponse
	if err := c.client.Call("Capstan.Pending", PendingRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Process enqueues every unqueued pending project.
func (c *Client) Process() (*ProcessResponse, error) {
	var resp ProcessResponse
	if err := c.client.Call("Capstan.Process", ProcessRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueList returns queue items optionally filtered by statuses.
func (c *Client) QueueList(statuses []string) (*QueueListResponse, error) {
	var resp QueueListResponse
	req := QueueListRequest{Statuses: statuses}
	if err := c.client.Call("Capstan.QueueList", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueClear removes all items from the queue.
func (c *Client) QueueClear() (*QueueClearResponse, error) {
	var resp QueueClearResponse
	if err := c.client.Call("Capstan.QueueClear", QueueClearRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueClearCompleted removes only completed items from the queue.
func (c *Client) QueueClearCompleted() (*QueueClearCompletedResponse, error) {
	var resp QueueClearCompletedResponse
	if err := c.client.Call("Capstan.QueueClearCompleted", QueueClearCompletedRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueClearFailed removes failed and review items from the queue.
func (c *Client) QueueClearFailed() (*QueueClearFailedResponse, error) {
	var resp QueueClearFailedResponse
	if err := c.client.Call("Capstan.QueueClearFailed", QueueClearFailedRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueReset resets items stuck in processing states.
func (c *Client) QueueReset() (*QueueResetResponse, error) {
	var resp QueueResetResponse
	if err := c.client.Call("Capstan.QueueReset", QueueResetRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueRetry retries failed items.
func (c *Client) QueueRetry(ids []int64) (*QueueRetryResponse, error) {
	var resp QueueRetryResponse
	req := QueueRetryRequest{IDs: ids}
	if err := c.client.Call("Capstan.QueueRetry", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueHealth returns queue diagnostics.
func (c *Client) QueueHealth() (*QueueHealthResponse, error) {
	var resp QueueHealthResponse
	if err := c.client.Call("Capstan.QueueHealth", QueueHealthRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DatabaseHealth retrieves detailed database diagnostics.
func (c *Client) DatabaseHealth() (*DatabaseHealthResponse, error) {
	var resp DatabaseHealthResponse
	if err := c.client.Call("Capstan.DatabaseHealth", DatabaseHealthRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TestNotification triggers a notification test via the daemon.
func (c *Client) TestNotification() (*TestNotificationResponse, error) {
	var resp TestNotificationResponse
	if err := c.client.Call("Capstan.TestNotification", TestNotificationRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LogTail returns raw log lines from the daemon.
func (c *Client) LogTail(req LogTailRequest) (*LogTailResponse, error) {
	var resp LogTailResponse
	if err := c.client.Call("Capstan.LogTail", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LogEvents returns structured log events from the daemon's stream hub.
func (c *Client) LogEvents(req LogEventsRequest) (*LogEventsResponse, error) {
	var resp LogEventsResponse
	if err := c.client.Call("Capstan.LogEvents", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Events returns pipeline events published after the given sequence.
func (c *Client) Events(req EventsRequest) (*EventsResponse, error) {
	var resp EventsResponse
	if err := c.client.Call("Capstan.Events", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
