// Package bgpd talks to the management API served by daemon nodes. The
// engine only writes through it: peers and advertised routes are pushed,
// never read back.
package bgpd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"netlab/pkg/model"
)

// NeighborRequest is the body of POST /neighbor/{peerIp}.
type NeighborRequest struct {
	RemoteASN    int    `json:"remoteAsn"`
	LocalASN     int    `json:"localAsn"`
	LocalAddress string `json:"localAddress,omitempty"`
}

// RouteRequest is the body of POST /route/{prefix}/{cidr}. All fields are
// optional; an empty body advertises the bare prefix.
type RouteRequest struct {
	NextHop     string   `json:"nextHop,omitempty"`
	Communities []string `json:"communities,omitempty"`
	MED         *int     `json:"med,omitempty"`
	ASPath      []int    `json:"asPath,omitempty"`
}

// Client is an HTTP client for daemon management APIs. The zero value is not
// usable; construct with New.
type Client struct {
	http *http.Client
	// Endpoint maps a daemon node to its API base URL. Overridable for
	// tests; the default reaches the container by name on the data network.
	Endpoint func(model.Node) string
}

// New builds a client with a bounded per-request timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
		Endpoint: func(n model.Node) string {
			port := n.APIPort
			if port == 0 {
				port = 179 // not expected; daemon specs always carry a port
			}
			return fmt.Sprintf("http://%s:%d", n.ContainerName(), port)
		},
	}
}

// AddNeighbor configures a BGP peer on the daemon. A 409 means the peer is
// already configured and counts as success.
func (c *Client) AddNeighbor(ctx context.Context, node model.Node, peerIP string, req NeighborRequest) error {
	url := fmt.Sprintf("%s/neighbor/%s", c.Endpoint(node), peerIP)
	if err := c.post(ctx, url, req); err != nil {
		return fmt.Errorf("add neighbor %s on %s: %w", peerIP, node.Name, err)
	}
	log.Debugf("bgpd: neighbor %s configured on %s (local AS%d remote AS%d)", peerIP, node.Name, req.LocalASN, req.RemoteASN)
	return nil
}

// AdvertiseRoute announces a prefix from the daemon. A 409 means the route
// is already advertised and counts as success.
func (c *Client) AdvertiseRoute(ctx context.Context, node model.Node, prefix string, length int, req RouteRequest) error {
	url := fmt.Sprintf("%s/route/%s/%d", c.Endpoint(node), prefix, length)
	if err := c.post(ctx, url, req); err != nil {
		return fmt.Errorf("advertise %s/%d on %s: %w", prefix, length, node.Name, err)
	}
	log.Debugf("bgpd: route %s/%d advertised on %s", prefix, length, node.Name)
	return nil
}

func (c *Client) post(ctx context.Context, url string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
}
