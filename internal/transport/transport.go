// Package transport implements PeerTransport (spec §4.1): a thin,
// stateful RPC layer sending typed requests to named peers over HTTP.
// It mirrors the shape of the teacher's core.Transport interface
// (Listen/Close/per-destination send) but carries requests over HTTP
// instead of a multicast exchange, since relt's group primitives have
// no client in SPEC_FULL (see DESIGN.md).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/distsync/syncd/internal/logging"
	"github.com/distsync/syncd/internal/syncerr"
)

const (
	connectTimeout = 2 * time.Second
	totalTimeout   = 5 * time.Second

	maxConnsPerHost     = 30
	maxIdleConnsTotal   = 100
	idleConnTimeout     = 90 * time.Second
)

// AddressBook resolves a peer identifier into a reachable host:port.
// Implemented by internal/config.Config.PeerAddress.
type AddressBook interface {
	PeerAddress(peerID string) string
}

// PeerTransport sends typed, non-blocking requests to peers. Failures
// (timeout, non-2xx, transport error) are returned to the caller and
// never panic or block indefinitely; the caller decides what to do
// with them (spec §4.1 / §7 Transient).
type PeerTransport struct {
	addrs  AddressBook
	client *http.Client
	log    logging.Logger
}

// New builds a PeerTransport with pooled connections (spec §4.1): open
// connections are capped per host, and idle pooled connections are
// capped in total; there is no cap on total open connections.
func New(addrs AddressBook, log logging.Logger) *PeerTransport {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		MaxIdleConns:        maxIdleConnsTotal,
		MaxIdleConnsPerHost: maxConnsPerHost,
		MaxConnsPerHost:     maxConnsPerHost,
		IdleConnTimeout:     idleConnTimeout,
		DialContext:         dialer.DialContext,
	}
	return &PeerTransport{
		addrs: addrs,
		client: &http.Client{
			Transport: transport,
			Timeout:   totalTimeout,
		},
		log: log,
	}
}

// Post sends a JSON body to peer/path and decodes the JSON response
// into out (if non-nil). Non-2xx responses are reported as an error;
// nothing is retried here.
func (t *PeerTransport) Post(ctx context.Context, peer, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	url := fmt.Sprintf("http://%s%s", t.addrs.PeerAddress(peer), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(req, out)
}

// Get issues a GET to peer/path and decodes the JSON response into out.
func (t *PeerTransport) Get(ctx context.Context, peer, path string, out interface{}) error {
	url := fmt.Sprintf("http://%s%s", t.addrs.PeerAddress(peer), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return t.do(req, out)
}

func (t *PeerTransport) do(req *http.Request, out interface{}) error {
	resp, err := t.client.Do(req)
	if err != nil {
		t.log.Debugf("peer rpc %s %s failed: %v", req.Method, req.URL, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("peer rpc %s %s returned status %d", req.Method, req.URL, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Broadcast calls fn for every peer in parallel and absorbs per-peer
// failures (spec §4.2 heartbeat broadcast / §4.5 invalidate broadcast:
// "ignoring failures"), wrapping each as a syncerr.Transient so it's
// at least logged with the §7 error-kind taxonomy instead of vanishing
// silently.
func Broadcast(peers []string, log logging.Logger, fn func(peer string) error) {
	done := make(chan struct{}, len(peers))
	for _, p := range peers {
		peer := p
		go func() {
			if err := fn(peer); err != nil {
				log.Debugf("%v", &syncerr.Transient{Peer: peer, Err: err})
			}
			done <- struct{}{}
		}()
	}
	for range peers {
		<-done
	}
}
