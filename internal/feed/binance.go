package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fillwatch/internal/common"
	"fillwatch/internal/config"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const maxSnapshotSize = 8 * 1024 * 1024

var ErrBadStatus = errors.New("unexpected http status")

// DiffResult is one item off a diff subscription. A result carrying Err is the
// last one; the channel is closed after it.
type DiffResult struct {
	Diff common.Diff
	Err  error
}

// Client talks to the Binance spot REST and WebSocket endpoints for one symbol.
type Client struct {
	restURL    string
	streamURL  string
	symbol     string
	depthLimit int
	bufferSize int

	http   *http.Client
	dialer *websocket.Dialer
}

func NewClient(cfg config.Config) *Client {
	timeout := time.Duration(cfg.Feed.RequestTimeoutSeconds) * time.Second
	return &Client{
		restURL:    strings.TrimRight(cfg.Feed.RestURL, "/"),
		streamURL:  strings.TrimRight(cfg.Feed.StreamURL, "/"),
		symbol:     strings.ToUpper(cfg.Symbol),
		depthLimit: cfg.Feed.DepthLimit,
		bufferSize: cfg.Feed.BufferSize,
		http:       &http.Client{Timeout: timeout},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
	}
}

// FetchSnapshot requests the current depth snapshot over REST.
func (c *Client) FetchSnapshot(ctx context.Context) (common.Snapshot, error) {
	query := url.Values{}
	query.Set("symbol", c.symbol)
	query.Set("limit", fmt.Sprint(c.depthLimit))
	endpoint := fmt.Sprintf("%s/api/v3/depth?%s", c.restURL, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return common.Snapshot{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return common.Snapshot{}, fmt.Errorf("unable to fetch snapshot: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotSize))
	if err != nil {
		return common.Snapshot{}, fmt.Errorf("unable to read snapshot: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return common.Snapshot{}, fmt.Errorf("%w %d: %s", ErrBadStatus, resp.StatusCode, body)
	}
	return parseSnapshot(body)
}

// Subscribe dials the diff stream and forwards every depth update until ctx is
// done or the connection fails. Messages that fail to parse are logged and
// skipped.
func (c *Client) Subscribe(ctx context.Context) (<-chan DiffResult, error) {
	endpoint := fmt.Sprintf("%s/ws/%s@depth", c.streamURL, strings.ToLower(c.symbol))
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to dial %s: %w", endpoint, err)
	}
	log.Info().Str("endpoint", endpoint).Msg("diff stream connected")

	resultCh := make(chan DiffResult, c.bufferSize)
	done := make(chan struct{})

	// Unblock ReadMessage on shutdown.
	go func() {
		select {
		case <-ctx.Done():
			werr := conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			if werr != nil {
				log.Debug().Err(werr).Msg("could not send close message on websocket")
			}
			_ = conn.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(resultCh)
		defer close(done)
		defer func() { _ = conn.Close() }()

		// The reader may be gone already. A closed channel tells it enough.
		fail := func(err error) {
			select {
			case resultCh <- DiffResult{Err: err}:
			default:
			}
		}

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				fail(err)
				return
			}

			diff, err := parseDiff(message)
			if err != nil {
				log.Warn().Err(err).Int("size", len(message)).Msg("skipping stream message")
				continue
			}

			select {
			case resultCh <- DiffResult{Diff: diff}:
			case <-ctx.Done():
				fail(ctx.Err())
				return
			}
		}
	}()

	return resultCh, nil
}
