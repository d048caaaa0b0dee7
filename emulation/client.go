package emulation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/emubridge/sessions"
)

// Client issues commands to the emulator container of a test. It is safe
// for concurrent use and holds no per-test state.
type Client struct {
	http *http.Client
	log  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. The default is http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

func NewClient(opts ...Option) *Client {
	c := &Client{http: http.DefaultClient, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PostControllerInput sets the state of the controller on port. The input
// is always sent with Connected forced to true.
func (c *Client) PostControllerInput(ctx context.Context, test *sessions.Test, input ControllerInput, port int) Result[bool] {
	input.Connected = true
	return c.command(ctx, "controller_input", test, "/api/controller/"+strconv.Itoa(port), input)
}

// Screenshot captures the current frame and returns it base64 encoded.
func (c *Client) Screenshot(ctx context.Context, test *sessions.Test) Result[string] {
	body, err := c.do(ctx, "screenshot", test, http.MethodGet, "/api/screenshot", nil)
	if err != nil {
		return Failed("", err)
	}
	return Succeeded(base64.StdEncoding.EncodeToString(body))
}

func (c *Client) SaveStateSlot(ctx context.Context, test *sessions.Test, slot int) Result[bool] {
	return c.command(ctx, "save_state_slot", test, "/api/emulation/state", stateRequest{Action: ActionSave, To: slot})
}

func (c *Client) LoadStateSlot(ctx context.Context, test *sessions.Test, slot int) Result[bool] {
	return c.command(ctx, "load_state_slot", test, "/api/emulation/state", stateRequest{Action: ActionLoad, To: slot})
}

func (c *Client) SaveStateFile(ctx context.Context, test *sessions.Test, file string) Result[bool] {
	return c.command(ctx, "save_state_file", test, "/api/emulation/state", stateRequest{Action: ActionSave, To: file})
}

func (c *Client) LoadStateFile(ctx context.Context, test *sessions.Test, file string) Result[bool] {
	return c.command(ctx, "load_state_file", test, "/api/emulation/state", stateRequest{Action: ActionLoad, To: file})
}

// SetSpeed sets the emulation speed multiplier.
func (c *Client) SetSpeed(ctx context.Context, test *sessions.Test, speed float64) Result[bool] {
	return c.command(ctx, "set_speed", test, "/api/emulation/config", speedRequest{Speed: speed})
}

// SetEmulationState plays or pauses emulation. Other actions fail without
// issuing a call.
func (c *Client) SetEmulationState(ctx context.Context, test *sessions.Test, action StateAction) Result[bool] {
	if action != ActionPlay && action != ActionPause {
		return Failed(false, fmt.Errorf("emulator set_emulation_state: unsupported action %q", action))
	}
	return c.command(ctx, "set_emulation_state", test, "/api/emulation/state", stateRequest{Action: action})
}

func (c *Client) BootGame(ctx context.Context, test *sessions.Test, gamePath string) Result[bool] {
	return c.command(ctx, "boot_game", test, "/api/emulation/boot", bootRequest{GamePath: gamePath})
}

// SetupMemWatches replaces the set of watched memory locations.
func (c *Client) SetupMemWatches(ctx context.Context, test *sessions.Test, watches map[string]MemoryWatch) Result[bool] {
	return c.command(ctx, "setup_memwatches", test, "/api/memwatch/setup", memWatchSetupRequest{Watches: watches})
}

// ReadMemWatches reads the current values of the named watches. On failure
// the value is an empty, non-nil map.
func (c *Client) ReadMemWatches(ctx context.Context, test *sessions.Test, names []string) Result[map[string]any] {
	escaped := make([]string, len(names))
	for i, n := range names {
		escaped[i] = url.QueryEscape(n)
	}
	// The emulator splits on literal commas.
	path := "/api/memwatch/values?names=" + strings.Join(escaped, ",")
	body, err := c.do(ctx, "read_memwatches", test, http.MethodGet, path, nil)
	if err != nil {
		return Failed(map[string]any{}, err)
	}
	var res memWatchValuesResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return Failed(map[string]any{}, fmt.Errorf("emulator read_memwatches: decode: %w", err))
	}
	if res.Values == nil {
		res.Values = map[string]any{}
	}
	return Succeeded(res.Values)
}

func (c *Client) command(ctx context.Context, op string, test *sessions.Test, path string, payload any) Result[bool] {
	if _, err := c.do(ctx, op, test, http.MethodPost, path, payload); err != nil {
		return Failed(false, err)
	}
	return Succeeded(true)
}

// do performs one call and returns the response body of a 2xx answer.
// Failures are logged here so callers only need to branch on the Result.
func (c *Client) do(ctx context.Context, op string, test *sessions.Test, method, path string, payload any) ([]byte, error) {
	start := time.Now()
	log := c.log.With(slog.String("op", op))

	body, err := c.roundTrip(ctx, op, test, method, path, payload)
	if err != nil {
		log.WarnContext(ctx, "emulator.call.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return nil, err
	}
	log.DebugContext(ctx, "emulator.call.ok", slog.Duration("dur", time.Since(start)))
	return body, nil
}

func (c *Client) roundTrip(ctx context.Context, op string, test *sessions.Test, method, path string, payload any) ([]byte, error) {
	if test == nil || test.ContainerURI == "" {
		return nil, fmt.Errorf("emulator %s: no container bound", op)
	}

	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("emulator %s: encode payload: %w", op, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(test.ContainerURI, "/")+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("emulator %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+test.Token)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("emulator %s: %w", op, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("emulator %s: read body: %w", op, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &RemoteCallError{Op: op, StatusCode: res.StatusCode}
	}
	return body, nil
}
