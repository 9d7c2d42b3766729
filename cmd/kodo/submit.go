package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/kodo/internal/dispatch"
	"github.com/jkaninda/kodo/internal/events"
	"github.com/jkaninda/kodo/internal/gateway/httpapi"
)

var (
	serverURL       string
	serverAPIKey    string
	submitFramework string
	submitFollow    bool
	clientTimeout   int
)

var submitCmd = &cobra.Command{
	Use:   "submit [input]",
	Short: "Submit a run to a kodo server",
	Long: `Submit a coding task to a running kodo server and print the run record.
With --follow, stream the run's events until it finishes and print the
final record.

Examples:
  kodo submit "build a todo app"
  kodo submit --follow --server http://kodo:8080 "snake game"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Print the record of a run from a kodo server",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	for _, cmd := range []*cobra.Command{submitCmd, statusCmd} {
		cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "kodo server URL (or KODO_SERVER_URL env)")
		cmd.Flags().StringVar(&serverAPIKey, "api-key", "", "API key (or KODO_API_KEY env)")
		cmd.Flags().IntVar(&clientTimeout, "timeout", 600, "timeout in seconds")
	}
	submitCmd.Flags().StringVar(&submitFramework, "framework", "", "target framework (default nextjs)")
	submitCmd.Flags().BoolVarP(&submitFollow, "follow", "f", false, "stream events until the run finishes")
}

// apiClient talks to the HTTP API of a kodo server.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(goutils.Env("KODO_SERVER_URL", serverURL), "/"),
		apiKey:  goutils.Env("KODO_API_KEY", serverAPIKey),
		http:    http.DefaultClient,
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*dispatch.RunRecord, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot reach kodo server at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var eb httpapi.ErrorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, eb.Error)
		}
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var rec dispatch.RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding run record: %w", err)
	}
	return &rec, nil
}

// follow streams the run's events to stderr until the server closes the stream.
func (c *apiClient) follow(ctx context.Context, id string) error {
	u, err := url.Parse(c.baseURL + "/v1/runs/" + url.PathEscape(id) + "/events")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	opts := &websocket.DialOptions{Subprotocols: []string{httpapi.EventsSubprotocol}}
	if c.apiKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.apiKey}}
	}

	conn, _, err := websocket.Dial(ctx, u.String(), opts)
	if err != nil {
		return fmt.Errorf("opening event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	ch := make(chan events.Event)
	go printEvents(ch)
	defer close(ch)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("reading event stream: %w", err)
		}
		var ev events.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		ch <- ev
	}
}

func printRecord(rec *dispatch.RunRecord) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func runSubmit(_ *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(clientTimeout)*time.Second)
	defer cancel()

	c := newAPIClient()
	rec, err := c.do(ctx, http.MethodPost, "/v1/runs", httpapi.SubmitRequest{
		Input:     strings.Join(args, " "),
		Framework: submitFramework,
	})
	if err != nil {
		return err
	}
	if !submitFollow {
		return printRecord(rec)
	}

	fmt.Fprintf(os.Stderr, "run %s submitted\n", rec.ID)
	if err := c.follow(ctx, rec.ID); err != nil {
		return err
	}
	rec, err = c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(rec.ID), nil)
	if err != nil {
		return err
	}
	if err := printRecord(rec); err != nil {
		return err
	}
	if rec.Status != dispatch.StatusCompleted {
		return fmt.Errorf("run %s %s", rec.ID, rec.Status)
	}
	return nil
}

func runStatus(_ *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(clientTimeout)*time.Second)
	defer cancel()

	rec, err := newAPIClient().do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(args[0]), nil)
	if err != nil {
		return err
	}
	return printRecord(rec)
}
