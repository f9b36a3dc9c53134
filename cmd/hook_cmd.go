package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/kvmbroker/internal/broker"
	"github.com/nextlevelbuilder/kvmbroker/internal/config"
	"github.com/nextlevelbuilder/kvmbroker/pkg/protocol"
)

const clientTimeout = 10 * time.Second

// brokerClient calls the HTTP API of a running broker.
type brokerClient struct {
	base  string
	token string
	http  *http.Client
}

// clientFlags are shared by the commands that talk to a running broker.
type clientFlags struct {
	url   string
	token string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "", "broker URL (default http://<listen> from config)")
	cmd.Flags().StringVar(&f.token, "token", "", "API token (default token from config)")
}

func (f *clientFlags) client() (*brokerClient, error) {
	c := &brokerClient{base: f.url, token: f.token, http: &http.Client{Timeout: clientTimeout}}
	if c.base == "" || c.token == "" {
		cfg, err := config.Load(resolveConfigPath())
		if err != nil {
			return nil, err
		}
		if c.base == "" {
			c.base = "http://" + dialableAddr(cfg.Listen)
		}
		if c.token == "" {
			c.token = cfg.Token
		}
	}
	c.base = strings.TrimRight(c.base, "/")
	return c, nil
}

// dialableAddr rewrites a wildcard listen address to loopback.
func dialableAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (c *brokerClient) do(ctx context.Context, method, path string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect to broker at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	var frame struct {
		OK      bool                 `json:"ok"`
		Payload json.RawMessage      `json:"payload"`
		Error   *protocol.ErrorShape `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&frame); err != nil {
		return fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !frame.OK {
		if frame.Error != nil {
			return fmt.Errorf("%s: %s", frame.Error.Code, frame.Error.Message)
		}
		return fmt.Errorf("request failed with HTTP %d", resp.StatusCode)
	}
	if out != nil && len(frame.Payload) > 0 {
		return json.Unmarshal(frame.Payload, out)
	}
	return nil
}

func displayPath(display string) (string, error) {
	id, err := config.NormalizeDisplayID(display)
	if err != nil {
		return "", err
	}
	return "/v1/displays/" + url.PathEscape(strings.TrimPrefix(id, ":")), nil
}

func hookCmd() *cobra.Command {
	var (
		flags clientFlags
		key   string
	)
	cmd := &cobra.Command{
		Use:   "hook <first|last|attach|detach|restart> <display>",
		Short: "Send a lifecycle hook to a running broker",
		Long: `Fires a viewer lifecycle hook the way a remote-display gateway does.
"restart" retries a session that is in error.`,
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"first", "last", "attach", "detach", "restart"},
		RunE: func(cmd *cobra.Command, args []string) error {
			hook, display := args[0], args[1]
			path, err := displayPath(display)
			if err != nil {
				return err
			}
			switch hook {
			case "first", "last", "attach", "detach":
				path += "/hooks/" + hook
			case "restart":
				path += "/restart"
			default:
				return fmt.Errorf("unknown hook %q", hook)
			}

			c, err := flags.client()
			if err != nil {
				return err
			}
			var headers map[string]string
			if key != "" {
				headers = map[string]string{"Idempotency-Key": key}
			}
			var res struct {
				Duplicate bool `json:"duplicate"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, path, headers, &res); err != nil {
				return err
			}
			if res.Duplicate {
				fmt.Printf("%s %s: already delivered\n", hook, display)
			} else {
				fmt.Printf("%s %s: accepted\n", hook, display)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&key, "idempotency-key", "", "deduplicate retries of the same hook")
	return cmd
}

func statusCmd() *cobra.Command {
	var (
		flags      clientFlags
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "status [display]",
		Short: "Show session status of a running broker",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			var list []broker.Status
			if len(args) == 1 {
				path, err := displayPath(args[0])
				if err != nil {
					return err
				}
				var st broker.Status
				if err := c.do(cmd.Context(), http.MethodGet, path, nil, &st); err != nil {
					return err
				}
				list = append(list, st)
			} else if err := c.do(cmd.Context(), http.MethodGet, "/v1/displays", nil, &list); err != nil {
				return err
			}
			if jsonOutput {
				data, _ := json.MarshalIndent(list, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			printStatuses(list)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func printStatuses(list []broker.Status) {
	if len(list) == 0 {
		fmt.Println("No displays.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "DISPLAY\tSTATE\tVIEWERS\tVENDOR\tUPDATED\tERROR\n")
	for _, st := range list {
		errText := ""
		if st.Error != nil {
			errText = st.Error.Code + ": " + st.Error.Message
		}
		updated := ""
		if !st.UpdatedAt.IsZero() {
			updated = st.UpdatedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", st.Display, st.State, st.Viewers, st.Vendor, updated, errText)
	}
	tw.Flush()
}
