package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/cloudrelay/internal/client"
	"github.com/jkaninda/cloudrelay/internal/protocol"
	"github.com/jkaninda/cloudrelay/internal/secrets"
	"github.com/jkaninda/cloudrelay/internal/session"
)

// Exit codes for the client commands.
const (
	ExitSuccess           = 0
	ExitFailure           = 1
	ExitUpstreamError     = 2
	ExitBrokerUnavailable = 3
	ExitNotRegistered     = 4
)

var (
	clientBrokerURL   string
	clientAccessToken string
	clientAPIKey      string
	clientCredRef     string
	clientSessionID   string
	clientTimeout     time.Duration
)

func exitCode(err error) int {
	var upstream *client.UpstreamError
	var transport *client.TransportError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &upstream):
		return ExitUpstreamError
	case errors.Is(err, client.ErrSessionNotRegistered):
		return ExitNotRegistered
	case errors.As(err, &transport):
		return ExitBrokerUnavailable
	default:
		return ExitFailure
	}
}

func clientCommands() []*cobra.Command {
	cmds := []*cobra.Command{registerCmd(), statusCmd(), callCmd(), listCmd(), instanceCmd(), snapshotCmd(), revokeCmd()}
	for _, c := range cmds {
		f := c.PersistentFlags()
		f.StringVar(&clientBrokerURL, "broker-url", "", "key broker URL (env: CLOUDRELAY_BROKER_URL)")
		f.StringVar(&clientAccessToken, "access-token", "", "broker access token (env: CLOUDRELAY_ACCESS_TOKEN)")
		f.StringVar(&clientSessionID, "session", "", "reuse a registered session id (env: CLOUDRELAY_SESSION)")
		f.DurationVar(&clientTimeout, "timeout", 0, "per-request timeout")
	}
	return cmds
}

// credentialFlags adds the flags that supply a provider key for a new session.
func credentialFlags(c *cobra.Command) {
	c.Flags().StringVar(&clientAPIKey, "api-key", "", "LetsCloud API key (prefer env LETSCLOUD_API_KEY)")
	c.Flags().StringVar(&clientCredRef, "credential-ref", "", "secret reference for the API key, e.g. file:///path")
}

// clientSession attaches to --session when given, otherwise registers the
// configured provider key under a fresh identifier. fresh forces registration.
func clientSession(ctx context.Context, fresh bool) (*client.Session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cfg.LogLevel)
	cc := cfg.Client

	timeout := cc.Timeout()
	if clientTimeout > 0 {
		timeout = clientTimeout
	}
	token := clientAccessToken
	if token == "" && cc != nil {
		token = cc.AccessToken
	}
	brokerURL := cc.Broker()
	if clientBrokerURL != "" {
		brokerURL = clientBrokerURL
	}

	opts := []client.Option{client.WithTimeout(timeout), client.WithLogger(logger)}
	if token != "" {
		opts = append(opts, client.WithAccessToken(token))
	}
	if cc != nil && cc.UserAgent != "" {
		opts = append(opts, client.WithUserAgent(cc.UserAgent))
	}
	b, err := client.NewBroker(brokerURL, opts...)
	if err != nil {
		return nil, err
	}
	sessOpts := []client.SessionOption{client.WithAPIPrefix(cc.Prefix())}

	if id := sessionID(); id != "" && !fresh {
		sid, err := session.Parse(id)
		if err != nil {
			return nil, err
		}
		return client.Attach(b, sid, sessOpts...), nil
	}

	ref := cc.Credential()
	if clientCredRef != "" {
		ref = clientCredRef
	}
	key, err := client.ResolveCredential(ctx, secrets.Default(), goutils.Env("LETSCLOUD_API_KEY", clientAPIKey), ref)
	if err != nil {
		return nil, err
	}
	s, err := client.Open(ctx, b, key, sessOpts...)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "session: %s\n", s.ID())
	return s, nil
}

// printResponse writes a relayed body to w, indented when it is JSON.
func printResponse(w io.Writer, resp *client.Response) error {
	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, err = fmt.Fprintln(w, string(body))
		return err
	}
	_, err := fmt.Fprintln(w, buf.String())
	return err
}

// printError shows the upstream body for relayed provider errors.
func printError(w io.Writer, err error) {
	var upstream *client.UpstreamError
	if errors.As(err, &upstream) && len(upstream.Body) > 0 {
		_ = printResponse(w, &client.Response{Body: upstream.Body})
	}
}

type sessionFunc func(ctx context.Context, s *client.Session, args []string) (*client.Response, error)

// runWithSession opens or attaches a session, runs fn and prints its result.
func runWithSession(fn sessionFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		s, err := clientSession(ctx, false)
		if err != nil {
			return err
		}
		resp, err := fn(ctx, s, args)
		if err != nil {
			printError(cmd.OutOrStdout(), err)
			return err
		}
		return printResponse(cmd.OutOrStdout(), resp)
	}
}

func registerCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "register",
		Short: "Register the provider key and print the new session id",
		Long: `Register the LetsCloud API key with the broker under a fresh session id.
The id is printed to stdout; pass it to other commands with --session or
CLOUDRELAY_SESSION so they skip registration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := clientSession(cmd.Context(), true)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.ID())
			if exp := s.ExpiresAt(); exp != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "expires: %s\n", exp.Format(time.RFC3339))
			}
			return nil
		},
	}
	credentialFlags(c)
	return c
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the session has a key registered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := requireSession(cmd.Context())
			if err != nil {
				return err
			}
			st, err := s.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !st.Registered {
				fmt.Fprintf(out, "session %s: not registered\n", s.ID())
				return nil
			}
			if st.ExpiresAt != nil {
				fmt.Fprintf(out, "session %s: registered, expires %s\n", s.ID(), st.ExpiresAt.Format(time.RFC3339))
				return nil
			}
			fmt.Fprintf(out, "session %s: registered\n", s.ID())
			return nil
		},
	}
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke",
		Short: "Drop the key bound to the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := requireSession(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.Revoke(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s: revoked\n", s.ID())
			return nil
		},
	}
}

// requireSession is clientSession for commands that make no sense on a
// freshly registered session.
func requireSession(ctx context.Context) (*client.Session, error) {
	if sessionID() == "" {
		return nil, errors.New("a session id is required (--session or CLOUDRELAY_SESSION)")
	}
	return clientSession(ctx, false)
}

// sessionID returns --session, falling back to CLOUDRELAY_SESSION.
func sessionID() string {
	if clientSessionID != "" {
		return clientSessionID
	}
	return goutils.Env("CLOUDRELAY_SESSION", "")
}

var callData string

func callCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "call METHOD PATH",
		Short: "Forward an arbitrary request to the provider API",
		Long: `Forward METHOD PATH through the broker. PATH is relative to the
provider root, e.g. /v2/instances. --data supplies a JSON body; "@file"
reads it from a file and "-" from stdin.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			method, err := validateCall(args[0], args[1])
			if err != nil {
				return err
			}
			body, err := readData(callData)
			if err != nil {
				return err
			}
			return runWithSession(func(ctx context.Context, s *client.Session, _ []string) (*client.Response, error) {
				return s.Do(ctx, method, args[1], body)
			})(cmd, args)
		},
	}
	c.Flags().StringVarP(&callData, "data", "d", "", "JSON request body")
	credentialFlags(c)
	return c
}

// validateCall checks METHOD and PATH before any session is opened, so a
// malformed call never registers a credential.
func validateCall(method, path string) (string, error) {
	m, err := protocol.ParseMethod(strings.ToUpper(method))
	if err != nil {
		return "", err
	}
	if err := protocol.ValidatePath(path); err != nil {
		return "", err
	}
	return m.String(), nil
}

// readData returns the --data payload as raw JSON, or nil when empty.
func readData(data string) (any, error) {
	var raw []byte
	switch {
	case data == "":
		return nil, nil
	case data == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		raw = b
	case strings.HasPrefix(data, "@"):
		b, err := os.ReadFile(strings.TrimPrefix(data, "@"))
		if err != nil {
			return nil, fmt.Errorf("reading data file: %w", err)
		}
		raw = b
	default:
		raw = []byte(data)
	}
	if !json.Valid(raw) {
		return nil, errors.New("--data is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func listCmd() *cobra.Command {
	listers := map[string]func(*client.Session, context.Context) (*client.Response, error){
		"instances": (*client.Session).ListInstances,
		"plans":     (*client.Session).ListPlans,
		"images":    (*client.Session).ListImages,
		"locations": (*client.Session).ListLocations,
		"ssh-keys":  (*client.Session).ListSSHKeys,
		"snapshots": (*client.Session).ListSnapshots,
		"account":   (*client.Session).GetAccount,
	}
	c := &cobra.Command{
		Use:       "list instances|plans|images|locations|ssh-keys|snapshots|account",
		Short:     "List provider resources",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"instances", "plans", "images", "locations", "ssh-keys", "snapshots", "account"},
		RunE: runWithSession(func(ctx context.Context, s *client.Session, args []string) (*client.Response, error) {
			fn, ok := listers[args[0]]
			if !ok {
				return nil, fmt.Errorf("unknown resource %q", args[0])
			}
			return fn(s, ctx)
		}),
	}
	credentialFlags(c)
	return c
}

var createInstance client.CreateInstanceRequest

func instanceCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "instance",
		Short: "Manage instances",
	}
	byID := func(use, short string, fn func(*client.Session, context.Context, string) (*client.Response, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " ID",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: runWithSession(func(ctx context.Context, s *client.Session, args []string) (*client.Response, error) {
				return fn(s, ctx, args[0])
			}),
		}
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create an instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if createInstance.Password == "" {
				createInstance.Password = os.Getenv("LETSCLOUD_INSTANCE_PASSWORD")
			}
			if err := createInstance.Validate(); err != nil {
				return err
			}
			return runWithSession(func(ctx context.Context, s *client.Session, _ []string) (*client.Response, error) {
				return s.CreateInstance(ctx, &createInstance)
			})(cmd, args)
		},
	}
	f := create.Flags()
	f.StringVar(&createInstance.LocationSlug, "location", "", "location slug")
	f.StringVar(&createInstance.PlanSlug, "plan", "", "plan slug")
	f.StringVar(&createInstance.Hostname, "hostname", "", "hostname")
	f.StringVar(&createInstance.Label, "label", "", "label")
	f.StringVar(&createInstance.ImageSlug, "image", "", "image slug")
	f.StringVar(&createInstance.Password, "password", "", "root password (env: LETSCLOUD_INSTANCE_PASSWORD)")
	f.IntSliceVar(&createInstance.SSHKeys, "ssh-key", nil, "ssh key id (repeatable)")

	changePlan := &cobra.Command{
		Use:   "change-plan ID PLAN",
		Short: "Move an instance to another plan",
		Args:  cobra.ExactArgs(2),
		RunE: runWithSession(func(ctx context.Context, s *client.Session, args []string) (*client.Response, error) {
			return s.ChangePlan(ctx, args[0], args[1])
		}),
	}
	resetPassword := &cobra.Command{
		Use:   "reset-password ID",
		Short: "Set a new root password (read from LETSCLOUD_INSTANCE_PASSWORD)",
		Args:  cobra.ExactArgs(1),
		RunE: runWithSession(func(ctx context.Context, s *client.Session, args []string) (*client.Response, error) {
			return s.ResetPassword(ctx, args[0], os.Getenv("LETSCLOUD_INSTANCE_PASSWORD"))
		}),
	}

	subs := []*cobra.Command{
		byID("get", "Show an instance", (*client.Session).GetInstance),
		byID("delete", "Delete an instance", (*client.Session).DeleteInstance),
		byID("power-on", "Power an instance on", (*client.Session).PowerOnInstance),
		byID("power-off", "Power an instance off", (*client.Session).PowerOffInstance),
		byID("reboot", "Reboot an instance", (*client.Session).RebootInstance),
		byID("shutdown", "Shut an instance down gracefully", (*client.Session).ShutdownInstance),
		create, changePlan, resetPassword,
	}
	for _, sub := range subs {
		credentialFlags(sub)
	}
	c.AddCommand(subs...)
	return c
}

var snapshotLabel string

func snapshotCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage snapshots",
	}
	create := &cobra.Command{
		Use:   "create INSTANCE_ID",
		Short: "Snapshot an instance",
		Args:  cobra.ExactArgs(1),
		RunE: runWithSession(func(ctx context.Context, s *client.Session, args []string) (*client.Response, error) {
			return s.CreateSnapshot(ctx, args[0], snapshotLabel)
		}),
	}
	create.Flags().StringVar(&snapshotLabel, "label", "", "snapshot label")
	restore := &cobra.Command{
		Use:   "restore SNAPSHOT_ID",
		Short: "Restore a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: runWithSession(func(ctx context.Context, s *client.Session, args []string) (*client.Response, error) {
			return s.RestoreSnapshot(ctx, args[0])
		}),
	}
	del := &cobra.Command{
		Use:   "delete SNAPSHOT_ID",
		Short: "Delete a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: runWithSession(func(ctx context.Context, s *client.Session, args []string) (*client.Response, error) {
			return s.DeleteSnapshot(ctx, args[0])
		}),
	}
	for _, sub := range []*cobra.Command{create, restore, del} {
		credentialFlags(sub)
	}
	c.AddCommand(create, restore, del)
	return c
}
