package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/imroc/req/v3"
	"github.com/spf13/cobra"

	"github.com/arcsync/arcsync/internal/server/archive"
	"github.com/arcsync/arcsync/internal/server/handlers/api"
	"github.com/arcsync/arcsync/internal/version"
)

const endpointsPath = "/api/v1/endpoints"

// admin manages endpoints. *archive.Manager implements it for an archive
// opened in place, remoteAdmin for one served by a running server.
type admin interface {
	List(ctx context.Context) ([]archive.EndpointInfo, error)
	Create(ctx context.Context, name, policy string) (*archive.EndpointInfo, error)
	Info(ctx context.Context, name string) (*archive.EndpointInfo, error)
	Verify(ctx context.Context, name string) (*archive.VerifyReport, error)
	Release(ctx context.Context, name string) error
	Close() error
}

func addAdminFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("server", "s", "", "manage a running server at this URL instead of opening the archive")
	cmd.Flags().StringP("token", "t", "", "admin token for --server")
}

// openAdmin talks to --server when given. Otherwise it opens the configured
// archive, which fails while a server holds it.
func openAdmin(cmd *cobra.Command) (admin, error) {
	if url, _ := cmd.Flags().GetString("server"); url != "" {
		token, _ := cmd.Flags().GetString("token")
		return newRemoteAdmin(url, token), nil
	}

	cfg, err := loadConfig(configPath(cmd.Flags()), cmd.Flags())
	if err != nil {
		return nil, err
	}
	m, err := archive.Open(cmd.Context(), archive.Config{Root: cfg.Archive.Root, CacheSize: cfg.Archive.CacheSize})
	if errors.Is(err, archive.ErrArchiveLocked) {
		return nil, fmt.Errorf("%w (use --server to manage a running server)", err)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

type remoteAdmin struct {
	client *req.Client
}

func newRemoteAdmin(baseURL, token string) *remoteAdmin {
	client := req.C().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(time.Minute).
		SetUserAgent(version.UserAgent()).
		SetJsonMarshal(json.Marshal).
		SetJsonUnmarshal(json.Unmarshal)
	if token != "" {
		client.SetCommonBearerAuthToken(token)
	}
	return &remoteAdmin{client: client}
}

// do sends the request and decodes a success into out. Statuses listed in
// accept also decode into out.
func (a *remoteAdmin) do(ctx context.Context, method, path string, body, out any, accept ...int) error {
	r := a.client.R().SetContext(ctx)
	if body != nil {
		r.SetBody(body)
	}
	resp, err := r.Send(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsSuccessState() || slices.Contains(accept, resp.GetStatusCode()) {
		if out == nil {
			return nil
		}
		return resp.UnmarshalJson(out)
	}

	var apiErr api.APIError
	if err := resp.UnmarshalJson(&apiErr); err != nil || apiErr.Code == "" {
		return fmt.Errorf("%s %s: http %d", method, path, resp.GetStatusCode())
	}
	return &apiErr
}

func (a *remoteAdmin) List(ctx context.Context) ([]archive.EndpointInfo, error) {
	var out struct {
		Endpoints []archive.EndpointInfo `json:"endpoints"`
	}
	if err := a.do(ctx, http.MethodGet, endpointsPath, nil, &out); err != nil {
		return nil, err
	}
	return out.Endpoints, nil
}

func (a *remoteAdmin) Create(ctx context.Context, name, policy string) (*archive.EndpointInfo, error) {
	var info archive.EndpointInfo
	body := map[string]string{"name": name, "policy": policy}
	if err := a.do(ctx, http.MethodPost, endpointsPath, body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (a *remoteAdmin) Info(ctx context.Context, name string) (*archive.EndpointInfo, error) {
	var info archive.EndpointInfo
	if err := a.do(ctx, http.MethodGet, endpointsPath+"/"+name, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (a *remoteAdmin) Verify(ctx context.Context, name string) (*archive.VerifyReport, error) {
	var report archive.VerifyReport
	if err := a.do(ctx, http.MethodPost, endpointsPath+"/"+name+"/verify", nil, &report, http.StatusConflict); err != nil {
		return nil, err
	}
	return &report, nil
}

func (a *remoteAdmin) Release(ctx context.Context, name string) error {
	return a.do(ctx, http.MethodPost, endpointsPath+"/"+name+"/release", nil, nil)
}

func (a *remoteAdmin) Close() error {
	a.client.GetClient().CloseIdleConnections()
	return nil
}

// withAdmin runs fn against the admin selected by the command flags.
func withAdmin(cmd *cobra.Command, fn func(admin) error) error {
	a, err := openAdmin(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cmd.SilenceUsage = true
	return fn(a)
}

func printInfo(cmd *cobra.Command, info *archive.EndpointInfo) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Endpoint:  %s\n", cyan(info.Name))
	fmt.Fprintf(out, "Policy:    %s\n", info.Policy)
	fmt.Fprintf(out, "Version:   %d\n", info.Version)
	fmt.Fprintf(out, "Entries:   %d\n", info.Entries)
	if info.Halted {
		fmt.Fprintf(out, "Halted:    %s\n", red(info.HaltReason))
	}
}

func newCreateEndpointCmd() *cobra.Command {
	var policy string
	cmd := &cobra.Command{
		Use:   "create-endpoint <name>",
		Short: "Create an endpoint with a backup policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(a admin) error {
				info, err := a.Create(cmd.Context(), args[0], policy)
				if err != nil {
					return err
				}
				printInfo(cmd, info)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&policy, "policy", "p", "bijective", "bijective, injective or block-injective")
	addAdminFlags(cmd)
	return cmd
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(a admin) error {
				list, err := a.List(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(out, gray("no endpoints"))
					return nil
				}
				for _, info := range list {
					state := green("ok")
					if info.Halted {
						state = red("halted")
					}
					fmt.Fprintf(out, "%-24s %-16s v%-6d %6d entries  %s\n", info.Name, info.Policy, info.Version, info.Entries, state)
				}
				return nil
			})
		},
	}
	addAdminFlags(cmd)
	return cmd
}

var errVerifyFailed = errors.New("archive tree does not match its snapshot")

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <name>",
		Short: "Check an endpoint tree against its snapshot, halting it on mismatch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(a admin) error {
				report, err := a.Verify(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Endpoint:  %s (version %d)\n", cyan(report.Endpoint), report.Version)
				fmt.Fprintf(out, "Checked:   %d\n", report.Checked)
				if report.OK() {
					fmt.Fprintln(out, green("OK"))
					return nil
				}
				for _, p := range report.Missing {
					fmt.Fprintf(out, "  missing   %s\n", p)
				}
				for _, p := range report.Extra {
					fmt.Fprintf(out, "  extra     %s\n", p)
				}
				for _, p := range report.Modified {
					fmt.Fprintf(out, "  modified  %s\n", p)
				}
				return errVerifyFailed
			})
		},
	}
	addAdminFlags(cmd)
	return cmd
}

func newReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <name>",
		Short: "Resume syncing on a halted endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(a admin) error {
				if err := a.Release(cmd.Context(), args[0]); err != nil {
					return err
				}
				info, err := a.Info(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printInfo(cmd, info)
				return nil
			})
		},
	}
	addAdminFlags(cmd)
	return cmd
}
