package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/eldtechnologies/switchboard/internal/api/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "switchctl",
		Short:         "Switchboard admin CLI",
		Long:          "switchctl signs and sends requests to the switchboard admin API.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().String("url", envOr("SWITCHBOARD_URL", "http://127.0.0.1:8080"), "Server base URL")
	rootCmd.PersistentFlags().String("key", os.Getenv("SWITCHBOARD_ADMIN_KEY"), "Base64 Ed25519 admin private key")

	rootCmd.AddCommand(
		newSignCommand(),
		newWorkspaceCommand(),
		newKeysCommand(),
		newMembersCommand(),
		newAuditCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func clientFrom(cmd *cobra.Command) (*adminClient, error) {
	base, _ := cmd.Flags().GetString("url")
	key, _ := cmd.Flags().GetString("key")
	s, err := newSigner(key)
	if err != nil {
		return nil, err
	}
	return &adminClient{baseURL: base, signer: s, http: &http.Client{Timeout: 30 * time.Second}}, nil
}

func workspacePath(id string, rest ...string) string {
	p := "/admin/workspaces/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// newSignCommand prints auth headers for a body, for use with curl.
func newSignCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print admin auth headers for a request body (stdin unless --body)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, _ := cmd.Flags().GetString("key")
			file, _ := cmd.Flags().GetString("body")
			if file == "" {
				file = "-"
			}
			s, err := newSigner(key)
			if err != nil {
				return err
			}
			body, err := readBody(file)
			if err != nil {
				return fmt.Errorf("failed to read body: %w", err)
			}
			h, err := s.headers(body)
			if err != nil {
				return err
			}
			for _, name := range []string{middleware.HeaderKey, middleware.HeaderNonce, middleware.HeaderTimestamp, middleware.HeaderSignature} {
				fmt.Printf("%s: %s\n", name, h.Get(name))
			}
			return nil
		},
	}
	cmd.Flags().String("body", "", "File containing the request body")
	return cmd
}

func newWorkspaceCommand() *cobra.Command {
	wsCmd := &cobra.Command{Use: "workspace", Short: "Workspace queue operations"}

	create := &cobra.Command{
		Use:   "create <id>",
		Short: "Activate a workspace queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendTenant(cmd, http.MethodPost, args[0])
		},
	}
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace a workspace's tenant configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendTenant(cmd, http.MethodPut, args[0])
		},
	}
	for _, c := range []*cobra.Command{create, update} {
		c.Flags().String("file", "", "Tenant configuration JSON (- for stdin)")
		c.Flags().Int("max-queue", 0, "Maximum queued messages")
		c.Flags().Int("max-connections", 0, "Maximum live connections")
		c.Flags().Int("rate-limit", 0, "Messages per minute per user")
		c.Flags().String("method", "", "Encryption method")
	}

	destroy := &cobra.Command{
		Use:   "destroy <id>",
		Short: "Deactivate a workspace, flushing queued messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			return c.do(http.MethodDelete, workspacePath(args[0]), nil)
		},
	}
	stats := &cobra.Command{
		Use:   "stats <id>",
		Short: "Show queue, connection and presence stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			return c.do(http.MethodGet, workspacePath(args[0]), nil)
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List active workspaces",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			return c.do(http.MethodGet, "/admin/workspaces", nil)
		},
	}

	wsCmd.AddCommand(create, update, destroy, stats, list)
	return wsCmd
}

// sendTenant builds a tenant body from --file or the individual flags.
func sendTenant(cmd *cobra.Command, method, id string) error {
	c, err := clientFrom(cmd)
	if err != nil {
		return err
	}
	file, _ := cmd.Flags().GetString("file")
	body, err := readBody(file)
	if err != nil {
		return err
	}
	if body == nil {
		cfg := map[string]any{}
		if v, _ := cmd.Flags().GetInt("max-queue"); v > 0 {
			cfg["max_queue_size"] = v
		}
		if v, _ := cmd.Flags().GetInt("max-connections"); v > 0 {
			cfg["max_connections"] = v
		}
		if v, _ := cmd.Flags().GetInt("rate-limit"); v > 0 {
			cfg["rate_limit_per_minute"] = v
		}
		if v, _ := cmd.Flags().GetString("method"); v != "" {
			cfg["encryption_method"] = v
		}
		if len(cfg) > 0 {
			if body, err = json.Marshal(cfg); err != nil {
				return err
			}
		}
	}
	return c.do(method, workspacePath(id), body)
}

func newKeysCommand() *cobra.Command {
	keysCmd := &cobra.Command{Use: "keys", Short: "Workspace encryption keys"}

	rotate := &cobra.Command{
		Use:   "rotate <workspace>",
		Short: "Introduce a new key version; older versions stay decryptable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			method, _ := cmd.Flags().GetString("method")
			body, _ := json.Marshal(map[string]string{"method": method})
			return c.do(http.MethodPost, workspacePath(args[0], "keys", "rotate"), body)
		},
	}
	rotate.Flags().String("method", "", "Encryption method (default: the workspace's)")

	list := &cobra.Command{
		Use:   "list <workspace>",
		Short: "List key versions without material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			return c.do(http.MethodGet, workspacePath(args[0], "keys"), nil)
		},
	}

	keysCmd.AddCommand(rotate, list)
	return keysCmd
}

func newMembersCommand() *cobra.Command {
	membersCmd := &cobra.Command{Use: "members", Short: "Workspace membership"}

	add := &cobra.Command{
		Use:   "add <workspace> <user>",
		Short: "Grant a user access to a workspace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			admin, _ := cmd.Flags().GetBool("admin")
			body, _ := json.Marshal(map[string]bool{"admin": admin})
			return c.do(http.MethodPut, workspacePath(args[0], "members", url.PathEscape(args[1])), body)
		},
	}
	add.Flags().Bool("admin", false, "Grant admin permission")

	remove := &cobra.Command{
		Use:   "remove <workspace> <user>",
		Short: "Revoke a user's access",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			return c.do(http.MethodDelete, workspacePath(args[0], "members", url.PathEscape(args[1])), nil)
		},
	}

	membersCmd.AddCommand(add, remove)
	return membersCmd
}

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit <workspace>",
		Short: "Show recent redacted audit entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			return c.do(http.MethodGet, fmt.Sprintf("%s?limit=%d", workspacePath(args[0], "audit"), limit), nil)
		},
	}
	cmd.Flags().Int("limit", 50, "Maximum entries")
	return cmd
}
