package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/stork-queue/internal/server"
	"github.com/ChuLiYu/stork-queue/pkg/ad"
)

const callTimeout = 30 * time.Second

// clientOptions persistent flags shared by every command
type clientOptions struct {
	configFile string
	addr       string
	email      string
	password   string
	passHash   string
	output     string
}

// login adds the account fields to a.
func (o *clientOptions) login(a ad.Ad) {
	email := firstNonEmpty(o.email, os.Getenv("STORK_EMAIL"))
	if email != "" {
		a["email"] = email
	}
	if pw := firstNonEmpty(o.password, os.Getenv("STORK_PASSWORD")); pw != "" {
		a["password"] = pw
	} else if o.passHash != "" {
		a["pass_hash"] = o.passHash
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// call sends one command and prints the response.
func (o *clientOptions) call(cmd *cobra.Command, command string, a ad.Ad) error {
	if a == nil {
		a = ad.New()
	}
	a["command"] = command
	o.login(a)

	client, err := server.Dial(o.addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()
	res, err := client.Call(ctx, a)
	if err != nil {
		return err
	}
	return printAd(cmd.OutOrStdout(), o.output, res)
}

func printAd(w io.Writer, format string, a ad.Ad) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(a)
	case "yaml", "":
		out, err := yaml.Marshal(map[string]any(a))
		if err != nil {
			return fmt.Errorf("render response: %w", err)
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// ============================================================================
// Commands
// ============================================================================

func buildClientCommands(o *clientOptions) []*cobra.Command {
	return []*cobra.Command{
		buildSubmitCommand(o),
		buildQueryCommand(o, "q", "Query jobs"),
		buildQueryCommand(o, "status", "Show job status"),
		buildRemoveCommand(o),
		buildResumeCommand(o),
		buildListCommand(o),
		buildDeleteCommand(o),
		buildInfoCommand(o),
		buildUserCommand(o),
		buildCredCommand(o),
	}
}

// jobSpec one job in a submit file
type jobSpec struct {
	Src         string            `yaml:"src"`
	Dest        string            `yaml:"dest"`
	Cred        string            `yaml:"cred,omitempty"`
	MaxAttempts int               `yaml:"max_attempts,omitempty"`
	Options     map[string]string `yaml:"options,omitempty"`
}

func (j jobSpec) ad() ad.Ad {
	a := ad.Of("src", j.Src, "dest", j.Dest)
	if j.Cred != "" {
		a["cred"] = j.Cred
	}
	if j.MaxAttempts > 0 {
		a["max_attempts"] = j.MaxAttempts
	}
	if len(j.Options) > 0 {
		opts := ad.New()
		for k, v := range j.Options {
			opts[k] = v
		}
		a["options"] = opts
	}
	return a
}

// readJobFile parses a YAML list of jobs.
func readJobFile(path string) ([]jobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var jobs []jobSpec
	if err := yaml.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	for i, j := range jobs {
		if j.Src == "" || j.Dest == "" {
			return nil, fmt.Errorf("job %d in %s: src and dest are required", i+1, path)
		}
	}
	return jobs, nil
}

// parseOptions turns k=v pairs into a map.
func parseOptions(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("option %q is not key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func buildSubmitCommand(o *clientOptions) *cobra.Command {
	var (
		file    string
		job     jobSpec
		options []string
	)
	cmd := &cobra.Command{
		Use:   "submit [SRC DEST]",
		Short: "Submit transfer jobs",
		Long:  "Submit one job from SRC to DEST, or every job listed in a YAML file (--file)",
		Args: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				jobs, err := readJobFile(file)
				if err != nil {
					return err
				}
				for _, j := range jobs {
					if err := o.call(cmd, "submit", j.ad()); err != nil {
						return fmt.Errorf("submit %s -> %s: %w", j.Src, j.Dest, err)
					}
				}
				return nil
			}

			opts, err := parseOptions(options)
			if err != nil {
				return err
			}
			job.Src, job.Dest, job.Options = args[0], args[1], opts
			return o.call(cmd, "submit", job.ad())
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with a list of jobs")
	cmd.Flags().StringVar(&job.Cred, "cred", "", "credential token")
	cmd.Flags().IntVar(&job.MaxAttempts, "max-attempts", 0, "attempts before the job fails (0 = server default)")
	cmd.Flags().StringArrayVar(&options, "option", nil, "module option key=value (repeatable)")
	return cmd
}

func buildQueryCommand(o *clientOptions, name, short string) *cobra.Command {
	var (
		status  string
		count   bool
		reverse bool
		limit   int
	)
	cmd := &cobra.Command{
		Use:   name + " [RANGE]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := ad.New()
			if len(args) == 1 {
				a["range"] = args[0]
			}
			if status != "" {
				a["status"] = status
			}
			if count {
				a["count"] = true
			}
			if reverse {
				a["reverse"] = true
			}
			if limit > 0 {
				a["limit"] = limit
			}
			return o.call(cmd, name, a)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "comma separated states, or all")
	cmd.Flags().BoolVar(&count, "count", false, "only print the number of matches")
	cmd.Flags().BoolVar(&reverse, "reverse", false, "newest first")
	cmd.Flags().IntVar(&limit, "limit", 0, "at most this many jobs")
	return cmd
}

func buildRemoveCommand(o *clientOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rm RANGE",
		Short: "Remove jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := ad.Of("range", args[0])
			if reason != "" {
				a["reason"] = reason
			}
			return o.call(cmd, "rm", a)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "recorded with the removal")
	return cmd
}

func buildResumeCommand(o *clientOptions) *cobra.Command {
	var cred string
	cmd := &cobra.Command{
		Use:   "resume RANGE",
		Short: "Resume paused jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := ad.Of("range", args[0])
			if cred != "" {
				a["cred"] = cred
			}
			return o.call(cmd, "resume", a)
		},
	}
	cmd.Flags().StringVar(&cred, "cred", "", "new credential token for the resumed jobs")
	return cmd
}

func buildListCommand(o *clientOptions) *cobra.Command {
	var (
		cred    string
		refresh bool
	)
	cmd := &cobra.Command{
		Use:   "ls URI",
		Short: "List a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := ad.Of("uri", args[0])
			if cred != "" {
				a["cred"] = cred
			}
			if refresh {
				a["force_refresh"] = true
			}
			return o.call(cmd, "ls", a)
		},
	}
	cmd.Flags().StringVar(&cred, "cred", "", "credential token")
	cmd.Flags().BoolVar(&refresh, "force-refresh", false, "do not share an in-flight listing")
	return cmd
}

func buildDeleteCommand(o *clientOptions) *cobra.Command {
	var (
		cred    string
		timeout int
	)
	cmd := &cobra.Command{
		Use:   "delete URI",
		Short: "Delete a resource and everything under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := ad.Of("uri", args[0])
			if cred != "" {
				a["cred"] = cred
			}
			if timeout > 0 {
				a["timeout"] = timeout
			}
			return o.call(cmd, "delete", a)
		},
	}
	cmd.Flags().StringVar(&cred, "cred", "", "credential token")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "seconds before the delete is abandoned")
	return cmd
}

func buildInfoCommand(o *clientOptions) *cobra.Command {
	var (
		typ    string
		module string
	)
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Describe transfer modules or the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := ad.Of("type", typ)
			if module != "" {
				a["module"] = module
			}
			return o.call(cmd, "info", a)
		},
	}
	cmd.Flags().StringVar(&typ, "type", "module", "module or server")
	cmd.Flags().StringVar(&module, "module", "", "a single module handle")
	return cmd
}

func buildUserCommand(o *clientOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:       "user register|login",
		Short:     "Register an account or check a login",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"register", "login"},
		RunE: func(cmd *cobra.Command, args []string) error {
			a := ad.New()
			switch args[0] {
			case "register":
				a["action"] = "register"
				if name != "" {
					a["name"] = name
				}
			case "login":
			default:
				return fmt.Errorf("unknown user action %q", args[0])
			}
			return o.call(cmd, "user", a)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name for a new account")
	return cmd
}

func buildCredCommand(o *clientOptions) *cobra.Command {
	var (
		typ      string
		username string
		secret   string
	)
	cmd := &cobra.Command{
		Use:   "cred add|list|rm [TOKEN]",
		Short: "Manage stored credentials",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := ad.Of("action", args[0])
			switch args[0] {
			case "add":
				a["type"] = typ
				a["username"] = username
				a["secret"] = secret
			case "list":
			case "rm":
				if len(args) != 2 {
					return fmt.Errorf("cred rm needs a token")
				}
				a["token"] = args[1]
			default:
				return fmt.Errorf("unknown cred action %q", args[0])
			}
			return o.call(cmd, "cred", a)
		},
	}
	cmd.Flags().StringVar(&typ, "type", "userinfo", "credential type")
	cmd.Flags().StringVar(&username, "username", "", "user name on the remote end")
	cmd.Flags().StringVar(&secret, "secret", "", "password or key on the remote end")
	return cmd
}
