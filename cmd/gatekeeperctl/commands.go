// ABOUTME: Cobra command tree for gatekeeperctl
// ABOUTME: Each command maps onto one gatekeeper HTTP API route

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gatekeeperctl",
		Short:         "Operate a running coven-gatekeeper",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	server := os.Getenv("GATEKEEPER_URL")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringP("server", "s", server, "gatekeeper HTTP address (env GATEKEEPER_URL)")

	root.AddCommand(
		newAgentsCmd(),
		newGateCmd(),
		newIssueCmd(),
		newQuestionsCmd(),
		newAnswerCmd(),
		newFlushCmd(),
		newWatchCmd(),
	)
	return root
}

func clientFor(cmd *cobra.Command) *apiClient {
	server, _ := cmd.Flags().GetString("server")
	return newAPIClient(server, cmd.OutOrStdout())
}

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agent sessions and their gate status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFor(cmd).call(cmd.Context(), "GET", "/api/agents", nil)
		},
	}
}

func newGateCmd() *cobra.Command {
	gate := &cobra.Command{
		Use:   "gate",
		Short: "Inspect and control execution gates",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Show every gate and the global halt flag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFor(cmd).call(cmd.Context(), "GET", "/api/gate", nil)
		},
	}

	check := &cobra.Command{
		Use:   "check <agent-id>",
		Short: "Check whether an agent may proceed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFor(cmd).call(cmd.Context(), "GET", "/api/gate/"+url.PathEscape(args[0]), nil)
		},
	}

	halt := &cobra.Command{
		Use:   "halt [agent-id]",
		Short: "Halt one agent, or every agent with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			reason, _ := cmd.Flags().GetString("reason")
			detail, _ := cmd.Flags().GetString("detail")
			body := map[string]string{"reason": reason, "detail": detail}
			path, err := gatePath(args, all, "halt")
			if err != nil {
				return err
			}
			return clientFor(cmd).call(cmd.Context(), "POST", path, body)
		},
	}
	halt.Flags().Bool("all", false, "halt every agent")
	halt.Flags().StringP("reason", "r", "", "halt reason")
	halt.Flags().String("detail", "", "halt detail")

	resume := &cobra.Command{
		Use:   "resume [agent-id]",
		Short: "Resume one agent, or lift the global halt with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			by, _ := cmd.Flags().GetString("by")
			path, err := gatePath(args, all, "resume")
			if err != nil {
				return err
			}
			return clientFor(cmd).call(cmd.Context(), "POST", path, map[string]string{"by": by})
		},
	}
	resume.Flags().Bool("all", false, "lift the global halt")
	resume.Flags().String("by", currentUser(), "operator name recorded on the resume")

	clearErr := &cobra.Command{
		Use:   "clear-error <agent-id>",
		Short: "Clear an agent's error state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFor(cmd).call(cmd.Context(), "POST", "/api/gate/"+url.PathEscape(args[0])+"/clear-error", nil)
		},
	}

	gate.AddCommand(list, check, halt, resume, clearErr)
	return gate
}

func gatePath(args []string, all bool, action string) (string, error) {
	switch {
	case all && len(args) > 0:
		return "", fmt.Errorf("--all takes no agent id")
	case all:
		return "/api/gate/" + action, nil
	case len(args) == 0:
		return "", fmt.Errorf("agent id required (or --all)")
	default:
		return "/api/gate/" + url.PathEscape(args[0]) + "/" + action, nil
	}
}

func newIssueCmd() *cobra.Command {
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Submit, inspect and resolve detected issues",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List unresolved issues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFor(cmd).call(cmd.Context(), "GET", "/api/issues", nil)
		},
	}

	get := &cobra.Command{
		Use:   "get <issue-id>",
		Short: "Show an issue's escalation state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFor(cmd).call(cmd.Context(), "GET", "/api/issues/"+url.PathEscape(args[0]), nil)
		},
	}

	submit := &cobra.Command{
		Use:   "submit",
		Short: "Report a detected issue to the escalator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			for _, name := range []string{"id", "type", "severity", "description", "agent_id", "agent_type"} {
				if v, _ := cmd.Flags().GetString(strings.ReplaceAll(name, "_", "-")); v != "" {
					body[name] = v
				}
			}
			if evidence, _ := cmd.Flags().GetString("evidence"); evidence != "" {
				var ev map[string]any
				if err := json.Unmarshal([]byte(evidence), &ev); err != nil {
					return fmt.Errorf("--evidence must be a JSON object: %w", err)
				}
				body["evidence"] = ev
			}
			return clientFor(cmd).call(cmd.Context(), "POST", "/api/issues", body)
		},
	}
	submit.Flags().String("id", "", "issue id (generated when empty)")
	submit.Flags().StringP("type", "t", "", "issue type, e.g. error, stuck, loop")
	submit.Flags().String("severity", "medium", "low, medium, high or critical")
	submit.Flags().StringP("description", "d", "", "description")
	submit.Flags().StringP("agent-id", "a", "", "affected agent")
	submit.Flags().String("agent-type", "", "affected agent type")
	submit.Flags().String("evidence", "", "evidence as a JSON object")
	_ = submit.MarkFlagRequired("type")

	resolve := &cobra.Command{
		Use:   "resolve <issue-id>",
		Short: "Resolve an issue and stop its escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			by, _ := cmd.Flags().GetString("by")
			return clientFor(cmd).call(cmd.Context(), "POST", "/api/issues/"+url.PathEscape(args[0])+"/resolve", map[string]string{"by": by})
		},
	}
	resolve.Flags().String("by", currentUser(), "operator name recorded on the resolution")

	issue.AddCommand(list, get, submit, resolve)
	return issue
}

func newQuestionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "questions",
		Short: "List pending questions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/questions"
			if agent, _ := cmd.Flags().GetString("agent-id"); agent != "" {
				path += "?agent_id=" + url.QueryEscape(agent)
			}
			return clientFor(cmd).call(cmd.Context(), "GET", path, nil)
		},
	}
	cmd.Flags().StringP("agent-id", "a", "", "only questions for this agent")
	return cmd
}

func newAnswerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "answer <question-id> <option>",
		Short: "Answer a pending question with one of its options",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			body := map[string]string{"action": args[1], "user": user}
			return clientFor(cmd).call(cmd.Context(), "POST", "/api/questions/"+url.PathEscape(args[0])+"/answer", body)
		},
	}
	cmd.Flags().StringP("user", "u", currentUser(), "operator name recorded on the answer")
	return cmd
}

func newFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Deliver notifications held for quiet hours that are now due",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFor(cmd).call(cmd.Context(), "POST", "/api/notifications/flush", nil)
		},
	}
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream gatekeeper events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			types, _ := cmd.Flags().GetStringSlice("type")
			return watch(cmd.Context(), server, types, cmd)
		},
	}
	cmd.Flags().StringSlice("type", nil, "event types to include (default all)")
	return cmd
}

func watch(ctx context.Context, server string, types []string, cmd *cobra.Command) error {
	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(server, "/"), "http") + "/api/events"
	if len(types) > 0 {
		wsURL += "?type=" + url.QueryEscape(strings.Join(types, ","))
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	out := cmd.OutOrStdout()
	for {
		var evt map[string]any
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading event: %w", err)
		}
		line, _ := json.Marshal(evt)
		fmt.Fprintln(out, string(line))
	}
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}
