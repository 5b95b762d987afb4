package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	cli "github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/stagewise/internal/observability"
	"github.com/petrijr/stagewise/pkg/api"
	"github.com/petrijr/stagewise/pkg/worker"
)

// withApp wraps a command action with setup and teardown of the app.
func withApp(action func(ctx context.Context, command *cli.Command, a *app) error) cli.ActionFunc {
	return func(ctx context.Context, command *cli.Command) error {
		a, err := setup(ctx, command)
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(ctx))
		return action(ctx, command, a)
	}
}

func requestFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "id",
			Usage: "Workflow ID (generated if not provided)",
		},
		&cli.StringSliceFlag{
			Name:    "param",
			Aliases: []string{"p"},
			Usage:   "Request parameter as key=value; values are parsed as YAML scalars",
		},
	}
}

func requestFrom(command *cli.Command) (api.WorkflowRequest, error) {
	req := api.WorkflowRequest{
		WorkflowID: command.String("id"),
		Query:      strings.Join(command.Args().Slice(), " "),
	}
	for _, kv := range command.StringSlice("param") {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return req, fmt.Errorf("invalid --param %q, expected key=value", kv)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		if req.Parameters == nil {
			req.Parameters = make(map[string]any)
		}
		req.Parameters[key] = value
	}
	return req, nil
}

func idArg(command *cli.Command) (string, error) {
	if command.Args().Len() != 1 {
		return "", errors.New("expected exactly one workflow id")
	}
	return command.Args().First(), nil
}

func printJSON(command *cli.Command, v any) error {
	enc := json.NewEncoder(command.Root().Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a workflow synchronously and print its result",
		ArgsUsage: "<query>",
		Flags: append(requestFlags(), &cli.BoolFlag{
			Name:  "follow",
			Usage: "Print workflow events to stderr while running",
		}),
		Action: withApp(func(ctx context.Context, command *cli.Command, a *app) error {
			req, err := requestFrom(command)
			if err != nil {
				return err
			}

			if command.Bool("follow") {
				followCtx, stop := context.WithCancel(ctx)
				defer stop()
				events, err := observability.Subscribe(followCtx, a.events)
				if err != nil {
					return err
				}
				go func() {
					for ev := range events {
						fmt.Fprintf(command.Root().ErrWriter, "%s %s %s %s\n",
							ev.At.Format("15:04:05.000"), ev.Type, ev.Stage, ev.Detail)
					}
				}()
			}

			res, err := a.engine.ExecuteWorkflow(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(command, res)
		}),
	}
}

func newSubmitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Create a workflow and enqueue it for the workers",
		ArgsUsage: "<query>",
		Flags:     requestFlags(),
		Action: withApp(func(ctx context.Context, command *cli.Command, a *app) error {
			req, err := requestFrom(command)
			if err != nil {
				return err
			}
			id, err := a.worker.Submit(ctx, req)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(command.Root().Writer, id)
			return err
		}),
	}
}

func newWorkCommand() *cli.Command {
	return &cli.Command{
		Name:  "work",
		Usage: "Process queued tasks until interrupted",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Number of tasks processed in parallel; overrides the config file",
			},
			&cli.BoolFlag{
				Name:  "recover",
				Usage: "Resume stuck workflows before processing tasks",
				Value: true,
			},
			&cli.BoolFlag{
				Name:  "drain",
				Usage: "Exit once the queue is empty instead of waiting for new tasks",
			},
		},
		Action: withApp(func(ctx context.Context, command *cli.Command, a *app) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if command.Bool("recover") {
				n, err := a.engine.RecoverStuckWorkflows(ctx)
				if err != nil {
					a.logger.Error("recovery_failed", slog.String("error", err.Error()))
				}
				a.logger.Info("recovery_finished", slog.Int("recovered", n))
			}

			if command.Bool("drain") {
				for a.queue.Len() > 0 {
					if _, err := a.worker.ProcessOne(ctx); err != nil {
						if ctx.Err() != nil {
							return nil
						}
						a.logger.Error("task_failed", slog.String("error", err.Error()))
					}
				}
				return nil
			}

			if n := int(command.Int("concurrency")); n > 0 {
				a.worker = worker.NewWithConfig(a.engine, a.queue, worker.Config{
					Concurrency: n,
					Logger:      a.logger,
				})
			}
			a.logger.Info("worker_started")
			return a.worker.Run(ctx)
		}),
	}
}

func newStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Print the status of a workflow",
		ArgsUsage: "<workflow-id>",
		Action: withApp(func(ctx context.Context, command *cli.Command, a *app) error {
			id, err := idArg(command)
			if err != nil {
				return err
			}
			view, err := a.engine.GetWorkflowStatus(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(command, view)
		}),
	}
}

func newResultCommand() *cli.Command {
	return &cli.Command{
		Name:      "result",
		Usage:     "Print the result of a workflow",
		ArgsUsage: "<workflow-id>",
		Action: withApp(func(ctx context.Context, command *cli.Command, a *app) error {
			id, err := idArg(command)
			if err != nil {
				return err
			}
			res, err := a.engine.Result(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(command, res)
		}),
	}
}

func newCancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a workflow",
		ArgsUsage: "<workflow-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "async",
				Usage: "Enqueue the cancellation for the workers instead of applying it now",
			},
		},
		Action: withApp(func(ctx context.Context, command *cli.Command, a *app) error {
			id, err := idArg(command)
			if err != nil {
				return err
			}
			if command.Bool("async") {
				return a.worker.EnqueueCancel(ctx, id)
			}
			cancelled, err := a.engine.Cancel(ctx, id)
			if err != nil {
				return err
			}
			if !cancelled {
				_, err = fmt.Fprintf(command.Root().Writer, "%s is already terminal\n", id)
				return err
			}
			_, err = fmt.Fprintf(command.Root().Writer, "%s cancelled\n", id)
			return err
		}),
	}
}

func newHistoryCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Print the hand-off history of a workflow",
		ArgsUsage: "<workflow-id>",
		Action: withApp(func(ctx context.Context, command *cli.Command, a *app) error {
			id, err := idArg(command)
			if err != nil {
				return err
			}
			events, err := a.engine.History(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(command, events)
		}),
	}
}

func newListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List workflows",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "status",
				Usage: "Only list workflows in this status",
			},
		},
		Action: withApp(func(ctx context.Context, command *cli.Command, a *app) error {
			filter := api.WorkflowFilter{Status: api.Status(strings.ToUpper(command.String("status")))}
			states, err := a.engine.ListWorkflows(ctx, filter)
			if err != nil {
				return err
			}
			views := make([]*api.StatusView, 0, len(states))
			for _, st := range states {
				views = append(views, api.ViewOf(st))
			}
			return printJSON(command, views)
		}),
	}
}

func newRecoverCommand() *cli.Command {
	return &cli.Command{
		Name:  "recover",
		Usage: "Resume workflows left in flight by a crashed process",
		Action: withApp(func(ctx context.Context, command *cli.Command, a *app) error {
			n, err := a.engine.RecoverStuckWorkflows(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(command.Root().Writer, "recovered %d workflow(s)\n", n)
			return err
		}),
	}
}
