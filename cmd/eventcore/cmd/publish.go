package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	es "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/domain/auth"
	"github.com/terraskye/eventcore/factory"
	"go.uber.org/multierr"
)

type publishFlags struct {
	user          string
	device        string
	email         string
	reason        string
	forced        bool
	correlationID string
	priority      string
}

func newPublishCommand(flags *globalFlags) *cobra.Command {
	pf := &publishFlags{}

	cmd := &cobra.Command{
		Use:   "publish <login|logout|login-failed|password-changed>",
		Short: "Publish a single auth event",
		Args:  cobra.ExactArgs(1),
		ValidArgs: []string{
			"login", "logout", "login-failed", "password-changed",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := pf.event(args[0])
			if err != nil {
				return err
			}
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			stack, err := factory.New(ctx, cfg, factory.WithLogger(logger), factory.WithSerializer(serializer()))
			if err != nil {
				return err
			}
			err = stack.Bus.Start(ctx)
			if err == nil {
				err = stack.Bus.Publish(ctx, ev)
			}
			if cerr := stack.Close(context.Background()); cerr != nil {
				err = multierr.Append(err, cerr)
			}
			if err != nil {
				return err
			}

			md := es.MetadataOf(ev)
			fmt.Fprintf(cmd.OutOrStdout(), "published %s %s on %s\n", ev.EventType(), md.EventID, es.TopicOf(ev))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&pf.user, "user", "", "user id")
	f.StringVar(&pf.device, "device", "", "device id")
	f.StringVar(&pf.email, "email", "", "attempted email (login-failed)")
	f.StringVar(&pf.reason, "reason", "", "failure reason (login-failed)")
	f.BoolVar(&pf.forced, "forced", false, "password change was forced")
	f.StringVar(&pf.correlationID, "correlation-id", "", "correlation id of the causal chain")
	f.StringVar(&pf.priority, "priority", "", "override the event priority (low, normal, high, critical)")
	return cmd
}

func (pf *publishFlags) event(kind string) (es.Event, error) {
	var opts []es.EventOption
	if pf.correlationID != "" {
		opts = append(opts, es.WithCorrelationID(pf.correlationID))
	}
	if pf.priority != "" {
		p, err := es.ParsePriority(pf.priority)
		if err != nil {
			return nil, err
		}
		opts = append(opts, es.WithPriority(p))
	}

	switch kind {
	case "login":
		if pf.user == "" {
			return nil, fmt.Errorf("%s: --user is required", kind)
		}
		return auth.NewUserLoggedIn(pf.user, pf.device, opts...), nil
	case "logout":
		if pf.user == "" {
			return nil, fmt.Errorf("%s: --user is required", kind)
		}
		return auth.NewUserLoggedOut(pf.user, pf.device, opts...), nil
	case "login-failed":
		if pf.email == "" {
			return nil, fmt.Errorf("%s: --email is required", kind)
		}
		if pf.user != "" {
			opts = append(opts, es.WithUserID(pf.user))
		}
		return auth.NewLoginFailed(pf.email, pf.reason, opts...), nil
	case "password-changed":
		if pf.user == "" {
			return nil, fmt.Errorf("%s: --user is required", kind)
		}
		return auth.NewPasswordChanged(pf.user, pf.forced, opts...), nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}
