package cmd

import (
	"errors"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	es "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/factory"
	"go.uber.org/multierr"
)

type replayFlags struct {
	stream      string
	eventType   string
	correlation string
	from, to    uint64
	limit       int
	offset      int
	decode      bool
}

func newReplayCommand(flags *globalFlags) *cobra.Command {
	rf := &replayFlags{}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Print stored events as JSON lines",
		Long: `Reads events from the configured store. Exactly one of --stream, --type
or --correlation-id selects the events.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			store, err := factory.NewStore(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("replay: no event store configured")
			}
			defer func() { err = multierr.Append(err, store.Close()) }()

			var stored []es.StoredEvent
			switch {
			case rf.stream != "":
				stored, err = store.GetEvents(ctx, rf.stream, rf.from, rf.to)
			case rf.eventType != "":
				stored, err = store.GetEventsByType(ctx, rf.eventType, rf.limit, rf.offset)
			default:
				stored, err = store.GetEventsByCorrelationID(ctx, rf.correlation)
			}
			if err != nil {
				return err
			}

			ser := serializer()
			enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(cmd.OutOrStdout())
			for _, se := range stored {
				if !rf.decode {
					if err := enc.Encode(se); err != nil {
						return err
					}
					continue
				}
				ev, err := ser.DecodeStored(se)
				if err != nil {
					return err
				}
				payload, err := ser.Serialize(ev)
				if err != nil {
					return err
				}
				if err := enc.Encode(jsoniter.RawMessage(payload)); err != nil {
					return err
				}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&rf.stream, "stream", "", "stream id")
	f.StringVar(&rf.eventType, "type", "", "event type")
	f.StringVar(&rf.correlation, "correlation-id", "", "correlation id")
	f.Uint64Var(&rf.from, "from", 0, "first stream version (with --stream)")
	f.Uint64Var(&rf.to, "to", 0, "last stream version (with --stream)")
	f.IntVar(&rf.limit, "limit", 100, "page size (with --type)")
	f.IntVar(&rf.offset, "offset", 0, "page offset (with --type)")
	f.BoolVar(&rf.decode, "decode", false, "print the decoded envelope instead of the stored record")
	cmd.MarkFlagsMutuallyExclusive("stream", "type", "correlation-id")
	cmd.MarkFlagsOneRequired("stream", "type", "correlation-id")
	return cmd
}
