package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/drblury/ipcproxy"
)

func newDescribeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "describe",
		Short: "Print the properties of a service descriptor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			desc, err := flags.descriptor()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "channel: %s\n", desc.Channel)
			for _, name := range desc.Names() {
				fmt.Fprintf(out, "  %-24s %s\n", name, desc.Properties[name])
			}
			return nil
		},
	}
}

func newGetCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <property>",
		Short: "Read a value property",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, closeClient, err := flags.proxy(cmd)
			if err != nil {
				return err
			}
			defer closeClient()

			prop, err := p.Value(args[0])
			if err != nil {
				return err
			}
			v, err := prop.Get(cmd.Context())
			if err != nil {
				return describeRemote(err)
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func newCallCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "call <property> [args...]",
		Short: "Invoke a function property",
		Long: `Invoke a function property. Each argument is parsed as JSON; anything
that is not valid JSON is sent as a string.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, closeClient, err := flags.proxy(cmd)
			if err != nil {
				return err
			}
			defer closeClient()

			fn, err := p.Function(args[0])
			if err != nil {
				return err
			}
			v, err := fn.Call(cmd.Context(), parseArgs(args[1:])...)
			if err != nil {
				return describeRemote(err)
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func newSubscribeCmd(flags *globalFlags) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "subscribe <property> [args...]",
		Short: "Print the values of a stream property until it ends",
		Long: `Subscribe to a value$ or function$ property and print every value on
its own line. Arguments are only accepted for function$ properties.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, closeClient, err := flags.proxy(cmd)
			if err != nil {
				return err
			}
			defer closeClient()

			s, err := openStream(p, args[0], args[1:])
			if err != nil {
				return err
			}
			return printStream(cmd, s, count)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after n values; 0 waits for the stream to end")
	return cmd
}

func openStream(p *ipcproxy.Proxy, name string, args []string) (ipcproxy.Stream[json.RawMessage], error) {
	desc := p.Descriptor()
	kind, ok := desc.Kind(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ipcproxy.ErrUnknownProperty, desc.Channel, name)
	}
	switch kind {
	case ipcproxy.StreamValueKind:
		if len(args) > 0 {
			return nil, fmt.Errorf("%s is a %s property and takes no arguments", name, kind)
		}
		return p.StreamValue(name)
	case ipcproxy.StreamFunctionKind:
		fn, err := p.StreamFunction(name)
		if err != nil {
			return nil, err
		}
		return fn.Call(parseArgs(args)...)
	default:
		return nil, fmt.Errorf("%w: %s is a %s property", ipcproxy.ErrPropertyKindMismatch, name, kind)
	}
}

func printStream(cmd *cobra.Command, s ipcproxy.Stream[json.RawMessage], count int) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	values, result := ipcproxy.ToChannel(ctx, s, 16)
	seen := 0
	for v := range values {
		if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(v)); err != nil {
			return err
		}
		seen++
		if count > 0 && seen == count {
			return nil
		}
	}
	err := result()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Interrupted.
		return nil
	}
	return describeRemote(err)
}

// parseArgs decodes each argument as JSON, falling back to the raw string.
func parseArgs(args []string) []any {
	out := make([]any, 0, len(args))
	for _, arg := range args {
		var v any
		if err := ipcproxy.Unmarshal([]byte(arg), &v); err != nil {
			out = append(out, arg)
			continue
		}
		out = append(out, v)
	}
	return out
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var v any
	if err := ipcproxy.Unmarshal(raw, &v); err != nil {
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	pretty, err := ipcproxy.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(pretty))
	return err
}

// describeRemote prefixes errors raised by the service with their kind.
func describeRemote(err error) error {
	if err == nil {
		return nil
	}
	var remote *ipcproxy.RemoteError
	if errors.As(err, &remote) {
		return fmt.Errorf("%s: %s", remote.Name, remote.Message)
	}
	return err
}
