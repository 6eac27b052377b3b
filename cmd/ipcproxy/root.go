package main

import (
	"errors"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/drblury/ipcproxy"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	Descriptor   string
	PubSubSystem string
	NATSURL      string
	KafkaBrokers []string
	RabbitMQURL  string
	FilePath     string
	WireFormat   string
	Timeout      time.Duration
	Verbose      bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "ipcproxy",
		Short: "Talk to ipcproxy services from the command line",
		Long: `ipcproxy reads a service descriptor and calls into the service over the
configured message bus.

  ipcproxy describe -d pref.yaml
  ipcproxy get -d pref.yaml theme
  ipcproxy call -d pref.yaml setTheme '"dark"'
  ipcproxy subscribe -d pref.yaml theme$ --count 3`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.Descriptor, "descriptor", "d", "", "service descriptor file (YAML or JSON)")
	pf.StringVar(&flags.PubSubSystem, "transport", "channel", "message bus: channel|file|nats|kafka|rabbitmq")
	pf.StringVar(&flags.FilePath, "file", "", "frame log shared by the file transport")
	pf.StringVar(&flags.NATSURL, "nats-url", "", "NATS server URL")
	pf.StringSliceVar(&flags.KafkaBrokers, "kafka-brokers", nil, "Kafka broker addresses")
	pf.StringVar(&flags.RabbitMQURL, "rabbitmq-url", "", "RabbitMQ AMQP URL")
	pf.StringVar(&flags.WireFormat, "wire", "json", "frame codec: json|proto")
	pf.DurationVar(&flags.Timeout, "timeout", 10*time.Second, "timeout for get and call")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "log transport activity to stderr")

	root.AddCommand(
		newDescribeCmd(flags),
		newGetCmd(flags),
		newCallCmd(flags),
		newSubscribeCmd(flags),
	)
	return root
}

func (f *globalFlags) config() *ipcproxy.Config {
	return &ipcproxy.Config{
		PubSubSystem: f.PubSubSystem,
		NATSURL:      f.NATSURL,
		KafkaBrokers: f.KafkaBrokers,
		RabbitMQURL:  f.RabbitMQURL,
		FilePath:     f.FilePath,
		WireFormat:   f.WireFormat,
		CallTimeout:  f.Timeout,
	}
}

func (f *globalFlags) logger(stderr io.Writer) ipcproxy.ServiceLogger {
	if !f.Verbose {
		return ipcproxy.NewZapServiceLogger(zap.NewNop())
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.Lock(zapcore.AddSync(stderr)),
		zap.DebugLevel,
	)
	return ipcproxy.NewZapServiceLogger(zap.New(core))
}

func (f *globalFlags) descriptor() (ipcproxy.Descriptor, error) {
	if f.Descriptor == "" {
		return ipcproxy.Descriptor{}, errors.New("--descriptor is required")
	}
	return ipcproxy.LoadDescriptor(f.Descriptor)
}

// proxy loads the descriptor and connects a proxy for it. The returned func
// closes the client.
func (f *globalFlags) proxy(cmd *cobra.Command) (*ipcproxy.Proxy, func(), error) {
	desc, err := f.descriptor()
	if err != nil {
		return nil, nil, err
	}
	log := f.logger(cmd.ErrOrStderr())

	client, err := ipcproxy.NewClient(cmd.Context(), f.config(), log, ipcproxy.ClientDependencies{})
	if err != nil {
		return nil, nil, err
	}
	p, err := client.Proxy(desc)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return p, func() {
		if err := client.Close(); err != nil {
			log.Error("Failed to close client", err, nil)
		}
	}, nil
}
