// Command portfwd is a content-aware TCP/UDP port forwarder: a listener
// on a local address relays traffic to one of several upstream targets,
// chosen by inspecting the first bytes of each flow.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"portfwd/internal/conf"
	"portfwd/internal/flog"
	"portfwd/internal/sizeutil"
	"portfwd/internal/supervisor"
)

var (
	flagNoTCP    bool
	flagNoUDP    bool
	flagBufsize  string
	flagAllow    string
	flagMaxConns int64
	flagConfig   string
	flagExample  bool
)

func main() {
	root := &cobra.Command{
		Use:          "portfwd [bind-address] [forward-address]",
		Short:        "content-aware TCP/UDP port forwarder",
		Args:         cobra.MaximumNArgs(2),
		SilenceUsage: true,
		RunE:         run,
	}
	flags := root.Flags()
	flags.BoolVarP(&flagNoTCP, "no-tcp", "t", false, "disable tcp forwarding")
	flags.BoolVarP(&flagNoUDP, "no-udp", "u", false, "disable udp forwarding")
	flags.StringVarP(&flagBufsize, "bufsize", "s", "2MB", "per-connection buffer size, eg. 2MB")
	flags.StringVarP(&flagAllow, "whitelist", "w", "", "comma-separated CIDR allow-list, eg. 127.0.0.1/24,10.0.0.0/8")
	flags.Int64VarP(&flagMaxConns, "max-connections", "m", -1, "max concurrent connections, -1 for unlimited")
	flags.StringVarP(&flagConfig, "config", "c", "", "load forwarders from a yaml config file")
	flags.BoolVarP(&flagExample, "example", "e", false, "print an example config file and exit")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	flog.SetLevel(int(flog.Info))

	if flagExample {
		fmt.Print(exampleConfig)
		return nil
	}

	forwarders, err := resolveForwarders(args)
	if err != nil {
		return err
	}

	var closers []supervisor.CloseFunc
	for _, fc := range forwarders {
		closeFn, err := supervisor.BuildAndStart(fc)
		if err != nil {
			return fmt.Errorf("start forwarder on %s: %w", fc.Local, err)
		}
		closers = append(closers, closeFn)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	flog.Infof("signal received, shutting down")
	for _, c := range closers {
		c()
	}
	return nil
}

// resolveForwarders builds the set of forwarders to run, either from
// -c's config file or from the positional bind/forward-address form.
// -c takes priority when both are present.
func resolveForwarders(args []string) ([]conf.ForwardSessionConfig, error) {
	if flagConfig != "" {
		c, err := conf.LoadFromFile(flagConfig)
		if err != nil {
			return nil, err
		}
		return c.Forwarders, nil
	}

	if len(args) != 2 {
		return nil, fmt.Errorf("bind-address and forward-address are required positional arguments (or use -c)")
	}
	if _, ok := sizeutil.Parse(flagBufsize); !ok {
		return nil, fmt.Errorf("invalid buffer size %q", flagBufsize)
	}

	var allow []string
	if flagAllow != "" {
		allow = strings.Split(flagAllow, ",")
	}
	enableTCP := !flagNoTCP
	enableUDP := !flagNoUDP
	maxConns := flagMaxConns

	fc := conf.ForwardSessionConfig{
		Local:          args[0],
		Remote:         args[1],
		EnableTCP:      &enableTCP,
		EnableUDP:      &enableUDP,
		ConnBufsize:    flagBufsize,
		MaxConnections: &maxConns,
		AllowNets:      allow,
	}
	fc.SetDefaults()
	if errs := fc.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %v", errs[0])
	}
	return []conf.ForwardSessionConfig{fc}, nil
}
