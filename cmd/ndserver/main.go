// Command ndserver runs the net-distribution relay: a single-threaded,
// non-blocking TCP server that fans SET updates out to the other
// connections bound to the same scene.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/arpoise/ndserver/internal/ndserver"
)

var opt struct {
	Port    int
	RootDir string
	Trace   bool
	Debug   bool
	Help    bool
}

func init() {
	pflag.IntVarP(&opt.Port, "port", "p", 0, "Port to listen on (required)")
	pflag.StringVar(&opt.RootDir, "ROOTDIR", "", "Directory containing log/ and status/ (required)")
	pflag.BoolVar(&opt.Trace, "TRACE", false, "Enable verbose trace logging")
	pflag.BoolVarP(&opt.Debug, "debug", "D", false, "Log to stdout, pretty-printed")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	// pflag treats a single dash as a run of one-letter shorthands, so
	// the single-dash long forms are rewritten to their "--" spelling.
	for i, a := range os.Args[1:] {
		switch name, _, _ := strings.Cut(a, "="); name {
		case "-ROOTDIR", "-TRACE", "-debug":
			os.Args[i+1] = "-" + a
		}
	}
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(0)
		}
		os.Exit(101)
	}

	if opt.Port == 0 {
		fmt.Fprintln(os.Stderr, "error: -p/--port is required")
		os.Exit(102)
	}
	if opt.RootDir == "" {
		fmt.Fprintln(os.Stderr, "error: -ROOTDIR is required")
		os.Exit(101)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		x, err := readEnv(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(101)
		}
		e = x
		if v, ok := os.LookupEnv("NOTIFY_SOCKET"); ok {
			e = append(e, "NOTIFY_SOCKET="+v)
		}
	}

	var c ndserver.Config
	if err := c.UnmarshalEnv(e, false); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(101)
	}
	c.LogFile = filepath.Join(opt.RootDir, "log", "ndserver.log")
	if opt.Debug {
		c.LogStdout = true
		c.LogStdoutPretty = true
	}
	if opt.Trace {
		c.LogLevel = zerolog.TraceLevel
		c.LogStdoutLevel = zerolog.TraceLevel
	}

	status, err := ndserver.AcquireStatusFile(filepath.Join(opt.RootDir, "status"), "ndserver")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: acquire status file: %v\n", err)
		os.Exit(101)
	}
	defer status.Release()

	s, err := ndserver.NewServer(&c, opt.Port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize server: %v\n", err)
		os.Exit(103)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	signal.Ignore(syscall.SIGPIPE)

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for range hupCh {
			s.HandleSIGHUP()
		}
	}()

	usr2Ch := make(chan os.Signal, 1)
	signal.Notify(usr2Ch, syscall.SIGUSR2)
	go func() {
		for range usr2Ch {
			s.HandleSIGUSR2()
		}
	}()

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: run server: %v\n", err)
		if errors.Is(err, ndserver.ErrBindFailed) {
			os.Exit(104)
		}
		os.Exit(101)
	}
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	r := make([]string, 0, len(m))
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}

