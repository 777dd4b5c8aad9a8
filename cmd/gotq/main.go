package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/melbahja/gotq"
	"github.com/melbahja/gotq/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

var (
	version string
	logger  = loggo.GetLogger("gotq.cmd")
)

const barWidth = 24

func main() {

	app := &cli.App{
		Name:    "gotq",
		Usage:   "queued, resumable content downloads.",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Settings file.",
				Value:   defaultConfigPath(),
				EnvVars: []string{"GOTQ_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "server",
				Usage: "Content server base URL.",
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "Bearer token sent to the content server.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Logging config, e.g. <root>=INFO;gotq.chunk=TRACE.",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve prometheus metrics on this address.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Download content jobs one after another.",
				ArgsUsage: "ID[@VERSION]...",
				Flags:     jobFlags(),
				Action: func(c *cli.Context) error {
					return runJobs(c, false)
				},
			},
			{
				Name:      "verify",
				Usage:     "Check installed content and repair what fails.",
				ArgsUsage: "ID[@VERSION]...",
				Flags:     jobFlags(),
				Action: func(c *cli.Context) error {
					return runJobs(c, true)
				},
			},
			{
				Name:      "fetch",
				Usage:     "Download a single URL.",
				ArgsUsage: "URL",
				Flags: append(jobFlags(), &cli.StringFlag{
					Name:    "out",
					Aliases: []string{"o"},
					Usage:   "Downloaded file destination.",
				}),
				Action: fetch,
			},
			{
				Name:  "config",
				Usage: "Save the given flags to the settings file.",
				Flags: append(jobFlags(), &cli.BoolFlag{
					Name:  "verify",
					Usage: "Validate every job once it is downloaded.",
					Value: true,
				}),
				Action: saveConfig,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "gotq:", err)
		os.Exit(1)
	}
}

func jobFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "dir",
			Aliases: []string{"d"},
			Usage:   "Install directory.",
		},
		&cli.IntFlag{
			Name:    "threads",
			Aliases: []string{"t"},
			Usage:   "Maximum chunks to download at the same time.",
		},
	}
}

func defaultConfigPath() string {

	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "gotq", "config.yaml")
	}

	return "gotq.yaml"
}

type session struct {
	store   *config.Store
	metrics *gotq.Collector
	emitter *gotq.Emitter
	orch    *gotq.Orchestrator
}

// setup loads settings in order: file, environment, flags.
func setup(c *cli.Context) (*session, error) {

	settings, err := config.Load(c.String("config"))

	if err != nil {
		return nil, errors.Trace(err)
	}

	if err := settings.ApplyEnv(os.LookupEnv); err != nil {
		return nil, errors.Trace(err)
	}

	settings.Merge(config.Settings{
		Server:             c.String("server"),
		Token:              c.String("token"),
		InstallDir:         c.String("dir"),
		MaxDownloadThreads: c.Int("threads"),
		LogLevel:           c.String("log-level"),
		MetricsAddr:        c.String("metrics-addr"),
	})

	if err := settings.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	if err := loggo.ConfigureLoggers(settings.LogLevel); err != nil {
		return nil, errors.Annotate(err, "configuring loggers")
	}

	s := &session{
		store:   config.NewStore(c.String("config"), settings),
		emitter: gotq.NewEmitter(256),
	}

	if settings.MetricsAddr != "" {

		s.metrics = gotq.NewMetricsCollector()

		reg := prometheus.NewRegistry()
		reg.MustRegister(s.metrics)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

		go func() {
			if err := http.ListenAndServe(settings.MetricsAddr, mux); err != nil {
				logger.Errorf("metrics server: %v", err)
			}
		}()
	}

	s.orch = gotq.NewOrchestrator(gotq.Config{Emitter: s.emitter})

	return s, nil
}

func saveConfig(c *cli.Context) error {

	settings, err := config.Load(c.String("config"))

	if err != nil {
		return errors.Trace(err)
	}

	store := config.NewStore(c.String("config"), settings)

	err = store.Update(func(s *config.Settings) {

		s.Merge(config.Settings{
			Server:             c.String("server"),
			Token:              c.String("token"),
			InstallDir:         c.String("dir"),
			MaxDownloadThreads: c.Int("threads"),
			LogLevel:           c.String("log-level"),
			MetricsAddr:        c.String("metrics-addr"),
		})

		if c.IsSet("verify") {
			s.VerifyAfterDownload = c.Bool("verify")
		}
	})

	if err != nil {
		return errors.Trace(err)
	}

	if err := store.Save(); err != nil {
		return errors.Trace(err)
	}

	fmt.Println("Saved", c.String("config"))

	return nil
}

func (s *session) retry() gotq.RetryPolicy {
	settings := s.store.Get()
	return gotq.RetryPolicy{
		Attempts: settings.Retry.Attempts,
		Delay:    settings.Retry.Delay,
	}
}

func parseJob(arg string) gotq.Metadata {
	id, v, _ := strings.Cut(arg, "@")
	return gotq.Metadata{ID: id, Version: v, Kind: gotq.Content}
}

func runJobs(c *cli.Context, repair bool) error {

	if c.NArg() == 0 {
		return cli.Exit("no job given.", 1)
	}

	s, err := setup(c)

	if err != nil {
		return err
	}

	settings := s.store.Get()

	if settings.Server == "" {
		return cli.Exit("no server configured, use --server or GOTQ_SERVER.", 1)
	}

	remote, err := gotq.NewRemote(settings.Server, gotq.BearerToken(settings.Token))

	if err != nil {
		return errors.Trace(err)
	}

	for _, arg := range c.Args().Slice() {

		meta := parseJob(arg)

		dir, err := gotq.SafeJoin(settings.InstallDir, meta.ID)

		if err != nil {
			return errors.Annotatef(err, "job %q", arg)
		}

		agent, err := gotq.NewContentAgent(gotq.ContentConfig{
			Metadata:            meta,
			Remote:              remote,
			Dir:                 dir,
			Settings:            s.store,
			Retry:               s.retry(),
			VerifyAfterDownload: settings.VerifyAfterDownload,
			StatsInterval:       settings.StatsInterval,
			Metrics:             s.metrics,
		})

		if err != nil {
			return errors.Trace(err)
		}

		if repair {
			s.orch.Validate(agent)
		} else {
			s.orch.Enqueue(agent)
		}
	}

	return s.wait(c.Context)
}

func fetch(c *cli.Context) error {

	url := c.Args().First()

	if url == "" {
		return cli.Exit("empty download url.", 1)
	}

	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}

	s, err := setup(c)

	if err != nil {
		return err
	}

	settings := s.store.Get()

	agent, err := gotq.NewURLAgent(gotq.URLConfig{
		URL:           url,
		Dir:           c.String("dir"),
		Dest:          c.String("out"),
		Settings:      s.store,
		Retry:         s.retry(),
		StatsInterval: settings.StatsInterval,
		Metrics:       s.metrics,
	})

	if err != nil {
		return errors.Trace(err)
	}

	s.orch.Enqueue(agent)

	return s.wait(c.Context)
}

// wait renders progress until the queue drains. An interrupt pauses the
// running job and saves its state.
func (s *session) wait(ctx context.Context) error {

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	var (
		tty      = term.IsTerminal(int(os.Stdout.Fd()))
		stats    gotq.StatsUpdate
		failures int
		ticker   = time.NewTicker(time.Second)
	)

	defer ticker.Stop()

	for {

		select {
		case <-sig:
			fmt.Println()
			fmt.Println("Interrupted, progress saved.")
			return s.orch.Finish()

		case ev := <-s.orch.Events():

			switch ev := ev.(type) {
			case gotq.StatsUpdate:
				stats = ev

			case gotq.ErrorEvent:
				clearLine(os.Stdout, tty)
				fmt.Fprintf(os.Stderr, "%s failed (%s): %s\n", ev.Metadata, ev.Kind, ev.Message)
				failures++

			case gotq.QueueUpdate:
				render(os.Stdout, tty, ev, stats)
			}

		case <-ticker.C:

			u, err := s.orch.Snapshot(ctx)

			if err != nil {
				return errors.Trace(err)
			}

			if len(u.Queue) > 0 {
				continue
			}

			clearLine(os.Stdout, tty)

			if err := s.orch.Finish(); err != nil {
				return errors.Trace(err)
			}

			if failures > 0 {
				return cli.Exit(fmt.Sprintf("%d jobs failed.", failures), 1)
			}

			fmt.Println("Done!")

			return nil
		}
	}
}

func clearLine(w io.Writer, tty bool) {
	if tty {
		fmt.Fprint(w, "\r\033[K")
	}
}

func render(w io.Writer, tty bool, u gotq.QueueUpdate, stats gotq.StatsUpdate) {

	if len(u.Queue) == 0 {
		return
	}

	front := u.Queue[0]

	line := fmt.Sprintf(
		"%s %s %s%s%s %3.0f%% (%s/%s) | %s/s | ETA: %s | %d queued",
		front.Metadata,
		front.Status,
		r, bar(front.Progress), l,
		front.Progress*100,
		humanize.IBytes(front.Current),
		humanize.IBytes(front.Max),
		humanize.IBytes(stats.Throughput),
		stats.ETA.Round(time.Second),
		len(u.Queue)-1,
	)

	if !tty {
		fmt.Fprintln(w, line)
		return
	}

	clearLine(w, tty)
	fmt.Fprint(w, color(line))
}

func bar(fraction float64) string {

	n := int(fraction * barWidth)

	if n > barWidth {
		n = barWidth
	}

	if n < 0 {
		n = 0
	}

	return strings.Repeat(fill, n) + strings.Repeat(empty, barWidth-n)
}
