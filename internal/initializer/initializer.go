package initializer

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/milkywaybrain/venuegate/internal/cache"
	"github.com/milkywaybrain/venuegate/internal/config"
	"github.com/milkywaybrain/venuegate/internal/connector"
	"github.com/milkywaybrain/venuegate/internal/gateway"
	"github.com/milkywaybrain/venuegate/internal/server"
	"github.com/milkywaybrain/venuegate/internal/storage"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/sync/errgroup"
)

// Start will initialize various required systems and then serve the gateway until
// mainCtx is done or a component fails.
func Start(mainCtx context.Context, cfg *config.Config) error {
	return start(mainCtx, cfg, os.Stdout)
}

// start is Start with the terminal sink output made explicit.
func start(mainCtx context.Context, cfg *config.Config, terOut io.Writer) error {
	closeLog, err := SetupLogger(&cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	recorder, err := initStorages(&cfg.Connection, terOut)
	if err != nil {
		return err
	}

	rest := connector.NewREST(&cfg.Connection.REST)
	opts := []gateway.Option{gateway.WithRecorder(recorder)}

	redis, err := cache.New(mainCtx, &cfg.Cache)
	if err != nil {
		err = errors.Wrap(err, "redis connection")
		log.Error().Stack().Err(errors.WithStack(err)).Msg("")
		return err
	}
	if redis != nil {
		defer redis.Close()
		opts = append(opts, gateway.WithCache(redis))
		log.Info().Str("addr", cfg.Cache.Addr).Msg("redis connected")
	}

	var keepWarm cron.Schedule
	if cfg.KeepWarm.Spec != "" && cfg.Primary.BaseURL != "" {
		keepWarm, err = cron.ParseStandard(cfg.KeepWarm.Spec)
		if err != nil {
			err = errors.Wrap(err, "keep_warm spec")
			log.Error().Stack().Err(errors.WithStack(err)).Msg("")
			return err
		}
	}

	gw := gateway.New(cfg, rest, opts...)
	log.Info().Strs("venues", gw.Venues()).Msg("gateway ready")

	// Run the audit sinks, the keep-warm job and the HTTP server. If any of them fails,
	// force the others to stop and exit the app.
	appErrGroup, appCtx := errgroup.WithContext(mainCtx)

	appErrGroup.Go(func() error {
		return recorder.Run(appCtx)
	})

	if keepWarm != nil {
		c := cron.New()
		c.Schedule(keepWarm, cron.FuncJob(func() { gw.KeepWarm(appCtx) }))
		c.Start()
		log.Info().Str("spec", cfg.KeepWarm.Spec).Msg("keep-warm job scheduled")
		appErrGroup.Go(func() error {
			<-appCtx.Done()
			<-c.Stop().Done()
			return appCtx.Err()
		})
	}

	srv := server.New(cfg, gw)
	appErrGroup.Go(func() error {
		return srv.Run(appCtx)
	})

	err = appErrGroup.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Msg("exiting the app")
		return err
	}
	log.Info().Msg("app stopped")
	return nil
}

// SetupLogger configures the global zerolog logger.
// If the path given in the config for logging ends with .log then create a log file with the same name and
// write log messages to it. Otherwise, if a path is given, create a new log file with a timestamp attached to
// it's name in the given path. With no path, logs go to stderr.
func SetupLogger(cfg *config.Log) (func(), error) {
	var (
		out     io.Writer = os.Stderr
		logFile *os.File
		err     error
	)
	switch {
	case strings.HasSuffix(cfg.FilePath, ".log"):
		logFile, err = os.OpenFile(cfg.FilePath, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0666)
		if err != nil {
			return nil, fmt.Errorf("not able to open or create log file: %v", cfg.FilePath)
		}
	case cfg.FilePath != "":
		name := cfg.FilePath + "_" + strconv.Itoa(int(time.Now().Unix())) + ".log"
		logFile, err = os.Create(name)
		if err != nil {
			return nil, fmt.Errorf("not able to create log file: %v", name)
		}
	}
	if logFile != nil {
		out = logFile
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	switch cfg.Level {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	log.Info().Msg("logger setup is done")

	return func() {
		if logFile != nil {
			logFile.Close()
		}
	}, nil
}

// initStorages establishes connections to the configured audit sinks.
func initStorages(cfg *config.Connection, terOut io.Writer) (*storage.Recorder, error) {
	var (
		ter   *storage.Terminal
		mysql *storage.MySQL
		es    *storage.ElasticSearch
		err   error
	)
	for _, str := range cfg.Storages {
		switch str {
		case "terminal":
			if ter == nil {
				ter = storage.InitTerminal(terOut)
				log.Info().Msg("terminal connected")
			}
		case "mysql":
			if mysql == nil {
				mysql, err = storage.InitMySQL(&cfg.MySQL)
				if err != nil {
					err = errors.Wrap(err, "mysql connection")
					log.Error().Stack().Err(errors.WithStack(err)).Msg("")
					return nil, err
				}
				log.Info().Msg("mysql connected")
			}
		case "elastic_search":
			if es == nil {
				es, err = storage.InitElasticSearch(&cfg.ES)
				if err != nil {
					err = errors.Wrap(err, "elastic search connection")
					log.Error().Stack().Err(errors.WithStack(err)).Msg("")
					return nil, err
				}
				log.Info().Msg("elastic search connected")
			}
		}
	}
	return storage.NewRecorder(cfg, ter, mysql, es), nil
}
