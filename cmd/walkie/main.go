package main

import (
	"context"
	goflag "flag"

	flag "github.com/spf13/pflag"
	"github.com/walkie-app/walkie/pkg/config"
	"github.com/walkie-app/walkie/pkg/logger"
	"github.com/walkie-app/walkie/pkg/media"
	"github.com/walkie-app/walkie/pkg/monitoring"
	"github.com/walkie-app/walkie/pkg/os"
	"github.com/walkie-app/walkie/pkg/session"
	"github.com/walkie-app/walkie/pkg/signaling"
	"github.com/walkie-app/walkie/pkg/webrtc"
)

var Version = "?"

func main() {
	conf := config.NewConfig()
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	conf.ParseFlags()

	log := logger.NewConsole(conf.Debug, "w", false)
	log.Info().Msgf("version %s", Version)
	if log.GetLevel() < logger.InfoLevel {
		log.Debug().Msgf("config: %+v", conf)
	}

	if conf.Media.ClipDir != "" {
		if err := os.CheckCreateDir(conf.Media.ClipDir); err != nil {
			log.Fatal().Err(err).Msg("couldn't make the clip dir")
		}
	}

	factory, err := webrtc.NewApiFactory(conf.Webrtc, log, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc init fail")
	}

	transport := signaling.New(conf.Signaling, log)
	if err := transport.Connect(); err != nil {
		log.Fatal().Err(err).Msgf("couldn't reach the server at %v", conf.Signaling.Address)
	}
	defer transport.Close()

	// the headless build runs with a silent device; mobile shells
	// plug a real one in through this seam
	ctl := session.NewController(*conf, transport, factory, media.NopDevice{},
		session.NopNotifier{}, session.NewMetrics(nil), log)
	defer ctl.Leave()

	var mon *monitoring.Monitoring
	if conf.Monitoring.IsEnabled() {
		if mon, err = monitoring.New(conf.Monitoring, log); err != nil {
			log.Error().Err(err).Msg("monitoring init fail")
		} else {
			mon.Run()
			defer func() { _ = mon.Shutdown(context.Background()) }()
		}
	}

	if channels := ctl.Channels(); len(channels) > 0 {
		if err := ctl.Join(channels[0].Id); err != nil {
			log.Error().Err(err).Msgf("couldn't join [%v]", channels[0].Id)
		}
	}

	<-os.ExpectTermination()
}
