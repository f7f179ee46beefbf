// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/n0ot/beatrelay/pkg/announce"
	"github.com/n0ot/beatrelay/pkg/model"
	"github.com/n0ot/beatrelay/pkg/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the relay",
	RunE:  runServer,
}

func init() {
	RootCmd.AddCommand(startCmd)

	startCmd.Flags().StringP("host", "H", "", "Host to listen on. Leave empty to listen on all interfaces.")
	viper.BindPFlag("server.host", startCmd.Flags().Lookup("host"))
	startCmd.Flags().Int("beat-port", model.DefaultPorts[model.Beat], "Port of the /beat channel")
	viper.BindPFlag("server.beatPort", startCmd.Flags().Lookup("beat-port"))
	startCmd.Flags().Int("note-port", model.DefaultPorts[model.Note], "Port of the /note channel")
	viper.BindPFlag("server.notePort", startCmd.Flags().Lookup("note-port"))
	startCmd.Flags().Int("bpm-port", model.DefaultPorts[model.BPM], "Port of the /bpm channel")
	viper.BindPFlag("server.bpmPort", startCmd.Flags().Lookup("bpm-port"))
	startCmd.Flags().IntP("time-between-pings", "t", 30, "How often pings should be sent in seconds (0 disables)")
	viper.BindPFlag("server.timeBetweenPings", startCmd.Flags().Lookup("time-between-pings"))
	startCmd.Flags().IntP("pings-until-timeout", "p", 2, "Number of pings that can pass before inactive clients are dropped (0 disables timeout)")
	viper.BindPFlag("server.pingsUntilTimeout", startCmd.Flags().Lookup("pings-until-timeout"))
	startCmd.Flags().String("stats-bind", "127.0.0.1:8004", "Bind the stats endpoint to host:port (empty disables)")
	viper.BindPFlag("stats.bind", startCmd.Flags().Lookup("stats-bind"))
	startCmd.Flags().Bool("no-announce", false, "Don't announce the channels with mDNS")

	viper.SetDefault("server.writeTimeout", 10)
	viper.SetDefault("server.sendBuffer", 16)
	viper.SetDefault("server.maxMessageSize", 64*1024)
	viper.SetDefault("server.echoToSender", true)
	viper.SetDefault("stats.password", "")
	viper.SetDefault("announce.enabled", true)
	viper.SetDefault("announce.name", announce.DefaultName)
	viper.SetDefault("announce.service", announce.DefaultService)
	viper.SetDefault("announce.domain", announce.DefaultDomain)
}

func runServer(cmd *cobra.Command, args []string) error {
	log := newLogger()
	watchConfig(log)

	policies := server.DefaultPolicies()
	if !viper.GetBool("server.echoToSender") {
		for ch, policy := range policies {
			policy.EchoToSender = false
			policies[ch] = policy
		}
	}

	srv := server.New(server.Config{
		Host: viper.GetString("server.host"),
		Ports: map[model.Channel]int{
			model.Beat: viper.GetInt("server.beatPort"),
			model.Note: viper.GetInt("server.notePort"),
			model.BPM:  viper.GetInt("server.bpmPort"),
		},
		Policies:          policies,
		TimeBetweenPings:  viper.GetDuration("server.timeBetweenPings") * time.Second,
		PingsUntilTimeout: viper.GetInt("server.pingsUntilTimeout"),
		WriteTimeout:      viper.GetDuration("server.writeTimeout") * time.Second,
		SendBuffer:        viper.GetInt("server.sendBuffer"),
		MaxMessageSize:    viper.GetInt64("server.maxMessageSize"),
		StatsAddr:         viper.GetString("stats.bind"),
		StatsPassword:     viper.GetString("stats.password"),
	}, log)

	ls, err := srv.Listen()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	noAnnounce, _ := cmd.Flags().GetBool("no-announce")
	if viper.GetBool("announce.enabled") && !noAnnounce {
		a := announce.New(viper.GetString("announce.name"), log)
		a.Service = viper.GetString("announce.service")
		a.Domain = viper.GetString("announce.domain")
		if err := a.Start(ls.Ports()); err != nil {
			log.WithField("error", err).Warn("Service discovery unavailable; devices must be given the relay's address")
		}
		defer a.Shutdown()
	}

	log.Info("Starting beatrelay")
	return srv.Serve(ctx, ls)
}
