// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/howeyc/gopass"
	"github.com/n0ot/beatrelay/pkg/model"
	"github.com/n0ot/beatrelay/pkg/server"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultStatsPort = "8004"

var (
	statsPort         string
	statsPassword     string
	promptForPassword bool
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats [host]",
	Short: "Print stats from a relay",
	Long: `stats queries a relay for running stats.

If the host is omitted, the local relay will be queried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host := "127.0.0.1"
		if len(args) > 0 {
			host = args[0]
			fmt.Fprintln(os.Stderr, "Warning: stats are requested over plain HTTP. Your stats password will be sent in the clear.")
		} else {
			// Use the options from the local relay's configuration.
			if bindHost, port, err := net.SplitHostPort(viper.GetString("stats.bind")); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: cannot determine local stats port from config; using \"%s\"\n", statsPort)
			} else {
				statsPort = port
				if bindHost != "" && bindHost != "0.0.0.0" && bindHost != "::" {
					host = bindHost
				}
			}
			statsPassword = viper.GetString("stats.password")
		}
		return getStats(host)
	},
}

func init() {
	RootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVarP(&statsPort, "port", "P", defaultStatsPort, "port of the relay's stats endpoint")
	statsCmd.Flags().BoolVarP(&promptForPassword, "prompt-for-password", "p", false, "prompt for the relay's stats password\n    If unset, the password is the same as the local relay's.")
}

func getStats(statsHost string) error {
	if promptForPassword {
		fmt.Printf("Password: ")
		pass, err := gopass.GetPasswd()
		if err != nil {
			return err
		}
		statsPassword = string(pass)
	}

	if statsPassword == "" {
		statsPassword = os.Getenv("BEATRELAY_STATS_PASSWORD")
	}

	if statsPassword == "" {
		return errors.New("A stats password is required")
	}

	statsAddr := net.JoinHostPort(statsHost, statsPort)
	body, err := json.Marshal(server.StatRequest{Password: statsPassword})
	if err != nil {
		return errors.Wrap(err, "Request stats")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post("http://"+statsAddr+"/stats", "application/json", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "Connect to relay")
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return errors.Wrap(err, "Get stats response from relay")
	}
	var generic server.GenericResponse
	if err := json.Unmarshal(raw, &generic); err != nil {
		return errors.Wrap(err, "Get stats response from relay")
	}

	switch generic.Type {
	case "error":
		var msg server.ErrorResponse
		if err := json.Unmarshal(raw, &msg); err != nil {
			return errors.Wrap(err, "Get stats response from relay")
		}
		return errors.Errorf("Relay returned an error: %s", msg.Error)

	case "stats":
		var msg server.StatsResponse
		if err := json.Unmarshal(raw, &msg); err != nil {
			return errors.Wrap(err, "Get stats response from relay")
		}
		// Don't display the default port in the output.
		friendlyAddr := statsHost
		if statsPort != defaultStatsPort {
			friendlyAddr = statsAddr
		}
		printStats(friendlyAddr, msg.Stats)
		return nil

	default:
		return errors.Errorf("Unexpected response from relay (HTTP %d)", resp.StatusCode)
	}
}

func printStats(addr string, stats server.Stats) {
	fmt.Printf(`Stats for %s:
Uptime: %s

Number of clients: %d
Max clients: %d on %s
`, addr, stats.Uptime.Round(time.Second),
		stats.NumClients,
		stats.MaxClients, stats.MaxClientsTime.Format(time.RFC1123))
	for _, ch := range model.Channels {
		if n, ok := stats.Clients[ch]; ok {
			fmt.Printf("    %s: %d\n", ch.Path(), n)
		}
	}

	fmt.Printf(`
Messages received: %d
Deliveries: %d (%d failed)
Dropped: %d
Tempo changes relayed: %d (%d repeats suppressed)
`, stats.Received,
		stats.Delivered, stats.FailedDeliveries,
		stats.Dropped,
		stats.TempoForwarded, stats.TempoSuppressed)
	if stats.LastBPM > 0 {
		fmt.Printf("Current tempo: %d BPM\n", stats.LastBPM)
	}
}
