package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"atrium/internal/bus"
	"atrium/internal/capability"
	"atrium/internal/id"
	"atrium/internal/logging"
	"atrium/internal/toolagent"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agent-sim: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var capabilities []string
	var redisURL string
	var heartbeatEvery time.Duration
	var failTimes int
	var alwaysFail bool
	var mute bool
	var delay time.Duration

	rootCmd := &cobra.Command{
		Use:   "agent-sim",
		Short: "Simulated tool agents for the building assistant bus",
		Long:  "agent-sim announces one or more capabilities on the bus, heartbeats, and answers task dispatches with configurable behavior.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(capabilities) == 0 {
				capabilities = capability.Names()
			}

			client := bus.MustRedisClient(redisURL)
			defer client.Close()

			consumer := "agent-sim-" + id.NewKSUID()[:8]
			eventBus := bus.NewRedisBus(client, consumer, logging.NewComponentLogger("Bus"))
			defer eventBus.Close()

			behavior := toolagent.Behavior{
				FailuresBeforeSuccess: failTimes,
				AlwaysFail:            alwaysFail,
				Mute:                  mute,
				Delay:                 delay,
			}

			sims := make([]*toolagent.Sim, 0, len(capabilities))
			for _, cap := range capabilities {
				sim := toolagent.NewSim(cap, eventBus, behavior, logging.NewComponentLogger("Agent"))
				if err := sim.Start(heartbeatEvery); err != nil {
					return fmt.Errorf("start agent for %s: %w", cap, err)
				}
				sims = append(sims, sim)
				fmt.Printf("agent %s serving capability %s\n", sim.AgentID(), cap)
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			for _, sim := range sims {
				sim.Stop()
			}
			return nil
		},
	}

	rootCmd.Flags().StringSliceVar(&capabilities, "capability", nil, "capability to serve (repeatable, default: all known)")
	rootCmd.Flags().StringVar(&redisURL, "redis-url", "redis://localhost:6379/0", "Redis URL of the event bus")
	rootCmd.Flags().DurationVar(&heartbeatEvery, "heartbeat", 10*time.Second, "heartbeat interval")
	rootCmd.Flags().IntVar(&failTimes, "fail-times", 0, "fail this many dispatches before succeeding")
	rootCmd.Flags().BoolVar(&alwaysFail, "always-fail", false, "fail every dispatch")
	rootCmd.Flags().BoolVar(&mute, "mute", false, "accept dispatches but never publish results")
	rootCmd.Flags().DurationVar(&delay, "delay", 0, "artificial delay before responding")

	return rootCmd
}
