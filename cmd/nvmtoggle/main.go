package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/synthread/go-nvm/board"
	"github.com/synthread/go-nvm/flash"
)

var (
	config board.Config
	debug  bool

	rootCmd = &cobra.Command{
		Use:          "nvmtoggle",
		Short:        "Toggle a routine stored in simulated STM32L0 flash",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}

	seedCmd = &cobra.Command{
		Use:   "seed",
		Short: "Program state A of the patch table into the image",
		RunE: func(cmd *cobra.Command, args []string) error {
			mc, err := board.NewMicrocontroller(&config)
			if err != nil {
				return err
			}
			defer mc.Close()

			if err := mc.Seed(cmd.Context()); err != nil {
				return err
			}
			return mc.Save()
		},
	}

	showCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the active state and the routine half-page",
		RunE: func(cmd *cobra.Command, args []string) error {
			mc, err := board.NewMicrocontroller(&config)
			if err != nil {
				return err
			}
			defer mc.Close()

			return show(mc)
		},
	}

	pressCmd = &cobra.Command{
		Use:   "press",
		Short: "Press the button once and rewrite the routine",
		RunE: func(cmd *cobra.Command, args []string) error {
			mc, err := board.NewMicrocontroller(&config)
			if err != nil {
				return err
			}
			defer mc.Close()

			mc.Press()
			mc.Service(cmd.Context())
			if mc.Pending() {
				return errors.New("button press was not serviced, image left unchanged")
			}
			if err := mc.Save(); err != nil {
				return err
			}
			return show(mc)
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Service button presses until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			mc, err := board.NewMicrocontroller(&config)
			if err != nil {
				return err
			}
			defer mc.Close()

			return mc.Run(cmd.Context())
		},
	}
)

func show(mc *board.Microcontroller) error {
	state, err := mc.State()
	if err != nil {
		return err
	}
	t := mc.PatchTable()
	fmt.Printf("state %v\n", state)
	for i := 0; i < flash.WordsPerHalfPage; i++ {
		addr := t.HalfPage + uint32(i*flash.WordSize)
		fmt.Printf("0x%08X: %08X\n", addr, mc.Device().Peek(addr))
	}
	return nil
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&config.ImagePath, "image", "i", board.DefaultImagePath, "Intel HEX image backing the flash bank")
	pf.StringVarP(&config.PatchTablePath, "table", "t", "", "YAML patch table (built-in demo table if empty)")
	pf.StringVarP(&config.Strategy, "strategy", "s", flash.StrategyHalfPage.String(), "write strategy: half-page or word")
	pf.IntVar(&config.PollLimit, "poll-limit", flash.DefaultPollLimit, "status reads before a flash operation times out")
	pf.BoolVarP(&debug, "debug", "d", false, "log register level traffic")

	runCmd.Flags().IntVar(&config.ButtonGPIO, "button-gpio", 0, "sysfs GPIO of the button, falling edge presses")
	runCmd.Flags().StringVar(&config.ConsoleTTY, "console", "", "serial port for the firmware console")
	runCmd.Flags().IntVar(&config.ConsoleBaud, "baud", board.DefaultBaud, "console baud rate")

	rootCmd.AddCommand(seedCmd, showCmd, pressCmd, runCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
