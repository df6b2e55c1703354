package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/amrbekhit/rackfwupdate"
	"github.com/amrbekhit/rackfwupdate/internal/cli"
	log "github.com/sirupsen/logrus"
)

var commands = cli.CommonCommands()

func init() {
	commands["status"] = processStatus
}

func processStatus(t *cli.Target, args []string) error {
	status, err := t.Updater.(*rackfwupdate.MEIUpdater).GetStatusRegister()
	if err != nil {
		return fmt.Errorf("failed to read status: %v", err)
	}
	fmt.Fprintln(t.Out, status)
	return nil
}

func main() {
	flags := cli.RegisterFlags(flag.CommandLine, commands.Names())
	key := flag.String("key", "", "64-bit security key, decimal or 0x-prefixed hex.")
	flag.Parse()

	if *flags.Version {
		fmt.Println(cli.AppVersion)
		return
	}

	env, err := cli.Setup(flags)
	if err != nil {
		log.Fatalf("failed to initialise: %v", err)
	}
	defer env.Close()

	if *flags.ListDevices {
		if err := cli.ListDevices(os.Stdout, env.Transport); err != nil {
			log.Fatalf("failed to list devices: %v", err)
		}
		return
	}

	addr, err := cli.ParseAddr(*flags.Addr)
	if err != nil {
		log.Fatal(err)
	}
	var securityKey uint64
	if *flags.Cmd == "" || *key != "" {
		if securityKey, err = strconv.ParseUint(*key, 0, 64); err != nil {
			log.Fatalf("must specify a valid security key: %v", err)
		}
	}

	updater := rackfwupdate.NewMEIUpdater(env.Transport, addr, securityKey, env.Options())

	if *flags.Cmd != "" {
		target := &cli.Target{
			Out:       os.Stdout,
			Transport: env.Transport,
			Addr:      addr,
			Updater:   updater,
			Timeouts:  env.Config.Timeouts,
		}
		if err := commands.Run(*flags.Cmd, target, flag.Args()); err != nil {
			log.Fatal(err)
		}
		return
	}

	if err := cli.Update(env, addr, *flags.PMM, updater, *flags.Firmware); err != nil {
		log.Fatalf("update failed: %v", err)
	}
}
