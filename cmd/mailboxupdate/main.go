package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/amrbekhit/rackfwupdate"
	"github.com/amrbekhit/rackfwupdate/internal/cli"
	log "github.com/sirupsen/logrus"
)

var commands = cli.CommonCommands()

func init() {
	commands["status"] = processStatus
}

func processStatus(t *cli.Target, args []string) error {
	status, err := t.Updater.(*rackfwupdate.MailboxUpdater).ReadStatus()
	if err != nil {
		return fmt.Errorf("failed to read status: %v", err)
	}
	fmt.Fprintf(t.Out, "0x%04X %v\n", uint16(status), status)
	return nil
}

func main() {
	flags := cli.RegisterFlags(flag.CommandLine, commands.Names())
	vendorName := flag.String("vendor", "", "Device vendor, one of: "+strings.Join(rackfwupdate.DefaultVendors().Names(), ", ")+".")
	blockSize := flag.Int("block_size", 0, "Override the vendor block size in bytes.")
	vendorFile := flag.String("vendor-file", "", "YAML file with additional vendor profiles.")
	flag.Parse()

	if *flags.Version {
		fmt.Println(cli.AppVersion)
		return
	}

	vendors := rackfwupdate.DefaultVendors()
	if *vendorFile != "" {
		var err error
		if vendors, err = rackfwupdate.LoadVendorFile(*vendorFile, vendors); err != nil {
			log.Fatalf("failed to load vendor file: %v", err)
		}
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
	vendor, err := vendors.Lookup(*vendorName)
	if err != nil {
		log.Fatal(err)
	}
	if *blockSize != 0 {
		if vendor, err = vendor.WithBlockSize(*blockSize); err != nil {
			log.Fatal(err)
		}
	}
	log.Debugf("vendor parameters: %v", vendor)

	updater, err := rackfwupdate.NewMailboxUpdater(env.Transport, addr, vendor, env.Options())
	if err != nil {
		log.Fatal(err)
	}

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
