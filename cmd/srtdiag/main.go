package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/srttools/srtdiag/pkg/calibration"
	"github.com/srttools/srtdiag/pkg/client"
	"github.com/srttools/srtdiag/pkg/dtc"
	"github.com/srttools/srtdiag/pkg/ebus"
	"github.com/srttools/srtdiag/pkg/ecusim"
	"github.com/srttools/srtdiag/pkg/rom"
	"github.com/srttools/srtdiag/pkg/safety"
	"github.com/srttools/srtdiag/pkg/uds"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

const usageText = `usage: srtdiag <command> [arguments]

commands:
  info <bin>       show the region catalog against an image
  verify <bin>     verify all region checksums
  patch <bin>      repair region checksums in place
  preflight <bin>  run the pre-flash gate on an image
  flash <bin>      flash an image to the simulated PCM
  dtc [status]     list the DTC database, or decode a status byte
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "info":
		err = cmdInfo(args[1:])
	case "verify":
		err = cmdVerify(args[1:])
	case "patch":
		err = cmdPatch(args[1:])
	case "preflight":
		err = cmdPreflight(args[1:])
	case "flash":
		err = cmdFlash(args[1:])
	case "dtc":
		err = cmdDTC(args[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func loadImage(args []string) ([]byte, string, error) {
	if len(args) != 1 {
		return nil, "", errors.New("expected a binary file argument")
	}
	img, err := os.ReadFile(args[0])
	if err != nil {
		return nil, "", err
	}
	return img, args[0], nil
}

func cmdInfo(args []string) error {
	img, _, err := loadImage(args)
	if err != nil {
		return err
	}
	regions := calibration.SRT4Regions()
	v, err := rom.NewVerifier(regions)
	if err != nil {
		return err
	}
	report, err := v.VerifyImage(img)
	if err != nil {
		return err
	}

	data := pterm.TableData{{"Region", "Range", "Algorithm", "Stored", "Computed", "Match"}}
	for i, r := range regions {
		res := report.Regions[i]
		data = append(data, []string{
			r.Name,
			fmt.Sprintf("%06X-%06X", r.BaseAddress, r.End()),
			r.Algorithm.String(),
			fmt.Sprintf("%08X", res.Stored),
			fmt.Sprintf("%08X", res.Computed),
			strconv.FormatBool(res.Matches),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func cmdVerify(args []string) error {
	img, name, err := loadImage(args)
	if err != nil {
		return err
	}
	v, err := rom.NewVerifier(calibration.SRT4Regions())
	if err != nil {
		return err
	}
	report, err := v.VerifyImage(img)
	if err != nil {
		return err
	}
	for _, r := range report.Regions {
		if r.Matches {
			pterm.Success.Printf("%-10s %08X\n", r.Name, r.Stored)
		} else {
			pterm.Error.Printf("%-10s stored %08X, computed %08X\n", r.Name, r.Stored, r.Computed)
		}
	}
	if !report.Valid {
		return fmt.Errorf("%s has checksum mismatches", name)
	}
	pterm.Success.Printf("%s verified\n", name)
	return nil
}

func cmdPatch(args []string) error {
	img, name, err := loadImage(args)
	if err != nil {
		return err
	}
	v, err := rom.NewVerifier(calibration.SRT4Regions())
	if err != nil {
		return err
	}
	report, err := v.PatchImage(img)
	if err != nil {
		return err
	}
	if len(report.Patched) == 0 {
		pterm.Info.Println("all checksums already correct")
		return nil
	}
	if err := os.WriteFile(name, img, 0644); err != nil {
		return err
	}
	pterm.Success.Printf("patched %s\n", strings.Join(report.Patched, ", "))
	return nil
}

func cmdPreflight(args []string) error {
	img, name, err := loadImage(args)
	if err != nil {
		return err
	}
	v, err := rom.NewVerifier(calibration.SRT4Regions())
	if err != nil {
		return err
	}
	if err := v.PreFlashCheck(img); err != nil {
		return fmt.Errorf("%s failed preflight: %w", name, err)
	}
	pterm.Success.Printf("%s passed preflight\n", name)
	return nil
}

// cmdFlash runs the full flash flow against an in-process simulated PCM:
// preflight, programming session, level 3 unlock, block download, readback
// verification and an on-ECU checksum check.
func cmdFlash(args []string) error {
	img, name, err := loadImage(args)
	if err != nil {
		return err
	}
	regions := calibration.SRT4Regions()
	v, err := rom.NewVerifier(regions)
	if err != nil {
		return err
	}
	if err := v.PreFlashCheck(img); err != nil {
		return fmt.Errorf("%s failed preflight: %w", name, err)
	}

	bus := ebus.New()
	defer bus.Close()

	ecu, err := ecusim.New(ecusim.Config{
		Image:     make([]byte, calibration.ImageSize),
		Regions:   regions,
		Validator: safety.DefaultLimits(),
		Bus:       bus,
	})
	if err != nil {
		return err
	}
	ecu.Connect()
	defer ecu.Disconnect()

	c := client.New(ecu)
	ctx := context.Background()

	bar, err := pterm.DefaultProgressbar.WithTotal(100).WithTitle("flashing " + name).Start()
	if err != nil {
		return err
	}
	progress := bus.Subscribe(ebus.TopicTransferProgress)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for pct := range progress {
			if delta := int(pct) - bar.Current; delta > 0 {
				bar.Add(delta)
			}
		}
		return nil
	})
	g.Go(func() error {
		defer bus.Unsubscribe(progress)
		if err := c.EnterSession(ctx, uds.SESSION_PROGRAMMING); err != nil {
			return err
		}
		if err := c.Unlock(ctx, ecusim.LevelProgramming); err != nil {
			return err
		}
		if err := c.Download(ctx, 0, img, 0); err != nil {
			return err
		}
		mismatches, err := c.VerifyReadback(ctx, 0, img, 0)
		if err != nil {
			return err
		}
		if len(mismatches) != 0 {
			return fmt.Errorf("readback found %d mismatched bytes, first %s", len(mismatches), mismatches[0])
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		bar.Stop()
		return err
	}
	bar.Stop()

	valid, _, err := c.VerifyChecksums(ctx)
	if err != nil {
		return err
	}
	if !valid {
		pterm.Warning.Println("image flashed but carries checksum mismatches; run patch first")
	}
	pterm.Success.Printf("%s flashed and verified\n", name)
	return nil
}

func cmdDTC(args []string) error {
	if len(args) == 1 {
		status, err := strconv.ParseUint(args[0], 16, 8)
		if err != nil {
			return fmt.Errorf("status byte %q: %w", args[0], err)
		}
		pterm.Info.Printf("status %02X: %s\n", status, dtc.StatusBytetoString(byte(status)))
		return nil
	}
	codes := make([]string, 0, len(dtc.SRT4DTCS))
	for code := range dtc.SRT4DTCS {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	data := pterm.TableData{{"Code", "Name", "Description"}}
	for _, code := range codes {
		info := dtc.SRT4DTCS[code]
		data = append(data, []string{code, info.Name, info.Description})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
