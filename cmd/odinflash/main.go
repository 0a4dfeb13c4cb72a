// odinflash: host-side flashing client for Samsung devices in Download
// Mode. Speaks the LOKE/Odin protocol over a USB-CDC serial link.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"odinflash/internal/config"
	"odinflash/internal/firmware"
	"odinflash/internal/link"
	"odinflash/internal/locator"
	"odinflash/internal/loke"
	"odinflash/internal/monitor"
	"odinflash/internal/observer"
)

var (
	detect    = flag.Bool("detect", false, "locate a device in download mode and exit")
	flashPath = flag.String("flash", "", "flash an image file or firmware tar (.tar / .tar.md5 / .img / .bin / .lz4)")
	readPit   = flag.Bool("read-pit", false, "read the device PIT and store a backup")
	writePit  = flag.String("write-pit", "", "write the given PIT file to the device (repartitions!)")
	reboot    = flag.Bool("reboot", false, "reboot the device to normal mode")
	watch     = flag.Bool("watch", false, "watch for device attach/detach events")
	portFlag  = flag.String("port", "", "serial port to use, skipping discovery")
	backupDir = flag.String("backup-dir", "", "base directory for PIT backups")
	probe     = flag.Bool("probe", false, "enable the active-probe discovery fallback")
	verbose   = flag.Bool("v", false, "debug logging")
)

type progressUpdate struct {
	sent, total int64
}

func main() {
	flag.Parse()

	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	logger := zerolog.New(out).With().Timestamp().Logger()
	if *verbose {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	// Progress delivery must never block the transfer loop: buffered
	// channel, drop on overflow, one printer goroutine.
	progressCh := make(chan progressUpdate, 64)
	go func() {
		for u := range progressCh {
			pct := int64(0)
			if u.total > 0 {
				pct = u.sent * 100 / u.total
			}
			logger.Info().
				Int64("sent", u.sent).
				Int64("total", u.total).
				Msgf("transfer %d%%", pct)
		}
	}()

	obs := &observer.Observer{
		OnLog: func(level observer.Level, msg string) {
			switch level {
			case observer.LevelDebug:
				logger.Debug().Msg(msg)
			case observer.LevelWarning:
				logger.Warn().Msg(msg)
			case observer.LevelError:
				logger.Error().Msg(msg)
			case observer.LevelSuccess:
				logger.Info().Str("result", "success").Msg(msg)
			default:
				logger.Info().Msg(msg)
			}
		},
		OnProgress: func(sent, total int64) {
			select {
			case progressCh <- progressUpdate{sent, total}:
			default:
			}
		},
		OnPort: func(ev observer.PortEvent) {
			switch ev.Kind {
			case observer.PortAdded:
				logger.Info().Str("port", ev.New).Msg("device attached")
			case observer.PortRemoved:
				logger.Warn().Str("port", ev.Old).Msg("device removed")
			case observer.PortChanged:
				logger.Info().Str("old", ev.Old).Str("new", ev.New).Msg("device moved")
			}
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{
		obs: obs,
		log: logger,
	}
	a.loc = locator.New(obs)
	a.loc.EnableProbe = *probe || config.ProbeEnabled()

	var err error
	switch {
	case *detect:
		err = a.runDetect()
	case *flashPath != "":
		err = a.runFlash(ctx, *flashPath)
	case *readPit:
		err = a.runReadPit()
	case *writePit != "":
		err = a.runWritePit(*writePit)
	case *reboot:
		err = a.runReboot()
	case *watch:
		err = a.runWatch(ctx)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Error().Err(err).Msg("aborted")
		os.Exit(1)
	}
}

// app owns the session. Ownership is unidirectional: the app owns the
// session, the session owns the link, and the monitor is a sibling that
// reports events here.
type app struct {
	obs    *observer.Observer
	log    zerolog.Logger
	loc    *locator.Locator
	active atomic.Bool
}

func (a *app) resolvePort() (string, error) {
	if *portFlag != "" {
		return *portFlag, nil
	}
	if p := config.GetPort(); p != "" {
		return p, nil
	}
	desc, err := a.loc.Find()
	if err != nil {
		if link.IsNotFound(err) && locator.BusPresent() {
			a.log.Warn().Msg("device is on the USB bus but no serial port is bound yet")
		}
		return "", err
	}
	a.log.Info().Str("port", desc.Port).Str("device", desc.Display).Msg("device located")
	return desc.Port, nil
}

// openSession opens the link, greets, and flips the session-active flag
// the port monitor respects. The returned teardown clears the flag.
func (a *app) openSession(port string) (*loke.Session, func(), error) {
	lk, err := link.Open(port)
	if err != nil {
		return nil, nil, err
	}
	a.active.Store(true)

	sess := loke.NewSession(lk, a.obs)
	sess.SetReopen(func() (link.Transport, error) {
		return link.Open(port)
	})
	if err := sess.Greet(); err != nil {
		lk.Close()
		a.active.Store(false)
		return nil, nil, err
	}

	teardown := func() {
		if sess.State() == loke.StateGreeted {
			sess.End()
		}
		lk.Close()
		a.active.Store(false)
	}
	return sess, teardown, nil
}

func (a *app) runDetect() error {
	desc, err := a.loc.Find()
	if err != nil {
		if link.IsNotFound(err) {
			if locator.BusPresent() {
				fmt.Println("device on bus, no serial port bound yet")
				return nil
			}
			fmt.Println("no device")
			return nil
		}
		return err
	}
	fmt.Printf("%s\t%s\n", desc.Port, desc.Display)
	return nil
}

func (a *app) runFlash(ctx context.Context, path string) error {
	port, err := a.resolvePort()
	if err != nil {
		return err
	}
	sess, teardown, err := a.openSession(port)
	if err != nil {
		return err
	}
	defer teardown()

	var failed []string
	if firmware.IsTarName(path) {
		failed, err = a.flashTar(ctx, sess, path)
	} else {
		err = a.flashFile(ctx, sess, path)
	}
	if err != nil {
		return err
	}

	if err := sess.End(); err != nil {
		return err
	}
	if len(failed) > 0 {
		a.log.Warn().Msgf("partial: images %s failed", strings.Join(failed, ","))
		return nil
	}
	a.log.Info().Str("result", "success").Msg("completed")
	return nil
}

func (a *app) flashFile(ctx context.Context, sess *loke.Session, path string) error {
	if firmware.HasSuffixFold(path, ".pit") {
		blob, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading pit file: %w", err)
		}
		if err := firmware.ValidatePit(blob); err != nil {
			return fmt.Errorf("%s does not look like a PIT: %w", path, err)
		}
		return sess.WritePit(blob)
	}

	img, err := firmware.OpenImage(path)
	if err != nil {
		return err
	}
	defer img.Close()
	return sess.WriteImage(ctx, img.Name, img.Size, img)
}

// flashTar streams every flashable archive member straight into the
// protocol. A per-image failure on a huge image does not stop the run;
// the names come back so the caller can report a partial verdict.
func (a *app) flashTar(ctx context.Context, sess *loke.Session, path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening firmware archive: %w", err)
	}
	defer f.Close()

	var failed []string
	walker := firmware.NewTarWalker(f)
	for {
		entry, err := walker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return failed, err
		}
		if entry.IsDir || entry.Size == 0 || !firmware.IsFlashable(entry.Name) {
			continue
		}

		if firmware.HasSuffixFold(entry.Name, ".pit") {
			blob := make([]byte, entry.Size)
			if _, err := io.ReadFull(entry, blob); err != nil {
				return failed, fmt.Errorf("reading %s from archive: %w", entry.Name, err)
			}
			if err := firmware.ValidatePit(blob); err != nil {
				return failed, fmt.Errorf("%s does not look like a PIT: %w", entry.Name, err)
			}
			if err := sess.WritePit(blob); err != nil {
				return failed, err
			}
			continue
		}

		img, err := firmware.StreamFromTarEntry(entry)
		if err != nil {
			return failed, err
		}
		err = sess.WriteImage(ctx, img.Name, img.Size, img)
		img.Close()
		if err != nil {
			if loke.CodeOf(err) == loke.ErrCodeImageAborted {
				failed = append(failed, img.Name)
				continue
			}
			return failed, err
		}
	}
	return failed, nil
}

func (a *app) runReadPit() error {
	port, err := a.resolvePort()
	if err != nil {
		return err
	}
	sess, teardown, err := a.openSession(port)
	if err != nil {
		return err
	}
	defer teardown()

	blob, err := sess.ReadPit()
	if err != nil {
		return err
	}
	if err := firmware.ValidatePit(blob); err != nil {
		return fmt.Errorf("device returned an implausible PIT: %w", err)
	}

	base := *backupDir
	if base == "" {
		base = config.GetBackupDir()
	}
	path, err := firmware.WritePitBackup(base, blob)
	if err != nil {
		return err
	}
	a.log.Info().Str("path", path).Msg("PIT backup written")
	return nil
}

func (a *app) runWritePit(path string) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading pit file: %w", err)
	}
	if err := firmware.ValidatePit(blob); err != nil {
		return fmt.Errorf("%s does not look like a PIT: %w", filepath.Base(path), err)
	}

	port, err := a.resolvePort()
	if err != nil {
		return err
	}
	sess, teardown, err := a.openSession(port)
	if err != nil {
		return err
	}
	defer teardown()

	if err := sess.WritePit(blob); err != nil {
		return err
	}
	return sess.End()
}

func (a *app) runReboot() error {
	port, err := a.resolvePort()
	if err != nil {
		return err
	}
	sess, teardown, err := a.openSession(port)
	if err != nil {
		return err
	}
	defer teardown()
	return sess.Reboot()
}

func (a *app) runWatch(ctx context.Context) error {
	m := monitor.New(a.loc, &a.active, a.obs)
	a.log.Info().Msg("watching for devices, ctrl-c to stop")
	m.Run(ctx)
	return nil
}
