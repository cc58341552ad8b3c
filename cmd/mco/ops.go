// One-shot device operations: when mcod is not holding the link, mco
// dials the node itself, runs the command and hangs up.

package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/zjs81/meshcore-open/internal/config"
	"github.com/zjs81/meshcore-open/internal/keystore"
	"github.com/zjs81/meshcore-open/internal/protocol"
	"github.com/zjs81/meshcore-open/internal/session"
	"github.com/zjs81/meshcore-open/internal/store"
	"github.com/zjs81/meshcore-open/internal/transport"
)

const (
	connectTimeout = 30 * time.Second
	opTimeout      = 2 * time.Minute
	ackWaitMax     = 45 * time.Second
)

func dialFunc(dev config.Device) session.DialFunc {
	if dev.Transport == "serial" {
		return func() transport.Transport {
			return transport.NewSerial(dev.SerialPort, dev.BaudRate)
		}
	}
	return func() transport.Transport {
		return transport.NewTCP(dev.Addr)
	}
}

func openKeystore(cfg *config.Config) (*keystore.Keystore, error) {
	if cfg.Storage.MasterKeyHex == "" {
		return nil, nil
	}
	return keystore.FromHex(cfg.Storage.MasterKeyHex)
}

// withSession connects to the device for a single command.
func withSession(cfg *config.Config, ev session.Events, fn func(ctx context.Context, sess *session.Session, st *store.Store) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	keys, err := openKeystore(cfg)
	if err != nil {
		return err
	}
	sess := session.New(session.ConfigFrom(cfg.Device, cfg.Sync), session.Deps{
		Dial:   dialFunc(cfg.Device),
		Store:  st,
		Keys:   keys,
		Log:    slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
		Events: ev,
	})
	defer sess.Close()

	dialCtx, cancelDial := context.WithTimeout(context.Background(), connectTimeout)
	defer cancelDial()
	if err := sess.Connect(dialCtx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return fn(ctx, sess, st)
}

// statusDirect fills in the device half of mco status when no daemon
// is around to ask.
func statusDirect(cfg *config.Config) {
	err := withSession(cfg, session.Events{}, func(ctx context.Context, sess *session.Session, st *store.Store) error {
		si := sess.SelfInfo()
		if si == nil {
			return fmt.Errorf("device returned no self info")
		}
		fmt.Printf("  state:   %s\n", sess.State())
		fmt.Printf("  node:    %s (%s)\n", si.Name, shortKey(hex.EncodeToString(si.PublicKey[:])))
		rp := sess.RadioParams()
		fmt.Printf("  radio:   %.3f MHz bw %.1f kHz sf %d cr %d tx %d dBm\n",
			float64(rp.FreqHz)/1e6, float64(rp.BandwidthHz)/1e3, rp.SF, rp.CR, si.TxPower)
		if di := sess.DeviceInfo(); di != nil {
			fmt.Printf("  device:  fw v%d %s, %d contacts / %d channels max\n",
				di.FirmwareVer, strings.TrimSpace(di.Model+" "+di.Version),
				di.MaxContacts, di.MaxChannels)
		}
		// The battery read lands just after the handshake; give it a moment.
		var bi *protocol.BatteryInfo
		var pct int
		for i := 0; i < 20; i++ {
			if bi, pct = sess.Battery(); bi != nil {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if bi != nil {
			fmt.Printf("  battery: %d mV (%d%%)\n", bi.Millivolts, pct)
		}
		return nil
	})
	if err != nil {
		fmt.Printf("  link:    unavailable (%v)\n", err)
	}
}

// channelTarget reports whether dest names a channel slot ("ch0".."ch255").
func channelTarget(dest string) (int, bool) {
	rest, ok := strings.CutPrefix(dest, "ch")
	if !ok || rest == "" {
		return 0, false
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

type statusEvt struct {
	id     string
	status string
	tripMs int
}

func cmdSend(cfg *config.Config, dest, text string) {
	if _, ok := daemonPid(cfg); ok {
		sendViaDaemon(cfg, dest, text)
		return
	}

	updates := make(chan statusEvt, 16)
	ev := session.Events{
		OnMessageStatus: func(id, status string, tripMs int) {
			select {
			case updates <- statusEvt{id, status, tripMs}:
			default:
			}
		},
	}
	err := withSession(cfg, ev, func(ctx context.Context, sess *session.Session, st *store.Store) error {
		if idx, ok := channelTarget(dest); ok {
			id, err := sess.SendChannelText(ctx, idx, text)
			if err != nil {
				return err
			}
			fmt.Printf("sent to ch%d (%s)\n", idx, id)
			return nil
		}

		ct, err := resolveContact(st, dest)
		if err != nil {
			return err
		}
		id, err := sess.SendText(ctx, ct.PublicKey, text)
		if err != nil {
			return err
		}
		fmt.Printf("sent to %s (%s), waiting for delivery\n", ct.Name, id)

		deadline := time.NewTimer(ackWaitMax)
		defer deadline.Stop()
		for {
			select {
			case u := <-updates:
				if u.id != id {
					continue
				}
				switch u.status {
				case "delivered":
					fmt.Printf("delivered in %d ms\n", u.tripMs)
					return nil
				case "heard":
					fmt.Println("heard on the mesh, no direct ack yet")
					return nil
				case "failed":
					return fmt.Errorf("no delivery ack from %s", ct.Name)
				}
			case <-deadline.C:
				fmt.Println("still pending; check mco messages later")
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mco send: %v\n", err)
		os.Exit(1)
	}
}

// apiResult mirrors the daemon's send/advert reply document.
type apiResult struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func sendViaDaemon(cfg *config.Config, dest, text string) {
	target := dest
	if _, ok := channelTarget(dest); !ok {
		st, err := store.Open(cfg.Storage.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mco send: %v\n", err)
			os.Exit(1)
		}
		ct, err := resolveContact(st, dest)
		st.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "mco send: %v\n", err)
			os.Exit(1)
		}
		target = ct.PublicKey
	}

	var res apiResult
	err := apiPost("/api/send", map[string]string{"targetId": target, "content": text}, &res)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mco send: daemon at %s: %v\n", daemonAddr(), err)
		os.Exit(1)
	}
	if !res.Success {
		fmt.Fprintf(os.Stderr, "mco send: %s\n", res.Error)
		os.Exit(1)
	}
	fmt.Printf("queued via mcod (%s)\n", res.ID)
}

func cmdAdvert(cfg *config.Config, flood bool) {
	kind := "zero-hop advert"
	if flood {
		kind = "flood advert"
	}

	if _, ok := daemonPid(cfg); ok {
		var res apiResult
		err := apiPost("/api/advert", map[string]bool{"flood": flood}, &res)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mco advert: daemon at %s: %v\n", daemonAddr(), err)
			os.Exit(1)
		}
		if !res.Success {
			fmt.Fprintf(os.Stderr, "mco advert: %s\n", res.Error)
			os.Exit(1)
		}
		fmt.Printf("%s sent via mcod\n", kind)
		return
	}

	err := withSession(cfg, session.Events{}, func(ctx context.Context, sess *session.Session, st *store.Store) error {
		return sess.Advert(ctx, flood)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mco advert: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s sent\n", kind)
}

func confirm(prompt string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	ans := strings.ToLower(strings.TrimSpace(line))
	return ans == "y" || ans == "yes"
}

func cmdKey(cfg *config.Config, args []string) {
	if _, ok := daemonPid(cfg); ok {
		fmt.Fprintln(os.Stderr, "mco key: note: mcod is running and may hold the device link")
	}

	switch args[0] {
	case "export":
		err := withSession(cfg, session.Events{}, func(ctx context.Context, sess *session.Session, st *store.Store) error {
			key, err := sess.ExportPrivateKey(ctx)
			if err != nil {
				return err
			}
			ks, err := openKeystore(cfg)
			if err != nil {
				return err
			}
			if ks != nil {
				sealed, err := ks.Seal("identity", key)
				if err != nil {
					return err
				}
				fmt.Println(hex.EncodeToString(sealed))
				fmt.Fprintln(os.Stderr, "sealed with the configured master key")
				return nil
			}
			if !confirm("print the UNSEALED private key to stdout?") {
				return fmt.Errorf("aborted")
			}
			fmt.Println(hex.EncodeToString(key))
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "mco key: %v\n", err)
			os.Exit(1)
		}

	case "import":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "mco key: usage: mco key import <hex>\n")
			os.Exit(1)
		}
		blob, err := keyDecode(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "mco key: %v\n", err)
			os.Exit(1)
		}
		ks, err := openKeystore(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mco key: %v\n", err)
			os.Exit(1)
		}
		if ks != nil {
			if raw, oerr := ks.Open("identity", blob); oerr == nil {
				blob = raw
			}
		}
		err = withSession(cfg, session.Events{}, func(ctx context.Context, sess *session.Session, st *store.Store) error {
			return sess.ImportPrivateKey(ctx, blob)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "mco key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("identity key imported; reboot the device to adopt it")

	default:
		fmt.Fprintf(os.Stderr, "mco key: unknown subcommand %q\n", args[0])
		os.Exit(1)
	}
}

func cmdTime(cfg *config.Config, sync bool) {
	if _, ok := daemonPid(cfg); ok {
		fmt.Fprintln(os.Stderr, "mco time: note: mcod is running and may hold the device link")
	}

	err := withSession(cfg, session.Events{}, func(ctx context.Context, sess *session.Session, st *store.Store) error {
		dt, err := sess.DeviceTime(ctx)
		if err != nil {
			return err
		}
		host := time.Now()
		fmt.Printf("  device: %s\n", dt.Format(time.RFC1123))
		fmt.Printf("  host:   %s\n", host.Format(time.RFC1123))
		fmt.Printf("  drift:  %s\n", host.Sub(dt).Round(time.Second))
		if !sync {
			return nil
		}
		if err := sess.SetDeviceTime(ctx, time.Now()); err != nil {
			return err
		}
		fmt.Println("  device clock set from host")
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mco time: %v\n", err)
		os.Exit(1)
	}
}
