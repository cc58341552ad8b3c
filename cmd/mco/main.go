// mco: meshcore-open CLI.
// Commands: status, contacts, channels, messages, send, advert, key, time.

package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/term"

	"github.com/zjs81/meshcore-open/internal/config"
	"github.com/zjs81/meshcore-open/internal/store"
)

func loadConfig() *config.Config {
	cfg, err := config.Load(os.Getenv("MCO_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mco: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func pidPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Storage.DBPath), "mcod.pid")
}

func daemonPid(cfg *config.Config) (int, bool) {
	b, err := os.ReadFile(pidPath(cfg))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	// Signal 0 checks if process exists (Unix)
	if err := syscall.Kill(pid, 0); err != nil {
		return 0, false
	}
	return pid, true
}

func daemonAddr() string {
	if v := os.Getenv("MCO_LISTEN_ADDR"); v != "" {
		return v
	}
	return "127.0.0.1:8601"
}

var apiClient = &http.Client{Timeout: 3 * time.Second}

func apiGet(path string, out any) error {
	resp, err := apiClient.Get("http://" + daemonAddr() + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiPost(path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := apiClient.Post("http://"+daemonAddr()+path, "application/json",
		strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// newTable applies the house table style, sized to the terminal.
func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 40 {
			t.SetAllowedRowLength(w)
		}
	}
	return t
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

func fmtWhen(epoch uint32) string {
	if epoch == 0 {
		return "-"
	}
	return time.Unix(int64(epoch), 0).Format("Jan 02 15:04")
}

func fmtPath(pathLen int, path []byte) string {
	if pathLen < 0 {
		return "flood"
	}
	if pathLen == 0 {
		return "direct"
	}
	return fmt.Sprintf("%d hops (%x)", pathLen, path)
}

// healthReply mirrors the daemon's /api/health document.
type healthReply struct {
	OK     bool `json:"ok"`
	Status struct {
		Connected bool   `json:"connected"`
		State     string `json:"state"`
		Node      *struct {
			Name      string `json:"name"`
			PublicKey string `json:"publicKey"`
			FreqHz    uint32 `json:"freqHz"`
			BwHz      uint32 `json:"bwHz"`
			SF        uint8  `json:"sf"`
			CR        uint8  `json:"cr"`
			TxPower   uint8  `json:"txPower"`
		} `json:"node"`
		Device *struct {
			FirmwareVer uint8  `json:"firmwareVer"`
			MaxContacts int    `json:"maxContacts"`
			MaxChannels int    `json:"maxChannels"`
			Model       string `json:"model,omitempty"`
			Version     string `json:"version,omitempty"`
		} `json:"device"`
	} `json:"status"`
}

func cmdStatus(cfg *config.Config) {
	fmt.Printf("mco status\n")
	link := cfg.Device.Addr
	if cfg.Device.Transport == "serial" {
		link = cfg.Device.SerialPort
	}
	fmt.Printf("  device:  %s %s\n", cfg.Device.Transport, link)
	fmt.Printf("  db:      %s\n", cfg.Storage.DBPath)

	if pid, ok := daemonPid(cfg); ok {
		fmt.Printf("  daemon:  running (pid %d)\n", pid)
		var h healthReply
		if err := apiGet("/api/health", &h); err != nil {
			fmt.Printf("  hub:     unreachable at %s (%v)\n", daemonAddr(), err)
			return
		}
		fmt.Printf("  state:   %s\n", h.Status.State)
		if n := h.Status.Node; n != nil {
			fmt.Printf("  node:    %s (%s)\n", n.Name, shortKey(n.PublicKey))
			fmt.Printf("  radio:   %.3f MHz bw %.1f kHz sf %d cr %d tx %d dBm\n",
				float64(n.FreqHz)/1e6, float64(n.BwHz)/1e3, n.SF, n.CR, n.TxPower)
		}
		if d := h.Status.Device; d != nil {
			fmt.Printf("  device:  fw v%d %s, %d contacts / %d channels max\n",
				d.FirmwareVer, strings.TrimSpace(d.Model+" "+d.Version),
				d.MaxContacts, d.MaxChannels)
		}
		return
	}

	fmt.Printf("  daemon:  not running\n")
	statusDirect(cfg)
}

func cmdContacts(cfg *config.Config) {
	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mco contacts: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	cts, err := st.Contacts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mco contacts: %v\n", err)
		os.Exit(1)
	}
	if len(cts) == 0 {
		fmt.Println("(no contacts; run mcod or mco send to sync)")
		return
	}

	t := newTable()
	t.AppendHeader(table.Row{"NAME", "KEY", "TYPE", "ROUTE", "LAST ADVERT"})
	for _, c := range cts {
		route := fmtPath(c.PathLen, c.Path)
		if c.HasOverride {
			route += " *"
		}
		t.AppendRow(table.Row{c.Name, shortKey(c.PublicKey), contactType(c.Type),
			route, fmtWhen(c.LastAdvert)})
	}
	t.Render()
}

func contactType(t uint8) string {
	switch t {
	case 1:
		return "chat"
	case 2:
		return "repeater"
	case 3:
		return "room"
	case 4:
		return "sensor"
	}
	return fmt.Sprintf("%d", t)
}

func cmdChannels(cfg *config.Config) {
	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mco channels: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	chans, err := st.Channels()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mco channels: %v\n", err)
		os.Exit(1)
	}
	if len(chans) == 0 {
		fmt.Println("(no channels synced)")
		return
	}

	t := newTable()
	t.AppendHeader(table.Row{"IDX", "NAME", "KEY"})
	for _, ch := range chans {
		key := "-"
		if len(ch.PSK) > 0 {
			key = "set"
		}
		t.AppendRow(table.Row{ch.Idx, ch.Name, key})
	}
	t.Render()
}

func cmdMessages(cfg *config.Config, args []string) {
	limit := 50
	var target string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-n":
			if i+1 >= len(args) {
				fmt.Fprintf(os.Stderr, "mco messages: -n requires a count\n")
				os.Exit(1)
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "mco messages: bad count %q\n", args[i+1])
				os.Exit(1)
			}
			limit = n
			i++
		default:
			target = args[i]
		}
	}

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mco messages: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	var msgs []store.Message
	if target == "" {
		cutoff := float64(time.Now().AddDate(0, 0, -7).Unix())
		msgs, err = st.RecentMessages(cutoff)
		if err == nil && len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
	} else if idx, ok := channelTarget(target); ok {
		msgs, err = st.ChannelMessages(idx, limit)
	} else {
		ct, rerr := resolveContact(st, target)
		if rerr != nil {
			fmt.Fprintf(os.Stderr, "mco messages: %v\n", rerr)
			os.Exit(1)
		}
		msgs, err = st.ContactMessages(ct.PublicKey, limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mco messages: %v\n", err)
		os.Exit(1)
	}
	if len(msgs) == 0 {
		fmt.Println("(no messages)")
		return
	}

	t := newTable()
	t.AppendHeader(table.Row{"WHEN", "", "WHO", "TEXT", "INFO"})
	for _, m := range msgs {
		dir := "<-"
		if m.Outgoing {
			dir = "->"
		}
		who := m.Author
		if m.Kind == "channel" {
			who = fmt.Sprintf("%s @ch%d", m.Author, m.ChannelIdx)
		}
		info := m.Status
		if m.TripMs > 0 {
			info = fmt.Sprintf("%s %dms", info, m.TripMs)
		}
		if !m.Outgoing && m.SNR != 0 {
			info = fmt.Sprintf("snr %.1f", m.SNR)
		}
		if m.RepeatCount > 0 {
			info += fmt.Sprintf(" x%d", m.RepeatCount+1)
		}
		t.AppendRow(table.Row{fmtWhen(m.SenderTS), dir, who,
			truncate(m.Text, 60), strings.TrimSpace(info)})
	}
	t.Render()
}

func resolveContact(st *store.Store, arg string) (*store.Contact, error) {
	cts, err := st.Contacts()
	if err != nil {
		return nil, err
	}
	for _, c := range cts {
		if strings.EqualFold(c.Name, arg) || c.PublicKey == strings.ToLower(arg) {
			return &c, nil
		}
	}
	low := strings.ToLower(arg)
	var match *store.Contact
	for _, c := range cts {
		if strings.HasPrefix(c.PublicKey, low) || strings.HasPrefix(strings.ToLower(c.Name), low) {
			if match != nil {
				return nil, fmt.Errorf("destination %q is ambiguous", arg)
			}
			cc := c
			match = &cc
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no contact matches %q", arg)
	}
	return match, nil
}

func keyDecode(arg string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(arg))
	if err != nil {
		return nil, fmt.Errorf("not hex: %w", err)
	}
	return raw, nil
}

func usage() {
	fmt.Println("mco: meshcore-open companion")
	fmt.Println("Usage: mco <command> [args]")
	fmt.Println()
	fmt.Println("  status                    daemon and device state")
	fmt.Println("  contacts                  known mesh nodes")
	fmt.Println("  channels                  group channel slots")
	fmt.Println("  messages [dest] [-n N]    conversation history (dest: contact or chN)")
	fmt.Println("  send <dest> <text>        send a text (dest: contact name/key or chN)")
	fmt.Println("  advert [flood]            broadcast our advert")
	fmt.Println("  key export|import <hex>   node identity key via the device")
	fmt.Println("  time [sync]               device clock against this host")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(0)
	}
	cfg := loadConfig()
	args := os.Args[2:]

	switch os.Args[1] {
	case "status":
		cmdStatus(cfg)
	case "contacts":
		cmdContacts(cfg)
	case "channels":
		cmdChannels(cfg)
	case "messages":
		cmdMessages(cfg, args)
	case "send":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "mco send: usage: mco send <dest> <text>\n")
			os.Exit(1)
		}
		cmdSend(cfg, args[0], strings.Join(args[1:], " "))
	case "advert":
		flood := len(args) > 0 && args[0] == "flood"
		cmdAdvert(cfg, flood)
	case "key":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "mco key: usage: mco key export|import <hex>\n")
			os.Exit(1)
		}
		cmdKey(cfg, args)
	case "time":
		sync := len(args) > 0 && args[0] == "sync"
		cmdTime(cfg, sync)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "mco: unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
}
