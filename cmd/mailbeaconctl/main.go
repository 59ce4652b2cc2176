package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mailbeacon/mailbeacon/internal/inbox"
)

const defaultDaemonURL = "http://127.0.0.1:8077"

func main() {
	daemonURL := flag.String("daemon", envOrDefault("MAILBEACON_DAEMON_URL", defaultDaemonURL), "mailbeacond control api base URL")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	base := strings.TrimRight(*daemonURL, "/")
	client := &http.Client{Timeout: *timeout}

	var err error
	switch args[0] {
	case "recent":
		err = runRecent(client, base, args[1:])
	case "status":
		err = runStatus(client, base, args[1:])
	case "server-url":
		err = runServerURL(client, base, args[1:])
	case "ignore-ip":
		err = runIgnoreIP(client, base, args[1:])
	case "watch":
		err = runWatch(base)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: mailbeaconctl [flags] <command>

commands:
  recent [-limit n]                     list recently tracked emails
  status -subject s -recipient r        look up tracking status for one email
  server-url [new-url]                  show or change the tracking server URL
  ignore-ip -label l [-ip addr]         exclude an IP from open/click counting
  watch                                 stream live badge updates
`)
	flag.PrintDefaults()
}

func runRecent(client *http.Client, base string, args []string) error {
	fs := flag.NewFlagSet("recent", flag.ExitOnError)
	limit := fs.Int("limit", 20, "max emails to list")
	_ = fs.Parse(args)

	var resp struct {
		OK     bool   `json:"ok"`
		Error  string `json:"error"`
		Emails []struct {
			ID         string `json:"id"`
			Subject    string `json:"subject"`
			Recipient  string `json:"recipient"`
			OpenCount  int    `json:"open_count"`
			ClickCount int    `json:"click_count"`
		} `json:"emails"`
	}
	if err := getJSON(client, fmt.Sprintf("%s/v1/relay/recent?limit=%d", base, *limit), &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s", resp.Error)
	}
	for _, e := range resp.Emails {
		fmt.Printf("%s  opens=%-3d clicks=%-3d  %s -> %s\n", e.ID, e.OpenCount, e.ClickCount, e.Subject, e.Recipient)
	}
	return nil
}

func runStatus(client *http.Client, base string, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	subject := fs.String("subject", "", "email subject")
	recipient := fs.String("recipient", "", "recipient address")
	_ = fs.Parse(args)
	if *subject == "" && *recipient == "" {
		return fmt.Errorf("at least one of -subject and -recipient is required")
	}

	payload := map[string]any{
		"pairs": []map[string]string{{"subject": *subject, "recipient": *recipient}},
	}
	var resp struct {
		Statuses map[string]struct {
			Tracked    bool   `json:"tracked"`
			Opens      int    `json:"opens"`
			Clicks     int    `json:"clicks"`
			Identifier string `json:"identifier"`
		} `json:"statuses"`
	}
	if err := postJSON(client, base+"/v1/relay/statuses", payload, &resp); err != nil {
		return err
	}
	if len(resp.Statuses) == 0 {
		fmt.Println("untracked")
		return nil
	}
	for _, s := range resp.Statuses {
		fmt.Printf("tracked id=%s opens=%d clicks=%d\n", s.Identifier, s.Opens, s.Clicks)
	}
	return nil
}

func runServerURL(client *http.Client, base string, args []string) error {
	if len(args) == 0 {
		var resp struct {
			ServerURL string `json:"serverUrl"`
		}
		if err := getJSON(client, base+"/v1/relay/server-url", &resp); err != nil {
			return err
		}
		fmt.Println(resp.ServerURL)
		return nil
	}

	body, _ := json.Marshal(map[string]string{"serverUrl": args[0]})
	req, err := http.NewRequest(http.MethodPut, base+"/v1/relay/server-url", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	var out struct {
		ServerURL string `json:"serverUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	fmt.Printf("server url set to %s\n", out.ServerURL)
	return nil
}

func runIgnoreIP(client *http.Client, base string, args []string) error {
	fs := flag.NewFlagSet("ignore-ip", flag.ExitOnError)
	ip := fs.String("ip", "", "IP address (defaults to the caller's public IP)")
	label := fs.String("label", "", "label for the exclusion")
	_ = fs.Parse(args)
	if *label == "" {
		return fmt.Errorf("-label is required")
	}

	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		IP    string `json:"ip"`
	}
	if err := postJSON(client, base+"/v1/relay/ignored-ips", map[string]string{"ip": *ip, "label": *label}, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Printf("ignoring %s\n", resp.IP)
	return nil
}

func runWatch(base string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wsURL := strings.Replace(base, "http", "ws", 1) + "/v1/relay/watch"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var update inbox.BadgeUpdate
		if err := wsjson.Read(ctx, conn, &update); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if update.State == inbox.FeedCleared {
			fmt.Printf("%s  cleared\n", update.RowID)
		} else {
			fmt.Printf("%s  %s id=%s opens=%d clicks=%d\n",
				update.RowID, update.State, update.TrackingID, update.Opens, update.Clicks)
		}
	}
}

func getJSON(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(client *http.Client, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := strings.TrimSpace(string(data))
	if message == "" {
		message = resp.Status
	}
	return fmt.Errorf("http %d: %s", resp.StatusCode, message)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
