// Command synapse-cli is a command-line agent for the exchange. It keeps a
// stable Ed25519 identity in a key file, so repeated invocations act as the
// same agent.
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/synapse/exchange/internal/protocol"
	"github.com/synapse/exchange/pkg/client"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	wsURL := os.Getenv("SYNAPSE_URL")
	if wsURL == "" {
		wsURL = "ws://localhost:8787/ws"
	}
	apiURL := os.Getenv("SYNAPSE_SPECTATOR_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8790"
	}

	var err error
	switch os.Args[1] {
	case "post":
		err = cmdPost(wsURL, os.Args[2:])
	case "bid":
		err = cmdBid(wsURL, os.Args[2:])
	case "award":
		err = cmdAward(wsURL, os.Args[2:])
	case "submit":
		err = cmdSubmit(wsURL, os.Args[2:])
	case "review":
		err = cmdReview(wsURL, os.Args[2:])
	case "watch":
		err = cmdWatch(wsURL, os.Args[2:])
	case "snapshot":
		err = cmdSnapshot(apiURL)
	case "demo-timeout":
		err = cmdDemoTimeout(apiURL)
	case "whoami":
		err = cmdWhoami(wsURL, os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`synapse-cli <command> [flags]

commands:
  post          post a job            (-name, -title, -budget, -description, -kind)
  bid           bid on a job          (-name, -job, -price, -eta, -pitch)
  award         award a job           (-name, -job, -worker)
  submit        submit a result       (-name, -job, -result)
  review        review a submission   (-name, -job, -decision, -notes)
  watch         stream every frame    (-name)
  whoami        print the agent id    (-name)
  snapshot      print the market snapshot
  demo-timeout  seed the deadline-miss demo

environment:
  SYNAPSE_URL            websocket endpoint   (default ws://localhost:8787/ws)
  SYNAPSE_SPECTATOR_URL  spectator endpoint   (default http://localhost:8790)
  SYNAPSE_KEY_FILE       identity key file    (default ~/.synapse/agent.key)`)
}

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

// loadKey reads the agent key, creating one on first use.
func loadKey() (ed25519.PrivateKey, error) {
	path := os.Getenv("SYNAPSE_KEY_FILE")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".synapse", "agent.key")
	}

	if data, err := os.ReadFile(path); err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("corrupt key file %s", path)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}

	key, err := client.NewKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key.Seed())), 0o600); err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "new identity key written to %s\n", path)
	return key, nil
}

func connect(wsURL, name string) (*client.Client, error) {
	key, err := loadKey()
	if err != nil {
		return nil, err
	}
	c, err := client.Dial(wsURL, key)
	if err != nil {
		return nil, err
	}
	authed, err := c.Auth(name)
	if err != nil {
		c.Close()
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "authenticated as %s (%d credits)\n", authed.AgentID, authed.Credits)
	return c, nil
}

func nameFlag(fs *flag.FlagSet) *string {
	return fs.String("name", "cli-agent", "agent display name")
}

// ---------------------------------------------------------------------------
// Market commands
// ---------------------------------------------------------------------------

func cmdPost(wsURL string, args []string) error {
	fs := flag.NewFlagSet("post", flag.ExitOnError)
	name := nameFlag(fs)
	title := fs.String("title", "", "job title")
	description := fs.String("description", "", "job description")
	budget := fs.Int64("budget", 0, "job budget in credits")
	kind := fs.String("kind", "", "job kind (simple|coding)")
	fs.Parse(args)

	c, err := connect(wsURL, *name)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Send(protocol.PostJob{
		V: protocol.Version, Type: protocol.TypePostJob,
		Title: *title, Description: *description, Budget: *budget, Kind: *kind,
	}); err != nil {
		return err
	}
	raw, err := c.WaitFor(protocol.TypeJobPosted)
	if err != nil {
		return err
	}
	var msg protocol.JobPosted
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	fmt.Println(msg.Job.ID)
	return nil
}

func cmdBid(wsURL string, args []string) error {
	fs := flag.NewFlagSet("bid", flag.ExitOnError)
	name := nameFlag(fs)
	job := fs.String("job", "", "job id")
	price := fs.Int64("price", 0, "bid price")
	eta := fs.Int64("eta", 3600, "estimated completion in seconds")
	pitch := fs.String("pitch", "", "bid pitch")
	fs.Parse(args)

	c, err := connect(wsURL, *name)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Send(protocol.PlaceBid{
		V: protocol.Version, Type: protocol.TypeBid,
		JobID: *job, Price: *price, EtaSeconds: *eta, Pitch: *pitch,
	}); err != nil {
		return err
	}
	_, err = c.WaitFor(protocol.TypeBidPosted)
	if err != nil {
		return err
	}
	fmt.Println("bid placed")
	return nil
}

func cmdAward(wsURL string, args []string) error {
	fs := flag.NewFlagSet("award", flag.ExitOnError)
	name := nameFlag(fs)
	job := fs.String("job", "", "job id")
	worker := fs.String("worker", "", "worker agent id")
	fs.Parse(args)

	c, err := connect(wsURL, *name)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Send(protocol.Award{
		V: protocol.Version, Type: protocol.TypeAward, JobID: *job, WorkerID: *worker,
	}); err != nil {
		return err
	}
	_, err = c.WaitFor(protocol.TypeJobAwarded)
	if err != nil {
		return err
	}
	fmt.Println("awarded")
	return nil
}

func cmdSubmit(wsURL string, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	name := nameFlag(fs)
	job := fs.String("job", "", "job id")
	result := fs.String("result", "", "result text, or @file to read one")
	fs.Parse(args)

	text := *result
	if strings.HasPrefix(text, "@") {
		data, err := os.ReadFile(text[1:])
		if err != nil {
			return err
		}
		text = string(data)
	}

	c, err := connect(wsURL, *name)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Send(protocol.Submit{
		V: protocol.Version, Type: protocol.TypeSubmit, JobID: *job, Result: text,
	}); err != nil {
		return err
	}
	_, err = c.WaitFor(protocol.TypeJobSubmitted)
	if err != nil {
		return err
	}
	fmt.Println("submitted")
	return nil
}

func cmdReview(wsURL string, args []string) error {
	fs := flag.NewFlagSet("review", flag.ExitOnError)
	name := nameFlag(fs)
	job := fs.String("job", "", "job id")
	decision := fs.String("decision", "", "accept | reject | changes")
	notes := fs.String("notes", "", "review notes")
	fs.Parse(args)

	c, err := connect(wsURL, *name)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Send(protocol.Review{
		V: protocol.Version, Type: protocol.TypeReview,
		JobID: *job, Decision: *decision, Notes: *notes,
	}); err != nil {
		return err
	}
	_, err = c.WaitFor(protocol.TypeJobReviewed)
	if err != nil {
		return err
	}
	fmt.Println("reviewed:", *decision)
	return nil
}

func cmdWatch(wsURL string, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	name := nameFlag(fs)
	fs.Parse(args)

	c, err := connect(wsURL, *name)
	if err != nil {
		return err
	}
	defer c.Close()

	for {
		typ, raw, err := c.Next()
		if err != nil {
			return err
		}
		fmt.Printf("%-20s %s\n", typ, raw)
	}
}

func cmdWhoami(wsURL string, args []string) error {
	fs := flag.NewFlagSet("whoami", flag.ExitOnError)
	name := nameFlag(fs)
	fs.Parse(args)

	c, err := connect(wsURL, *name)
	if err != nil {
		return err
	}
	defer c.Close()
	fmt.Println(c.AgentID())
	return nil
}

// ---------------------------------------------------------------------------
// Spectator commands
// ---------------------------------------------------------------------------

func cmdSnapshot(apiURL string) error {
	resp, err := http.Get(apiURL + "/api/snapshot")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("snapshot returned %d", resp.StatusCode)
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

func cmdDemoTimeout(apiURL string) error {
	resp, err := http.Post(apiURL+"/api/demo/timeout", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}
