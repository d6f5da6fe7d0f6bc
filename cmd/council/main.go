// council is a small client for a running councild: ask one-shot questions,
// check status, or hold an interactive session.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Yufok1/Djinn-Council-Chat/internal/council"
)

func main() {
	server := flag.String("server", getEnvOrDefault("COUNCIL_SERVER", "http://localhost:8585"), "councild base URL")
	mode := flag.String("mode", "", "consensus mode override (majority_vote, confidence_scoring, weighted_roles, deliberative_loop, hybrid)")
	token := flag.String("token", os.Getenv("COUNCIL_TOKEN"), "bearer token, if the server requires one")
	flag.Parse()

	cli := &client{
		base:  strings.TrimRight(*server, "/"),
		token: *token,
		http:  &http.Client{Timeout: 15 * time.Minute},
	}

	args := flag.Args()
	switch {
	case len(args) == 0:
		cli.interactive(*mode)
	case args[0] == "status":
		cli.status()
	case args[0] == "ask" && len(args) > 1:
		cli.ask(strings.Join(args[1:], " "), *mode)
	default:
		cli.ask(strings.Join(args, " "), *mode)
	}
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) ask(query, mode string) {
	session, err := c.invoke(query, mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	printSession(session)
}

func (c *client) invoke(query, mode string) (*council.Session, error) {
	payload, _ := json.Marshal(map[string]string{"query": query, "mode": mode})
	req, err := http.NewRequest(http.MethodPost, c.base+"/api/v1/council", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var session council.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("server returned %s with unreadable body", resp.Status)
	}
	if session.Outcome == nil {
		return nil, fmt.Errorf("council returned no outcome (%s)", resp.Status)
	}
	return &session, nil
}

func (c *client) status() {
	req, err := http.NewRequest(http.MethodGet, c.base+"/api/v1/status", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var pretty bytes.Buffer
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		fmt.Fprintf(os.Stderr, "error: unreadable status (%s)\n", resp.Status)
		os.Exit(1)
	}
	if err := json.Indent(&pretty, raw, "", "  "); err == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
}

func (c *client) interactive(mode string) {
	fmt.Println("Djinn Council. Type a question, or /status, /mode <m>, /quit.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return
		case line == "/status":
			c.status()
		case strings.HasPrefix(line, "/mode "):
			mode = strings.TrimSpace(strings.TrimPrefix(line, "/mode "))
			fmt.Printf("consensus mode set to %s\n", mode)
		case strings.HasPrefix(line, "/"):
			fmt.Println("unknown command")
		default:
			session, err := c.invoke(line, mode)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				continue
			}
			printSession(session)
		}
	}
}

func printSession(s *council.Session) {
	out := s.Outcome
	fmt.Println()
	fmt.Println(out.FinalText)
	fmt.Println()
	fmt.Printf("  session     %s\n", s.ID)
	fmt.Printf("  method      %s\n", out.Method)
	fmt.Printf("  confidence  %.2f\n", out.Confidence)
	fmt.Printf("  divergence  %.2f\n", out.Divergence)
	fmt.Printf("  agents      %s\n", strings.Join(out.Agents, ", "))
	fmt.Printf("  elapsed     %.1fs\n", s.TotalTime)
	if len(s.SecurityEvents) > 0 {
		fmt.Printf("  security    %s\n", strings.Join(s.SecurityEvents, "; "))
	}
	fmt.Println()
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
