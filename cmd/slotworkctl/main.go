// slotworkctl is a small client for the engine's status API.
//
//	slotworkctl [-addr host:port] status
//	slotworkctl [-addr host:port] tasks
//	slotworkctl [-addr host:port] task <id>
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	var addr string
	flag.StringVar(&addr, "addr", "127.0.0.1:8780", "status server address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	var path string
	switch args[0] {
	case "status":
		path = "/status"
	case "tasks":
		path = "/tasks"
	case "task":
		if len(args) < 2 {
			usage()
		}
		path = "/tasks/" + args[1]
	case "health":
		path = "/health"
	default:
		usage()
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get("http://" + addr + path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", resp.Status, bytes.TrimSpace(body))
		os.Exit(1)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		pretty.WriteByte('\n')
		_, _ = pretty.WriteTo(os.Stdout)
		return
	}
	os.Stdout.Write(body)
	fmt.Println()
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: slotworkctl [-addr host:port] status|tasks|health|task <id>")
	os.Exit(1)
}
