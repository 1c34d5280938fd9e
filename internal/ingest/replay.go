package ingest

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"slotwork/internal/chain"
)

// ReplaySource reads a JSONL capture of host notifications. It exists for
// development and tests; the production source is the host plugin shim,
// which is out of scope here.
//
// Record shapes:
//
//	{"kind":"account","pubkey":"..","owner":"..","data":"<base64>","slot":1,"write_version":2,"startup":true}
//	{"kind":"slot","slot":1,"status":"confirmed"}
//	{"kind":"rollback","slot":1}
type ReplaySource struct {
	Path string
}

type replayRecord struct {
	Kind         string `json:"kind"`
	Pubkey       string `json:"pubkey,omitempty"`
	Owner        string `json:"owner,omitempty"`
	Data         string `json:"data,omitempty"`
	Slot         uint64 `json:"slot"`
	WriteVersion uint64 `json:"write_version,omitempty"`
	Startup      bool   `json:"startup,omitempty"`
	Status       string `json:"status,omitempty"`
}

func (r ReplaySource) Run(ctx context.Context, sink chan<- Notification) error {
	f, err := os.Open(r.Path)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		n, err := parseReplayLine([]byte(raw))
		if err != nil {
			return fmt.Errorf("replay line %d: %w", line, err)
		}
		select {
		case sink <- n:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return sc.Err()
}

func parseReplayLine(raw []byte) (Notification, error) {
	var rec replayRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	switch rec.Kind {
	case "account":
		pk, err := chain.ParsePubkey(rec.Pubkey)
		if err != nil {
			return nil, err
		}
		owner, err := chain.ParsePubkey(rec.Owner)
		if err != nil {
			return nil, err
		}
		data, err := base64.StdEncoding.DecodeString(rec.Data)
		if err != nil {
			return nil, fmt.Errorf("data: %w", err)
		}
		return AccountUpdate{
			Pubkey:       pk,
			Owner:        owner,
			Data:         data,
			Slot:         rec.Slot,
			WriteVersion: rec.WriteVersion,
			Startup:      rec.Startup,
		}, nil
	case "slot":
		var st SlotStatus
		switch rec.Status {
		case "processed":
			st = SlotProcessed
		case "confirmed":
			st = SlotConfirmed
		case "rooted":
			st = SlotRooted
		default:
			return nil, fmt.Errorf("unknown slot status %q", rec.Status)
		}
		return SlotStatusUpdate{Slot: rec.Slot, Status: st}, nil
	case "rollback":
		return ForkRollback{Slot: rec.Slot}, nil
	default:
		return nil, fmt.Errorf("unknown kind %q", rec.Kind)
	}
}
