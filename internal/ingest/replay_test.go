package ingest

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"slotwork/internal/chain"
)

func writeReplay(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func collect(t *testing.T, src ReplaySource) []Notification {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sink := make(chan Notification, 64)
	if err := src.Run(ctx, sink); err != nil {
		t.Fatalf("run: %v", err)
	}
	close(sink)
	var out []Notification
	for n := range sink {
		out = append(out, n)
	}
	return out
}

func TestReplaySourceParsesRecords(t *testing.T) {
	pk := chain.Pubkey{1}
	owner := chain.Pubkey{2}
	data := base64.StdEncoding.EncodeToString([]byte{0xaa, 0xbb})

	path := writeReplay(t,
		"# header comment",
		"",
		`{"kind":"account","pubkey":"`+pk.String()+`","owner":"`+owner.String()+`","data":"`+data+`","slot":11,"write_version":3,"startup":true}`,
		`{"kind":"slot","slot":11,"status":"confirmed"}`,
		`{"kind":"rollback","slot":9}`,
	)

	got := collect(t, ReplaySource{Path: path})
	if len(got) != 3 {
		t.Fatalf("got %d notifications", len(got))
	}

	au, ok := got[0].(AccountUpdate)
	if !ok {
		t.Fatalf("got[0] = %T", got[0])
	}
	if au.Pubkey != pk || au.Owner != owner || au.Slot != 11 || au.WriteVersion != 3 || !au.Startup {
		t.Fatalf("account update: %+v", au)
	}
	if len(au.Data) != 2 || au.Data[0] != 0xaa {
		t.Fatalf("data: %x", au.Data)
	}

	ss, ok := got[1].(SlotStatusUpdate)
	if !ok || ss.Slot != 11 || ss.Status != SlotConfirmed {
		t.Fatalf("got[1] = %#v", got[1])
	}

	rb, ok := got[2].(ForkRollback)
	if !ok || rb.Slot != 9 {
		t.Fatalf("got[2] = %#v", got[2])
	}
}

func TestReplaySourceRejectsBadRecords(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"unknown kind", `{"kind":"nope"}`},
		{"bad pubkey", `{"kind":"account","pubkey":"not base58 0OIl","owner":"x","data":""}`},
		{"bad status", `{"kind":"slot","slot":1,"status":"maybe"}`},
		{"not json", `account 1 2 3`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeReplay(t, tc.line)
			sink := make(chan Notification, 4)
			if err := (ReplaySource{Path: path}).Run(context.Background(), sink); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
