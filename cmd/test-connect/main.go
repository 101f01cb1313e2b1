// Command test-connect is a manual test for the Throne fast-connect flow.
// It enables the adapter, runs one scan/connect/authenticate attempt and
// prints the outcome. Keep a Throne beacon powered and in range.
//
// Usage:
//
//	go run ./cmd/test-connect [--user ID] [--timeout 10s]
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chaz8081/beacon-radar/internal/ble"
	"github.com/chaz8081/beacon-radar/internal/ble/protocol"
)

type fixedUser string

func (u fixedUser) UserID() (string, error) { return string(u), nil }

func main() {
	user := flag.String("user", "", "user id sent in the auth payload")
	timeout := flag.Duration("timeout", 10*time.Second, "connection timeout")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := dumpPayload(ble.ThroneDeviceID, *user); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	driver := ble.NewTinygoDriver()
	if err := driver.Enable(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	opts := ble.DefaultOptions()
	opts.ConnectionTimeout = *timeout
	connector := ble.NewConnector(driver, fixedUser(*user), opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go connector.Run(ctx)

	fmt.Printf("Fast-connecting (user %q, timeout %s)...\n", *user, *timeout)
	connector.FastConnect()

	select {
	case o := <-connector.Outcomes():
		fmt.Printf("\nResult:   %s\n", o.Reason)
		fmt.Printf("Phase:    %s\n", o.Phase)
		fmt.Printf("Address:  %s\n", o.Address)
		fmt.Printf("Elapsed:  %s\n", o.Duration.Round(time.Millisecond))
		if len(o.Response) > 0 {
			fmt.Printf("Response: %s\n", hex.EncodeToString(o.Response))
		}
		if o.Reason != ble.ReasonCompleted {
			os.Exit(1)
		}
	case <-time.After(*timeout + 5*time.Second):
		fmt.Println("Error: no outcome reported")
		os.Exit(1)
	}

	fmt.Println("\nDone!")
}

// dumpPayload prints the auth payload the connector will write, decoded
// back from its wire form.
func dumpPayload(deviceID, userID string) error {
	payload, err := protocol.MarshalAuthMessage(deviceID, userID)
	if err != nil {
		return err
	}
	msg, err := protocol.UnmarshalAuthMessage(payload)
	if err != nil {
		return err
	}
	fmt.Printf("Payload:  %s (%d bytes)\n", hex.EncodeToString(payload), len(payload))
	fmt.Printf("  device=%q action=0x%02x user=%q\n", msg.DeviceID, msg.Action, msg.UserID)
	return nil
}
