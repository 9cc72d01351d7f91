package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"studentpunch/internal/clients"
	"studentpunch/internal/config"
)

func main() {
	cfg := config.Load()
	log.SetFlags(0)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	addr := cfg.GRPCAddr
	if envAddr := os.Getenv("PUNCHD_GRPC_ADDR"); envAddr != "" {
		addr = envAddr
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "history":
		fs := flag.NewFlagSet("history", flag.ExitOnError)
		userID := fs.String("user", "", "user id")
		limit := fs.Int("limit", cfg.HistoryLimit, "max check-ins to list")
		_ = fs.Parse(os.Args[2:])
		if *userID == "" {
			log.Fatalf("history: -user is required")
		}
		client := dial(ctx, addr, cfg)
		defer client.Close()
		records, err := client.ListCheckIns(ctx, *userID, *limit)
		if err != nil {
			log.Fatalf("history: %v", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTIME\tLAT\tLON\tADDRESS")
		for _, r := range records {
			address := "-"
			if r.Address != nil {
				address = *r.Address
			}
			fmt.Fprintf(w, "%s\t%s\t%.6f\t%.6f\t%s\n", r.ID, r.Timestamp.Local().Format(time.RFC3339), r.Latitude, r.Longitude, address)
		}
		_ = w.Flush()
	case "last":
		client := dial(ctx, addr, cfg)
		defer client.Close()
		at, err := client.GetLastCheckIn(ctx)
		if err != nil {
			log.Fatalf("last: %v", err)
		}
		fmt.Println(at.Local().Format(time.RFC3339))
	default:
		usage()
		os.Exit(2)
	}
}

func dial(ctx context.Context, addr string, cfg config.Config) *clients.CheckIns {
	client, err := clients.New(ctx, addr, cfg.DeviceToken, cfg.GRPCDialTimeout)
	if err != nil {
		log.Fatalf("grpc dial failed: %v", err)
	}
	return client
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: punchctl history -user <id> [-limit n]")
	fmt.Fprintln(os.Stderr, "       punchctl last")
}
