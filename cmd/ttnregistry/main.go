package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/namsral/flag"

	"github.com/akhenakh/ttnrelay/daemon"
	"github.com/akhenakh/ttnrelay/payload"
	redisreg "github.com/akhenakh/ttnrelay/storage/redis"
)

var (
	registry       = flag.String("registry", daemon.DefaultRegistry, "registry backend, redis or badger when no daemon holds it")
	dbPath         = flag.String("dbPath", "ttnrelay.db", "DB path")
	redisAddr      = flag.String("redisAddr", "localhost:6379", "redis address")
	redisPassword  = flag.String("redisPassword", "", "redis password")
	redisDB        = flag.Int("redisDB", 0, "redis db")
	defaultDecoder = flag.String("defaultDecoder", payload.Cayenne, "decoder assigned to new devices")
	timeout        = flag.Duration("timeout", 5*time.Second, "registry timeout")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] list | get <devid> | set-decoder <devid> <decoder>\n", os.Args[0])
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	reg, closeReg, err := daemon.OpenRegistry(ctx, daemon.RegistryOptions{
		Backend:        *registry,
		DefaultDecoder: *defaultDecoder,
		DBPath:         *dbPath,
		Redis: redisreg.Options{
			Addr:     *redisAddr,
			Password: *redisPassword,
			DB:       *redisDB,
			Timeout:  *timeout,
		},
	})
	if err != nil {
		log.Fatal(err)
	}
	defer closeReg()

	switch args[0] {
	case "list":
		keys, err := reg.Keys(ctx)
		if err != nil {
			log.Fatal(err)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Println(k)
		}
	case "get":
		if len(args) != 2 {
			usage()
		}
		dl, err := reg.Get(ctx, args[1])
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println("devid", dl.DevID, "decoder", dl.Decoder, "created_at", dl.CreatedAt, "last_seen", dl.LastSeen)
	case "set-decoder":
		if len(args) != 3 {
			usage()
		}
		names := payload.NewDecoder().Names()
		known := false
		for _, n := range names {
			if n == args[2] {
				known = true
			}
		}
		if !known {
			log.Fatalf("unknown decoder %q, available: %s", args[2], strings.Join(names, ", "))
		}
		if err := reg.SetDecoder(ctx, args[1], args[2]); err != nil {
			log.Fatal(err)
		}
		fmt.Println("decoder of", args[1], "set to", args[2])
	default:
		usage()
	}
}
