// Command vitalog is a CLI client for the vitalog health-tracking API. It
// exercises the resilience layer: offline queueing, drains, asset caching
// and the credential lifecycle.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vitalog/client/internal/config"
	"github.com/vitalog/client/internal/crypto/atrest"
	"github.com/vitalog/client/internal/netstatus"
	"github.com/vitalog/client/internal/service"
	"github.com/vitalog/client/internal/storage"
)

// ---- config dir / store ----

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "vitalog")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "vitalog")
}

func storePath() string { return filepath.Join(cfgDir(), "vitalog.db") }

// openStore opens the bolt store, optionally sealed under a passphrase. The
// derivation salt lives in the store in the clear.
func openStore(path, passphrase string) (storage.Store, error) {
	_ = os.MkdirAll(filepath.Dir(path), 0o700)
	bs, err := storage.OpenBolt(path)
	if err != nil {
		return nil, err
	}
	if passphrase == "" {
		return bs, nil
	}

	salt, err := bs.Get(storage.KeySalt)
	if err != nil {
		_ = bs.Close()
		return nil, err
	}
	if salt == nil {
		salt, err = atrest.RandBytes(atrest.SaltLen)
		if err != nil {
			_ = bs.Close()
			return nil, err
		}
		if err := bs.Put(storage.KeySalt, salt); err != nil {
			_ = bs.Close()
			return nil, err
		}
	}
	enc, err := storage.NewEncrypted(bs, atrest.DeriveKey([]byte(passphrase), salt))
	if err != nil {
		_ = bs.Close()
		return nil, err
	}
	return enc, nil
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, `vitalog CLI
Usage:
  vitalog [-config file] [-base URL] [-store file] [-passphrase p] [-offline] <cmd> [args]

Commands:
  version
  register  -u <username> -p <password>
  login     -u <username> -p <password>
  logout
  whoami
  status                                  (queue counts)
  drain                                   (force one replay pass)
  prune                                   (drop synced queue entries)
  record    -endpoint <path> -method <M> -file <json|->
  fetch     -url <path-or-url> [-method M] [-file body]
  asset     -url <url> [-fetch]
  evict     -url <url>
  clear-cache
  watch                                   (probe connectivity, drain until interrupted)
`)
	os.Exit(2)
}

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands over the offline service facade.
func main() {
	cfgPath := flag.String("config", "", "config file (YAML)")
	base := flag.String("base", "", "API base URL override")
	store := flag.String("store", "", "store file (default under config dir)")
	passphrase := flag.String("passphrase", "", "seal the local store (optional)")
	offline := flag.Bool("offline", false, "treat the device as offline")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)

	if cmd == "version" {
		fmt.Printf("vitalog %s (%s)\n", version, buildDate)
		return
	}

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fail(err)
	}
	if *base != "" {
		cfg.BaseURL = *base
	}
	path := cfg.StorePath
	if *store != "" {
		path = *store
	}
	if path == "" {
		path = storePath()
	}

	st, err := openStore(path, *passphrase)
	if err != nil {
		fail(err)
	}
	defer func() { _ = st.Close() }()

	obs := netstatus.NewManual(!*offline)
	svc := service.New(cfg, service.Deps{
		Store:    st,
		Observer: obs,
		Logger:   logger,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {

	case "register", "login":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		u := fs.String("u", "", "username")
		p := fs.String("p", "", "password")
		_ = fs.Parse(flag.Args()[1:])
		if *u == "" || *p == "" {
			fmt.Fprintln(os.Stderr, "need -u and -p")
			os.Exit(1)
		}
		if cmd == "register" {
			err = svc.Register(ctx, *u, *p)
		} else {
			err = svc.Login(ctx, *u, *p)
		}
		if err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "logout":
		if err := svc.Logout(); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "whoami":
		sub := svc.Subject()
		if sub == "" {
			fail(fmt.Errorf("not logged in"))
		}
		fmt.Println(sub)

	case "status":
		pending, total := svc.QueueStatus()
		printJSON(map[string]int{"pending": pending, "total": total})

	case "drain":
		res, err := svc.Drain(ctx)
		if err != nil {
			fail(err)
		}
		printJSON(res)

	case "prune":
		if err := svc.PruneQueue(); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "record":
		fs := flag.NewFlagSet("record", flag.ExitOnError)
		endpoint := fs.String("endpoint", "", "API path, e.g. /clinical/readings")
		method := fs.String("method", "POST", "POST|PUT|DELETE")
		file := fs.String("file", "", "JSON payload file ('-'=stdin)")
		_ = fs.Parse(flag.Args()[1:])
		if *endpoint == "" || *file == "" {
			fmt.Fprintln(os.Stderr, "need -endpoint and -file")
			os.Exit(1)
		}
		payload, err := readAll(*file)
		if err != nil {
			fail(err)
		}
		if err := svc.PersistChange(ctx, *endpoint, *method, payload); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "fetch":
		fs := flag.NewFlagSet("fetch", flag.ExitOnError)
		url := fs.String("url", "", "path or absolute URL")
		method := fs.String("method", "GET", "HTTP method")
		file := fs.String("file", "", "optional body file")
		_ = fs.Parse(flag.Args()[1:])
		if *url == "" {
			fmt.Fprintln(os.Stderr, "need -url")
			os.Exit(1)
		}
		var body []byte
		if *file != "" {
			if body, err = readAll(*file); err != nil {
				fail(err)
			}
		}
		resp, err := svc.AuthenticatedFetch(ctx, *method, *url, body)
		if err != nil {
			fail(err)
		}
		fmt.Fprintf(os.Stderr, "status %d\n", resp.StatusCode)
		_, _ = os.Stdout.Write(resp.Body)

	case "asset":
		fs := flag.NewFlagSet("asset", flag.ExitOnError)
		url := fs.String("url", "", "asset URL")
		fetch := fs.Bool("fetch", false, "fetch when missing or stale")
		_ = fs.Parse(flag.Args()[1:])
		if *url == "" {
			fmt.Fprintln(os.Stderr, "need -url")
			os.Exit(1)
		}
		var a any
		if *fetch {
			a, err = svc.CacheAsset(ctx, *url)
		} else {
			a, err = svc.GetCachedAsset(*url)
		}
		if err != nil {
			fail(err)
		}
		printJSON(a)

	case "evict":
		fs := flag.NewFlagSet("evict", flag.ExitOnError)
		url := fs.String("url", "", "asset URL")
		_ = fs.Parse(flag.Args()[1:])
		if *url == "" {
			fmt.Fprintln(os.Stderr, "need -url")
			os.Exit(1)
		}
		if err := svc.EvictAsset(*url); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "clear-cache":
		if err := svc.ClearAssets(); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "watch":
		runWatch(cfg, st, logger)

	default:
		usage()
	}
}

// runWatch probes connectivity and keeps the sync engine draining until
// interrupted.
func runWatch(cfg *config.Config, st storage.Store, logger *zap.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	probe := netstatus.NewProbe(nil, cfg.Probe.URL, cfg.Probe.Interval.Std(), logger.Named("probe"))
	svc := service.New(cfg, service.Deps{
		Store:    st,
		Observer: probe,
		Logger:   logger,
	})

	go probe.Run(ctx)
	logger.Info("watching",
		zap.String("probe", cfg.Probe.URL),
		zap.Duration("drainInterval", cfg.DrainInterval.Std()),
	)
	svc.Run(ctx)
	logger.Info("shutdown complete")
}
