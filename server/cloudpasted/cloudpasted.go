/*
Copyright 2025 The CloudPaste Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The cloudpasted binary is the CloudPaste storage gateway daemon. It
// serves the JSON API, the WebDAV endpoint, the signed content proxy,
// and the upload progress websocket over every configured storage
// backend.
package main // import "cloudpaste.org/server/cloudpasted"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go4.org/legal"

	"cloudpaste.org/pkg/auth"
	"cloudpaste.org/pkg/buildinfo"
	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/fsindex"
	"cloudpaste.org/pkg/jobs"
	"cloudpaste.org/pkg/mount"
	"cloudpaste.org/pkg/scheduler"
	"cloudpaste.org/pkg/server"
	"cloudpaste.org/pkg/share"
	"cloudpaste.org/pkg/store"
	"cloudpaste.org/pkg/upload"
	"cloudpaste.org/pkg/vfs"
	"cloudpaste.org/pkg/webserver"

	// Storage drivers register themselves.
	_ "cloudpaste.org/pkg/driver/gcs"
	_ "cloudpaste.org/pkg/driver/googledrive"
	_ "cloudpaste.org/pkg/driver/graph"
	_ "cloudpaste.org/pkg/driver/hflfs"
	_ "cloudpaste.org/pkg/driver/localdisk"
	_ "cloudpaste.org/pkg/driver/memory"
	_ "cloudpaste.org/pkg/driver/s3"
	_ "cloudpaste.org/pkg/driver/sftp"
	_ "cloudpaste.org/pkg/driver/telegram"
)

var (
	flagVersion = flag.Bool("version", false, "show version")
	flagHelp    = flag.Bool("help", false, "show usage")
	flagLegal   = flag.Bool("legal", false, "show licenses")
	flagListen  = flag.String("listen", "", "listen address (host:port, :port, or \"tailscale:hostname\"); overrides $BIND_ADDR")
)

const defaultListen = ":8787"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: cloudpasted [options]\n\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Environment:
  BIND_ADDR               listen address when -listen is not given (default %q)
  DATABASE_URL            main database (sqlite path, mysql://, postgres://)
  SIGN_SECRET             HMAC key for signed URLs, tickets, path tokens (required)
  TICKET_SECRET           accepted as the HMAC key when SIGN_SECRET is unset
  JWT_SECRET              admin session token key (defaults to SIGN_SECRET)
  ADMIN_INIT_PASSWORD     seeds the admin password on first start
  CACHE_TTL_DEFAULT       seeds the default directory cache TTL (seconds)
  UPLOAD_SESSION_TIMEOUT  upload session idle timeout (seconds or Go duration)
  INDEX_DB                search index path (default: next to the main DB)
  DAV_DEPTH_INFINITY_LIMIT  seeds the WebDAV deep-walk entry limit
`, defaultListen)
	osExit(2)
}

// exitf is for fatal initialization errors after configuration parsed.
func exitf(pattern string, args ...any) {
	if !strings.HasSuffix(pattern, "\n") {
		pattern += "\n"
	}
	fmt.Fprintf(os.Stderr, pattern, args...)
	osExit(1)
}

// badConfigf is for unusable configuration; exits 2 like flag errors.
func badConfigf(pattern string, args ...any) {
	if !strings.HasSuffix(pattern, "\n") {
		pattern += "\n"
	}
	fmt.Fprintf(os.Stderr, pattern, args...)
	osExit(2)
}

// osExit is a variable so tests can intercept it.
var osExit = os.Exit

// multiCloser closes in order and reports the first error.
type multiCloser []io.Closer

func (mc multiCloser) Close() error {
	var err error
	for _, c := range mc {
		if e := c.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

// handleSignals listens for operating system signals. Shutdown waits
// for the closer delivered on shutdownc once the server is wired up.
func handleSignals(shutdownc <-chan io.Closer) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for {
		sig := <-c
		switch sig {
		case syscall.SIGHUP:
			log.Print("SIGHUP: restarting")
			if err := restartProcess(); err != nil {
				log.Fatalf("Failed to restart: %v", err)
			}
		case syscall.SIGINT, syscall.SIGTERM:
			log.Print("Got signal, shutting down")
			donec := make(chan bool)
			go func() {
				cl := <-shutdownc
				if err := cl.Close(); err != nil {
					exitf("Error shutting down: %v", err)
				}
				donec <- true
			}()
			select {
			case <-donec:
				log.Printf("Shut down.")
				osExit(0)
			case <-time.After(2 * time.Second):
				exitf("Timeout shutting down. Exiting uncleanly.")
			}
		default:
			log.Fatalf("Received another signal, should not happen: %v", sig)
		}
	}
}

func restartProcess() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}

// indexPath returns the search index location: $INDEX_DB when set,
// otherwise a -index.db sibling of the main SQLite database, or a file
// in the working directory when the main database is remote.
func indexPath(dbURL string) string {
	if p := os.Getenv("INDEX_DB"); p != "" {
		return p
	}
	switch {
	case dbURL == "",
		strings.HasPrefix(dbURL, "mysql://"),
		strings.HasPrefix(dbURL, "postgres://"),
		strings.HasPrefix(dbURL, "postgresql://"):
		return "cloudpaste-index.db"
	}
	p := strings.TrimPrefix(dbURL, "sqlite:")
	ext := filepath.Ext(p)
	return strings.TrimSuffix(p, ext) + "-index" + ext
}

// seedSetting writes key from the environment variable envKey, only
// when the database has no value yet. Environment seeds; the admin
// settings API owns the value afterwards.
func seedSetting(ctx context.Context, st *store.Store, key, envKey string) {
	v := os.Getenv(envKey)
	if v == "" {
		return
	}
	cur, err := st.Setting(ctx, key)
	if err != nil {
		exitf("Error reading setting %s: %v", key, err)
	}
	if cur != "" {
		return
	}
	if err := st.SetSetting(ctx, key, v); err != nil {
		exitf("Error seeding setting %s from $%s: %v", key, envKey, err)
	}
}

// envDuration reads a duration from the environment. A bare number is
// seconds; Go duration syntax also works. Zero when unset.
func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		badConfigf("Bad $%s value %q: %v", key, v, err)
	}
	return d
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if *flagVersion {
		fmt.Fprintf(os.Stderr, "cloudpasted version: %s\n", buildinfo.Version())
		return
	}
	if *flagHelp {
		usage()
	}
	if *flagLegal {
		for _, l := range legal.Licenses() {
			fmt.Fprintln(os.Stderr, l)
		}
		return
	}
	if flag.NArg() != 0 {
		usage()
	}

	ctx := context.Background()

	shutdownc := make(chan io.Closer, 1) // receives the closer to run at shutdown
	go handleSignals(shutdownc)

	logCloser := setupLogging()

	listen := *flagListen
	if listen == "" {
		listen = os.Getenv("BIND_ADDR")
	}
	if listen == "" {
		listen = defaultListen
	}

	signSecret := os.Getenv("SIGN_SECRET")
	if signSecret == "" {
		signSecret = os.Getenv("TICKET_SECRET")
	}
	if signSecret == "" {
		badConfigf("SIGN_SECRET must be set; signed URLs and encrypted storage credentials depend on it surviving restarts.")
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = signSecret
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "cloudpaste.db"
	}
	st, err := store.Open(ctx, dbURL)
	if err != nil {
		exitf("Error opening database: %v", err)
	}
	st.CredSecret = signSecret

	if pw := os.Getenv("ADMIN_INIT_PASSWORD"); pw != "" {
		cur, err := st.Setting(ctx, store.SettingAdminPasswordHash)
		if err != nil {
			exitf("Error reading admin password setting: %v", err)
		}
		if cur == "" {
			hash, err := auth.HashPassword(pw)
			if err != nil {
				exitf("Error hashing $ADMIN_INIT_PASSWORD: %v", err)
			}
			if err := st.SetSetting(ctx, store.SettingAdminPasswordHash, hash); err != nil {
				exitf("Error seeding admin password: %v", err)
			}
			log.Print("Seeded admin password from $ADMIN_INIT_PASSWORD")
		}
	} else {
		if cur, _ := st.Setting(ctx, store.SettingAdminPasswordHash); cur == "" {
			log.Print("WARNING: no admin password set; admin login is disabled until $ADMIN_INIT_PASSWORD seeds one")
		}
	}
	seedSetting(ctx, st, store.SettingDefaultCacheTTL, "CACHE_TTL_DEFAULT")
	seedSetting(ctx, st, store.SettingWebDAVDepthLimit, "DAV_DEPTH_INFINITY_LIMIT")
	uploadTimeout := envDuration("UPLOAD_SESSION_TIMEOUT")
	if uploadTimeout > 0 {
		// The setting key holds seconds; normalize whatever form the
		// environment used.
		cur, _ := st.Setting(ctx, store.SettingUploadSessionTTL)
		if cur == "" {
			if err := st.SetSetting(ctx, store.SettingUploadSessionTTL, strconv.Itoa(int(uploadTimeout.Seconds()))); err != nil {
				exitf("Error seeding setting %s: %v", store.SettingUploadSessionTTL, err)
			}
		}
	}

	signer := auth.NewSigner(signSecret)
	sessions := auth.NewSessionTokens(jwtSecret, 0)
	authr := &auth.Authenticator{Sessions: sessions, Keys: st}

	router := mount.NewRouter(st)
	reg := driver.NewRegistry(st)
	fs := vfs.New(router, reg, st, signer)

	ixPath := indexPath(dbURL)
	ix, err := fsindex.Open(ctx, ixPath, router, reg, signer)
	if err != nil {
		exitf("Error opening search index at %s: %v", ixPath, err)
	}
	fs.SetIndexNotifier(ix)

	upSessions := upload.NewSessions(uploadTimeout)
	partsDir := strings.TrimSuffix(ixPath, filepath.Ext(ixPath)) + "-parts"
	partsDB, err := upload.OpenPartsDB(partsDir)
	if err != nil {
		exitf("Error opening upload parts ledger at %s: %v", partsDir, err)
	}
	engine := upload.NewEngine(upSessions, partsDB, st, upload.NewBroker())

	shares := share.New(st, reg, signer)

	runner := jobs.New(st)
	runner.Register(jobs.CopyHandler(fs))
	runner.Register(jobs.RebuildHandler(ix))
	runner.Register(jobs.ApplyDirtyHandler(ix))
	if n, err := st.SettingInt(ctx, store.SettingJobQueueUserLimit, 0); err == nil && n > 0 {
		runner.SetMaxLivePerUser(n)
	}
	if err := runner.Start(ctx); err != nil {
		exitf("Error starting job runner: %v", err)
	}

	sched := scheduler.New(st, runner)
	sched.StartInternal(time.Minute)

	srv := server.New(server.Config{
		Store:     st,
		Auth:      authr,
		Sessions:  sessions,
		Signer:    signer,
		Router:    router,
		Registry:  reg,
		FS:        fs,
		Index:     ix,
		Engine:    engine,
		Shares:    shares,
		Runner:    runner,
		Scheduler: sched,
	})

	ws := webserver.New()
	ws.Handle("/", srv.Handler())
	if err := ws.Listen(listen); err != nil {
		exitf("Listen: %v", err)
	}

	shutdownc <- multiCloser{
		closeFunc(func() error { sched.Close(); return nil }),
		closeFunc(func() error { runner.Close(); return nil }),
		closeFunc(func() error { upSessions.Close(); return nil }),
		partsDB,
		ix,
		st,
		logCloser,
	}

	log.Printf("cloudpasted version %s, listening on %s", buildinfo.Version(), ws.ListenURL())
	ws.Serve()
}
