package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/matteso1/guardian/internal/config"
	"github.com/matteso1/guardian/internal/logging"
	"github.com/matteso1/guardian/internal/metrics"
	"github.com/matteso1/guardian/internal/model"
	"github.com/matteso1/guardian/internal/storage"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		printUsage(stderr)
		return errUsage
	}

	cmds := map[string]func([]string, io.Writer, io.Writer) error{
		"status":      statusCmd,
		"put":         putCmd,
		"get":         getCmd,
		"delete":      deleteCmd,
		"scan":        scanCmd,
		"compact":     compactCmd,
		"user-create": userCreateCmd,
		"user-get":    userGetCmd,
		"metrics":     metricsCmd,
	}

	command := args[0]
	if command == "help" {
		printUsage(stdout)
		return nil
	}
	cmd, ok := cmds[command]
	if !ok {
		printUsage(stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
	return cmd(args[1:], stdout, stderr)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `guardianctl - Guardian storage administration

Usage:
  guardianctl <command> [options]

Commands:
  status       Show segment and compaction statistics
  put          Store a value under a key
  get          Print the value stored under a key
  delete       Delete a key
  scan         List live keys, optionally with a prefix
  compact      Run a minor or major compaction
  user-create  Store a user record
  user-get     Print a user record
  metrics      Print or serve Prometheus metrics
  help         Show this help

Common options:
  -config      YAML config file (GUARDIAN_* variables override it)
  -data        Data directory, overrides the config
  -v           Log verbosity

Examples:
  guardianctl put -data ./data -key greeting -value hello
  guardianctl compact -data ./data -kind major
  guardianctl user-create -data ./data -id 1 -name Ada -email ada@example.com -age 36
  guardianctl metrics -data ./data -listen :9100`)
}

// env is what every command needs after flag parsing.
type env struct {
	store   *storage.Store
	metrics *metrics.Metrics
	log     logr.Logger
}

type commonFlags struct {
	config    *string
	data      *string
	verbosity *int
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs, commonFlags{
		config:    fs.String("config", "", "YAML config file"),
		data:      fs.String("data", "", "Data directory (overrides config)"),
		verbosity: fs.Int("v", -1, "Log verbosity (overrides config)"),
	}
}

// open loads configuration and opens the store. Background compaction is
// only wanted by long-running commands.
func (c commonFlags) open(stderr io.Writer, background bool) (*env, error) {
	f, err := config.Load(*c.config)
	if err != nil {
		return nil, err
	}
	if *c.data != "" {
		f.Dir = *c.data
	}
	if *c.verbosity >= 0 {
		f.Log.Verbosity = *c.verbosity
	}

	log := logging.New(stderr, f.Log.Verbosity)
	m := metrics.NewMetrics(nil)
	cfg := f.StorageConfig(log)
	cfg.Observer = m
	cfg.Compaction.Background = background && cfg.Compaction.Background

	s, err := storage.Open(f.Dir, cfg)
	if err != nil {
		return nil, err
	}
	if err := m.RegisterStore(s.Stats); err != nil {
		s.Close()
		return nil, err
	}
	return &env{store: s, metrics: m, log: log}, nil
}

func (e *env) close() error { return e.store.Close() }

func statusCmd(args []string, stdout, stderr io.Writer) error {
	fs, common := newFlagSet("status", stderr)
	segments := fs.Bool("segments", false, "List every segment")
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := common.open(stderr, false)
	if err != nil {
		return err
	}
	defer e.close()

	st := e.store.Stats()
	fmt.Fprintf(stdout, "Directory:        %s\n", e.store.Dir())
	fmt.Fprintf(stdout, "Segments:         %d (%d sealed, active %s)\n", st.Segments, st.SealedSegments, st.ActiveSegment)
	fmt.Fprintf(stdout, "Disk bytes:       %d\n", st.DiskBytes)
	fmt.Fprintf(stdout, "Records:          %d (%d tombstones)\n", st.Records, st.Tombstones)
	fmt.Fprintf(stdout, "Live keys:        %d (%d bytes)\n", st.LiveRecords, st.LiveBytes)
	fmt.Fprintf(stdout, "Garbage bytes:    %d\n", st.GarbageBytes)
	fmt.Fprintf(stdout, "Corruptions:      %d\n", st.Corruptions)
	fmt.Fprintf(stdout, "Compaction:       %s\n", st.Compaction.Status)

	if *segments {
		fmt.Fprintln(stdout)
		fmt.Fprintf(stdout, "%-18s %-7s %10s %12s %10s\n", "ID", "SEALED", "RECORDS", "BYTES", "TOMBSTONES")
		for _, meta := range e.store.Segments() {
			fmt.Fprintf(stdout, "%-18s %-7t %10d %12d %10d\n", meta.ID, meta.Sealed, meta.Records, meta.Bytes, meta.Tombstones)
		}
	}
	return nil
}

func putCmd(args []string, stdout, stderr io.Writer) error {
	fs, common := newFlagSet("put", stderr)
	key := fs.String("key", "", "Key (required)")
	value := fs.String("value", "", "Value")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("-key is required")
	}

	e, err := common.open(stderr, false)
	if err != nil {
		return err
	}
	defer e.close()

	pos, err := e.store.Save([]byte(*key), []byte(*value))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "✓ Stored %q at %s\n", *key, pos)
	return nil
}

func getCmd(args []string, stdout, stderr io.Writer) error {
	fs, common := newFlagSet("get", stderr)
	key := fs.String("key", "", "Key (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("-key is required")
	}

	e, err := common.open(stderr, false)
	if err != nil {
		return err
	}
	defer e.close()

	value, ok, err := e.store.Find([]byte(*key))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key %q not found", *key)
	}
	fmt.Fprintf(stdout, "%s\n", value)
	return nil
}

func deleteCmd(args []string, stdout, stderr io.Writer) error {
	fs, common := newFlagSet("delete", stderr)
	key := fs.String("key", "", "Key (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("-key is required")
	}

	e, err := common.open(stderr, false)
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.store.Delete([]byte(*key)); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "✓ Deleted %q\n", *key)
	return nil
}

func scanCmd(args []string, stdout, stderr io.Writer) error {
	fs, common := newFlagSet("scan", stderr)
	prefix := fs.String("prefix", "", "Only keys with this prefix")
	values := fs.Bool("values", false, "Print values too")
	limit := fs.Int("limit", 0, "Stop after this many keys (0 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := common.open(stderr, false)
	if err != nil {
		return err
	}
	defer e.close()

	errLimit := errors.New("limit reached")
	n := 0
	err = e.store.Scan(func(key, value []byte) error {
		if !strings.HasPrefix(string(key), *prefix) {
			return nil
		}
		if *limit > 0 && n >= *limit {
			return errLimit
		}
		n++
		if *values {
			fmt.Fprintf(stdout, "%s\t%s\n", key, value)
		} else {
			fmt.Fprintf(stdout, "%s\n", key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return err
	}
	return nil
}

func compactCmd(args []string, stdout, stderr io.Writer) error {
	fs, common := newFlagSet("compact", stderr)
	kindName := fs.String("kind", "major", "Compaction kind: minor or major")
	timeout := fs.Duration("timeout", 0, "Abort the run after this long (0 for none)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	kind, err := storage.ParseCompactionKind(*kindName)
	if err != nil {
		return err
	}

	e, err := common.open(stderr, false)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	before := e.store.Stats()
	res, err := e.store.Compact(ctx, kind)
	if err != nil {
		return err
	}
	after := e.store.Stats()

	fmt.Fprintf(stdout, "✓ %s compaction %s in %s\n", kind, res.RunID, res.Duration.Round(time.Millisecond))
	fmt.Fprintf(stdout, "  segments: %d → %d\n", before.Segments, after.Segments)
	fmt.Fprintf(stdout, "  records:  %d copied, %d dropped, %d tombstones purged\n",
		res.RecordsCopied, res.RecordsDropped, res.TombstonesPurged)
	fmt.Fprintf(stdout, "  bytes:    %d → %d\n", res.BytesBefore, res.BytesAfter)
	return nil
}

func userKey(id uint64) []byte {
	return []byte("user:" + strconv.FormatUint(id, 10))
}

func userCreateCmd(args []string, stdout, stderr io.Writer) error {
	fs, common := newFlagSet("user-create", stderr)
	id := fs.Uint64("id", 0, "User id (required)")
	name := fs.String("name", "", "Display name")
	email := fs.String("email", "", "Email address")
	street := fs.String("street", "", "Street")
	city := fs.String("city", "", "City")
	country := fs.String("country", "", "Country code")
	postal := fs.String("postal", "", "Postal code")
	age := fs.Uint("age", 0, "Age (sets a profile)")
	job := fs.String("job", "", "Occupation (sets a profile)")
	interests := fs.String("interests", "", "Comma separated interests (sets a profile)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == 0 {
		return errors.New("-id is required")
	}

	now := uint64(time.Now().Unix())
	u := model.User{
		ID:       *id,
		Name:     *name,
		Email:    *email,
		Location: model.Location{Street: *street, City: *city, Country: *country, Postal: *postal},
		Created:  now,
		Updated:  now,
	}
	if *age > 0 || *job != "" || *interests != "" {
		u.Profile = &model.Profile{Age: uint32(*age), Job: *job}
		if *interests != "" {
			u.Profile.Interests = strings.Split(*interests, ",")
		}
	}

	e, err := common.open(stderr, false)
	if err != nil {
		return err
	}
	defer e.close()

	users := storage.NewCollection[model.User](e.store, model.UserCodec{})
	if prev, ok, err := users.Find(userKey(u.ID)); err == nil && ok {
		u.Created = prev.Created
	}
	pos, err := users.Save(userKey(u.ID), u)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "✓ Stored user %d at %s\n", u.ID, pos)
	return nil
}

func userGetCmd(args []string, stdout, stderr io.Writer) error {
	fs, common := newFlagSet("user-get", stderr)
	id := fs.Uint64("id", 0, "User id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == 0 {
		return errors.New("-id is required")
	}

	e, err := common.open(stderr, false)
	if err != nil {
		return err
	}
	defer e.close()

	users := storage.NewCollection[model.User](e.store, model.UserCodec{})
	u, ok, err := users.Find(userKey(*id))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %d not found", *id)
	}

	fmt.Fprintf(stdout, "ID:       %d\n", u.ID)
	fmt.Fprintf(stdout, "Name:     %s\n", u.Name)
	fmt.Fprintf(stdout, "Email:    %s\n", u.Email)
	fmt.Fprintf(stdout, "Location: %s, %s, %s %s\n", u.Location.Street, u.Location.City, u.Location.Country, u.Location.Postal)
	if p := u.Profile; p != nil {
		fmt.Fprintf(stdout, "Age:      %d\n", p.Age)
		fmt.Fprintf(stdout, "Job:      %s\n", p.Job)
		fmt.Fprintf(stdout, "Interests: %s\n", strings.Join(p.Interests, ", "))
	}
	fmt.Fprintf(stdout, "Created:  %s\n", time.Unix(int64(u.Created), 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(stdout, "Updated:  %s\n", time.Unix(int64(u.Updated), 0).UTC().Format(time.RFC3339))
	return nil
}

func metricsCmd(args []string, stdout, stderr io.Writer) error {
	fs, common := newFlagSet("metrics", stderr)
	listen := fs.String("listen", "", "Serve /metrics on this address until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := common.open(stderr, *listen != "")
	if err != nil {
		return err
	}
	defer e.close()

	if *listen == "" {
		req, err := http.NewRequest(http.MethodGet, "/metrics", nil)
		if err != nil {
			return err
		}
		w := &textResponse{out: stdout, header: http.Header{}}
		e.metrics.Handler().ServeHTTP(w, req)
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", e.metrics.Handler())
	srv := &http.Server{Addr: *listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	e.log.Info("serving metrics", "addr", *listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// textResponse writes a handler's body to out.
type textResponse struct {
	out    io.Writer
	header http.Header
}

func (r *textResponse) Header() http.Header         { return r.header }
func (r *textResponse) Write(b []byte) (int, error) { return r.out.Write(b) }
func (r *textResponse) WriteHeader(int)             {}
