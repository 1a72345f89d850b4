package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/OpenLiberty/open-liberty-sub342/internal/container"
	"github.com/OpenLiberty/open-liberty-sub342/internal/infrastructure/config"
	"github.com/OpenLiberty/open-liberty-sub342/internal/logging"
	"github.com/OpenLiberty/open-liberty-sub342/internal/storage"
	"github.com/OpenLiberty/open-liberty-sub342/internal/storage/hooks"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "storaged:", err)
		os.Exit(1)
	}
}

// moduleView is the JSON form of an installed module.
type moduleView struct {
	ID           int64  `json:"id"`
	Location     string `json:"location"`
	SymbolicName string `json:"symbolic_name"`
	Version      string `json:"version"`
	State        string `json:"state"`
	Generation   int64  `json:"generation"`
	ContentType  string `json:"content_type"`
	Content      string `json:"content,omitempty"`
	MultiRelease bool   `json:"multi_release,omitempty"`
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("storaged", flag.ContinueOnError)
	configFile := fs.String("config", os.Getenv("STORAGE_CONFIG_FILE"), "TOML configuration file")
	root := fs.String("root", "", "Storage root (overrides configuration)")
	dev := fs.Bool("dev", false, "Development logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("missing command: list, install, update, uninstall, compact, system or metrics")
	}

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		return err
	}
	if *root != "" {
		cfg.Storage.Root = *root
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	log, err := logging.New(logging.Preset(cfg.Logging.Development, cfg.Logging.Level, cfg.Logging.Output))
	if err != nil {
		return err
	}
	defer log.Sync()

	factories, err := hooks.FromConfig(cfg.Storage.Hooks)
	if err != nil {
		return err
	}
	st, err := storage.Open(storage.Options{Config: cfg, Logger: log, Hooks: factories})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			log.Error("Failed to close storage", zap.Error(cerr))
		}
	}()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "list":
		return writeJSON(out, listModules(st))
	case "install":
		return install(ctx, st, rest, out)
	case "update":
		return update(ctx, st, rest)
	case "uninstall":
		m, err := lookup(st, rest)
		if err != nil {
			return err
		}
		return st.Uninstall(m)
	case "compact":
		stats, err := st.Compact()
		if err != nil {
			return err
		}
		return writeJSON(out, stats)
	case "system":
		return writeJSON(out, st.System())
	case "metrics":
		return st.Metrics().WriteText(out)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func listModules(st *storage.Storage) []moduleView {
	modules := st.Container().Modules()
	sort.Slice(modules, func(i, j int) bool { return modules[i].ID < modules[j].ID })
	views := make([]moduleView, 0, len(modules))
	for _, m := range modules {
		views = append(views, view(st, m))
	}
	return views
}

func view(st *storage.Storage, m *container.Module) moduleView {
	v := moduleView{ID: m.ID, Location: m.Location, State: m.State().String()}
	if rev := m.CurrentRevision(); rev != nil {
		v.SymbolicName = rev.Descriptor.SymbolicName
		v.Version = rev.Descriptor.Version
	}
	if g, err := st.CurrentGeneration(m); err == nil {
		v.Generation = g.ID()
		v.ContentType = g.ContentType().String()
		v.Content = g.Content()
		v.MultiRelease = g.IsMultiRelease()
	}
	return v
}

// contentArgs parses "<location> [-file path]".
func contentArgs(name string, args []string) (string, io.ReadCloser, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	file := fs.String("file", "", "Read content from this file instead of the location")
	if len(args) == 0 {
		return "", nil, fmt.Errorf("%s: missing location", name)
	}
	location := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return "", nil, err
	}
	if *file == "" {
		return location, nil, nil
	}
	f, err := os.Open(*file)
	if err != nil {
		return "", nil, err
	}
	return location, f, nil
}

func install(ctx context.Context, st *storage.Storage, args []string, out io.Writer) error {
	location, content, err := contentArgs("install", args)
	if err != nil {
		return err
	}
	var r io.Reader
	if content != nil {
		defer content.Close()
		r = content
	}
	m, err := st.Install(ctx, nil, location, r)
	if err != nil {
		return err
	}
	return writeJSON(out, view(st, m))
}

func update(ctx context.Context, st *storage.Storage, args []string) error {
	location, content, err := contentArgs("update", args)
	if err != nil {
		return err
	}
	var r io.Reader
	if content != nil {
		defer content.Close()
		r = content
	}
	m, ok := st.Container().ModuleByLocation(location)
	if !ok {
		return fmt.Errorf("no module at %q", location)
	}
	return st.Update(ctx, m, r)
}

func lookup(st *storage.Storage, args []string) (*container.Module, error) {
	if len(args) != 1 {
		return nil, errors.New("expected one location")
	}
	m, ok := st.Container().ModuleByLocation(args[0])
	if !ok {
		return nil, fmt.Errorf("no module at %q", args[0])
	}
	return m, nil
}

func writeJSON(w io.Writer, v any) error {
	data, err := sonic.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
