package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/chase3718/pidi/internal/config"
	"github.com/chase3718/pidi/internal/library"
	"github.com/chase3718/pidi/internal/link"
	"github.com/chase3718/pidi/internal/midifile"
	"github.com/chase3718/pidi/internal/pidi"
	"github.com/chase3718/pidi/internal/player"
	"github.com/chase3718/pidi/internal/preview"
)

// -------------------- Logger --------------------

// logger is the package-wide structured logger. Safe to use before initLogger
// is called; defaults to slog.Default().
var logger = slog.Default()

// initLogger configures the shared slog logger and calls slog.SetDefault so
// the internal packages log through the same handler.
func initLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: debug, // include file:line in debug mode
	})
	logger = slog.New(h)
	slog.SetDefault(logger)
}

// -------------------- Styles --------------------

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	headStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	dimStyle   = lipgloss.NewStyle().Faint(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	cellStyle  = lipgloss.NewStyle().PaddingRight(2)
)

func formatMs(ms uint64) string {
	d := time.Duration(ms) * time.Millisecond
	return fmt.Sprintf("%d:%02d.%03d", int(d.Minutes()), int(d.Seconds())%60, ms%1000)
}

// table renders rows as left-aligned columns.
func table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, c := range r {
			widths[i] = max(widths[i], lipgloss.Width(c))
		}
	}
	line := func(cells []string, style lipgloss.Style) string {
		out := make([]string, len(cells))
		for i, c := range cells {
			out[i] = cellStyle.Width(widths[i] + 2).Render(style.Render(c))
		}
		return lipgloss.JoinHorizontal(lipgloss.Top, out...)
	}
	lines := []string{line(header, headStyle)}
	for _, r := range rows {
		lines = append(lines, line(r, lipgloss.NewStyle()))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// -------------------- Commands --------------------

type app struct {
	cfg *config.Config
	lib *library.Library
}

func (a *app) openLibrary() (*library.Library, error) {
	if a.lib != nil {
		return a.lib, nil
	}
	dir, err := a.cfg.LibraryDir()
	if err != nil {
		return nil, err
	}
	a.lib, err = library.Open(dir, logger)
	return a.lib, err
}

func (a *app) cmdImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	name := fs.String("name", "", "library name (default: file name)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: pidi import [-name NAME] FILE.mid|FILE.pidi")
	}
	lib, err := a.openLibrary()
	if err != nil {
		return err
	}
	var song *pidi.Song
	if isSongFile(fs.Arg(0)) {
		song, err = library.ReadSongFile(fs.Arg(0))
	} else {
		song, err = midifile.ParseFile(fs.Arg(0))
	}
	if err != nil {
		var pe *midifile.ParseError
		if errors.As(err, &pe) {
			return fmt.Errorf("cannot import %s: %s", fs.Arg(0), pe.Message())
		}
		return err
	}
	if *name != "" {
		song.Name = *name
	}
	if err := lib.Add(song); err != nil {
		return err
	}
	fmt.Println(okStyle.Render("imported"), titleStyle.Render(song.Name),
		dimStyle.Render(fmt.Sprintf("%d notes, %s", len(song.Notes), formatMs(song.LengthMs))))
	return nil
}

func isSongFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), library.SongExt)
}

func (a *app) cmdList(args []string) error {
	lib, err := a.openLibrary()
	if err != nil {
		return err
	}
	entries := lib.Search(strings.Join(args, " "))
	if len(entries) == 0 {
		fmt.Println(dimStyle.Render("no songs"))
		return nil
	}
	rows := make([][]string, len(entries))
	for i, e := range entries {
		rows[i] = []string{e.Name, formatMs(e.LengthMs)}
	}
	fmt.Println(table([]string{"Song", "Length"}, rows))
	return nil
}

func (a *app) cmdShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	limit := fs.Int("n", 20, "notes to print (0 for all)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: pidi show [-n COUNT] NAME")
	}
	lib, err := a.openLibrary()
	if err != nil {
		return err
	}
	song, err := lib.Load(fs.Arg(0))
	if err != nil {
		return err
	}
	capacity := link.FrameCapacity(a.cfg.Link.MaxFrameSize)
	chunks := link.SplitChunks(song.Notes, capacity)
	fmt.Println(titleStyle.Render(song.Name))
	fmt.Println(dimStyle.Render(fmt.Sprintf("%d notes, %s, %d chunks of up to %d notes",
		len(song.Notes), formatMs(song.LengthMs), len(chunks), capacity)))

	notes := song.Notes
	if *limit > 0 && len(notes) > *limit {
		notes = notes[:*limit]
	}
	starts := pidi.StartTimes(notes)
	rows := make([][]string, len(notes))
	for i, n := range notes {
		rows[i] = []string{
			fmt.Sprint(i),
			formatMs(starts[i]),
			fmt.Sprintf("%s%d", n.Key, int(n.Octave)+4),
			fmt.Sprint(n.Velocity),
			fmt.Sprint(n.Dt),
			fmt.Sprint(n.DurationMs()),
		}
	}
	fmt.Println(table([]string{"#", "Start", "Note", "Vel", "Dt ms", "Len ms"}, rows))
	if len(notes) < len(song.Notes) {
		fmt.Println(dimStyle.Render(fmt.Sprintf("... %d more", len(song.Notes)-len(notes))))
	}
	return nil
}

func (a *app) cmdRemove(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: pidi remove NAME")
	}
	lib, err := a.openLibrary()
	if err != nil {
		return err
	}
	if err := lib.Remove(args[0]); err != nil {
		return err
	}
	fmt.Println(okStyle.Render("removed"), args[0])
	return nil
}

func (a *app) cmdExport(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: pidi export NAME OUT.mid|OUT.pidi")
	}
	lib, err := a.openLibrary()
	if err != nil {
		return err
	}
	song, err := lib.Load(args[0])
	if err != nil {
		return err
	}
	write := midifile.ExportFile
	if isSongFile(args[1]) {
		write = library.WriteSongFile
	}
	if err := write(args[1], song); err != nil {
		return err
	}
	fmt.Println(okStyle.Render("exported"), song.Name, dimStyle.Render("to "+args[1]))
	return nil
}

func (a *app) cmdPorts([]string) error {
	d := a.serialDialer()
	d.Port = ""
	names, err := d.Candidates()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println(dimStyle.Render("no candidate ports (prefixes: " + strings.Join(prefixes(d), ", ") + ")"))
		return nil
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func prefixes(d *link.SerialDialer) []string {
	if len(d.Prefixes) > 0 {
		return d.Prefixes
	}
	return link.DefaultPrefixes()
}

func (a *app) serialDialer() *link.SerialDialer {
	return &link.SerialDialer{
		Baud:        a.cfg.Serial.Baud,
		ReadTimeout: a.cfg.ReadTimeout(),
		Port:        a.cfg.Serial.Port,
		Prefixes:    a.cfg.Serial.Prefixes,
		Log:         logger,
	}
}

// -------------------- Playback --------------------

type playOptions struct {
	offset uint32
	volume float64
	speed  float64
	// exit once the device has the whole song
	untilSent bool
}

func parsePlay(name string, args []string) (string, playOptions, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	offset := fs.Uint("offset", 0, "start position in ms")
	volume := fs.Float64("volume", 1, "volume, 0 to 2")
	speed := fs.Float64("speed", 1, "speed, 0.25 to 9.75")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return "", playOptions{}, fmt.Errorf("usage: pidi %s [-offset MS] [-volume V] [-speed S] NAME", name)
	}
	return fs.Arg(0), playOptions{offset: uint32(*offset), volume: *volume, speed: *speed}, nil
}

func (a *app) cmdPlay(args []string) error {
	name, opts, err := parsePlay("play", args)
	if err != nil {
		return err
	}
	return a.stream(name, a.serialDialer(), opts, nil)
}

func (a *app) cmdSimulate(args []string) error {
	name, opts, err := parsePlay("simulate", args)
	if err != nil {
		return err
	}
	opts.untilSent = true
	dev := link.NewDevice(uint32(a.cfg.Link.SimCapacity), logger)
	dialer := link.DeviceDialer{Device: dev, Name: "simulator", ReadTimeout: a.cfg.ReadTimeout()}
	if err := a.stream(name, dialer, opts, dev); err != nil {
		return err
	}
	st := dev.State()
	fmt.Println(okStyle.Render("device received"), fmt.Sprintf("%d notes in %d chunks (%d frames)",
		len(st.Notes), st.LastChunk+1, st.Frames))
	return nil
}

// stream installs the named song over a link built on dialer and reports
// status until interrupted, or, with untilSent, until the device has the
// whole song.
func (a *app) stream(name string, dialer link.Dialer, opts playOptions, dev *link.Device) error {
	lib, err := a.openLibrary()
	if err != nil {
		return err
	}
	song, err := lib.Load(name)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl := player.New(a.cfg.Link.QueueSize, logger)
	engine := link.NewEngine(a.cfg.Engine(), dialer, ctrl, logger)
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	for _, err := range []error{
		ctrl.SetVolume(float32(opts.volume)),
		ctrl.SetSpeed(float32(opts.speed)),
		ctrl.SubmitNewSong(song.Notes, opts.offset),
		ctrl.SetPaused(false),
	} {
		if err != nil {
			stop()
			<-done
			return err
		}
	}
	logger.Info("playing", "song", song.Name, "notes", len(song.Notes), "offset_ms", opts.offset,
		"volume", ctrl.Volume(), "speed", ctrl.Speed())

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	last := ""
	for {
		select {
		case err := <-done:
			fmt.Println()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-ticker.C:
		}
		line := statusLine(song, ctrl)
		if line != last {
			fmt.Print("\r" + line)
			last = line
		}
		if opts.untilSent && ctrl.Progress().Done() && dev != nil && dev.State().Complete {
			stop()
		}
	}
}

func statusLine(song *pidi.Song, ctrl *player.Controller) string {
	conn := errStyle.Render("disconnected")
	if ctrl.IsConnected() {
		conn = okStyle.Render("connected")
	}
	state := warnStyle.Render("paused")
	if ctrl.IsPlaying() {
		state = okStyle.Render("playing")
	}
	p := ctrl.Progress()
	return fmt.Sprintf("%s  %s  %s  %s %3.0f%% %s",
		titleStyle.Render(song.Name), conn, state,
		dimStyle.Render("sent"), 100*p.Fraction(),
		dimStyle.Render(fmt.Sprintf("(chunk %d, %d/%d notes)", p.Chunk, p.Sent, p.Total)))
}

// -------------------- Preview --------------------

func (a *app) cmdPreview(args []string) error {
	fs := flag.NewFlagSet("preview", flag.ExitOnError)
	out := fs.String("out", "", "midi output name to match (default: preferred synth)")
	offset := fs.Uint("offset", 0, "start position in ms")
	volume := fs.Float64("volume", 1, "volume, 0 to 2")
	speed := fs.Float64("speed", 1, "speed, 0.25 to 9.75")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: pidi preview [-out NAME] [-offset MS] [-volume V] [-speed S] NAME")
	}
	lib, err := a.openLibrary()
	if err != nil {
		return err
	}
	song, err := lib.Load(fs.Arg(0))
	if err != nil {
		return err
	}

	drv, err := rtmididrv.New()
	if err != nil {
		return fmt.Errorf("rtmididrv: %w", err)
	}
	var p *preview.Player
	// onDisconnect: panic-release whatever was sounding.
	watcher := preview.NewWatcher(drv, *out, func() {
		logger.Warn("midi: output lost, releasing notes")
		if p != nil {
			_ = p.Release()
		}
	}, logger)
	defer watcher.Close()

	p, err = preview.NewPlayer(song.Notes, preview.Options{
		OffsetMs: uint32(*offset),
		Volume:   float32(*volume),
		Speed:    float32(*speed),
	}, watcher, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("preview: waiting for midi output", "song", song.Name)
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	started := false
	for !p.Done() {
		select {
		case <-ctx.Done():
			return p.Release()
		case t := <-ticker.C:
			watcher.Tick()
			if _, ok := watcher.Connected(); !ok {
				continue
			}
			if !started {
				p.Start(t)
				started = true
			}
			if _, err := p.Flush(t); err != nil {
				logger.Debug("preview: send failed", "err", err)
			}
		}
	}
	fmt.Println(okStyle.Render("previewed"), song.Name)
	return nil
}

// -------------------- Main --------------------

func usage() {
	fmt.Fprintf(os.Stderr, `usage: pidi [flags] COMMAND [args]

commands:
  import [-name NAME] FILE       add a .mid or .pidi file to the library
  list [QUERY]                   list songs, prefix matches first
  show [-n COUNT] NAME           print a song's notes
  remove NAME                    delete a song
  export NAME OUT                write a song to a .mid or .pidi file
  play [opts] NAME               stream a song to the device
  simulate [opts] NAME           stream a song to an in-process device
  preview [opts] NAME            play a song on a local MIDI output
  ports                          list candidate serial ports

flags:
`)
	flag.PrintDefaults()
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (adds source location)")
	cfgPath := flag.String("config", "", "config file (default ~/.config/pidi/config.json)")
	serialDev := flag.String("serial", "", "serial port device (default: discover)")
	baud := flag.Int("baud", 0, "serial baud rate (default from config)")
	libDir := flag.String("lib", "", "song library directory")
	flag.Usage = usage
	flag.Parse()

	initLogger(*debug)

	path := *cfgPath
	if path == "" {
		p, err := config.Path()
		if err != nil {
			logger.Warn("config: no home directory, using defaults", "err", err)
		}
		path = p
	}
	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			logger.Error("config: load failed", "path", path, "err", err)
			os.Exit(1)
		}
	}
	if *serialDev != "" {
		cfg.Serial.Port = *serialDev
	}
	if *baud > 0 {
		cfg.Serial.Baud = *baud
	}
	if *libDir != "" {
		cfg.Library.Dir = *libDir
	}
	logger.Debug("pidi starting", "config", path, "serial", cfg.Serial.Port, "baud", cfg.Serial.Baud,
		"timeout_ms", cfg.Link.TimeoutMs, "retries", cfg.Link.MaxRetries, "max_frame", cfg.Link.MaxFrameSize)

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	a := &app{cfg: cfg}
	commands := map[string]func([]string) error{
		"import":   a.cmdImport,
		"list":     a.cmdList,
		"show":     a.cmdShow,
		"remove":   a.cmdRemove,
		"export":   a.cmdExport,
		"play":     a.cmdPlay,
		"simulate": a.cmdSimulate,
		"preview":  a.cmdPreview,
		"ports":    a.cmdPorts,
	}
	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		fmt.Fprintln(os.Stderr, errStyle.Render("unknown command "+flag.Arg(0)))
		usage()
		os.Exit(2)
	}
	if err := cmd(flag.Args()[1:]); err != nil {
		logger.Debug("command failed", "command", flag.Arg(0), "err", err)
		fmt.Fprintln(os.Stderr, errStyle.Render(err.Error()))
		os.Exit(1)
	}
}
