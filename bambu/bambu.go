// Package bambu drives Bambu Lab printers over their LAN protocol: commands
// and telemetry over MQTT, files over implicit FTPS.
package bambu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/john/printbridge/metrics"
	"github.com/john/printbridge/printer"
)

// Name is the registry type token.
const Name = "bambu"

// Adapter implements printer.Printer for Bambu Lab printers.
type Adapter struct {
	cfg       Config
	store     FileStore
	sessions  *sessionManager
	telemetry *telemetry
	logger    *slog.Logger
}

// Option configures an Adapter.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records MQTT activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// withClientFactory replaces the paho client constructor.
func withClientFactory(f func(*mqtt.ClientOptions) mqtt.Client) Option {
	return func(o *options) { o.newClient = f }
}

// New creates the adapter. store produces the file-transfer sessions; nil
// selects an FTPSStore sharing the MQTT TLS settings.
func New(store FileStore, cfg Config, opts ...Option) (*Adapter, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()
	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		return nil, err
	}

	logger := o.logger.With("adapter", Name)
	if store == nil {
		store = NewFTPSStore(tlsConfig, cfg.ConnectTimeout, logger)
	}
	tel := newTelemetry()
	sessions := newSessionManager(cfg, tlsConfig, logger, o.metrics, tel)
	if o.newClient != nil {
		sessions.newClient = o.newClient
	}
	return &Adapter{
		cfg:       cfg,
		store:     store,
		sessions:  sessions,
		telemetry: tel,
		logger:    logger,
	}, nil
}

func (a *Adapter) Name() string { return Name }

// device parses the credentials of t into its connection key and token.
func device(t printer.Target) (connKey, string, error) {
	serial, token, err := ParseCredentials(t.Credentials)
	if err != nil {
		return connKey{}, "", err
	}
	return connKey{host: t.Host, serial: serial}, token, nil
}

// GetStatus requests a full report and returns the decoded telemetry. If the
// device does not answer in time the last cached report is used.
func (a *Adapter) GetStatus(ctx context.Context, t printer.Target) (*printer.Status, error) {
	key, token, err := device(t)
	if err != nil {
		return nil, printer.Wrap(Name, "status", err)
	}

	requested := a.sessions.now()
	push := envelope{Pushing: &pushingCommand{SequenceID: a.sessions.nextSequence(), Command: "pushall"}}
	if err := a.sessions.publish(ctx, key, token, push); err != nil {
		return nil, printer.Wrap(Name, "status", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.StatusTimeout)
	waitErr := a.telemetry.waitNewer(waitCtx, key, requested)
	cancel()

	fields, _, ok := a.telemetry.snapshot(key)
	if !ok {
		if waitErr == nil {
			waitErr = errors.New("empty report")
		}
		return nil, printer.Wrap(Name, "status", fmt.Errorf("no telemetry from %s: %w", key, waitErr))
	}
	if waitErr != nil {
		a.logger.Debug("using cached telemetry", "key", key.String(), "error", waitErr)
	}
	return decodeStatus(fields), nil
}

func (a *Adapter) fileSession(ctx context.Context, key connKey, token string) (FileSession, error) {
	sess, err := a.store.Session(ctx, key.host, key.serial, token)
	if err != nil {
		return nil, fmt.Errorf("opening file session: %w", err)
	}
	return sess, nil
}

func (a *Adapter) GetFiles(ctx context.Context, t printer.Target) ([]printer.FileInfo, error) {
	key, token, err := device(t)
	if err != nil {
		return nil, printer.Wrap(Name, "files", err)
	}
	sess, err := a.fileSession(ctx, key, token)
	if err != nil {
		return nil, printer.Wrap(Name, "files", err)
	}
	files, err := sess.List(ctx, remoteDir)
	if err != nil {
		return nil, printer.Wrap(Name, "files", err)
	}
	return files, nil
}

func (a *Adapter) GetFile(ctx context.Context, t printer.Target, name string) (*printer.FileInfo, error) {
	files, err := a.GetFiles(ctx, t)
	if err != nil {
		return nil, err
	}
	base := path.Base(RemotePath(name))
	for _, f := range files {
		if f.Name == base {
			return &f, nil
		}
	}
	return nil, printer.Wrap(Name, "file", fmt.Errorf("%s: %w", RemotePath(name), printer.ErrNotFound))
}

// DownloadFile streams gcodes/<name> from the device into w.
func (a *Adapter) DownloadFile(ctx context.Context, t printer.Target, name string, w io.Writer) (int64, error) {
	key, token, err := device(t)
	if err != nil {
		return 0, printer.Wrap(Name, "download", err)
	}
	sess, err := a.fileSession(ctx, key, token)
	if err != nil {
		return 0, printer.Wrap(Name, "download", err)
	}
	n, err := sess.Download(ctx, RemotePath(name), w)
	return n, printer.Wrap(Name, "download", err)
}

// upload stores the local file at localPath as gcodes/<base of name>.
func (a *Adapter) upload(ctx context.Context, key connKey, token, localPath, name string) (string, error) {
	sess, err := a.fileSession(ctx, key, token)
	if err != nil {
		return "", err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	if name == "" {
		name = localPath
	}
	remote := RemotePath(name)
	if err := sess.Upload(ctx, remote, f); err != nil {
		return "", fmt.Errorf("uploading %s to %s: %w", localPath, remote, err)
	}
	a.logger.Info("file uploaded", "key", key.String(), "remote", remote)
	return remote, nil
}

func (a *Adapter) UploadFile(ctx context.Context, t printer.Target, localPath, name string, startAfterUpload bool) (*printer.UploadResult, error) {
	key, token, err := device(t)
	if err != nil {
		return nil, printer.Wrap(Name, "upload", err)
	}
	remote, err := a.upload(ctx, key, token, localPath, name)
	if err != nil {
		return nil, printer.Wrap(Name, "upload", err)
	}

	result := &printer.UploadResult{Name: path.Base(remote), RemotePath: remote}
	if startAfterUpload {
		if err := a.sessions.publish(ctx, key, token, envelope{Print: a.startCommand(remote, PrintOptions{})}); err != nil {
			return nil, printer.Wrap(Name, "upload", fmt.Errorf("starting %s: %w", remote, err))
		}
		result.Started = true
	}
	return result, nil
}

// PrintProject uploads a sliced project and starts it: the file goes to
// gcodes/<base name> over FTPS, then a project_file command is published.
// It returns once the broker acknowledges the command; the job's progress
// must be observed through GetStatus. A failure after the upload leaves the
// file on the device; calling again overwrites it.
func (a *Adapter) PrintProject(ctx context.Context, t printer.Target, localPath string, opts PrintOptions) (*printer.CommandResult, error) {
	key, token, err := device(t)
	if err != nil {
		return nil, printer.Wrap(Name, "print", err)
	}
	remote, err := a.upload(ctx, key, token, localPath, "")
	if err != nil {
		return nil, printer.Wrap(Name, "print", err)
	}

	cmd := projectCommand(a.sessions.nextSequence(), remote, opts)
	if err := a.sessions.publish(ctx, key, token, envelope{Print: cmd}); err != nil {
		return nil, printer.Wrap(Name, "print", err)
	}
	return &printer.CommandResult{Command: cmd.Command, Message: "print requested for " + remote}, nil
}

func (a *Adapter) startCommand(remote string, opts PrintOptions) *printCommand {
	if strings.EqualFold(path.Ext(remote), ".3mf") {
		return projectCommand(a.sessions.nextSequence(), remote, opts)
	}
	return gcodeCommand(a.sessions.nextSequence(), remote)
}

// StartJob starts a file previously uploaded to gcodes/.
func (a *Adapter) StartJob(ctx context.Context, t printer.Target, name string) (*printer.CommandResult, error) {
	key, token, err := device(t)
	if err != nil {
		return nil, printer.Wrap(Name, "start", err)
	}
	remote := RemotePath(name)
	cmd := a.startCommand(remote, PrintOptions{})
	if err := a.sessions.publish(ctx, key, token, envelope{Print: cmd}); err != nil {
		return nil, printer.Wrap(Name, "start", err)
	}
	return &printer.CommandResult{Command: cmd.Command, Message: "print requested for " + remote}, nil
}

func (a *Adapter) command(ctx context.Context, t printer.Target, op, command string) (*printer.CommandResult, error) {
	key, token, err := device(t)
	if err != nil {
		return nil, printer.Wrap(Name, op, err)
	}
	if err := a.sessions.publish(ctx, key, token, envelope{Print: simpleCommand(a.sessions.nextSequence(), command)}); err != nil {
		return nil, printer.Wrap(Name, op, err)
	}
	return &printer.CommandResult{Command: command}, nil
}

func (a *Adapter) CancelJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.command(ctx, t, "cancel", "stop")
}

func (a *Adapter) PauseJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.command(ctx, t, "pause", "pause")
}

func (a *Adapter) ResumeJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.command(ctx, t, "resume", "resume")
}

// SetTemperature is not available over the LAN protocol.
func (a *Adapter) SetTemperature(context.Context, printer.Target, string, float64) (*printer.CommandResult, error) {
	return nil, printer.Unsupported(Name, "set temperature")
}

// DisconnectAll ends every MQTT and file-transfer session.
func (a *Adapter) DisconnectAll(ctx context.Context) error {
	err := a.sessions.disconnectAll(ctx)
	if cerr := a.store.Close(); cerr != nil {
		a.logger.Warn("closing file sessions", "error", cerr)
	}
	return err
}
