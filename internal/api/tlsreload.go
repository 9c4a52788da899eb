package api

import (
	"crypto/tls"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// certReloader serves a TLS key pair and reloads it when the files on disk
// change, so certificate rotation does not require a restart.
type certReloader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	mu   sync.RWMutex
	cert *tls.Certificate
}

func newCertReloader(certFile, keyFile string, logger *slog.Logger) (*certReloader, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, file := range []string{certFile, keyFile} {
		if err := watcher.Add(file); err != nil {
			watcher.Close() //nolint:errcheck
			return nil, err
		}
	}

	r := &certReloader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		watcher:  watcher,
		cert:     &cert,
	}
	go r.watch()
	return r, nil
}

func (r *certReloader) watch() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
				!event.Op.Has(fsnotify.Rename) && !event.Op.Has(fsnotify.Remove) {
				continue
			}
			if event.Op.Has(fsnotify.Rename) || event.Op.Has(fsnotify.Remove) {
				// Editors and cert managers replace files; re-arm the watch.
				r.watcher.Add(event.Name) //nolint:errcheck
			}
			r.reload()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("certificate watch error", slog.String("error", err.Error()))
		}
	}
}

func (r *certReloader) reload() {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		// Rotations touch files one at a time; keep the old pair until
		// both halves agree.
		r.logger.Warn("certificate reload failed", slog.String("error", err.Error()))
		return
	}

	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	r.logger.Info("tls certificate reloaded", slog.String("cert", r.certFile))
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *certReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

func (r *certReloader) Close() {
	r.watcher.Close() //nolint:errcheck
}
