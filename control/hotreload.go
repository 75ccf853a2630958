// control/hotreload.go
// Author: momentics <momentics@gmail.com>
//
// Reloads a ConfigStore from its file on request (SIGHUP in the CLI).

package control

import (
	"context"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
)

// ReloadFromFile loads path and installs it into cs. On failure the
// current configuration stays in effect.
func (cs *ConfigStore) ReloadFromFile(path string) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}
	return cs.SetConfig(cfg)
}

// WatchReload reloads cs from path every time one of sigs arrives, until
// ctx is done.
func WatchReload(ctx context.Context, cs *ConfigStore, path string, log logrus.FieldLogger, sigs ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				if err := cs.ReloadFromFile(path); err != nil {
					log.WithError(err).Warn("config reload failed")
					continue
				}
				log.WithField("path", path).Info("config reloaded")
			}
		}
	}()
}
